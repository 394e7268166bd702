package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/bcrypt"
)

// dummyVerificationHash is a fixed bcrypt hash checked against a throwaway
// password when a virtual key's lookup hash is not found, so the
// not-found path costs roughly the same wall-clock time as a real
// verification, and a timing side-channel can't distinguish "no such key"
// from "key exists, wrong secret".
var dummyVerificationHash = mustHash("inferxgate-timing-equalization-constant")

func mustHash(s string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("auth: generating dummy hash: %v", err))
	}
	return string(h)
}

// LookupHash computes the fast, non-cryptographic hash used to index a
// virtual key (or API key secret) for O(1) database lookup. It is not a
// substitute for VerificationHash — an attacker who reads the lookup_hash
// column learns nothing usable without also defeating the verification hash.
func LookupHash(secret string) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], xxhash.Sum64String(secret))
	return hex.EncodeToString(buf[:])
}

// VerificationHash computes the slow, bcrypt-backed hash stored alongside a
// virtual key, checked only once the lookup hash has found a candidate row.
func VerificationHash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(h), nil
}

// CheckVerification reports whether secret matches the stored verification hash.
func CheckVerification(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// EqualizeTiming performs a throwaway verification against a constant hash,
// so the "lookup hash not found" path takes about as long as a genuine
// verification failure would.
func EqualizeTiming() {
	bcrypt.CompareHashAndPassword([]byte(dummyVerificationHash), []byte("discarded"))
}

// HashPassword hashes a user's login password for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether password matches the stored password hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

const apiKeyPrefix = "sk-"

// GenerateAPIKeySecret mints a new virtual key secret: "sk-" followed by the
// base64url encoding of 32 random bytes. The full secret is returned exactly
// once, at creation time — only its lookup/verification hashes persist.
func GenerateAPIKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key secret: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// KeyDisplayPrefix returns the short, non-secret prefix shown in key listings.
func KeyDisplayPrefix(secret string) string {
	if len(secret) <= 12 {
		return secret
	}
	return secret[:12]
}

// IsMasterKeyFormat reports whether a credential looks like a master key:
// "sk-" prefixed with length at least 10.
func IsMasterKeyFormat(s string) bool {
	return len(s) >= 10 && len(s) >= len(apiKeyPrefix) && s[:len(apiKeyPrefix)] == apiKeyPrefix
}
