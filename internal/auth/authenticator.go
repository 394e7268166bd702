package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/inferxgate/gateway/internal/cache"
	"github.com/inferxgate/gateway/internal/store"
)

// Error is a structured authentication failure, carrying the taxonomy code
// spec.md §4.1/§7 defines so handlers can map it onto the right HTTP status.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Error codes from spec.md §4.1.
const (
	ErrMissingCredentials = "missing_credentials"
	ErrMalformedHeader    = "malformed_header"
	ErrBadToken           = "bad_token"
	ErrUnknownUser        = "unknown_user"
	ErrUnknownKey         = "unknown_key"
	ErrKeyBlocked         = "key_blocked"
	ErrKeyOverBudget      = "key_over_budget"
	ErrKeyExpired         = "key_expired"
	ErrBackendUnavailable = "backend_unavailable"
)

func authErr(code, message string) error { return &Error{Code: code, Message: message} }

// Authenticator resolves inbound credentials into a Principal. It maintains
// a two-tier cache over the key/v store to avoid repeated slow
// (bcrypt) verification on every request.
type Authenticator struct {
	store     *store.Store
	cache     cache.Cache
	sessions  *SessionManager
	masterKey string
	log       *slog.Logger
}

// NewAuthenticator builds an Authenticator.
func NewAuthenticator(st *store.Store, c cache.Cache, sessions *SessionManager, masterKey string, log *slog.Logger) *Authenticator {
	return &Authenticator{store: st, cache: c, sessions: sessions, masterKey: masterKey, log: log}
}

// RequireMaster accepts only the configured master key.
func (a *Authenticator) RequireMaster(ctx context.Context, header string) (*Principal, error) {
	key, err := bearerOrRaw(header)
	if err != nil {
		return nil, err
	}
	if a.masterKey == "" || key != a.masterKey {
		return nil, authErr(ErrBadToken, "invalid master key")
	}
	return &Principal{Kind: PrincipalAdmin, Role: "admin"}, nil
}

// RequireSession accepts only a valid session JWT (Authorization: Bearer <jwt>).
func (a *Authenticator) RequireSession(ctx context.Context, header string) (*Principal, error) {
	token, err := bearerOrRaw(header)
	if err != nil {
		return nil, err
	}
	return a.resolveSession(ctx, token)
}

// RequireAny accepts a master key, a session token, or a virtual API key —
// whichever the Authorization header carries.
func (a *Authenticator) RequireAny(ctx context.Context, header string) (*Principal, error) {
	key, err := bearerOrRaw(header)
	if err != nil {
		return nil, err
	}
	if a.masterKey != "" && key == a.masterKey {
		return &Principal{Kind: PrincipalAdmin, Role: "admin"}, nil
	}
	if strings.HasPrefix(key, apiKeyPrefix) && !looksLikeJWT(key) {
		return a.resolveAPIKey(ctx, key)
	}
	return a.resolveSession(ctx, key)
}

func bearerOrRaw(header string) (string, error) {
	if header == "" {
		return "", authErr(ErrMissingCredentials, "missing credentials")
	}
	if strings.HasPrefix(header, "Bearer ") {
		tok := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if tok == "" {
			return "", authErr(ErrMalformedHeader, "empty bearer token")
		}
		return tok, nil
	}
	if strings.Contains(header, " ") {
		return "", authErr(ErrMalformedHeader, "malformed authorization header")
	}
	return header, nil
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

func (a *Authenticator) resolveSession(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.sessions.ValidateToken(token)
	if err != nil {
		return nil, authErr(ErrBadToken, "invalid or expired session token")
	}

	exists, err := a.store.SessionExists(ctx, claims.ID, time.Now())
	if err != nil {
		return nil, authErr(ErrBackendUnavailable, "session store unavailable")
	}
	if !exists {
		return nil, authErr(ErrBadToken, "session has been revoked")
	}

	return &Principal{
		Kind:      PrincipalUser,
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		SessionID: claims.ID,
	}, nil
}

// resolveAPIKey implements spec.md §4.1's two-tier cache resolution order:
// verified-cache hit accepts immediately; otherwise the lookup hash is used
// to find the key (via a record cache, then the store), the verification
// hash is checked, and on success the verified cache is populated. A miss
// at every stage still performs a throwaway verification so timing does not
// reveal whether the key exists.
func (a *Authenticator) resolveAPIKey(ctx context.Context, secret string) (*Principal, error) {
	lookupHash := LookupHash(secret)

	if body, ok := a.cache.Get(ctx, verifiedCacheKey(lookupHash)); ok {
		var key store.VirtualKey
		if err := json.Unmarshal(body, &key); err == nil {
			return a.principalForKey(ctx, &key, true)
		}
	}

	key, err := a.findVirtualKey(ctx, lookupHash)
	if err != nil {
		EqualizeTiming()
		return nil, err
	}

	if !CheckVerification(key.VerificationHash, secret) {
		return nil, authErr(ErrUnknownKey, "invalid api key")
	}

	if body, err := json.Marshal(key); err == nil {
		_ = a.cache.Set(ctx, verifiedCacheKey(lookupHash), body, verifiedCacheTTL)
	}

	return a.principalForKey(ctx, key, false)
}

func (a *Authenticator) findVirtualKey(ctx context.Context, lookupHash string) (*store.VirtualKey, error) {
	if body, ok := a.cache.Get(ctx, recordCacheKey(lookupHash)); ok {
		var key store.VirtualKey
		if err := json.Unmarshal(body, &key); err == nil {
			return &key, nil
		}
	}

	key, err := a.store.GetVirtualKeyByLookupHash(ctx, lookupHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, authErr(ErrUnknownKey, "invalid api key")
		}
		return nil, authErr(ErrBackendUnavailable, "key store unavailable")
	}

	if body, err := json.Marshal(key); err == nil {
		_ = a.cache.Set(ctx, recordCacheKey(lookupHash), body, recordCacheTTL)
	}
	return &key, nil
}

func (a *Authenticator) principalForKey(ctx context.Context, key *store.VirtualKey, fromVerifiedCache bool) (*Principal, error) {
	now := time.Now()
	if key.Blocked {
		return nil, authErr(ErrKeyBlocked, "api key is blocked")
	}
	if key.BudgetUSD != nil && key.CurrentSpendUSD >= *key.BudgetUSD {
		return nil, authErr(ErrKeyOverBudget, "api key has exceeded its budget")
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, authErr(ErrKeyExpired, "api key has expired")
	}

	go func() {
		_ = a.store.TouchLastUsed(context.Background(), key.ID)
	}()

	return &Principal{
		Kind:         PrincipalAPIKey,
		UserID:       key.UserID,
		VirtualKeyID: key.ID,
		VirtualKey:   key,
	}, nil
}
