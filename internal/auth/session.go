package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionClaims are the claims embedded in a self-issued session JWT.
type SessionClaims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates HS256 session JWTs.
type SessionManager struct {
	secret []byte
	expiry time.Duration
}

// NewSessionManager builds a manager that signs tokens with secret and sets
// them to expire after expiry (spec default: 168h).
func NewSessionManager(secret string, expiry time.Duration) (*SessionManager, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth: jwt secret must be at least 16 bytes")
	}
	if expiry <= 0 {
		expiry = 168 * time.Hour
	}
	return &SessionManager{secret: []byte(secret), expiry: expiry}, nil
}

// IssueToken signs a new session JWT for (userID, email, role) and returns
// the token along with the session id (jti) the caller should persist so
// /auth/logout can revoke it.
func (sm *SessionManager) IssueToken(userID, email, role string) (token string, sessionID string, expiresAt time.Time, err error) {
	now := time.Now()
	sessionID = uuid.NewString()
	expiresAt = now.Add(sm.expiry)

	claims := SessionClaims{
		Subject: userID,
		Email:   email,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("auth: sign session token: %w", err)
	}
	return signed, sessionID, expiresAt, nil
}

// ValidateToken verifies the JWT signature and expiry and returns its claims.
func (sm *SessionManager) ValidateToken(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return sm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid session token")
	}
	return claims, nil
}
