// Package auth resolves an inbound request's credentials — a master key, a
// session bearer token, or a virtual API key — into a Principal, and issues
// the credentials a registration/login/key-generate call hands back.
package auth

import (
	"time"

	"github.com/inferxgate/gateway/internal/store"
)

// PrincipalKind distinguishes the three ways a request can be authenticated.
type PrincipalKind string

const (
	PrincipalAdmin  PrincipalKind = "admin"
	PrincipalUser   PrincipalKind = "user"
	PrincipalAPIKey PrincipalKind = "api_key"
)

// Principal is the resolved identity of an authenticated request.
type Principal struct {
	Kind         PrincipalKind
	UserID       string
	Email        string
	Role         string
	SessionID    string
	VirtualKeyID string
	VirtualKey   *store.VirtualKey
}

// IsAdmin reports whether the principal may perform admin-only operations.
func (p *Principal) IsAdmin() bool {
	return p.Kind == PrincipalAdmin || p.Role == "admin"
}

const (
	verifiedCacheTTL = 300 * time.Second
	recordCacheTTL   = 300 * time.Second
)

func verifiedCacheKey(lookupHash string) string { return "auth:verified:" + lookupHash }
func recordCacheKey(lookupHash string) string   { return "auth:key:" + lookupHash }
