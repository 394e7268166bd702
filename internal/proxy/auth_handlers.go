package proxy

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/inferxgate/gateway/internal/auth"
	"github.com/inferxgate/gateway/internal/store"
	"github.com/inferxgate/gateway/pkg/apierr"
)

// AuthAPI holds the dependencies every /auth/* handler needs: the store for persistence, the Authenticator for session/key
// resolution, the session manager for issuing tokens, and the optional
// GitHub OAuth client.
type AuthAPI struct {
	store               *store.Store
	authn               *auth.Authenticator
	sessions            *auth.SessionManager
	github              *auth.GitHubOAuth
	allowedEmailDomains []string
	frontendURL         string
}

// NewAuthAPI builds the /auth/* handler set.
func NewAuthAPI(st *store.Store, authn *auth.Authenticator, sessions *auth.SessionManager, gh *auth.GitHubOAuth, allowedEmailDomains []string, frontendURL string) *AuthAPI {
	return &AuthAPI{
		store:               st,
		authn:               authn,
		sessions:            sessions,
		github:              gh,
		allowedEmailDomains: allowedEmailDomains,
		frontendURL:         frontendURL,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Username: u.Username, Role: u.Role}
}

// handleRegister implements POST /auth/register.
func (a *AuthAPI) handleRegister(ctx *fasthttp.RequestCtx) {
	var req registerRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		apierr.WriteBadRequest(ctx, "email and password are required")
		return
	}
	if !emailDomainAllowed(req.Email, a.allowedEmailDomains) {
		apierr.WriteBadRequest(ctx, "email domain is not permitted")
		return
	}

	if _, err := a.store.GetUserByEmail(ctx, req.Email); err == nil {
		apierr.WriteBadRequest(ctx, "an account with this email already exists")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		apierr.WriteServiceUnavailable(ctx, "user store unavailable")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to hash password")
		return
	}

	u, err := a.store.CreateUser(ctx, store.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: passwordHash,
		Role:         "user",
	})
	if err != nil {
		apierr.WriteBadRequest(ctx, "could not create user")
		return
	}

	a.issueSessionResponse(ctx, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin implements POST /auth/login.
func (a *AuthAPI) handleLogin(ctx *fasthttp.RequestCtx) {
	var req loginRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}

	u, err := a.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		apierr.WriteUnauthenticated(ctx, "invalid email or password", "invalid_credentials")
		return
	}
	if u.PasswordHash == "" || !auth.CheckPassword(u.PasswordHash, req.Password) {
		apierr.WriteUnauthenticated(ctx, "invalid email or password", "invalid_credentials")
		return
	}

	a.issueSessionResponse(ctx, u)
}

func (a *AuthAPI) issueSessionResponse(ctx *fasthttp.RequestCtx, u store.User) {
	token, sessionID, expiresAt, err := a.sessions.IssueToken(u.ID, u.Email, u.Role)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to issue session token")
		return
	}
	if _, err := a.store.CreateSession(ctx, store.Session{ID: sessionID, UserID: u.ID, ExpiresAt: expiresAt}); err != nil {
		apierr.WriteInternal(ctx, "failed to persist session")
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, sessionResponse{Token: token, User: toUserResponse(u)})
}

type oauthStartResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// handleOAuthGitHubStart implements GET /auth/oauth/github.
func (a *AuthAPI) handleOAuthGitHubStart(ctx *fasthttp.RequestCtx) {
	if a.github == nil {
		apierr.WriteBadRequest(ctx, "github oauth is not configured")
		return
	}
	state := uuid.NewString()
	writeJSON(ctx, fasthttp.StatusOK, oauthStartResponse{AuthURL: a.github.AuthURL(state), State: state})
}

// handleOAuthGitHubCallback implements GET /auth/oauth/callback.
func (a *AuthAPI) handleOAuthGitHubCallback(ctx *fasthttp.RequestCtx) {
	if a.github == nil {
		apierr.WriteBadRequest(ctx, "github oauth is not configured")
		return
	}
	code := string(ctx.QueryArgs().Peek("code"))
	if code == "" {
		apierr.WriteBadRequest(ctx, "missing code parameter")
		return
	}

	identity, err := a.github.Exchange(ctx, code)
	if err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("oauth exchange failed: %s", err.Error()))
		return
	}
	if !emailDomainAllowed(identity.Email, a.allowedEmailDomains) {
		apierr.WriteBadRequest(ctx, "email domain is not permitted")
		return
	}

	u, err := a.store.GetOrCreateOAuthUser(ctx, uuid.NewString(), identity.Provider, identity.ProviderUserID, identity.Email, identity.Username, identity.AvatarURL)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to resolve oauth user")
		return
	}

	token, sessionID, expiresAt, err := a.sessions.IssueToken(u.ID, u.Email, u.Role)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to issue session token")
		return
	}
	if _, err := a.store.CreateSession(ctx, store.Session{ID: sessionID, UserID: u.ID, ExpiresAt: expiresAt}); err != nil {
		apierr.WriteInternal(ctx, "failed to persist session")
		return
	}

	userJSON, _ := json.Marshal(toUserResponse(u))
	encodedUser := base64.RawURLEncoding.EncodeToString(userJSON)

	redirectURL := fmt.Sprintf("%s?token=%s&user=%s", a.frontendURL, token, encodedUser)
	ctx.Redirect(redirectURL, fasthttp.StatusFound)
}

// handleLogout implements POST /auth/logout.
func (a *AuthAPI) handleLogout(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}
	if err := a.store.DeleteSession(ctx, principal.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		apierr.WriteInternal(ctx, "failed to revoke session")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// handleMe implements GET /auth/me.
func (a *AuthAPI) handleMe(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}
	u, err := a.store.GetUserByID(ctx, principal.UserID)
	if err != nil {
		apierr.WriteNotFound(ctx, "user not found", apierr.CodeUserNotFound)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, toUserResponse(u))
}

type createVirtualKeyRequest struct {
	Name           string   `json:"name"`
	BudgetUSD      *float64 `json:"max_budget,omitempty"`
	RPMLimit       *int     `json:"rate_limit_rpm,omitempty"`
	TPMLimit       *int     `json:"rate_limit_tpm,omitempty"`
	ModelAllowlist []string `json:"model_allowlist,omitempty"`
	ExpiresInDays  *int     `json:"expires_in_days,omitempty"`
}

type virtualKeyResponse struct {
	ID              string   `json:"id"`
	Key             string   `json:"key,omitempty"`
	KeyPrefix       string   `json:"key_prefix"`
	Name            string   `json:"name,omitempty"`
	BudgetUSD       *float64 `json:"max_budget,omitempty"`
	CurrentSpendUSD float64  `json:"current_spend_usd"`
	RPMLimit        *int     `json:"rate_limit_rpm,omitempty"`
	TPMLimit        *int     `json:"rate_limit_tpm,omitempty"`
	ModelAllowlist  []string `json:"model_allowlist,omitempty"`
	Blocked         bool     `json:"blocked"`
}

func toVirtualKeyResponse(k store.VirtualKey, secret string) virtualKeyResponse {
	return virtualKeyResponse{
		ID:              k.ID,
		Key:             secret,
		KeyPrefix:       k.KeyPrefix,
		Name:            k.Name,
		BudgetUSD:       k.BudgetUSD,
		CurrentSpendUSD: k.CurrentSpendUSD,
		RPMLimit:        k.RPMLimit,
		TPMLimit:        k.TPMLimit,
		ModelAllowlist:  k.ModelAllowlist,
		Blocked:         k.Blocked,
	}
}

// handleKeyGenerate implements POST /auth/key/generate.
func (a *AuthAPI) handleKeyGenerate(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}
	if principal.Kind != auth.PrincipalUser && !principal.IsAdmin() {
		apierr.WriteForbidden(ctx, "only a user session or admin may generate keys")
		return
	}

	var req createVirtualKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}

	secret, err := auth.GenerateAPIKeySecret()
	if err != nil {
		apierr.WriteInternal(ctx, "failed to generate key")
		return
	}
	verificationHash, err := auth.VerificationHash(secret)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to hash key")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	k, err := a.store.CreateVirtualKey(ctx, store.VirtualKey{
		ID:               uuid.NewString(),
		UserID:           principal.UserID,
		LookupHash:       auth.LookupHash(secret),
		VerificationHash: verificationHash,
		KeyPrefix:        auth.KeyDisplayPrefix(secret),
		Name:             req.Name,
		BudgetUSD:        req.BudgetUSD,
		RPMLimit:         req.RPMLimit,
		TPMLimit:         req.TPMLimit,
		ModelAllowlist:   req.ModelAllowlist,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		apierr.WriteInternal(ctx, "failed to create key")
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, toVirtualKeyResponse(k, secret))
}

// handleKeyInfo implements GET /auth/key/info?key_id=.
func (a *AuthAPI) handleKeyInfo(ctx *fasthttp.RequestCtx) {
	principal, key, ok := a.resolveOwnedKey(ctx)
	if !ok {
		return
	}
	_ = principal
	writeJSON(ctx, fasthttp.StatusOK, toVirtualKeyResponse(key, ""))
}

type updateVirtualKeyRequest struct {
	KeyID          string   `json:"key_id"`
	Name           *string  `json:"name,omitempty"`
	BudgetUSD      *float64 `json:"max_budget,omitempty"`
	RPMLimit       *int     `json:"rate_limit_rpm,omitempty"`
	TPMLimit       *int     `json:"rate_limit_tpm,omitempty"`
	ModelAllowlist []string `json:"model_allowlist,omitempty"`
	Blocked        *bool    `json:"blocked,omitempty"`
}

// handleKeyUpdate implements POST /auth/key/update.
func (a *AuthAPI) handleKeyUpdate(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}

	var req updateVirtualKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}
	if req.KeyID == "" {
		apierr.WriteBadRequest(ctx, "key_id is required")
		return
	}

	existing, err := a.store.GetVirtualKeyByID(ctx, req.KeyID)
	if err != nil {
		apierr.WriteNotFound(ctx, "key not found", "key_not_found")
		return
	}
	if !principal.IsAdmin() && existing.UserID != principal.UserID {
		apierr.WriteForbidden(ctx, "you do not own this key")
		return
	}

	k, err := a.store.UpdateVirtualKey(ctx, store.UpdateVirtualKeyParams{
		ID:             req.KeyID,
		Name:           req.Name,
		BudgetUSD:      req.BudgetUSD,
		RPMLimit:       req.RPMLimit,
		TPMLimit:       req.TPMLimit,
		ModelAllowlist: req.ModelAllowlist,
		Blocked:        req.Blocked,
	})
	if err != nil {
		apierr.WriteInternal(ctx, "failed to update key")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, toVirtualKeyResponse(k, ""))
}

type deleteVirtualKeyRequest struct {
	KeyID string `json:"key_id"`
}

// handleKeyDelete implements POST /auth/key/delete.
func (a *AuthAPI) handleKeyDelete(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}

	var req deleteVirtualKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}

	existing, err := a.store.GetVirtualKeyByID(ctx, req.KeyID)
	if err != nil {
		apierr.WriteNotFound(ctx, "key not found", "key_not_found")
		return
	}
	if !principal.IsAdmin() && existing.UserID != principal.UserID {
		apierr.WriteForbidden(ctx, "you do not own this key")
		return
	}

	if err := a.store.DeleteVirtualKey(ctx, req.KeyID); err != nil {
		apierr.WriteInternal(ctx, "failed to delete key")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// handleKeysList implements GET /auth/keys.
func (a *AuthAPI) handleKeysList(ctx *fasthttp.RequestCtx) {
	principal, err := a.authn.RequireSession(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}
	keys, err := a.store.ListVirtualKeysByUser(ctx, principal.UserID)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to list keys")
		return
	}
	out := make([]virtualKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toVirtualKeyResponse(k, ""))
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// resolveOwnedKey authenticates the caller and loads the key_id query
// parameter, enforcing that only an admin or the key's own user may view it.
func (a *AuthAPI) resolveOwnedKey(ctx *fasthttp.RequestCtx) (*auth.Principal, store.VirtualKey, bool) {
	principal, err := a.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return nil, store.VirtualKey{}, false
	}
	keyID := string(ctx.QueryArgs().Peek("key_id"))
	if keyID == "" {
		apierr.WriteBadRequest(ctx, "key_id is required")
		return nil, store.VirtualKey{}, false
	}
	k, err := a.store.GetVirtualKeyByID(ctx, keyID)
	if err != nil {
		apierr.WriteNotFound(ctx, "key not found", "key_not_found")
		return nil, store.VirtualKey{}, false
	}
	if !principal.IsAdmin() && k.UserID != principal.UserID {
		apierr.WriteForbidden(ctx, "you do not own this key")
		return nil, store.VirtualKey{}, false
	}
	return principal, k, true
}

func writeAuthErr(ctx *fasthttp.RequestCtx, err error) {
	var aerr *auth.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case auth.ErrKeyBlocked:
			apierr.WriteForbidden(ctx, aerr.Message)
		case auth.ErrBackendUnavailable:
			apierr.WriteServiceUnavailable(ctx, aerr.Message)
		default:
			apierr.WriteUnauthenticated(ctx, aerr.Message, aerr.Code)
		}
		return
	}
	apierr.WriteUnauthenticated(ctx, "unauthenticated", "unauthenticated")
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func emailDomainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}
