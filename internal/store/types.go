package store

import "time"

// User is a registered account — a human principal, as opposed to a
// VirtualKey (an API-key principal).
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OAuthAccount links an external identity provider account to a User.
type OAuthAccount struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	AvatarURL      string
	CreatedAt      time.Time
}

// VirtualKey is an API key issued to a user, with its own budget and rate
// limits. LookupHash indexes the key for fast retrieval; VerificationHash is
// the slow, bcrypt-style hash checked only once the row has been found.
type VirtualKey struct {
	ID                string
	UserID            string
	LookupHash        string
	VerificationHash  string
	KeyPrefix         string
	Name              string
	BudgetUSD         *float64
	CurrentSpendUSD   float64
	RPMLimit          *int
	TPMLimit          *int
	ModelAllowlist    []string
	ExpiresAt         *time.Time
	Blocked           bool
	CreatedAt         time.Time
	LastUsedAt        *time.Time
}

// Valid reports whether the key currently grants access: not blocked, under
// budget (if a budget is set), and not expired.
func (k *VirtualKey) Valid(now time.Time) bool {
	if k.Blocked {
		return false
	}
	if k.BudgetUSD != nil && k.CurrentSpendUSD >= *k.BudgetUSD {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// AllowsModel reports whether the key's allowlist (if any) permits model.
// An empty allowlist means every model is permitted.
func (k *VirtualKey) AllowsModel(model string) bool {
	if len(k.ModelAllowlist) == 0 {
		return true
	}
	for _, m := range k.ModelAllowlist {
		if m == model {
			return true
		}
	}
	return false
}

// Session is a persisted record backing a JWT session token. The token
// itself is stateless and signature-verified, but the Session row lets
// /auth/logout revoke it before its natural expiry.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UsageRecord is one append-only accounting entry for a completed (or
// failed) provider request.
type UsageRecord struct {
	ID               string
	VirtualKeyID     string
	UserID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	LatencyMS        int
	Cached           bool
	ErrorText        string
	CreatedAt        time.Time
}

// ProviderCredential is a persisted vendor secret for a configured provider,
// used to repopulate the route table on startup.
type ProviderCredential struct {
	Provider   string
	Credential string
	UpdatedAt  time.Time
}
