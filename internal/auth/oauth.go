package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// OAuthIdentity is the provider-agnostic tuple an OAuth exchange yields.
// The redirect flow and login UI are out of scope; only this contract and
// the two handlers that produce it are implemented.
type OAuthIdentity struct {
	Provider       string
	ProviderUserID string
	Email          string
	Username       string
	AvatarURL      string
}

// GitHubOAuth wraps the GitHub OAuth2 application config.
type GitHubOAuth struct {
	config *oauth2.Config
}

// NewGitHubOAuth builds a GitHub OAuth2 client. Returns nil if clientID or
// clientSecret is empty — GitHub login is then reported as not configured.
func NewGitHubOAuth(clientID, clientSecret, redirectURL string) *GitHubOAuth {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return &GitHubOAuth{config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     github.Endpoint,
	}}
}

// AuthURL builds the GitHub authorization URL for the given CSRF state.
func (g *GitHubOAuth) AuthURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Exchange trades an authorization code for the (provider, provider_user_id,
// email, username, avatar_url) identity tuple.
func (g *GitHubOAuth) Exchange(ctx context.Context, code string) (OAuthIdentity, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return OAuthIdentity{}, fmt.Errorf("auth: github code exchange: %w", err)
	}

	client := g.config.Client(ctx, token)
	user, err := fetchGitHubUser(ctx, client)
	if err != nil {
		return OAuthIdentity{}, err
	}

	email := user.Email
	if email == "" {
		email, err = fetchGitHubPrimaryEmail(ctx, client)
		if err != nil {
			return OAuthIdentity{}, err
		}
	}

	return OAuthIdentity{
		Provider:       "github",
		ProviderUserID: fmt.Sprintf("%d", user.ID),
		Email:          email,
		Username:       user.Login,
		AvatarURL:      user.AvatarURL,
	}, nil
}

func fetchGitHubUser(ctx context.Context, client *http.Client) (githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return githubUser{}, fmt.Errorf("auth: build github user request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return githubUser{}, fmt.Errorf("auth: fetch github user: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return githubUser{}, fmt.Errorf("auth: read github user response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return githubUser{}, fmt.Errorf("auth: github user lookup status %d", resp.StatusCode)
	}

	var u githubUser
	if err := json.Unmarshal(body, &u); err != nil {
		return githubUser{}, fmt.Errorf("auth: decode github user: %w", err)
	}
	return u, nil
}

func fetchGitHubPrimaryEmail(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user/emails", nil)
	if err != nil {
		return "", fmt.Errorf("auth: build github emails request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: fetch github emails: %w", err)
	}
	defer resp.Body.Close()

	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("auth: decode github emails: %w", err)
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", fmt.Errorf("auth: no email returned by github")
}
