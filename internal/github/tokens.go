// Package github wraps the GitHub surface the kernel needs: OAuth tokens
// with refresh, pull request operations, and webhook signature checks.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/shadowrealm-ai/shadow/internal/store"
)

// refreshHeadroom is how long before expiry a token is refreshed, so a
// long-running stream never holds a token that dies mid-operation.
const refreshHeadroom = 5 * time.Minute

// TokenManager hands out valid user access tokens, refreshing them through
// the OAuth endpoint when they are near expiry.
type TokenManager struct {
	store  store.Store
	config *oauth2.Config
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex // serializes refreshes; a stampede would burn the refresh token
}

// TokenManagerOption configures a TokenManager.
type TokenManagerOption func(*TokenManager)

// WithNow overrides the clock, used in tests.
func WithNow(now func() time.Time) TokenManagerOption {
	return func(m *TokenManager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TokenManagerOption {
	return func(m *TokenManager) { m.logger = logger }
}

// WithEndpoint overrides the OAuth endpoint, used in tests.
func WithEndpoint(endpoint oauth2.Endpoint) TokenManagerOption {
	return func(m *TokenManager) { m.config.Endpoint = endpoint }
}

// NewTokenManager creates a token manager for a GitHub OAuth app.
func NewTokenManager(s store.Store, clientID, clientSecret string, opts ...TokenManagerOption) *TokenManager {
	m := &TokenManager{
		store: s,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     githuboauth.Endpoint,
		},
		logger: slog.Default().With("component", "github"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns a valid access token for the user, refreshing first when the
// stored token expires within the headroom window.
func (m *TokenManager) Token(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, err := m.store.GetAccount(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load account for %s: %w", userID, err)
	}
	if account.AccessToken == "" {
		return "", fmt.Errorf("user %s has no GitHub token", userID)
	}

	// Tokens without a recorded expiry never refresh (classic PATs).
	if account.TokenExpiresAt.IsZero() || m.now().Add(refreshHeadroom).Before(account.TokenExpiresAt) {
		return account.AccessToken, nil
	}
	if account.RefreshToken == "" {
		return "", fmt.Errorf("token for user %s expired and no refresh token is stored", userID)
	}

	refreshed, err := m.config.TokenSource(ctx, &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		Expiry:       account.TokenExpiresAt,
	}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", userID, err)
	}

	account.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		account.RefreshToken = refreshed.RefreshToken
	}
	account.TokenExpiresAt = refreshed.Expiry
	account.UpdatedAt = m.now()
	if err := m.store.SaveAccount(ctx, account); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", userID, err)
	}
	m.logger.Info("refreshed GitHub token", "user_id", userID, "expires_at", refreshed.Expiry)
	return account.AccessToken, nil
}

// HTTPClient returns an http.Client authenticated as the user.
func (m *TokenManager) HTTPClient(ctx context.Context, userID string) (*http.Client, error) {
	token, err := m.Token(ctx, userID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})), nil
}
