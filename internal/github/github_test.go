package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/shadowrealm-ai/shadow/internal/store"
)

func TestVerifySignature(t *testing.T) {
	secret := "webhook-secret"
	body := []byte(`{"action":"closed"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(secret, body, valid) {
		t.Error("valid signature rejected")
	}
	if VerifySignature(secret, body, "sha256=deadbeef") {
		t.Error("wrong signature accepted")
	}
	if VerifySignature(secret, body, hex.EncodeToString(mac.Sum(nil))) {
		t.Error("signature without sha256= prefix accepted")
	}
	if VerifySignature("", body, valid) {
		t.Error("empty secret accepted")
	}
	if VerifySignature(secret, []byte("tampered"), valid) {
		t.Error("tampered body accepted")
	}
}

func TestSplitRepoFullName(t *testing.T) {
	owner, repo, err := SplitRepoFullName("shadowrealm-ai/shadow")
	if err != nil || owner != "shadowrealm-ai" || repo != "shadow" {
		t.Fatalf("got %q %q %v", owner, repo, err)
	}
	for _, bad := range []string{"", "noslash", "/repo", "owner/"} {
		if _, _, err := SplitRepoFullName(bad); err == nil {
			t.Errorf("SplitRepoFullName(%q) should fail", bad)
		}
	}
}

func seedAccount(t *testing.T, s store.Store, expiresAt time.Time) {
	t.Helper()
	err := s.SaveAccount(context.Background(), &store.Account{
		UserID:         "user-1",
		GitHubLogin:    "ada",
		AccessToken:    "old-token",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTokenFreshTokenSkipsRefresh(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	seedAccount(t, s, now.Add(time.Hour))

	m := NewTokenManager(s, "id", "secret", WithNow(func() time.Time { return now }))
	token, err := m.Token(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "old-token" {
		t.Errorf("token = %q, want stored token", token)
	}
}

func TestTokenRefreshesWithinHeadroom(t *testing.T) {
	refreshCalls := 0
	oauthServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-token",
			"refresh_token": "refresh-2",
			"token_type":    "bearer",
			"expires_in":    28800,
		})
	}))
	defer oauthServer.Close()

	s := store.NewMemoryStore()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	// Expires in 2 minutes: inside the 5-minute headroom.
	seedAccount(t, s, now.Add(2*time.Minute))

	m := NewTokenManager(s, "id", "secret",
		WithNow(func() time.Time { return now }),
		WithEndpoint(oauth2.Endpoint{TokenURL: oauthServer.URL}))

	token, err := m.Token(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "new-token" {
		t.Errorf("token = %q, want refreshed token", token)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}

	// The rotated pair is persisted.
	account, err := s.GetAccount(context.Background(), "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if account.AccessToken != "new-token" || account.RefreshToken != "refresh-2" {
		t.Errorf("persisted account = %+v", account)
	}
}

func TestTokenExpiredWithoutRefreshToken(t *testing.T) {
	s := store.NewMemoryStore()
	now := time.Now()
	err := s.SaveAccount(context.Background(), &store.Account{
		UserID:         "user-1",
		AccessToken:    "old",
		TokenExpiresAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	m := NewTokenManager(s, "id", "secret")
	if _, err := m.Token(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error for expired token with no refresh token")
	}
}
