package main

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestCleanupExpiredRefreshTokens(t *testing.T) {
	env := newServerTestEnv(t)
	env.createUser(t, "a@example.com", true)
	fresh := env.login(t, "a@example.com")
	env.login(t, "a@example.com")

	// Two days past the refresh TTL, every token issued so far is expired.
	env.srv.now = func() time.Time { return time.Now().Add(refreshTokenTTL + 48*time.Hour) }
	if n := env.srv.cleanupExpired(context.Background()); n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}
	if n := env.srv.cleanupExpired(context.Background()); n != 0 {
		t.Fatalf("second pass purged = %d, want 0", n)
	}

	env.srv.now = time.Now
	if resp, _ := env.postJSON(t, "/v1/auth/refresh", refreshReq{RefreshToken: fresh.RefreshToken}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh with purged token = %d", resp.StatusCode)
	}
}

func TestCleanupKeepsLiveTokens(t *testing.T) {
	env := newServerTestEnv(t)
	env.createUser(t, "a@example.com", true)
	out := env.login(t, "a@example.com")

	if n := env.srv.cleanupExpired(context.Background()); n != 0 {
		t.Fatalf("purged = %d, want 0", n)
	}
	if resp, _ := env.postJSON(t, "/v1/auth/refresh", refreshReq{RefreshToken: out.RefreshToken}); resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh after cleanup = %d", resp.StatusCode)
	}
}
