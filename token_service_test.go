package authcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkpress/authcore/internal/secret"
	"github.com/inkpress/authcore/jwt"
)

func TestIssueThenVerifyRoundTrip(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{IP: "10.0.0.1", Platform: "web"})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens to be set")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Fatal("access and refresh tokens must differ")
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("token type = %q, want Bearer", pair.TokenType)
	}
	if pair.ExpiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("expires_in = %d", pair.ExpiresIn)
	}

	payload, err := svc.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if payload.UserID != user.ID {
		t.Fatalf("payload user = %q, want %q", payload.UserID, user.ID)
	}
	if payload.Role != RoleAuthor || payload.TenantID != "tenant-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestVerifyServedFromCache(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, mr := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	// The issue path memoized the session; a fresh verify must not touch the
	// session table.
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if n := store.count("FindSessionByTokenHash"); n != 0 {
		t.Fatalf("session lookups with warm cache = %d, want 0", n)
	}

	mr.FlushAll()

	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccessToken after cache flush failed: %v", err)
	}
	if n := store.count("FindSessionByTokenHash"); n != 1 {
		t.Fatalf("session lookups with cold cache = %d, want 1", n)
	}

	// The miss repopulated the memo.
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccessToken failed: %v", err)
	}
	if n := store.count("FindSessionByTokenHash"); n != 1 {
		t.Fatalf("session lookups after repopulation = %d, want 1", n)
	}
}

func TestVerifyRejectsGarbageAndWrongType(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	if _, err := svc.VerifyAccessToken(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token error = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh-as-access error = %v, want ErrInvalidToken", err)
	}
	if _, err := svc.RotateRefreshToken(ctx, pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access-as-refresh error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyDeactivatedUser(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	store.setActive(user.ID, false)

	// The cached memo is still warm; account state is re-checked regardless.
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("error = %v, want ErrAccountDeactivated", err)
	}
}

func TestVerifySessionExpiryBoundary(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	frozen := time.Now()
	boundary := frozen.Add(time.Hour)

	// Token outlives the session so the session boundary, not the signature
	// expiry, decides the outcome.
	raw, _, err := newTestSigner(t).Sign(user.ID, "s-boundary", jwt.TypeAccess, 2*time.Hour, frozen)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	sess := &Session{
		ID:        "s-boundary",
		UserID:    user.ID,
		TokenHash: secret.HashToken(raw),
		ExpiresAt: boundary,
		Active:    true,
		CreatedAt: frozen,
		UpdatedAt: frozen,
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}

	// Exactly at the boundary: expired, not still valid.
	svc.now = func() time.Time { return boundary }
	if _, err := svc.VerifyAccessToken(ctx, raw); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("error at boundary = %v, want ErrSessionExpired", err)
	}

	// One instant before the boundary the session is still alive.
	svc.now = func() time.Time { return boundary.Add(-time.Second) }
	if _, err := svc.VerifyAccessToken(ctx, raw); err != nil {
		t.Fatalf("verify just before boundary failed: %v", err)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	oldPair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{Platform: "cli"})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	newPair, err := svc.RotateRefreshToken(ctx, oldPair.RefreshToken)
	if err != nil {
		t.Fatalf("RotateRefreshToken failed: %v", err)
	}
	if newPair.AccessToken == oldPair.AccessToken {
		t.Fatal("rotation must mint a fresh access token")
	}

	if _, err := svc.VerifyAccessToken(ctx, newPair.AccessToken); err != nil {
		t.Fatalf("new access token failed verification: %v", err)
	}

	// The old session was invalidated and its memo purged.
	if _, err := svc.VerifyAccessToken(ctx, oldPair.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("old access token error = %v, want ErrSessionExpired", err)
	}
	if _, err := svc.RotateRefreshToken(ctx, oldPair.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("old refresh token error = %v, want ErrSessionExpired", err)
	}
}

func TestRotateUnknownSession(t *testing.T) {
	store := newMockStore()
	seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	// Valid signature, no matching session row.
	raw, _, err := newTestSigner(t).Sign("u1", "ghost-session", jwt.TypeRefresh, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := svc.RotateRefreshToken(ctx, raw); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
}

func TestRevokeTokenIdempotent(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	if err := svc.RevokeToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	if err := svc.RevokeToken(ctx, pair.AccessToken); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if err := svc.RevokeToken(ctx, "never-issued"); err != nil {
		t.Fatalf("revoking unknown token failed: %v", err)
	}

	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("revoked token error = %v, want ErrSessionExpired", err)
	}
}

func TestRevokeByRefreshTokenKillsAccessToken(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	if err := svc.RevokeToken(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("revoke by refresh failed: %v", err)
	}
	if _, err := svc.VerifyAccessToken(ctx, pair.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("access token error = %v, want ErrSessionExpired", err)
	}
}

func TestStoreNeverSeesRawTokens(t *testing.T) {
	store := newMockStore()
	user := seedUser(t, store, "u1", "writer@example.com", "Str0ng!Pass", RoleAuthor)
	svc, _ := newTestTokenService(t, store)
	ctx := context.Background()

	pair, err := svc.IssueTokenPair(ctx, user, DeviceInfo{})
	if err != nil {
		t.Fatalf("IssueTokenPair failed: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, sess := range store.sessions {
		if sess.TokenHash == pair.AccessToken || sess.RefreshTokenHash == pair.RefreshToken {
			t.Fatal("raw token persisted instead of digest")
		}
		if sess.TokenHash != secret.HashToken(pair.AccessToken) {
			t.Fatal("stored access digest does not match token")
		}
		if sess.RefreshTokenHash != secret.HashToken(pair.RefreshToken) {
			t.Fatal("stored refresh digest does not match token")
		}
	}
}
