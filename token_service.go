package authcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkpress/authcore/audit"
	"github.com/inkpress/authcore/cache"
	"github.com/inkpress/authcore/internal/secret"
	"github.com/inkpress/authcore/jwt"
)

// TokenService issues, verifies, rotates, and revokes signed token pairs.
// Raw tokens only ever travel to the caller; the store and cache see sha256
// digests.
type TokenService struct {
	store  CredentialStore
	cache  *cache.Cache
	signer *jwt.Manager
	audit  *audit.Dispatcher
	log    *slog.Logger

	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewTokenService wires the token service. All collaborators are required
// except the audit dispatcher, which may be nil in tests.
func NewTokenService(store CredentialStore, kv *cache.Cache, signer *jwt.Manager, dispatcher *audit.Dispatcher, logger *slog.Logger, accessTTL, refreshTTL time.Duration) (*TokenService, error) {
	if store == nil || kv == nil || signer == nil {
		return nil, errors.New("token service requires store, cache, and signer")
	}
	if accessTTL <= 0 || refreshTTL <= accessTTL {
		return nil, errors.New("refresh ttl must exceed access ttl")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		store:      store,
		cache:      kv,
		signer:     signer,
		audit:      dispatcher,
		log:        logger,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// sessionMemo is the compact cache entry keyed by access-token digest. The
// memo never outlives the access token: its TTL equals the token's remaining
// lifetime, and mass invalidation purges it through the per-user index.
type sessionMemo struct {
	SessionID string `json:"sid"`
	UserID    string `json:"uid"`
	ExpiresAt int64  `json:"exp"`
}

// IssueTokenPair signs a fresh access+refresh pair for user, persists the
// session row, and memoizes the session lookup. Session creation failure is
// a PersistenceError; cache failure is only logged.
func (s *TokenService) IssueTokenPair(ctx context.Context, user *User, device DeviceInfo) (*TokenPair, error) {
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	sessionID := uuid.NewString()

	access, accessExp, err := s.signer.Sign(user.ID, sessionID, jwt.TypeAccess, s.accessTTL, now)
	if err != nil {
		return nil, fmt.Errorf("%w: sign access token: %v", ErrPersistence, err)
	}
	refresh, _, err := s.signer.Sign(user.ID, sessionID, jwt.TypeRefresh, s.refreshTTL, now)
	if err != nil {
		return nil, fmt.Errorf("%w: sign refresh token: %v", ErrPersistence, err)
	}

	accessHash := secret.HashToken(access)
	sess := &Session{
		ID:               sessionID,
		UserID:           user.ID,
		TokenHash:        accessHash,
		RefreshTokenHash: secret.HashToken(refresh),
		Device:           device,
		ExpiresAt:        now.Add(s.refreshTTL),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, mapStoreErr(err)
	}

	s.memoize(ctx, accessHash, sessionMemo{
		SessionID: sessionID,
		UserID:    user.ID,
		ExpiresAt: accessExp.Unix(),
	}, s.accessTTL)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// VerifyAccessToken resolves a raw access token to its user payload.
// Cache-first: a memo hit skips signature and session checks but still
// confirms the owning account is active. On a miss the token is fully
// verified against signature, type, session state, and account state, then
// the memo is repopulated.
func (s *TokenService) VerifyAccessToken(ctx context.Context, rawToken string) (*UserPayload, error) {
	tokenHash := secret.HashToken(rawToken)
	now := s.now()

	if data, ok, err := s.cache.GetSession(ctx, tokenHash); err != nil {
		// Cache outage degrades to direct-store verification.
		s.log.Warn("session cache read failed", "err", err)
	} else if ok {
		var memo sessionMemo
		if json.Unmarshal(data, &memo) == nil && time.Unix(memo.ExpiresAt, 0).After(now) {
			return s.payloadForActiveUser(ctx, memo.UserID)
		}
	}

	claims, err := s.signer.Parse(rawToken, jwt.TypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sess, err := s.store.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if sess == nil || !sess.Active || !sess.ExpiresAt.After(now) {
		return nil, ErrSessionExpired
	}

	payload, err := s.payloadForActiveUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	if remaining := claims.ExpiresAt.Time.Sub(now); remaining > 0 {
		s.memoize(ctx, tokenHash, sessionMemo{
			SessionID: sess.ID,
			UserID:    sess.UserID,
			ExpiresAt: claims.ExpiresAt.Unix(),
		}, remaining)
	}
	return payload, nil
}

// RotateRefreshToken exchanges a valid refresh token for a brand-new pair.
// Ordering is fail-safe: the new session is durably issued before the old one
// is invalidated, so a concurrent verifier sees the old or the new session,
// never neither. Two concurrent rotations of the same token may both succeed;
// each invalidates the old session idempotently.
func (s *TokenService) RotateRefreshToken(ctx context.Context, rawRefreshToken string) (*TokenPair, error) {
	if _, err := s.signer.Parse(rawRefreshToken, jwt.TypeRefresh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	refreshHash := secret.HashToken(rawRefreshToken)
	sess, err := s.store.FindSessionByRefreshHash(ctx, refreshHash)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if sess == nil || !sess.Active || !sess.ExpiresAt.After(s.now()) {
		return nil, ErrSessionExpired
	}

	user, err := s.activeUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	pair, err := s.IssueTokenPair(ctx, user, sess.Device)
	if err != nil {
		// Old session stays valid; the caller can retry with the same token.
		return nil, err
	}

	if err := s.store.InvalidateSession(ctx, sess.ID); err != nil {
		// The new pair is already durable. The stale session rides out its
		// expiry; do not fail the rotation over it.
		s.log.Error("invalidate rotated session failed", "session_id", sess.ID, "err", err)
	}
	if err := s.cache.DeleteSession(ctx, sess.TokenHash); err != nil {
		s.log.Warn("purge rotated session memo failed", "err", err)
	}

	s.emit(ctx, audit.EventTokenRefresh, true, sess.UserID, user.TenantID, sess.ID, nil, nil)
	return pair, nil
}

// RevokeToken drops the cache entry and flips the matching session inactive.
// The raw token may be either half of a pair. Unknown or already-revoked
// tokens are a no-op, not an error.
func (s *TokenService) RevokeToken(ctx context.Context, rawToken string) error {
	tokenHash := secret.HashToken(rawToken)
	if err := s.cache.DeleteSession(ctx, tokenHash); err != nil {
		s.log.Warn("purge revoked session memo failed", "err", err)
	}

	sess, err := s.store.FindSessionByTokenHash(ctx, tokenHash)
	if err != nil {
		return mapStoreErr(err)
	}
	if sess == nil {
		if sess, err = s.store.FindSessionByRefreshHash(ctx, tokenHash); err != nil {
			return mapStoreErr(err)
		}
	}
	if sess == nil {
		return nil
	}

	if sess.Active {
		if err := s.store.InvalidateSession(ctx, sess.ID); err != nil {
			return mapStoreErr(err)
		}
	}
	if err := s.cache.DeleteSession(ctx, sess.TokenHash); err != nil {
		s.log.Warn("purge revoked session memo failed", "err", err)
	}

	s.emit(ctx, audit.EventTokenRevoke, true, sess.UserID, "", sess.ID, nil, nil)
	return nil
}

func (s *TokenService) activeUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if user == nil || !user.Active {
		return nil, ErrAccountDeactivated
	}
	return user, nil
}

func (s *TokenService) payloadForActiveUser(ctx context.Context, userID string) (*UserPayload, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserPayload{
		UserID:   user.ID,
		Email:    user.Email,
		Role:     user.Role,
		TenantID: user.TenantID,
	}, nil
}

func (s *TokenService) memoize(ctx context.Context, tokenHash string, memo sessionMemo, ttl time.Duration) {
	data, err := json.Marshal(memo)
	if err != nil {
		return
	}
	if err := s.cache.SetSession(ctx, tokenHash, data, memo.UserID, ttl); err != nil {
		s.log.Warn("session cache write failed", "err", err)
	}
}

func (s *TokenService) emit(ctx context.Context, eventType string, success bool, userID, tenantID, sessionID string, cause error, meta map[string]string) {
	if s.audit == nil {
		return
	}
	event := audit.Event{
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Success:   success,
		Metadata:  meta,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.audit.Emit(ctx, event)
}
