package authcore

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/inkpress/authcore/audit"
	"github.com/inkpress/authcore/cache"
	"github.com/inkpress/authcore/internal/secret"
	"github.com/inkpress/authcore/password"
)

// AuthService orchestrates credential verification, token issuance, and the
// password lifecycle. It owns no state beyond its collaborators.
type AuthService struct {
	store    CredentialStore
	tokens   *TokenService
	sessions *cache.Cache
	hasher   *password.Hasher
	policy   PasswordPolicy
	audit    *audit.Dispatcher
	notifier Notifier
	log      *slog.Logger

	// hashSem bounds concurrent argon2 work so CPU-heavy hashing cannot
	// starve I/O-bound requests sharing the process.
	hashSem *semaphore.Weighted

	// fallbackHash is a decoy verified against when the email matches no
	// account, so the absent-user branch does the same argon2 work as a
	// password mismatch.
	fallbackHash string

	resetTTL       time.Duration
	upgradeOnLogin bool
	defaultRole    Role

	now func() time.Time
}

// AuthServiceConfig carries the knobs NewAuthService needs beyond its
// collaborators.
type AuthServiceConfig struct {
	Policy          PasswordPolicy
	ResetTTL        time.Duration
	HashConcurrency int
	UpgradeOnLogin  bool
	DefaultRole     Role
}

// NewAuthService wires the authentication service. Notifier and dispatcher
// may be nil (NoOp behavior).
func NewAuthService(store CredentialStore, tokens *TokenService, sessions *cache.Cache, hasher *password.Hasher, dispatcher *audit.Dispatcher, notifier Notifier, logger *slog.Logger, cfg AuthServiceConfig) (*AuthService, error) {
	if store == nil || tokens == nil || sessions == nil || hasher == nil {
		return nil, errors.New("auth service requires store, token service, cache, and hasher")
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = time.Hour
	}
	if cfg.HashConcurrency <= 0 {
		cfg.HashConcurrency = 4
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = RoleViewer
	}
	if notifier == nil {
		notifier = NoOpNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &AuthService{
		store:          store,
		tokens:         tokens,
		sessions:       sessions,
		hasher:         hasher,
		policy:         cfg.Policy,
		audit:          dispatcher,
		notifier:       notifier,
		log:            logger,
		hashSem:        semaphore.NewWeighted(int64(cfg.HashConcurrency)),
		fallbackHash:   fallback,
		resetTTL:       cfg.ResetTTL,
		upgradeOnLogin: cfg.UpgradeOnLogin,
		defaultRole:    cfg.DefaultRole,
		now:            time.Now,
	}, nil
}

// NormalizeEmail is the canonical email form used for lookups: trimmed and
// lowercased. Emails are unique case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Authenticate verifies credentials and issues a token pair. Unknown email
// and wrong password return the identical ErrInvalidCredentials; account
// state is only disclosed after the password verified.
func (s *AuthService) Authenticate(ctx context.Context, email, plaintext string, device DeviceInfo) (*UserPayload, *TokenPair, error) {
	email = NormalizeEmail(email)

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, mapStoreErr(err)
	}
	if user == nil {
		// Burn a verification against the decoy hash; the response must
		// cost the same as a password mismatch.
		_, _ = s.verifyPassword(ctx, plaintext, s.fallbackHash)
		s.emitLogin(ctx, "", "", device, ErrInvalidCredentials, "user_not_found")
		return nil, nil, ErrInvalidCredentials
	}

	ok, err := s.verifyPassword(ctx, plaintext, user.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		s.emitLogin(ctx, user.ID, user.TenantID, device, ErrInvalidCredentials, "password_mismatch")
		return nil, nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.emitLogin(ctx, user.ID, user.TenantID, device, ErrAccountDeactivated, "account_deactivated")
		return nil, nil, ErrAccountDeactivated
	}

	if s.upgradeOnLogin {
		s.maybeUpgradeHash(ctx, user, plaintext)
	}

	pair, err := s.tokens.IssueTokenPair(ctx, user, device)
	if err != nil {
		s.emitLogin(ctx, user.ID, user.TenantID, device, err, "issue_failed")
		return nil, nil, err
	}

	if err := s.store.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.log.Warn("update last login failed", "user_id", user.ID, "err", err)
	}

	s.emitLogin(ctx, user.ID, user.TenantID, device, nil, "")
	return &UserPayload{
		UserID:   user.ID,
		Email:    user.Email,
		Role:     user.Role,
		TenantID: user.TenantID,
	}, pair, nil
}

// Register creates a new account with the default role after checking the
// password policy. The email must not already be taken.
func (s *AuthService) Register(ctx context.Context, email, plaintext, displayName, tenantID string) (*UserPayload, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.policy.Check(plaintext); err != nil {
		return nil, err
	}

	existing, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if existing != nil {
		s.emit(ctx, audit.EventRegister, false, "", tenantID, ErrAccountExists, map[string]string{"email": email})
		return nil, ErrAccountExists
	}

	hash, err := s.hashPassword(ctx, plaintext)
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		Role:         s.defaultRole,
		TenantID:     tenantID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, mapStoreErr(err)
	}

	s.emit(ctx, audit.EventRegister, true, user.ID, user.TenantID, nil, nil)
	return &UserPayload{
		UserID:   user.ID,
		Email:    user.Email,
		Role:     user.Role,
		TenantID: user.TenantID,
	}, nil
}

// ChangePassword verifies the current password, applies the policy, rehashes,
// and invalidates every session the user holds. No session is exempt: the
// caller re-authenticates too.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return mapStoreErr(err)
	}
	if user == nil {
		s.emit(ctx, audit.EventPasswordChange, false, userID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	ok, err := s.verifyPassword(ctx, currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		s.emit(ctx, audit.EventPasswordChange, false, user.ID, user.TenantID, ErrInvalidCredentials, map[string]string{"reason": "current_password_mismatch"})
		return ErrInvalidCredentials
	}

	if err := s.applyNewPassword(ctx, user.ID, newPassword); err != nil {
		s.emit(ctx, audit.EventPasswordChange, false, user.ID, user.TenantID, err, nil)
		return err
	}

	s.emit(ctx, audit.EventPasswordChange, true, user.ID, user.TenantID, nil, nil)
	return nil
}

// RequestPasswordReset generates a reset token and hands the raw value to the
// notifier. The response is success-shaped regardless of whether the email
// exists; for an unknown email the token work still happens but nothing is
// stored or delivered, keeping response timing roughly uniform.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return "", mapStoreErr(err)
	}

	raw, digest, err := secret.NewResetToken()
	if err != nil {
		return "", mapStoreErr(err)
	}

	if user == nil {
		s.emit(ctx, audit.EventPasswordResetRequest, true, "", "", nil, map[string]string{"enumeration_safe": "true"})
		return raw, nil
	}

	expires := s.now().Add(s.resetTTL)
	if err := s.store.SetPasswordResetToken(ctx, user.ID, digest, expires); err != nil {
		return "", mapStoreErr(err)
	}

	if err := s.notifier.SendPasswordReset(ctx, user.Email, raw); err != nil {
		s.log.Error("reset notification failed", "user_id", user.ID, "err", err)
	}

	s.emit(ctx, audit.EventPasswordResetRequest, true, user.ID, user.TenantID, nil, nil)
	return raw, nil
}

// ResetPassword consumes a raw reset token: the presented token is digested,
// matched, and expiry-checked (inclusive boundary), then the new password is
// applied exactly as in ChangePassword and every session is invalidated.
func (s *AuthService) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	user, err := s.store.FindUserByResetTokenHash(ctx, secret.HashToken(rawToken))
	if err != nil {
		return mapStoreErr(err)
	}
	if user == nil || user.ResetTokenExpires == nil || !user.ResetTokenExpires.After(s.now()) {
		s.emit(ctx, audit.EventPasswordResetConfirm, false, "", "", ErrResetTokenInvalid, nil)
		return ErrResetTokenInvalid
	}

	if err := s.applyNewPassword(ctx, user.ID, newPassword); err != nil {
		s.emit(ctx, audit.EventPasswordResetConfirm, false, user.ID, user.TenantID, err, nil)
		return err
	}
	if err := s.store.ClearPasswordResetToken(ctx, user.ID); err != nil {
		s.log.Warn("clear reset token failed", "user_id", user.ID, "err", err)
	}

	s.emit(ctx, audit.EventPasswordResetConfirm, true, user.ID, user.TenantID, nil, nil)
	return nil
}

// Logout best-effort revokes whichever tokens are present. A side that is
// already gone never fails the call.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken string) error {
	var firstErr error
	for _, raw := range []string{accessToken, refreshToken} {
		if raw == "" {
			continue
		}
		if err := s.tokens.RevokeToken(ctx, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.emit(ctx, audit.EventLogout, firstErr == nil, "", "", firstErr, nil)
	return firstErr
}

// applyNewPassword is the shared tail of change and reset: policy, rehash,
// persist, and full session invalidation in both the store and the cache.
func (s *AuthService) applyNewPassword(ctx context.Context, userID, newPassword string) error {
	if err := s.policy.Check(newPassword); err != nil {
		return err
	}

	hash, err := s.hashPassword(ctx, newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return mapStoreErr(err)
	}

	if err := s.store.InvalidateAllUserSessions(ctx, userID); err != nil {
		return mapStoreErr(err)
	}
	if err := s.sessions.DeleteSessionsForUser(ctx, userID); err != nil {
		s.log.Warn("purge user session memos failed", "user_id", userID, "err", err)
	}
	return nil
}

func (s *AuthService) hashPassword(ctx context.Context, plaintext string) (string, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return "", mapStoreErr(err)
	}
	defer s.hashSem.Release(1)
	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return "", mapStoreErr(err)
	}
	return hash, nil
}

func (s *AuthService) verifyPassword(ctx context.Context, plaintext, encoded string) (bool, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return false, mapStoreErr(err)
	}
	defer s.hashSem.Release(1)

	ok, err := s.hasher.Verify(plaintext, encoded)
	if err != nil {
		// A corrupt stored hash must not read as "wrong password" silently.
		s.log.Error("password verify failed", "err", err)
		return false, nil
	}
	return ok, nil
}

func (s *AuthService) maybeUpgradeHash(ctx context.Context, user *User, plaintext string) {
	needs, err := s.hasher.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}
	hash, err := s.hashPassword(ctx, plaintext)
	if err != nil {
		return
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.log.Warn("password hash upgrade failed", "user_id", user.ID, "err", err)
	}
}

func (s *AuthService) emitLogin(ctx context.Context, userID, tenantID string, device DeviceInfo, cause error, reason string) {
	var meta map[string]string
	if reason != "" {
		meta = map[string]string{"reason": reason}
	}
	if s.audit == nil {
		return
	}
	event := audit.Event{
		EventType: audit.EventLogin,
		UserID:    userID,
		TenantID:  tenantID,
		IP:        device.IP,
		Success:   cause == nil,
		Metadata:  meta,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.audit.Emit(ctx, event)
}

func (s *AuthService) emit(ctx context.Context, eventType string, success bool, userID, tenantID string, cause error, meta map[string]string) {
	if s.audit == nil {
		return
	}
	event := audit.Event{
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		Success:   success,
		Metadata:  meta,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.audit.Emit(ctx, event)
}
