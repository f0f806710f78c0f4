// Package postgres implements authcore.CredentialStore on a pgx connection
// pool. Absence is (nil, nil); rows are never physically deleted, session
// invalidation and user deactivation are flag flips.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkpress/authcore"
)

// Store is the relational credential store.
type Store struct {
	pool *pgxpool.Pool
}

var _ authcore.CredentialStore = (*Store)(nil)

// New wraps an existing pool; the caller owns its lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const userColumns = `id, email, password_hash, display_name, role, tenant_id,
	active, email_verified, reset_token_hash, reset_token_expires,
	last_login_at, created_at, updated_at`

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*authcore.User, error) {
	return s.queryUser(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
}

func (s *Store) FindUserByID(ctx context.Context, id string) (*authcore.User, error) {
	return s.queryUser(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (s *Store) FindUserByResetTokenHash(ctx context.Context, hash string) (*authcore.User, error) {
	return s.queryUser(ctx,
		`SELECT `+userColumns+` FROM users WHERE reset_token_hash = $1`, hash)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*authcore.User, error) {
	var u authcore.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Role, &u.TenantID,
		&u.Active, &u.EmailVerified, &u.ResetTokenHash, &u.ResetTokenExpires,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *authcore.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, role,
			tenant_id, active, email_verified, created_at, updated_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8, $9, $10)
	`, user.ID, user.Email, user.PasswordHash, user.DisplayName, user.Role,
		user.TenantID, user.Active, user.EmailVerified, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1
	`, userID, hash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

func (s *Store) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET last_login_at = $2, updated_at = now() WHERE id = $1
	`, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func (s *Store) SetPasswordResetToken(ctx context.Context, userID, hash string, expires time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET reset_token_hash = $2, reset_token_expires = $3, updated_at = now()
		WHERE id = $1
	`, userID, hash, expires.UTC())
	if err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	return nil
}

func (s *Store) ClearPasswordResetToken(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET reset_token_hash = NULL, reset_token_expires = NULL, updated_at = now()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("clear reset token: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash,
	user_agent, ip, platform, expires_at, active, created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, sess *authcore.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, refresh_token_hash,
			user_agent, ip, platform, expires_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.RefreshTokenHash,
		sess.Device.UserAgent, sess.Device.IP, sess.Device.Platform,
		sess.ExpiresAt.UTC(), sess.Active, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) FindSessionByTokenHash(ctx context.Context, hash string) (*authcore.Session, error) {
	return s.querySession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, hash)
}

func (s *Store) FindSessionByRefreshHash(ctx context.Context, hash string) (*authcore.Session, error) {
	return s.querySession(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash)
}

func (s *Store) querySession(ctx context.Context, query string, arg any) (*authcore.Session, error) {
	var (
		sess        authcore.Session
		refreshHash *string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sess.ID, &sess.UserID, &sess.TokenHash, &refreshHash,
		&sess.Device.UserAgent, &sess.Device.IP, &sess.Device.Platform,
		&sess.ExpiresAt, &sess.Active, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if refreshHash != nil {
		sess.RefreshTokenHash = *refreshHash
	}
	return &sess, nil
}

func (s *Store) InvalidateSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET active = false, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

func (s *Store) InvalidateAllUserSessions(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET active = false, updated_at = now()
		WHERE user_id = $1 AND active
	`, userID)
	if err != nil {
		return fmt.Errorf("invalidate user sessions: %w", err)
	}
	return nil
}

func (s *Store) GetExplicitPermissions(ctx context.Context, userID string) ([]authcore.Grant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT resource, action FROM user_permissions
		WHERE user_id = $1
		ORDER BY resource, action
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query explicit permissions: %w", err)
	}
	defer rows.Close()

	var (
		grants  []authcore.Grant
		current *authcore.Grant
	)
	for rows.Next() {
		var resource, action string
		if err := rows.Scan(&resource, &action); err != nil {
			return nil, fmt.Errorf("scan explicit permission: %w", err)
		}
		if current == nil || current.Resource != resource {
			grants = append(grants, authcore.Grant{Resource: resource})
			current = &grants[len(grants)-1]
		}
		current.Actions = append(current.Actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate explicit permissions: %w", err)
	}
	return grants, nil
}
