package authcore

import (
	"context"
	"time"
)

// User is the identity record the subsystem operates on. It is owned by the
// relational store; this package never deletes users, deactivation is a flag
// flip.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	DisplayName   string
	Role          Role
	TenantID      string
	Active        bool
	EmailVerified bool

	ResetTokenHash    *string
	ResetTokenExpires *time.Time
	LastLoginAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session binds one issued token pair to a user and device. Only token
// digests are stored; raw tokens exist in transit to the caller only.
type Session struct {
	ID               string
	UserID           string
	TokenHash        string
	RefreshTokenHash string
	Device           DeviceInfo
	ExpiresAt        time.Time
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeviceInfo is opaque device metadata captured at authentication time.
type DeviceInfo struct {
	UserAgent string
	IP        string
	Platform  string
}

// TokenPair is the transient result of token issuance. It is never persisted
// as such.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

// UserPayload is the caller-facing identity extract returned by token
// verification and authentication.
type UserPayload struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenantId"`
}

// Grant is one explicit per-user permission row. Resource and actions may be
// the "*" wildcard.
type Grant struct {
	Resource string
	Actions  []string
}

// CredentialStore is the persistence contract the subsystem consumes. Lookups
// return (nil, nil) when the row is absent; errors are reserved for
// infrastructure failure. Implementations must honor the caller's context
// deadline on every call.
type CredentialStore interface {
	FindUserByEmail(ctx context.Context, email string) (*User, error)
	FindUserByID(ctx context.Context, id string) (*User, error)
	FindUserByResetTokenHash(ctx context.Context, hash string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	SetPasswordResetToken(ctx context.Context, userID, hash string, expires time.Time) error
	ClearPasswordResetToken(ctx context.Context, userID string) error

	CreateSession(ctx context.Context, sess *Session) error
	FindSessionByTokenHash(ctx context.Context, hash string) (*Session, error)
	FindSessionByRefreshHash(ctx context.Context, hash string) (*Session, error)
	InvalidateSession(ctx context.Context, id string) error
	InvalidateAllUserSessions(ctx context.Context, userID string) error

	GetExplicitPermissions(ctx context.Context, userID string) ([]Grant, error)
}

// Notifier delivers raw reset tokens to the account owner. The subsystem
// never logs or persists the raw token; delivery is the notifier's problem.
type Notifier interface {
	SendPasswordReset(ctx context.Context, email, rawToken string) error
}

// NoOpNotifier discards reset notifications. Useful in tests.
type NoOpNotifier struct{}

func (NoOpNotifier) SendPasswordReset(context.Context, string, string) error { return nil }
