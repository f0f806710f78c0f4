// Package jwt signs and verifies the access/refresh token pairs issued by
// the token service. Tokens are opaque to external clients; only the issuer
// holds the signing key.
package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates the two halves of a pair. A refresh token is never
// accepted where an access token is required, and vice versa.
type TokenType string

const (
	// TypeAccess marks the short-lived API credential.
	TypeAccess TokenType = "access"
	// TypeRefresh marks the long-lived rotation credential.
	TypeRefresh TokenType = "refresh"
)

// SigningMethod selects the signature primitive.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and expiry.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrWrongTokenType is returned when the type discriminator mismatches.
	ErrWrongTokenType = errors.New("wrong token type")
)

// Claims is the signed payload. Subject carries the user id, SessionID the
// server-side session this token belongs to.
type Claims struct {
	TokenType TokenType `json:"typ"`
	SessionID string    `json:"sid"`
	jwt.RegisteredClaims
}

// Config holds the immutable signing parameters.
type Config struct {
	SigningMethod SigningMethod
	// PrivateKey is the HMAC secret for hs256 or the ed25519 private key.
	PrivateKey []byte
	// PublicKey is required for ed25519 verification.
	PublicKey []byte
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// Manager signs and parses tokens. Safe for concurrent use.
type Manager struct {
	config Config
}

// NewManager validates the key material for the chosen method.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("invalid ed25519 public key")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	return &Manager{config: cfg}, nil
}

// Sign issues a token of the given type for subject. The returned expiry is
// what went into the exp claim.
func (m *Manager) Sign(subject, sessionID string, typ TokenType, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("invalid token ttl")
	}
	expiresAt := now.Add(ttl)

	claims := Claims{
		TokenType: typ,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	token := jwt.NewWithClaims(m.method(), claims)
	signed, err := token.SignedString(m.signKey())
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse verifies signature, expiry, issuer, and audience, then checks the
// type discriminator. All verification failures map to ErrTokenInvalid
// except a type mismatch, which is ErrWrongTokenType.
func (m *Manager) Parse(raw string, want TokenType) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != want {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodEd25519 {
		return jwt.SigningMethodEdDSA
	}
	return jwt.SigningMethodHS256
}

func (m *Manager) signKey() interface{} {
	if m.config.SigningMethod == MethodEd25519 {
		return ed25519.PrivateKey(m.config.PrivateKey)
	}
	return m.config.PrivateKey
}

func (m *Manager) verifyKey() interface{} {
	if m.config.SigningMethod == MethodEd25519 {
		return ed25519.PublicKey(m.config.PublicKey)
	}
	return m.config.PrivateKey
}
