package authcore

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the subsystem's runtime configuration. Load it from the
// environment with LoadConfig or start from DefaultConfig and override
// programmatically; either way it is validated once at Build time and then
// treated as immutable.
type Config struct {
	JWT      JWTConfig
	Password PasswordSettings
	Cache    CacheSettings
	Reset    ResetSettings
	Audit    AuditSettings
}

// JWTConfig controls token signing and lifetimes.
type JWTConfig struct {
	SigningMethod string        `envconfig:"AUTH_JWT_SIGNING_METHOD" default:"hs256"`
	Secret        string        `envconfig:"AUTH_JWT_SECRET"`
	Issuer        string        `envconfig:"AUTH_JWT_ISSUER" default:"authcore"`
	Audience      string        `envconfig:"AUTH_JWT_AUDIENCE"`
	AccessTTL     time.Duration `envconfig:"AUTH_ACCESS_TTL" default:"15m"`
	RefreshTTL    time.Duration `envconfig:"AUTH_REFRESH_TTL" default:"168h"`
	Leeway        time.Duration `envconfig:"AUTH_JWT_LEEWAY" default:"30s"`

	// Ed25519 key material, used instead of Secret when SigningMethod is
	// "ed25519". Raw key bytes, not PEM.
	PrivateKey []byte `ignored:"true"`
	PublicKey  []byte `ignored:"true"`
}

// PasswordSettings carries argon2id costs, the strength policy, and the
// hashing concurrency bound.
type PasswordSettings struct {
	MemoryKB        uint32 `envconfig:"AUTH_ARGON2_MEMORY_KB" default:"65536"`
	Time            uint32 `envconfig:"AUTH_ARGON2_TIME" default:"3"`
	Parallelism     uint8  `envconfig:"AUTH_ARGON2_PARALLELISM" default:"2"`
	SaltLength      uint32 `envconfig:"AUTH_ARGON2_SALT_LENGTH" default:"16"`
	KeyLength       uint32 `envconfig:"AUTH_ARGON2_KEY_LENGTH" default:"32"`
	MinLength       int    `envconfig:"AUTH_PASSWORD_MIN_LENGTH" default:"8"`
	HashConcurrency int    `envconfig:"AUTH_HASH_CONCURRENCY" default:"4"`
	UpgradeOnLogin  bool   `envconfig:"AUTH_PASSWORD_UPGRADE_ON_LOGIN" default:"true"`
}

// CacheSettings fixes the two cache namespaces and the decision TTL. The
// prefixes must differ so the namespaces can be flushed independently.
type CacheSettings struct {
	Prefix        string        `envconfig:"AUTH_CACHE_PREFIX" default:"ac"`
	SessionPrefix string        `envconfig:"AUTH_SESSION_PREFIX" default:"acs"`
	DecisionTTL   time.Duration `envconfig:"AUTH_DECISION_TTL" default:"5m"`
}

// ResetSettings controls password-reset token lifetime.
type ResetSettings struct {
	TTL time.Duration `envconfig:"AUTH_RESET_TTL" default:"1h"`
}

// AuditSettings controls the audit dispatcher buffer.
type AuditSettings struct {
	BufferSize int  `envconfig:"AUTH_AUDIT_BUFFER" default:"256"`
	DropIfFull bool `envconfig:"AUTH_AUDIT_DROP_IF_FULL" default:"true"`
}

// DefaultConfig returns the defaults LoadConfig would produce from an empty
// environment, minus the required secret.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SigningMethod: "hs256",
			Issuer:        "authcore",
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    168 * time.Hour,
			Leeway:        30 * time.Second,
		},
		Password: PasswordSettings{
			MemoryKB:        64 * 1024,
			Time:            3,
			Parallelism:     2,
			SaltLength:      16,
			KeyLength:       32,
			MinLength:       8,
			HashConcurrency: 4,
			UpgradeOnLogin:  true,
		},
		Cache: CacheSettings{
			Prefix:        "ac",
			SessionPrefix: "acs",
			DecisionTTL:   5 * time.Minute,
		},
		Reset: ResetSettings{TTL: time.Hour},
		Audit: AuditSettings{BufferSize: 256, DropIfFull: true},
	}
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot produce a working subsystem.
func (c *Config) Validate() error {
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.Secret) < 32 {
			return errors.New("hs256 requires AUTH_JWT_SECRET of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 || len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 requires private and public key material")
		}
	default:
		return errors.New("unsupported signing method")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("access ttl must be positive")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("refresh ttl must exceed access ttl")
	}
	if c.Cache.Prefix == "" || c.Cache.SessionPrefix == "" {
		return errors.New("cache prefixes required")
	}
	if c.Cache.Prefix == c.Cache.SessionPrefix {
		return errors.New("cache and session prefixes must differ")
	}
	if c.Cache.DecisionTTL <= 0 {
		return errors.New("decision ttl must be positive")
	}
	if c.Reset.TTL <= 0 {
		return errors.New("reset ttl must be positive")
	}
	if c.Password.MinLength < 1 {
		return errors.New("password min length must be positive")
	}
	return nil
}
