package authcore

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/inkpress/authcore/audit"
	"github.com/inkpress/authcore/cache"
	"github.com/inkpress/authcore/jwt"
	"github.com/inkpress/authcore/password"
)

// Stack is the fully wired subsystem. Built once at startup; every component
// received its collaborators by construction, nothing is looked up at
// runtime.
type Stack struct {
	Tokens *TokenService
	Auth   *AuthService
	Access *Engine
	Cache  *cache.Cache

	dispatcher *audit.Dispatcher
}

// Close flushes and stops the audit dispatcher. It does not close the Redis
// client or the credential store; the caller owns those.
func (s *Stack) Close() {
	if s == nil {
		return
	}
	s.dispatcher.Close()
}

// Builder assembles a Stack through explicit constructor injection.
type Builder struct {
	config   Config
	redis    redis.UniversalClient
	store    CredentialStore
	sink     audit.Sink
	notifier Notifier
	logger   *slog.Logger
	built    bool
}

// New starts a builder with DefaultConfig.
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.store = store
	return b
}

func (b *Builder) WithAuditSink(sink audit.Sink) *Builder {
	b.sink = sink
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// Build validates the configuration and collaborators and wires the graph.
// A builder builds at most once.
func (b *Builder) Build() (*Stack, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("credential store required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	signer, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.SigningMethod(b.config.JWT.SigningMethod),
		PrivateKey:    signingKey(b.config.JWT),
		PublicKey:     b.config.JWT.PublicKey,
		Issuer:        b.config.JWT.Issuer,
		Audience:      b.config.JWT.Audience,
		Leeway:        b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.New(password.Config{
		Memory:      b.config.Password.MemoryKB,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	kv, err := cache.New(b.redis, cache.Config{
		Prefix:          b.config.Cache.Prefix,
		SessionPrefix:   b.config.Cache.SessionPrefix,
		SessionIndexTTL: b.config.JWT.RefreshTTL,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := audit.NewDispatcher(audit.Config{
		BufferSize: b.config.Audit.BufferSize,
		DropIfFull: b.config.Audit.DropIfFull,
	}, b.sink)

	tokens, err := NewTokenService(b.store, kv, signer, dispatcher, logger, b.config.JWT.AccessTTL, b.config.JWT.RefreshTTL)
	if err != nil {
		return nil, err
	}

	policy := DefaultPasswordPolicy()
	policy.MinLength = b.config.Password.MinLength

	auth, err := NewAuthService(b.store, tokens, kv, hasher, dispatcher, b.notifier, logger, AuthServiceConfig{
		Policy:          policy,
		ResetTTL:        b.config.Reset.TTL,
		HashConcurrency: b.config.Password.HashConcurrency,
		UpgradeOnLogin:  b.config.Password.UpgradeOnLogin,
	})
	if err != nil {
		return nil, err
	}

	access, err := NewEngine(b.store, kv, b.config.Cache.DecisionTTL, logger)
	if err != nil {
		return nil, err
	}

	b.built = true
	return &Stack{
		Tokens:     tokens,
		Auth:       auth,
		Access:     access,
		Cache:      kv,
		dispatcher: dispatcher,
	}, nil
}

func signingKey(cfg JWTConfig) []byte {
	if cfg.SigningMethod == "ed25519" {
		return cfg.PrivateKey
	}
	return []byte(cfg.Secret)
}
