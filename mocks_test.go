package authcore

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/inkpress/authcore/cache"
	"github.com/inkpress/authcore/jwt"
	"github.com/inkpress/authcore/password"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// mockStore is an in-memory CredentialStore with per-method call counters so
// tests can assert whether a path hit the store or was served from cache.
type mockStore struct {
	mu       sync.Mutex
	users    map[string]*User
	sessions map[string]*Session
	grants   map[string][]Grant
	calls    map[string]int

	// failWith makes store calls fail; failOn narrows the failure to one
	// method, empty means every method.
	failWith error
	failOn   string
}

func newMockStore() *mockStore {
	return &mockStore{
		users:    map[string]*User{},
		sessions: map[string]*Session{},
		grants:   map[string][]Grant{},
		calls:    map[string]int{},
	}
}

func (m *mockStore) called(name string) error {
	m.calls[name]++
	if m.failWith != nil && (m.failOn == "" || m.failOn == name) {
		return m.failWith
	}
	return nil
}

func (m *mockStore) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockStore) FindUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("FindUserByEmail"); err != nil {
		return nil, err
	}
	for _, u := range m.users {
		if NormalizeEmail(u.Email) == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) FindUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("FindUserByID"); err != nil {
		return nil, err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *mockStore) FindUserByResetTokenHash(_ context.Context, hash string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("FindUserByResetTokenHash"); err != nil {
		return nil, err
	}
	for _, u := range m.users {
		if u.ResetTokenHash != nil && *u.ResetTokenHash == hash {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("CreateUser"); err != nil {
		return err
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockStore) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("UpdatePasswordHash"); err != nil {
		return err
	}
	if u, ok := m.users[userID]; ok {
		u.PasswordHash = hash
	}
	return nil
}

func (m *mockStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("UpdateLastLogin"); err != nil {
		return err
	}
	if u, ok := m.users[userID]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *mockStore) SetPasswordResetToken(_ context.Context, userID, hash string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("SetPasswordResetToken"); err != nil {
		return err
	}
	if u, ok := m.users[userID]; ok {
		u.ResetTokenHash = &hash
		u.ResetTokenExpires = &expires
	}
	return nil
}

func (m *mockStore) ClearPasswordResetToken(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("ClearPasswordResetToken"); err != nil {
		return err
	}
	if u, ok := m.users[userID]; ok {
		u.ResetTokenHash = nil
		u.ResetTokenExpires = nil
	}
	return nil
}

func (m *mockStore) CreateSession(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("CreateSession"); err != nil {
		return err
	}
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *mockStore) FindSessionByTokenHash(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("FindSessionByTokenHash"); err != nil {
		return nil, err
	}
	for _, s := range m.sessions {
		if s.TokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) FindSessionByRefreshHash(_ context.Context, hash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("FindSessionByRefreshHash"); err != nil {
		return nil, err
	}
	for _, s := range m.sessions {
		if s.RefreshTokenHash == hash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockStore) InvalidateSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("InvalidateSession"); err != nil {
		return err
	}
	if s, ok := m.sessions[id]; ok {
		s.Active = false
	}
	return nil
}

func (m *mockStore) InvalidateAllUserSessions(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("InvalidateAllUserSessions"); err != nil {
		return err
	}
	for _, s := range m.sessions {
		if s.UserID == userID {
			s.Active = false
		}
	}
	return nil
}

func (m *mockStore) GetExplicitPermissions(_ context.Context, userID string) ([]Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.called("GetExplicitPermissions"); err != nil {
		return nil, err
	}
	return m.grants[userID], nil
}

func (m *mockStore) setActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Active = active
	}
}

func (m *mockStore) setRole(id string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Role = role
	}
}

func (m *mockStore) activeSessions(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			n++
		}
	}
	return n
}

// recordingNotifier captures reset deliveries.
type recordingNotifier struct {
	mu     sync.Mutex
	emails []string
	tokens []string
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, email, rawToken string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, email)
	n.tokens = append(n.tokens, rawToken)
	return nil
}

func (n *recordingNotifier) sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.emails)
}

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv, err := cache.New(rdb, cache.Config{Prefix: "ac", SessionPrefix: "acs"})
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	return kv, mr
}

func newTestSigner(t *testing.T) *jwt.Manager {
	t.Helper()

	signer, err := jwt.NewManager(jwt.Config{
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte(testSecret),
		Issuer:        "authcore-test",
	})
	if err != nil {
		t.Fatalf("jwt.NewManager failed: %v", err)
	}
	return signer
}

// Fast argon2 parameters keep the suite quick; production costs are exercised
// only through the parameter-floor checks in the password package.
func newTestHasher(t *testing.T) *password.Hasher {
	t.Helper()

	hasher, err := password.New(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("password.New failed: %v", err)
	}
	return hasher
}

func newTestTokenService(t *testing.T, store *mockStore) (*TokenService, *miniredis.Miniredis) {
	t.Helper()

	kv, mr := newTestCache(t)
	svc, err := NewTokenService(store, kv, newTestSigner(t), nil, slog.Default(), 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}
	return svc, mr
}

func newTestAuthService(t *testing.T, store *mockStore, notifier Notifier) (*AuthService, *TokenService, *miniredis.Miniredis) {
	t.Helper()

	kv, mr := newTestCache(t)
	tokens, err := NewTokenService(store, kv, newTestSigner(t), nil, slog.Default(), 15*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenService failed: %v", err)
	}

	auth, err := NewAuthService(store, tokens, kv, newTestHasher(t), nil, notifier, slog.Default(), AuthServiceConfig{
		Policy:   DefaultPasswordPolicy(),
		ResetTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewAuthService failed: %v", err)
	}
	return auth, tokens, mr
}

func seedUser(t *testing.T, store *mockStore, id, email, plaintext string, role Role) *User {
	t.Helper()

	hash, err := newTestHasher(t).Hash(plaintext)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	now := time.Now()
	user := &User{
		ID:           id,
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
		Role:         role,
		TenantID:     "tenant-1",
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user failed: %v", err)
	}
	return user
}
