package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/inkpress/authcore/cache"
)

const decisionKeyPrefix = "perm"

// Engine resolves role-based and explicit per-resource permissions with a
// short-lived decision cache. Denial is a value, never an error: errors are
// reserved for infrastructure failure.
type Engine struct {
	store CredentialStore
	cache *cache.Cache
	ttl   time.Duration
	log   *slog.Logger

	// group collapses concurrent misses for the same decision key into one
	// store round-trip.
	group singleflight.Group
}

// NewEngine wires the authorization engine. ttl bounds how stale a cached
// decision may be; role or grant mutations within the window either wait it
// out or call InvalidateUserDecisions.
func NewEngine(store CredentialStore, kv *cache.Cache, ttl time.Duration, logger *slog.Logger) (*Engine, error) {
	if store == nil || kv == nil {
		return nil, errors.New("authorization engine requires store and cache")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cache: kv, ttl: ttl, log: logger}, nil
}

// HasPermission reports whether the user may perform action on resource.
// Cache-aside: the decision cache is consulted first and populated on miss.
// A user that cannot be loaded has no permissions (fail-closed, not an
// error); only infrastructure failure returns a non-nil error.
func (e *Engine) HasPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	key := decisionKey(userID, resource, action)

	if data, ok, err := e.cache.Get(ctx, key); err != nil {
		e.log.Warn("decision cache read failed", "err", err)
	} else if ok {
		return len(data) == 1 && data[0] == '1', nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		allowed, err := e.resolve(ctx, userID, resource, action)
		if err != nil {
			return false, err
		}

		val := []byte{'0'}
		if allowed {
			val[0] = '1'
		}
		if err := e.cache.Set(ctx, key, val, e.ttl); err != nil {
			e.log.Warn("decision cache write failed", "err", err)
		}
		return allowed, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// InvalidateUserDecisions actively purges every cached decision for the
// user. Callers mutating roles or grants use this to shrink the staleness
// window from the TTL to zero.
func (e *Engine) InvalidateUserDecisions(ctx context.Context, userID string) error {
	_, err := e.cache.InvalidateByPattern(ctx, decisionKeyPrefix+":"+userID+":*")
	return err
}

func (e *Engine) resolve(ctx context.Context, userID, resource, action string) (bool, error) {
	user, err := e.store.FindUserByID(ctx, userID)
	if err != nil {
		return false, mapStoreErr(err)
	}
	if user == nil || !user.Active {
		return false, nil
	}

	if RoleAllows(user.Role, resource, action) {
		return true, nil
	}

	grants, err := e.store.GetExplicitPermissions(ctx, userID)
	if err != nil {
		return false, mapStoreErr(err)
	}
	return grantsAllow(grants, resource, action), nil
}

func decisionKey(userID, resource, action string) string {
	return fmt.Sprintf("%s:%s:%s:%s", decisionKeyPrefix, userID, resource, action)
}
