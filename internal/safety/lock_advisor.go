// LockAdvisor serializes DDL per scope. When Redis is
// configured it uses SET NX PX + TTL so multiple daemon instances
// coordinate; otherwise it falls back to an in-process, mutex-guarded map
// of expiring locks so the daemon runs standalone without external
// dependencies.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const lockKeyPrefix = "indexwarden:lock:"

// LockAdvisor is the C7 lock gate.
type LockAdvisor struct {
	ttl time.Duration

	redisClient *redis.Client

	mu    sync.Mutex
	local map[string]time.Time // scope -> expiry
}

// NewLockAdvisor builds an advisor. redisAddr == "" selects the
// in-process fallback.
func NewLockAdvisor(redisAddr string, ttl time.Duration) *LockAdvisor {
	a := &LockAdvisor{ttl: ttl, local: make(map[string]time.Time)}
	if redisAddr != "" {
		a.redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return a
}

func (a *LockAdvisor) Name() string { return "lock_advisor" }

func (a *LockAdvisor) Admit(ctx context.Context, req Request) (bool, string) {
	acquired, err := a.TryAcquire(ctx, req.Scope())
	if err != nil {
		return false, fmt.Sprintf("lock advisor error: %v", err)
	}
	if !acquired {
		return false, "scope locked"
	}
	return true, ""
}

// TryAcquire attempts to take the per-scope lock, returning false
// (not an error) when another mutation already holds it.
func (a *LockAdvisor) TryAcquire(ctx context.Context, scope string) (bool, error) {
	if a.redisClient != nil {
		ok, err := a.redisClient.SetNX(ctx, lockKeyPrefix+scope, "1", a.ttl).Result()
		if err != nil {
			return false, err
		}
		return ok, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reapLocked()
	if _, held := a.local[scope]; held {
		return false, nil
	}
	a.local[scope] = time.Now().Add(a.ttl)
	return true, nil
}

// Release drops the lock for scope, whichever backend holds it.
func (a *LockAdvisor) Release(ctx context.Context, scope string) error {
	if a.redisClient != nil {
		return a.redisClient.Del(ctx, lockKeyPrefix+scope).Err()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.local, scope)
	return nil
}

// Reap removes expired in-process locks; called periodically by the
// lifecycle maintainer to expire stale advisory locks. Redis-backed
// locks expire on their own via PX TTL.
func (a *LockAdvisor) Reap() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reapLocked()
}

func (a *LockAdvisor) reapLocked() {
	now := time.Now()
	for scope, expiry := range a.local {
		if now.After(expiry) {
			delete(a.local, scope)
		}
	}
}
