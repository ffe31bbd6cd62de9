// Package ratelimit implements per-subject, per-scope admission control
// using fixed-window counters. The window discipline is deliberate: a
// counter resets entirely at window boundaries, which is simpler than
// sliding-window or token-bucket alternatives and admits brief bursts at
// the boundary — an accepted tradeoff.
//
// Counters live behind the Store interface so the in-process map can be
// swapped for an external atomic counter store in multi-process
// deployments. In-process state does not survive restarts and does not
// scale across processes.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/AppleLamps/zapp/internal/config"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed   bool      // Whether the request is admitted
	Remaining int       // Requests left in the current window after this one
	ResetAt   time.Time // When the current window resets
}

// Store is an atomic check-and-consume counter keyed by (scope, subject).
// Implementations must make the check-then-increment sequence effectively
// atomic per key under concurrent calls.
type Store interface {
	CheckAndConsume(ctx context.Context, subject, scope string, cfg config.LimitConfig) (Decision, error)
}

// bucket holds one fixed-window counter.
type bucket struct {
	count   int
	resetAt time.Time
}

// MemoryStore is the in-process Store. Buckets are created lazily and never
// explicitly destroyed; growth across distinct subjects is bounded only by
// the window expiry overwriting stale entries on reuse.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CheckAndConsume implements Store. It never returns an error.
func (s *MemoryStore) CheckAndConsume(_ context.Context, subject, scope string, cfg config.LimitConfig) (Decision, error) {
	key := scope + ":" + subject
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.After(b.resetAt) {
		resetAt := now.Add(cfg.Window)
		s.buckets[key] = &bucket{count: 1, resetAt: resetAt}
		return Decision{Allowed: true, Remaining: cfg.Max - 1, ResetAt: resetAt}, nil
	}
	if b.count < cfg.Max {
		b.count++
		return Decision{Allowed: true, Remaining: cfg.Max - b.count, ResetAt: b.resetAt}, nil
	}
	return Decision{Allowed: false, Remaining: 0, ResetAt: b.resetAt}, nil
}

// Limiter resolves the quota class for a subject and consults the store.
type Limiter struct {
	store         Store
	anonymous     config.LimitConfig
	authenticated config.LimitConfig
}

// New creates a Limiter over the given store with per-class quotas.
// Authenticated quotas are expected to be larger and longer-window than
// anonymous ones.
func New(store Store, anonymous, authenticated config.LimitConfig) *Limiter {
	return &Limiter{store: store, anonymous: anonymous, authenticated: authenticated}
}

// Check consumes one unit of quota for the subject under the given scope.
// authenticated selects the quota class; the subject itself is either the
// authenticated identity or the caller network address.
func (l *Limiter) Check(ctx context.Context, subject, scope string, authenticated bool) (Decision, error) {
	cfg := l.anonymous
	if authenticated {
		cfg = l.authenticated
	}
	return l.store.CheckAndConsume(ctx, subject, scope, cfg)
}
