// Package quota enforces per-provider request windows on top of the shared
// KV store. Counters are fixed windows keyed by provider and window start;
// keys past their window expire with the KV TTL.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Counter is the KV subset quota needs. Both kv.Memory and kv.Redis satisfy it.
type Counter interface {
	IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)
	Peek(ctx context.Context, key string) (int64, error)
}

// Decision is the result of a quota check.
type Decision struct {
	Allowed   bool
	Remaining int64
}

// Store tracks per-provider request counters over a fixed window.
type Store struct {
	kv     Counter
	window time.Duration

	mu     sync.RWMutex
	limits map[string]int64 // provider -> requests per window; 0 = unlimited

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewStore creates a quota store. window must be positive.
func NewStore(kv Counter, window time.Duration) *Store {
	if window <= 0 {
		window = time.Minute
	}
	return &Store{
		kv:      kv,
		window:  window,
		limits:  make(map[string]int64),
		nowFunc: time.Now,
	}
}

// SetLimit sets the per-window request limit for a provider. limit <= 0
// removes the limit (unlimited).
func (s *Store) SetLimit(provider string, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		delete(s.limits, provider)
		return
	}
	s.limits[provider] = limit
}

// Limit returns the configured limit for provider (0 = unlimited).
func (s *Store) Limit(provider string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits[provider]
}

func (s *Store) key(provider string) string {
	start := s.nowFunc().Truncate(s.window).Unix()
	return fmt.Sprintf("quota:%s:%d", provider, start)
}

// Allow atomically increments the provider's window counter and compares it
// to the limit. When the window is already full, the counter is not
// incremented. hintLimit overrides the configured limit when positive.
func (s *Store) Allow(ctx context.Context, provider string, hintLimit int64) (Decision, error) {
	limit := s.effectiveLimit(provider, hintLimit)
	if limit <= 0 {
		// No limit: still count, for observability of remaining=unlimited.
		if _, _, err := s.kv.IncrWithLimit(ctx, s.key(provider), 0, 2*s.window); err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	n, ok, err := s.kv.IncrWithLimit(ctx, s.key(provider), limit, 2*s.window)
	if err != nil {
		return Decision{}, err
	}
	remaining := limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: ok, Remaining: remaining}, nil
}

// Peek reports whether an Allow call would currently succeed, without
// incrementing. The router uses this as a filter; the real increment happens
// in the orchestrator.
func (s *Store) Peek(ctx context.Context, provider string, hintLimit int64) (Decision, error) {
	limit := s.effectiveLimit(provider, hintLimit)
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	n, err := s.kv.Peek(ctx, s.key(provider))
	if err != nil {
		return Decision{}, err
	}
	remaining := limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: n < limit, Remaining: remaining}, nil
}

func (s *Store) effectiveLimit(provider string, hintLimit int64) int64 {
	if hintLimit > 0 {
		return hintLimit
	}
	return s.Limit(provider)
}
