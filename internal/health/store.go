// Package health tracks per-provider circuit state and success rate in a
// shared TTL store, so every gateway instance sees upstream liveness the
// same way.
//
// Circuit transitions are monotone within a cooldown window: closed goes to
// open on a breach, open goes to half-open only once the cooldown expires,
// and half-open closes on one success or reopens on one failure.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/kv"
)

// Circuit is the three-valued flag guarding a provider after failures.
type Circuit string

const (
	CircuitClosed   Circuit = "closed"
	CircuitHalfOpen Circuit = "half_open"
	CircuitOpen     Circuit = "open"
)

// Outcome classifies one finished upstream attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeClientError    Outcome = "client_error"
	OutcomeServerError    Outcome = "server_error"
	OutcomeRateLimit      Outcome = "rate_limit"
	OutcomeAuthError      Outcome = "auth_error"
	OutcomeTransportError Outcome = "transport_error"
)

// Record is the shared per-provider health state. The zero-history record is
// closed with a success rate of 1.0.
type Record struct {
	Provider      string    `json:"-"`
	Circuit       Circuit   `json:"circuit"`
	Window        string    `json:"window"` // newest-last bits, '1' = success
	LastOutcome   Outcome   `json:"last_outcome,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// SuccessRate returns the fraction of successes over the sliding window,
// 1.0 when there is no history.
func (r Record) SuccessRate() float64 {
	if r.Window == "" {
		return 1.0
	}
	ones := strings.Count(r.Window, "1")
	return float64(ones) / float64(len(r.Window))
}

// Score maps the record to the [0,1] health score the router consumes.
// Open circuits score zero; half-open circuits are discounted probes.
func (r Record) Score() float64 {
	switch r.Circuit {
	case CircuitOpen:
		return 0
	case CircuitHalfOpen:
		return 0.5 * r.SuccessRate()
	default:
		return r.SuccessRate()
	}
}

// Config tunes breach detection and the outcome-class cooldowns.
type Config struct {
	// WindowSize caps the number of remembered outcomes per provider.
	WindowSize int
	// OpenThreshold opens the circuit when the success rate drops below it.
	OpenThreshold float64
	// MinSamples gates threshold evaluation until enough history exists.
	MinSamples int
	// Cooldowns maps outcome classes to open-circuit durations.
	Cooldowns map[Outcome]time.Duration
	// RecordTTL bounds how long an idle closed record survives.
	RecordTTL time.Duration
}

// DefaultConfig returns the cooldown table and thresholds used in production.
func DefaultConfig() Config {
	return Config{
		WindowSize:    20,
		OpenThreshold: 0.5,
		MinSamples:    4,
		Cooldowns: map[Outcome]time.Duration{
			OutcomeRateLimit:      60 * time.Second,
			OutcomeServerError:    30 * time.Second,
			OutcomeTransportError: 30 * time.Second,
			OutcomeAuthError:      time.Hour,
		},
		RecordTTL: 10 * time.Minute,
	}
}

// Store reads and updates health records. Updates are lock-free
// compare-and-set loops against the backing KV store.
type Store struct {
	kv  kv.Store
	cfg Config

	onTransition func(provider string, from, to Circuit)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOnTransition registers a callback fired on every circuit transition.
func WithOnTransition(fn func(provider string, from, to Circuit)) Option {
	return func(s *Store) { s.onTransition = fn }
}

// NewStore creates a health store over the given KV backend.
func NewStore(backend kv.Store, cfg Config, opts ...Option) *Store {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.OpenThreshold <= 0 {
		cfg.OpenThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 4
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 10 * time.Minute
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = DefaultConfig().Cooldowns
	}
	s := &Store{kv: backend, cfg: cfg, nowFunc: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func recordKey(provider string) string { return "health:" + provider }

// Check returns the current health record for provider. A missing record
// means closed with no history. An open circuit whose cooldown has expired is
// reported (and persisted) as half-open, admitting a probe.
func (s *Store) Check(ctx context.Context, provider string) (Record, error) {
	raw, ok, err := s.kv.Get(ctx, recordKey(provider))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{Provider: provider, Circuit: CircuitClosed}, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// A corrupt record is treated as no history.
		return Record{Provider: provider, Circuit: CircuitClosed}, nil
	}
	rec.Provider = provider

	if rec.Circuit == CircuitOpen && !s.nowFunc().Before(rec.CooldownUntil) {
		next := rec
		next.Circuit = CircuitHalfOpen
		if s.persist(ctx, provider, raw, next) {
			s.transition(provider, CircuitOpen, CircuitHalfOpen)
		}
		next.Provider = provider
		return next, nil
	}
	return rec, nil
}

// RecordOutcome folds one attempt outcome into the provider's record.
// Client errors carry no penalty and leave the record untouched.
func (s *Store) RecordOutcome(ctx context.Context, provider string, outcome Outcome) error {
	if outcome == OutcomeClientError {
		return nil
	}

	key := recordKey(provider)
	for attempt := 0; attempt < 5; attempt++ {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		cur := Record{Circuit: CircuitClosed}
		if ok {
			if err := json.Unmarshal([]byte(raw), &cur); err != nil {
				cur = Record{Circuit: CircuitClosed}
			}
		}
		old := ""
		if ok {
			old = raw
		}

		next := s.apply(cur, outcome)
		if s.persist(ctx, provider, old, next) {
			if cur.Circuit != next.Circuit {
				s.transition(provider, cur.Circuit, next.Circuit)
			}
			return nil
		}
		// Lost the CAS race; re-read and retry.
	}
	return errors.New("health: record contention, giving up")
}

// apply computes the successor record for one outcome.
func (s *Store) apply(cur Record, outcome Outcome) Record {
	now := s.nowFunc()
	next := cur
	next.LastOutcome = outcome

	switch outcome {
	case OutcomeSuccess:
		next.Window = s.appendBit(cur.Window, '1')
		switch cur.Circuit {
		case CircuitHalfOpen:
			// Probe succeeded.
			next.Circuit = CircuitClosed
			next.CooldownUntil = time.Time{}
			next.Window = "1"
		case CircuitOpen:
			if !now.Before(cur.CooldownUntil) {
				next.Circuit = CircuitClosed
				next.CooldownUntil = time.Time{}
				next.Window = "1"
			}
			// A success while still cooling down does not close the circuit;
			// closing happens only through half-open.
		}

	case OutcomeAuthError, OutcomeRateLimit:
		// Both classes stop traffic immediately: auth failures will not heal
		// by themselves and a 429 means the window is already spent.
		next.Window = s.appendBit(cur.Window, '0')
		next.Circuit = CircuitOpen
		next.CooldownUntil = now.Add(s.cfg.Cooldowns[outcome])

	case OutcomeServerError, OutcomeTransportError:
		next.Window = s.appendBit(cur.Window, '0')
		switch cur.Circuit {
		case CircuitHalfOpen:
			// Probe failed.
			next.Circuit = CircuitOpen
			next.CooldownUntil = now.Add(s.cfg.Cooldowns[outcome])
		case CircuitClosed:
			if len(next.Window) >= s.cfg.MinSamples && (Record{Window: next.Window}).SuccessRate() < s.cfg.OpenThreshold {
				next.Circuit = CircuitOpen
				next.CooldownUntil = now.Add(s.cfg.Cooldowns[outcome])
			}
		}
	}
	return next
}

func (s *Store) appendBit(window string, bit byte) string {
	w := window + string(bit)
	if len(w) > s.cfg.WindowSize {
		w = w[len(w)-s.cfg.WindowSize:]
	}
	return w
}

// persist CASes the record, with TTL tied to the cooldown for open circuits.
func (s *Store) persist(ctx context.Context, provider, old string, next Record) bool {
	ttl := s.cfg.RecordTTL
	if next.Circuit == CircuitOpen {
		if until := next.CooldownUntil.Sub(s.nowFunc()); until > ttl {
			ttl = until
		}
	}
	buf, err := json.Marshal(next)
	if err != nil {
		return false
	}
	ok, err := s.kv.CompareAndSet(ctx, recordKey(provider), old, string(buf), ttl)
	return err == nil && ok
}

func (s *Store) transition(provider string, from, to Circuit) {
	if s.onTransition != nil {
		s.onTransition(provider, from, to)
	}
}
