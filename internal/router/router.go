// Package router turns a requested model id into a totally ordered list of
// (provider, provider-model) candidates, filtered by availability, circuit
// state, and quota headroom. Ordering is deterministic for identical
// registry, health, and quota state.
package router

import (
	"context"
	"log/slog"
	"sort"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/registry"
)

// Candidate is one routed attempt target.
type Candidate struct {
	Provider        string
	ProviderModelID string
	Model           registry.GlobalModel
	RateLimitRPM    int64
	Free            bool
	AliasPos        int
	Score           float64

	normLatency float64
}

// Registry is the slice of the registry surface the router reads.
type Registry interface {
	ResolveModel(ctx context.Context, requested string) (*registry.Resolution, error)
	GetTenantBudget(ctx context.Context, tenantID, globalID string) (*registry.TenantBudget, error)
}

// HealthChecker reports circuit state and score per provider.
type HealthChecker interface {
	Check(ctx context.Context, provider string) (health.Record, error)
}

// QuotaPeeker reports quota headroom without consuming it.
type QuotaPeeker interface {
	Peek(ctx context.Context, provider string, hintLimit int64) (quota.Decision, error)
}

// Weights tunes the scoring terms. All default to equal influence.
type Weights struct {
	Tier    float64 `yaml:"tier"`
	Health  float64 `yaml:"health"`
	Latency float64 `yaml:"latency"`
	Cost    float64 `yaml:"cost"`
}

// DefaultWeights returns the production scoring weights.
func DefaultWeights() Weights {
	return Weights{Tier: 1.0, Health: 1.0, Latency: 0.5, Cost: 1.0}
}

// Router produces ordered candidate lists.
type Router struct {
	reg     Registry
	health  HealthChecker
	quota   QuotaPeeker
	weights Weights
	aliases map[string][]string
	logger  *slog.Logger
}

// New creates a router. aliases maps a semantic name to an ordered list of
// canonical model ids.
func New(reg Registry, hc HealthChecker, qp QuotaPeeker, weights Weights, aliases map[string][]string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:     reg,
		health:  hc,
		quota:   qp,
		weights: weights,
		aliases: aliases,
		logger:  logger.With("component", "router"),
	}
}

// Candidates resolves, gates, filters, scores, and orders the attempt
// targets for one request. An empty list with a nil error is valid and
// terminal for the caller.
func (r *Router) Candidates(ctx context.Context, requested, tenantID, preferred string) ([]Candidate, error) {
	resolutions, isAlias, err := r.resolve(ctx, requested)
	if err != nil {
		return nil, err
	}
	if len(resolutions) == 0 {
		return nil, chat.ModelNotFound(requested)
	}

	if tenantID != "" {
		resolutions, err = r.tenantGate(ctx, tenantID, resolutions)
		if err != nil {
			return nil, err
		}
	}

	var candidates []Candidate
	for aliasPos, res := range resolutions {
		for _, pm := range res.Providers {
			c, ok := r.admit(ctx, res.Model, pm)
			if !ok {
				continue
			}
			if isAlias {
				c.AliasPos = aliasPos
			}
			candidates = append(candidates, c)
		}
	}

	r.score(candidates)
	r.order(candidates, preferred)
	return candidates, nil
}

// resolve expands aliases to their canonical ids in order, or resolves the
// requested id directly. Aliases expand to canonical ids only; a missing
// alias member is skipped rather than failing the whole request.
func (r *Router) resolve(ctx context.Context, requested string) ([]*registry.Resolution, bool, error) {
	if ids, ok := r.aliases[registry.NormalizeID(requested)]; ok {
		var out []*registry.Resolution
		for _, id := range ids {
			res, err := r.reg.ResolveModel(ctx, id)
			if err != nil {
				return nil, true, err
			}
			if res == nil {
				r.logger.Warn("alias member not in catalog", "alias", requested, "member", id)
				continue
			}
			out = append(out, res)
		}
		return out, true, nil
	}

	res, err := r.reg.ResolveModel(ctx, requested)
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		return nil, false, nil
	}
	return []*registry.Resolution{res}, false, nil
}

// tenantGate fails with BudgetExceeded only when every resolved model is
// blocked for the tenant; partially blocked aliases drop the blocked models.
func (r *Router) tenantGate(ctx context.Context, tenantID string, resolutions []*registry.Resolution) ([]*registry.Resolution, error) {
	blocked := 0
	kept := make([]*registry.Resolution, 0, len(resolutions))
	for _, res := range resolutions {
		b, err := r.reg.GetTenantBudget(ctx, tenantID, res.Model.ID)
		if err != nil {
			return nil, err
		}
		if b != nil && b.Exhausted() {
			blocked++
			continue
		}
		kept = append(kept, res)
	}
	if blocked > 0 && len(kept) == 0 {
		return nil, chat.BudgetExceeded(tenantID, resolutions[0].Model.ID)
	}
	return kept, nil
}

// admit applies the per-record filters: circuit open and quota exhaustion
// drop the record. Health or quota read errors fail open; a flaky control
// plane must not stop routing.
func (r *Router) admit(ctx context.Context, m registry.GlobalModel, pm registry.ProviderModel) (Candidate, bool) {
	c := Candidate{
		Provider:        pm.Provider,
		ProviderModelID: pm.ProviderModelID,
		Model:           m,
		RateLimitRPM:    pm.RateLimitRPM,
		Free:            m.Free(),
	}

	rec, err := r.health.Check(ctx, pm.Provider)
	if err != nil {
		r.logger.Warn("health check failed, admitting", "provider", pm.Provider, "error", err)
		rec = health.Record{Circuit: health.CircuitClosed}
	}
	if rec.Circuit == health.CircuitOpen {
		return c, false
	}

	d, err := r.quota.Peek(ctx, pm.Provider, pm.RateLimitRPM)
	if err != nil {
		r.logger.Warn("quota peek failed, admitting", "provider", pm.Provider, "error", err)
	} else if !d.Allowed {
		return c, false
	}

	c.Score = r.weights.Health * rec.Score()
	c.normLatency = normalizedLatency(pm.P95LatencyMs)
	return c, true
}

func normalizedLatency(p95ms int64) float64 {
	// Latencies are squashed into [0,1) against a 10s ceiling.
	const ceilingMs = 10_000
	if p95ms <= 0 {
		return 0
	}
	if p95ms >= ceilingMs {
		return 1
	}
	return float64(p95ms) / ceilingMs
}

func (r *Router) score(candidates []Candidate) {
	for i := range candidates {
		c := &candidates[i]
		tier := 0.0
		if c.Free {
			tier = 1.0
		}
		costFactor := 1.0
		if c.Free {
			costFactor = 0.0
		}
		c.Score += r.weights.Tier*tier +
			r.weights.Latency*(1-c.normLatency) +
			r.weights.Cost*(1-costFactor)
	}
}

// order sorts by (preferred match, free tier, alias position, score,
// provider id). The final provider-id tiebreak keeps routing deterministic.
func (r *Router) order(candidates []Candidate, preferred string) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		am, bm := a.Provider == preferred, b.Provider == preferred
		if am != bm {
			return am
		}
		if a.Free != b.Free {
			return a.Free
		}
		if a.AliasPos != b.AliasPos {
			return a.AliasPos < b.AliasPos
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Provider < b.Provider
	})
}
