// Package registry persists the canonical model catalog, the provider
// availability graph, and per-tenant budgets. Reads serve the router on the
// hot path; writes happen only through the background synchronizers and the
// orchestrator's billing accrual.
package registry

import (
	"context"
	"strings"
	"time"
)

// GlobalModel is a canonical catalog entry. IDs are immutable once written;
// models are never deleted, staleness is observable through LastSync.
type GlobalModel struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"display_name"`
	ContextWindow     int       `json:"context_window"`
	InputPerMTok      float64   `json:"input_per_mtok"`
	OutputPerMTok     float64   `json:"output_per_mtok"`
	SupportsTools     bool      `json:"supports_tools"`
	SupportsVision    bool      `json:"supports_vision"`
	SupportsStreaming bool      `json:"supports_streaming"`
	LastSync          time.Time `json:"last_sync"`
}

// Free reports whether the model is free-tier (both prices zero).
func (m GlobalModel) Free() bool {
	return m.InputPerMTok == 0 && m.OutputPerMTok == 0
}

// ProviderModel records that a provider serves a canonical model under a
// provider-specific id. The (Provider, ProviderModelID) pair is unique.
type ProviderModel struct {
	Provider        string    `json:"provider"`
	ProviderModelID string    `json:"provider_model_id"`
	GlobalID        string    `json:"global_id"`
	Available       bool      `json:"available"`
	LastSeen        time.Time `json:"last_seen"`
	RateLimitRPM    int64     `json:"rate_limit_rpm"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	P95LatencyMs    int64     `json:"p95_latency_ms"`
}

// TenantBudget is the per-(tenant, model) guardrail. Spend resets at the
// UTC month boundary.
type TenantBudget struct {
	TenantID          string  `json:"tenant_id"`
	GlobalID          string  `json:"global_id"`
	RequestsPerMinute int64   `json:"requests_per_minute"`
	MonthlyBudgetUSD  float64 `json:"monthly_budget_usd"`
	CurrentSpendUSD   float64 `json:"current_spend_usd"`
	SpendMonth        string  `json:"spend_month"` // "2026-08", UTC
}

// Exhausted reports whether the budget gate rejects new requests. A zero
// monthly budget means unlimited.
func (b TenantBudget) Exhausted() bool {
	return b.MonthlyBudgetUSD > 0 && b.CurrentSpendUSD >= b.MonthlyBudgetUSD
}

// Resolution is the read the router consumes: a canonical model plus its
// available, fresh provider records.
type Resolution struct {
	Model     GlobalModel
	Providers []ProviderModel
}

// Store is the persistence contract for the registry.
type Store interface {
	Migrate(ctx context.Context) error

	// ResolveModel matches requested against a canonical id or a
	// provider-specific id (case-insensitive) and returns the canonical
	// entry with its available provider records. Records whose last-seen
	// is older than the staleness horizon are filtered out. Returns
	// (nil, nil) when nothing matches.
	ResolveModel(ctx context.Context, requested string) (*Resolution, error)

	ListGlobalModels(ctx context.Context) ([]GlobalModel, error)
	ListProviderModels(ctx context.Context, provider string) ([]ProviderModel, error)

	UpsertGlobalModel(ctx context.Context, m GlobalModel) error
	UpsertProviderModel(ctx context.Context, pm ProviderModel) error

	// MarkUnseen flips available=false for every record of provider whose
	// last-seen predates the sweep start, and returns how many it flipped.
	MarkUnseen(ctx context.Context, provider string, sweepStart time.Time) (int64, error)

	// RecordAttempt folds one attempt outcome into the provider record's
	// rolling counters and latency observation.
	RecordAttempt(ctx context.Context, provider, providerModelID string, success bool, latency time.Duration) error

	// GetTenantBudget returns the budget row, with spend reset applied if
	// the stored month is not the current UTC month. Returns (nil, nil)
	// when no budget is configured for the pair.
	GetTenantBudget(ctx context.Context, tenantID, globalID string) (*TenantBudget, error)
	UpsertTenantBudget(ctx context.Context, b TenantBudget) error

	// AddSpend accrues cost onto the tenant's current-month spend.
	AddSpend(ctx context.Context, tenantID, globalID string, usd float64) error

	Close() error
}

// NormalizeID lowercases and trims a model identifier for lookup.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// MonthOf formats t's UTC month the way TenantBudget.SpendMonth stores it.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
