package router

import (
	"context"
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/registry"
)

type fakeRegistry struct {
	models  map[string]*registry.Resolution
	budgets map[string]*registry.TenantBudget // keyed tenant|global
}

func (f *fakeRegistry) ResolveModel(ctx context.Context, requested string) (*registry.Resolution, error) {
	return f.models[registry.NormalizeID(requested)], nil
}

func (f *fakeRegistry) GetTenantBudget(ctx context.Context, tenantID, globalID string) (*registry.TenantBudget, error) {
	return f.budgets[tenantID+"|"+globalID], nil
}

type fakeHealth struct {
	records map[string]health.Record
	err     error
}

func (f *fakeHealth) Check(ctx context.Context, provider string) (health.Record, error) {
	if f.err != nil {
		return health.Record{}, f.err
	}
	if rec, ok := f.records[provider]; ok {
		return rec, nil
	}
	return health.Record{Provider: provider, Circuit: health.CircuitClosed}, nil
}

type fakeQuota struct {
	denied map[string]bool
}

func (f *fakeQuota) Peek(ctx context.Context, provider string, hintLimit int64) (quota.Decision, error) {
	if f.denied[provider] {
		return quota.Decision{Allowed: false}, nil
	}
	return quota.Decision{Allowed: true, Remaining: -1}, nil
}

func model(id string, inPrice float64) registry.GlobalModel {
	return registry.GlobalModel{ID: id, InputPerMTok: inPrice, OutputPerMTok: inPrice, SupportsStreaming: true}
}

func pm(provider, pmID, globalID string) registry.ProviderModel {
	return registry.ProviderModel{Provider: provider, ProviderModelID: pmID, GlobalID: globalID, Available: true}
}

func newTestRouter(reg *fakeRegistry, hc *fakeHealth, qp *fakeQuota, aliases map[string][]string) *Router {
	if hc == nil {
		hc = &fakeHealth{}
	}
	if qp == nil {
		qp = &fakeQuota{}
	}
	return New(reg, hc, qp, DefaultWeights(), aliases, nil)
}

func liteRegistry() *fakeRegistry {
	return &fakeRegistry{
		models: map[string]*registry.Resolution{
			"m-lite": {
				Model:     model("m-lite", 0),
				Providers: []registry.ProviderModel{pm("free-a", "lite-v1", "m-lite"), pm("paid-b", "lite-pro", "m-lite")},
			},
		},
	}
}

func TestFreeProviderOrderedFirst(t *testing.T) {
	reg := &fakeRegistry{
		models: map[string]*registry.Resolution{
			"m-lite": {Model: model("m-lite", 0), Providers: []registry.ProviderModel{pm("free-a", "l", "m-lite")}},
			"m-pro":  {Model: model("m-pro", 2), Providers: []registry.ProviderModel{pm("paid-b", "p", "m-pro")}},
		},
	}
	r := newTestRouter(reg, nil, nil, map[string][]string{"smart": {"m-pro", "m-lite"}})

	got, err := r.Candidates(context.Background(), "smart", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candidates", len(got))
	}
	if !got[0].Free || got[0].Provider != "free-a" {
		t.Errorf("free candidate must order first: %+v", got[0])
	}
}

func TestUnknownModelFailsModelNotFound(t *testing.T) {
	r := newTestRouter(liteRegistry(), nil, nil, nil)
	_, err := r.Candidates(context.Background(), "nope", "", "")
	if chat.KindOf(err) != chat.KindModelNotFound {
		t.Fatalf("kind = %s, want model_not_found", chat.KindOf(err))
	}
}

func TestOpenCircuitFiltered(t *testing.T) {
	hc := &fakeHealth{records: map[string]health.Record{
		"free-a": {Circuit: health.CircuitOpen},
	}}
	r := newTestRouter(liteRegistry(), hc, nil, nil)

	got, err := r.Candidates(context.Background(), "m-lite", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Provider != "paid-b" {
		t.Fatalf("open circuit not filtered: %+v", got)
	}
}

func TestQuotaExhaustedFiltered(t *testing.T) {
	qp := &fakeQuota{denied: map[string]bool{"paid-b": true}}
	r := newTestRouter(liteRegistry(), nil, qp, nil)

	got, err := r.Candidates(context.Background(), "m-lite", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Provider != "free-a" {
		t.Fatalf("quota-exhausted provider not filtered: %+v", got)
	}
}

func TestAllFilteredIsEmptyNotError(t *testing.T) {
	hc := &fakeHealth{records: map[string]health.Record{
		"free-a": {Circuit: health.CircuitOpen},
		"paid-b": {Circuit: health.CircuitOpen},
	}}
	r := newTestRouter(liteRegistry(), hc, nil, nil)

	got, err := r.Candidates(context.Background(), "m-lite", "", "")
	if err != nil {
		t.Fatalf("empty candidate list must not be an error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestBudgetExceeded(t *testing.T) {
	reg := liteRegistry()
	reg.budgets = map[string]*registry.TenantBudget{
		"t1|m-lite": {TenantID: "t1", GlobalID: "m-lite", MonthlyBudgetUSD: 5, CurrentSpendUSD: 5},
	}
	r := newTestRouter(reg, nil, nil, nil)

	_, err := r.Candidates(context.Background(), "m-lite", "t1", "")
	if chat.KindOf(err) != chat.KindBudgetExceeded {
		t.Fatalf("kind = %s, want budget_exceeded", chat.KindOf(err))
	}

	// Other tenants are unaffected.
	got, err := r.Candidates(context.Background(), "m-lite", "t2", "")
	if err != nil || len(got) != 2 {
		t.Fatalf("unbudgeted tenant blocked: %v %v", got, err)
	}
}

func TestPreferredProviderOrdersFirst(t *testing.T) {
	r := newTestRouter(liteRegistry(), nil, nil, nil)

	got, err := r.Candidates(context.Background(), "m-lite", "", "paid-b")
	if err != nil {
		t.Fatal(err)
	}
	if got[0].Provider != "paid-b" {
		t.Fatalf("preferred provider not first: %+v", got)
	}
}

func TestDeterministicOrdering(t *testing.T) {
	r := newTestRouter(liteRegistry(), nil, nil, nil)
	ctx := context.Background()

	first, err := r.Candidates(ctx, "m-lite", "", "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Candidates(ctx, "m-lite", "", "")
		if err != nil {
			t.Fatal(err)
		}
		for j := range first {
			if again[j].Provider != first[j].Provider {
				t.Fatalf("ordering changed between identical calls: %v vs %v", first, again)
			}
		}
	}
}

func TestAliasMemberMissingIsSkipped(t *testing.T) {
	reg := liteRegistry()
	r := newTestRouter(reg, nil, nil, map[string][]string{"smart": {"ghost-model", "m-lite"}})

	got, err := r.Candidates(context.Background(), "smart", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("surviving alias member should still route: %+v", got)
	}
}

func TestHealthErrorFailsOpen(t *testing.T) {
	hc := &fakeHealth{err: errors.New("kv down")}
	r := newTestRouter(liteRegistry(), hc, nil, nil)

	got, err := r.Candidates(context.Background(), "m-lite", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("health store outage must not stop routing: %+v", got)
	}
}
