package metrics

import (
	"testing"
)

func TestNew(t *testing.T) {
	r := New()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.reg == nil {
		t.Fatal("expected non-nil prometheus registry")
	}
	if r.RequestsTotal == nil || r.AttemptsTotal == nil || r.CostUSD == nil {
		t.Fatal("expected all metric vectors to be initialized")
	}
}

func TestHandlerNonNil(t *testing.T) {
	r := New()
	if r.Handler() == nil {
		t.Fatal("expected non-nil http.Handler from Handler()")
	}
}

func TestMetricsCanBeCollected(t *testing.T) {
	r := New()

	r.RequestsTotal.WithLabelValues("unary", "m-lite", "ok").Inc()
	r.RequestLatency.WithLabelValues("unary", "m-lite", "free-a").Observe(150.0)
	r.AttemptsTotal.WithLabelValues("free-a", "success").Inc()
	r.RotationsTotal.WithLabelValues("free-a", "rate_limit").Inc()
	r.QuotaDenials.WithLabelValues("free-a").Inc()
	r.StreamChunks.WithLabelValues("free-a").Add(12)
	r.CostUSD.WithLabelValues("m-pro", "paid-b").Add(0.01)
	r.RateLimited.Inc()

	mfs, err := r.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error gathering metrics: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected at least one metric family after recording values")
	}

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	want := []string{
		"modelrelay_requests_total",
		"modelrelay_request_latency_ms",
		"modelrelay_upstream_attempts_total",
		"modelrelay_candidate_rotations_total",
		"modelrelay_quota_denials_total",
		"modelrelay_stream_chunks_total",
		"modelrelay_cost_usd_total",
		"modelrelay_http_rate_limited_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q in gathered metrics", name)
		}
	}
}

func TestSetCircuit(t *testing.T) {
	r := New()

	cases := []struct {
		circuit string
		want    float64
	}{
		{"closed", 0},
		{"half_open", 1},
		{"open", 2},
	}
	for _, c := range cases {
		r.SetCircuit("free-a", c.circuit)

		mfs, err := r.reg.Gather()
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, mf := range mfs {
			if mf.GetName() != "modelrelay_circuit_state" {
				continue
			}
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() != c.want {
					t.Errorf("SetCircuit(%q): gauge = %v, want %v", c.circuit, m.GetGauge().GetValue(), c.want)
				}
				found = true
			}
		}
		if !found {
			t.Fatalf("circuit gauge not gathered for %q", c.circuit)
		}
	}
}

func TestMultipleRegistriesAreIndependent(t *testing.T) {
	r1 := New()
	r2 := New()

	r1.RequestsTotal.WithLabelValues("unary", "m-lite", "ok").Inc()

	mfs, err := r2.reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil && m.GetCounter().GetValue() > 0 {
				t.Error("r2 should not have any non-zero counters")
			}
		}
	}
}
