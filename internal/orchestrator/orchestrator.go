// Package orchestrator drives a request through the router's candidate
// list: it consumes quota, invokes the adapter, classifies the outcome,
// updates health and registry state, and accrues billing. Streaming follows
// a commitment rule: rotation to the next candidate is allowed only until
// the first chunk reaches the caller.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/router"
)

// CandidateSource produces the ordered attempt targets.
type CandidateSource interface {
	Candidates(ctx context.Context, requested, tenantID, preferred string) ([]router.Candidate, error)
}

// AdapterSource resolves provider ids to adapters.
type AdapterSource interface {
	Get(id string) (providers.Adapter, bool)
}

// QuotaStore consumes provider quota.
type QuotaStore interface {
	Allow(ctx context.Context, provider string, hintLimit int64) (quota.Decision, error)
}

// HealthRecorder folds attempt outcomes into circuit state.
type HealthRecorder interface {
	RecordOutcome(ctx context.Context, provider string, outcome health.Outcome) error
}

// Accounting records per-provider-model attempt stats and tenant spend.
type Accounting interface {
	RecordAttempt(ctx context.Context, provider, providerModelID string, success bool, latency time.Duration) error
	AddSpend(ctx context.Context, tenantID, globalID string, usd float64) error
}

// Config tunes per-attempt policy.
type Config struct {
	// AttemptTimeout bounds one unary attempt or one stream's
	// time-to-first-chunk. Zero means no per-attempt deadline.
	AttemptTimeout time.Duration
	// EstimateUsage enables the chars/4 token estimate for billing when the
	// upstream reports no usage.
	EstimateUsage bool
}

// Orchestrator executes the attempt protocol.
type Orchestrator struct {
	routes   CandidateSource
	adapters AdapterSource
	quota    QuotaStore
	health   HealthRecorder
	acct     Accounting
	metrics  *metrics.Registry
	cfg      Config
	logger   *slog.Logger
}

// New wires an orchestrator. metrics may be nil in tests.
func New(routes CandidateSource, adapters AdapterSource, qs QuotaStore, hr HealthRecorder, acct Accounting, m *metrics.Registry, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		routes:   routes,
		adapters: adapters,
		quota:    qs,
		health:   hr,
		acct:     acct,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}
}

// Complete runs the unary attempt loop.
func (o *Orchestrator) Complete(ctx context.Context, req chat.Request) (*chat.Response, error) {
	candidates, err := o.routes.Candidates(ctx, req.Model, req.TenantID, req.PreferredProvider)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, chat.NoCandidates(req.Model)
	}

	var attempts []chat.AttemptError
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, chat.Cancelled(err)
		}

		adapter, attempt := o.admitAttempt(ctx, cand)
		if attempt != nil {
			attempts = append(attempts, *attempt)
			continue
		}

		attemptCtx, cancel := o.attemptContext(ctx)
		start := time.Now()
		resp, err := adapter.Complete(attemptCtx, cand.ProviderModelID, req)
		latency := time.Since(start)
		cancel()

		if err == nil {
			o.recordOutcome(ctx, cand, health.OutcomeSuccess, latency)
			o.accrue(ctx, req, cand, resp.Usage, textLen(req), len(resp.Message.Content))
			return resp, nil
		}

		kind := providers.Classify(err)
		if kind == chat.KindCancelled || ctx.Err() != nil {
			return nil, chat.Cancelled(err)
		}
		o.recordOutcome(ctx, cand, outcomeFor(kind), latency)
		o.countRotation(cand.Provider, string(kind))
		attempts = append(attempts, chat.AttemptError{
			Provider: cand.Provider,
			Kind:     kind,
			Status:   providers.StatusOf(err),
			Message:  err.Error(),
		})
		o.logger.Warn("attempt failed, rotating",
			"provider", cand.Provider, "model", cand.ProviderModelID,
			"kind", string(kind), "correlation_id", req.CorrelationID)
	}
	return nil, chat.AllCandidatesFailed(attempts)
}

// Stream runs the streaming attempt loop. The returned stream is committed:
// upstream failures after the first chunk surface as a terminal error chunk,
// never as a silent close or a provider switch.
func (o *Orchestrator) Stream(ctx context.Context, req chat.Request) (*chat.Stream, error) {
	candidates, err := o.routes.Candidates(ctx, req.Model, req.TenantID, req.PreferredProvider)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, chat.NoCandidates(req.Model)
	}

	var attempts []chat.AttemptError
	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, chat.Cancelled(err)
		}

		adapter, attempt := o.admitAttempt(ctx, cand)
		if attempt != nil {
			attempts = append(attempts, *attempt)
			continue
		}

		start := time.Now()
		upstream, first, err := o.openStream(ctx, adapter, cand, req)
		latency := time.Since(start)

		if err != nil {
			kind := providers.Classify(err)
			if kind == chat.KindCancelled || ctx.Err() != nil {
				return nil, chat.Cancelled(err)
			}
			o.recordOutcome(ctx, cand, outcomeFor(kind), latency)
			o.countRotation(cand.Provider, string(kind))
			attempts = append(attempts, chat.AttemptError{
				Provider: cand.Provider,
				Kind:     kind,
				Status:   providers.StatusOf(err),
				Message:  err.Error(),
			})
			o.logger.Warn("stream attempt failed before first chunk, rotating",
				"provider", cand.Provider, "kind", string(kind), "correlation_id", req.CorrelationID)
			continue
		}

		// Committed: forward the peeked chunk and the rest of the stream.
		return o.forward(ctx, req, cand, upstream, first), nil
	}
	return nil, chat.AllCandidatesFailed(attempts)
}

// admitAttempt consumes quota and resolves the adapter. A non-nil attempt
// error means skip this candidate.
func (o *Orchestrator) admitAttempt(ctx context.Context, cand router.Candidate) (providers.Adapter, *chat.AttemptError) {
	d, err := o.quota.Allow(ctx, cand.Provider, cand.RateLimitRPM)
	if err == nil && !d.Allowed {
		if o.metrics != nil {
			o.metrics.QuotaDenials.WithLabelValues(cand.Provider).Inc()
		}
		o.recordOutcome(ctx, cand, health.OutcomeRateLimit, 0)
		return nil, &chat.AttemptError{
			Provider: cand.Provider,
			Kind:     chat.KindUpstreamRateLimit,
			Message:  "provider quota window exhausted",
		}
	}
	// Quota store read errors fail open; the upstream enforces for real.

	adapter, ok := o.adapters.Get(cand.Provider)
	if !ok {
		o.logger.Error("no adapter registered for routed provider", "provider", cand.Provider)
		return nil, &chat.AttemptError{
			Provider: cand.Provider,
			Kind:     chat.KindInternal,
			Message:  "no adapter registered",
		}
	}
	return adapter, nil
}

// openStream starts the upstream stream and peeks the first chunk. The
// attempt deadline covers time-to-first-chunk only; the stream itself runs
// under the caller's context.
func (o *Orchestrator) openStream(ctx context.Context, adapter providers.Adapter, cand router.Candidate, req chat.Request) (*chat.Stream, chat.Chunk, error) {
	upstream, err := adapter.Stream(ctx, cand.ProviderModelID, req)
	if err != nil {
		return nil, chat.Chunk{}, err
	}

	var firstChunkTimer <-chan time.Time
	if o.cfg.AttemptTimeout > 0 {
		t := time.NewTimer(o.cfg.AttemptTimeout)
		defer t.Stop()
		firstChunkTimer = t.C
	}

	select {
	case first, ok := <-upstream.Chunks():
		if !ok {
			upstream.Close()
			return nil, chat.Chunk{}, errors.New("stream ended before any chunk")
		}
		if first.Err != nil {
			upstream.Close()
			return nil, chat.Chunk{}, first.Err
		}
		return upstream, first, nil
	case <-firstChunkTimer:
		upstream.Close()
		return nil, chat.Chunk{}, context.DeadlineExceeded
	case <-ctx.Done():
		upstream.Close()
		return nil, chat.Chunk{}, context.Cause(ctx)
	}
}

// forward pumps the committed upstream into a fresh stream owned by the
// caller, recording outcome and billing at termination.
func (o *Orchestrator) forward(ctx context.Context, req chat.Request, cand router.Candidate, upstream *chat.Stream, first chat.Chunk) *chat.Stream {
	out := chat.NewStream(cand.Provider, cand.ProviderModelID, upstream.Close)
	start := time.Now()

	go func() {
		defer out.End()
		defer upstream.Close()

		var usage *chat.Usage
		var outputLen int
		failed := false

		deliver := func(c chat.Chunk) bool {
			if c.Usage != nil {
				usage = c.Usage
			}
			outputLen += len(c.Delta)
			if o.metrics != nil && c.Delta != "" {
				o.metrics.StreamChunks.WithLabelValues(cand.Provider).Inc()
			}
			if c.Err != nil {
				failed = true
			}
			return out.Send(c)
		}

		if !deliver(first) {
			o.recordOutcome(ctx, cand, health.OutcomeSuccess, time.Since(start))
			return
		}
		for c := range upstream.Chunks() {
			if !deliver(c) {
				// Caller released the stream; treat what was sent as success.
				break
			}
			if c.Err != nil {
				break
			}
		}

		if failed {
			// Post-commitment failure: surfaced as a stream abort above.
			o.recordOutcome(ctx, cand, health.OutcomeTransportError, time.Since(start))
			return
		}
		o.recordOutcome(ctx, cand, health.OutcomeSuccess, time.Since(start))
		o.accrue(ctx, req, cand, usage, textLen(req), outputLen)
	}()

	return out
}

func (o *Orchestrator) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.AttemptTimeout)
}

// recordOutcome updates health and registry counters. Failures here are
// logged, never propagated: state upkeep must not break the request path.
func (o *Orchestrator) recordOutcome(ctx context.Context, cand router.Candidate, outcome health.Outcome, latency time.Duration) {
	// Use a detached context so a cancelled caller still records.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := o.health.RecordOutcome(rctx, cand.Provider, outcome); err != nil {
		o.logger.Warn("health record failed", "provider", cand.Provider, "error", err)
	}
	if latency > 0 || outcome == health.OutcomeSuccess {
		success := outcome == health.OutcomeSuccess
		if err := o.acct.RecordAttempt(rctx, cand.Provider, cand.ProviderModelID, success, latency); err != nil {
			o.logger.Warn("attempt record failed", "provider", cand.Provider, "error", err)
		}
	}
	if o.metrics != nil {
		o.metrics.AttemptsTotal.WithLabelValues(cand.Provider, string(outcome)).Inc()
	}
}

// accrue bills a successful completion against the tenant budget.
func (o *Orchestrator) accrue(ctx context.Context, req chat.Request, cand router.Candidate, usage *chat.Usage, inputLen, outputLen int) {
	if req.TenantID == "" {
		return
	}
	in, out, ok := billedTokens(usage, inputLen, outputLen, o.cfg.EstimateUsage)
	if !ok {
		return
	}
	cost := (float64(in)*cand.Model.InputPerMTok + float64(out)*cand.Model.OutputPerMTok) / 1e6
	if cost <= 0 {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.acct.AddSpend(rctx, req.TenantID, cand.Model.ID, cost); err != nil {
		o.logger.Warn("spend accrual failed", "tenant", req.TenantID, "model", cand.Model.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.CostUSD.WithLabelValues(cand.Model.ID, cand.Provider).Add(cost)
	}
}

// billedTokens picks reported usage, or the chars/4 estimate when enabled.
func billedTokens(usage *chat.Usage, inputLen, outputLen int, estimate bool) (in, out int, ok bool) {
	if usage != nil {
		return usage.InputTokens, usage.OutputTokens, true
	}
	if !estimate {
		return 0, 0, false
	}
	return (inputLen + 3) / 4, (outputLen + 3) / 4, true
}

func textLen(req chat.Request) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

func (o *Orchestrator) countRotation(provider, reason string) {
	if o.metrics != nil {
		o.metrics.RotationsTotal.WithLabelValues(provider, reason).Inc()
	}
}

func outcomeFor(kind chat.Kind) health.Outcome {
	switch kind {
	case chat.KindUpstreamRateLimit:
		return health.OutcomeRateLimit
	case chat.KindUpstreamAuthError:
		return health.OutcomeAuthError
	case chat.KindUpstreamServerError:
		return health.OutcomeServerError
	case chat.KindUpstreamClientError:
		return health.OutcomeClientError
	default:
		return health.OutcomeTransportError
	}
}
