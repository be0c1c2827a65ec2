package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/httpapi"
	"github.com/modelrelay/modelrelay/internal/jobs"
	"github.com/modelrelay/modelrelay/internal/kv"
	"github.com/modelrelay/modelrelay/internal/logging"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/orchestrator"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/providers/cloudflare"
	"github.com/modelrelay/modelrelay/internal/providers/cohere"
	"github.com/modelrelay/modelrelay/internal/providers/google"
	"github.com/modelrelay/modelrelay/internal/providers/openai"
	"github.com/modelrelay/modelrelay/internal/providers/textprompt"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/tracing"
)

// Server owns the wired gateway: registry, shared state stores, provider
// adapters, routing, background jobs, and the HTTP surface.
type Server struct {
	cfg Config

	r *chi.Mux

	store     *registry.SQLiteStore
	backend   kv.Store
	quota     *quota.Store
	factory   *providers.Factory
	scheduler *jobs.Scheduler
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	jobsCancel      context.CancelFunc
	tracingShutdown func(context.Context) error
}

// NewServer wires all components from cfg. It opens the registry database,
// connects the shared KV backend, registers provider adapters, and primes
// the background jobs.
func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelrelay",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	// Shared state backend: Redis for multi-instance, memory for single-node.
	var backend kv.Store
	if cfg.RedisAddr != "" {
		backend, err = kv.NewRedis(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis connect: %w", err)
		}
		logger.Info("shared state backend connected", slog.String("backend", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		backend = kv.NewMemory()
		logger.Info("shared state backend connected", slog.String("backend", "memory"))
	}

	db, err := registry.NewSQLite(cfg.DBDSN, cfg.StalenessHorizon)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		backend.Close()
		return nil, fmt.Errorf("migrate registry: %w", err)
	}
	logger.Info("registry initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()

	healthCfg := cfg.Providers.Health.Merge(health.DefaultConfig())
	hs := health.NewStore(backend, healthCfg, health.WithOnTransition(
		func(provider string, from, to health.Circuit) {
			m.SetCircuit(provider, string(to))
			logger.Info("circuit transition",
				slog.String("provider", provider),
				slog.String("from", string(from)),
				slog.String("to", string(to)))
		}))

	qs := quota.NewStore(backend, cfg.QuotaWindow)

	factory := providers.NewFactory()
	registerProviders(factory, qs, cfg, logger)

	rt := router.New(db, hs, qs, cfg.Providers.Weights, cfg.Providers.Aliases, logger)

	orch := orchestrator.New(rt, factory, qs, hs, db, m, orchestrator.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		EstimateUsage:  cfg.EstimateUsage,
	}, logger)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(limiter.Middleware)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Preferred-Provider"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	freeProviders := make(map[string]bool)
	for _, p := range cfg.Providers.Providers {
		if p.IsFree {
			freeProviders[p.ID] = true
		}
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Orchestrator:  orch,
		Models:        db,
		Health:        hs,
		ProviderIDs:   factory.IDs,
		FreeProviders: freeProviders,
		Metrics:       m,
		Logger:        logger,
	})

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		backend:         backend,
		quota:           qs,
		factory:         factory,
		scheduler:       jobs.NewScheduler(logger),
		limiter:         limiter,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	if err := s.startJobs(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// startJobs registers and primes the registry's background writers. The jobs
// context outlives any single request and is cancelled on Close.
func (s *Server) startJobs() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.jobsCancel = cancel

	var prime []jobs.Job

	if s.cfg.CatalogURL != "" {
		catalog := jobs.NewCatalogSync(s.cfg.CatalogURL, s.store, nil, s.logger)
		if err := s.scheduler.Add(ctx, s.cfg.CatalogSchedule, catalog); err != nil {
			return err
		}
		prime = append(prime, catalog)
	}

	var listers []jobs.Lister
	for _, id := range s.factory.IDs() {
		adapter, _ := s.factory.Get(id)
		if l, ok := adapter.(jobs.Lister); ok {
			listers = append(listers, l)
		}
	}
	if len(listers) > 0 {
		discovery := jobs.NewProviderDiscovery(listers, s.store, s.cfg.Providers.Mappings, s.logger)
		if err := s.scheduler.Add(ctx, s.cfg.DiscoverySchedule, discovery); err != nil {
			return err
		}
		prime = append(prime, discovery)
	}

	// Prime the registry off the request path so startup is not gated on
	// upstream availability.
	go func() {
		for _, job := range prime {
			s.scheduler.RunNow(ctx, job)
		}
	}()

	s.scheduler.Start()
	return nil
}

// Router returns the HTTP handler for the gateway.
func (s *Server) Router() http.Handler { return s.r }

// Reload applies the reloadable subset of a fresh config: log level and
// per-provider quota limits. Topology changes (providers, schedules, weights)
// still require a restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	for _, p := range cfg.Providers.Providers {
		s.quota.SetLimit(p.ID, p.RateLimitRPM)
	}
	s.cfg = cfg
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

// Close stops background jobs and releases the registry and KV backend.
func (s *Server) Close() error {
	if s.jobsCancel != nil {
		s.jobsCancel()
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Warn("tracing shutdown", slog.Any("error", err))
		}
	}
	var firstErr error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			firstErr = err
		}
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// registerProviders builds one adapter per configured provider and seeds the
// quota store with its rate limit. Providers whose key env var is unset are
// skipped with a warning so a partial deployment still starts.
func registerProviders(factory *providers.Factory, qs *quota.Store, cfg Config, logger *slog.Logger) {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, p := range cfg.Providers.Providers {
		key := ""
		if p.APIKeyEnv != "" {
			key = os.Getenv(p.APIKeyEnv)
			if key == "" {
				logger.Warn("provider skipped: key env var is empty",
					slog.String("provider", p.ID),
					slog.String("env", p.APIKeyEnv))
				continue
			}
		}

		opts := []providers.Option{
			providers.WithClient(&http.Client{
				Timeout:   timeout,
				Transport: tracing.HTTPTransport(nil),
			}),
		}
		if len(p.CustomHeaders) > 0 {
			opts = append(opts, providers.WithHeaders(p.CustomHeaders))
		}

		var adapter providers.Adapter
		switch p.Family {
		case "openai":
			adapter = openai.New(p.ID, key, p.Endpoint, opts...)
		case "google":
			adapter = google.New(p.ID, key, p.Endpoint, opts...)
		case "cohere":
			adapter = cohere.New(p.ID, key, p.Endpoint, opts...)
		case "cloudflare":
			adapter = cloudflare.New(p.ID, key, p.Endpoint, p.AccountID, opts...)
		case "textprompt":
			adapter = textprompt.New(p.ID, key, p.Endpoint, opts...)
		default:
			// Families are validated at load time; unreachable.
			continue
		}

		if err := factory.Register(adapter); err != nil {
			logger.Warn("provider not registered", slog.String("provider", p.ID), slog.Any("error", err))
			continue
		}
		qs.SetLimit(p.ID, p.RateLimitRPM)
		logger.Info("registered provider",
			slog.String("provider", p.ID),
			slog.String("family", p.Family),
			slog.Bool("free", p.IsFree))
	}
}
