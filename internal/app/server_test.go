package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/router"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Unset all MODELRELAY_ env vars to ensure defaults are used.
	envVars := []string{
		"MODELRELAY_LISTEN_ADDR",
		"MODELRELAY_LOG_LEVEL",
		"MODELRELAY_DB_DSN",
		"MODELRELAY_PROVIDERS_FILE",
		"MODELRELAY_REDIS_ADDR",
		"MODELRELAY_CATALOG_URL",
		"MODELRELAY_QUOTA_WINDOW",
		"MODELRELAY_ATTEMPT_TIMEOUT",
		"MODELRELAY_ESTIMATE_USAGE",
		"MODELRELAY_RATE_LIMIT_RPS",
		"MODELRELAY_RATE_LIMIT_BURST",
	}
	for _, key := range envVars {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.QuotaWindow != time.Minute {
		t.Errorf("QuotaWindow = %s, want 1m", cfg.QuotaWindow)
	}
	if cfg.AttemptTimeout != 30*time.Second {
		t.Errorf("AttemptTimeout = %s, want 30s", cfg.AttemptTimeout)
	}
	if !cfg.EstimateUsage {
		t.Error("EstimateUsage should default to true")
	}
	if cfg.StalenessHorizon != 24*time.Hour {
		t.Errorf("StalenessHorizon = %s, want 24h", cfg.StalenessHorizon)
	}
	if cfg.Providers.Weights != router.DefaultWeights() {
		t.Errorf("Weights = %+v, want defaults", cfg.Providers.Weights)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MODELRELAY_LISTEN_ADDR", ":9090")
	t.Setenv("MODELRELAY_LOG_LEVEL", "debug")
	t.Setenv("MODELRELAY_DB_DSN", "file::memory:")
	t.Setenv("MODELRELAY_QUOTA_WINDOW", "30s")
	t.Setenv("MODELRELAY_ATTEMPT_TIMEOUT", "5s")
	t.Setenv("MODELRELAY_ESTIMATE_USAGE", "false")
	t.Setenv("MODELRELAY_RATE_LIMIT_RPS", "10")
	t.Setenv("MODELRELAY_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.QuotaWindow != 30*time.Second {
		t.Errorf("QuotaWindow = %s, want 30s", cfg.QuotaWindow)
	}
	if cfg.AttemptTimeout != 5*time.Second {
		t.Errorf("AttemptTimeout = %s, want 5s", cfg.AttemptTimeout)
	}
	if cfg.EstimateUsage {
		t.Error("EstimateUsage should be false")
	}
	if cfg.RateLimitRPS != 10 {
		t.Errorf("RateLimitRPS = %d, want 10", cfg.RateLimitRPS)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigInvalidEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv("MODELRELAY_ESTIMATE_USAGE", "notabool")
	t.Setenv("MODELRELAY_RATE_LIMIT_RPS", "notanint")
	t.Setenv("MODELRELAY_QUOTA_WINDOW", "notaduration")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if !cfg.EstimateUsage {
		t.Error("EstimateUsage should default to true on invalid input")
	}
	if cfg.RateLimitRPS != 60 {
		t.Errorf("RateLimitRPS = %d, want 60 (default on invalid input)", cfg.RateLimitRPS)
	}
	if cfg.QuotaWindow != time.Minute {
		t.Errorf("QuotaWindow = %s, want 1m (default on invalid input)", cfg.QuotaWindow)
	}
}

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProvidersFile(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - id: free-a
    family: openai
    endpoint: https://free-a.example
    api_key_env: FREE_A_KEY
    is_free: true
    rate_limit_rpm: 20
  - id: cf
    family: cloudflare
    endpoint: https://api.cloudflare.com/client/v4
    api_key_env: CF_KEY
    account_id: acct-1
aliases:
  fast: [m-lite, m-pro]
weights:
  tier: 2.0
mappings:
  free-a:
    gpt-4o-mini: m-lite
`)

	pc, err := LoadProvidersFile(path)
	if err != nil {
		t.Fatalf("LoadProvidersFile() error: %v", err)
	}
	if len(pc.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(pc.Providers))
	}
	if !pc.Providers[0].IsFree || pc.Providers[0].RateLimitRPM != 20 {
		t.Errorf("provider[0] = %+v", pc.Providers[0])
	}
	if pc.Providers[1].AccountID != "acct-1" {
		t.Errorf("provider[1] = %+v", pc.Providers[1])
	}
	if len(pc.Aliases["fast"]) != 2 {
		t.Errorf("aliases = %v", pc.Aliases)
	}
	if pc.Weights.Tier != 2.0 {
		t.Errorf("weights = %+v", pc.Weights)
	}
	if pc.Mappings["free-a"]["gpt-4o-mini"] != "m-lite" {
		t.Errorf("mappings = %v", pc.Mappings)
	}
}

func TestLoadProvidersFileValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "providers:\n  - family: openai\n    endpoint: https://x\n"},
		{"duplicate id", "providers:\n  - id: a\n    family: openai\n    endpoint: https://x\n  - id: a\n    family: openai\n    endpoint: https://y\n"},
		{"unknown family", "providers:\n  - id: a\n    family: martian\n    endpoint: https://x\n"},
		{"missing endpoint", "providers:\n  - id: a\n    family: openai\n"},
		{"cloudflare without account", "providers:\n  - id: a\n    family: cloudflare\n    endpoint: https://x\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeProvidersFile(t, c.yaml)
			if _, err := LoadProvidersFile(path); err == nil {
				t.Errorf("expected error for %s", c.name)
			}
		})
	}
}

func TestHealthConfigMerge(t *testing.T) {
	path := writeProvidersFile(t, `
health:
  open_threshold: 0.25
  min_samples: 8
  cooldowns:
    rate_limit: 45s
`)
	pc, err := LoadProvidersFile(path)
	if err != nil {
		t.Fatalf("LoadProvidersFile() error: %v", err)
	}

	merged := pc.Health.Merge(health.DefaultConfig())
	if merged.OpenThreshold != 0.25 {
		t.Errorf("OpenThreshold = %v, want 0.25", merged.OpenThreshold)
	}
	if merged.MinSamples != 8 {
		t.Errorf("MinSamples = %d, want 8", merged.MinSamples)
	}
	if merged.Cooldowns[health.OutcomeRateLimit] != 45*time.Second {
		t.Errorf("rate_limit cooldown = %s, want 45s", merged.Cooldowns[health.OutcomeRateLimit])
	}
	// Untouched classes keep their defaults.
	if merged.Cooldowns[health.OutcomeAuthError] != health.DefaultConfig().Cooldowns[health.OutcomeAuthError] {
		t.Errorf("auth_error cooldown changed unexpectedly")
	}

	bad := writeProvidersFile(t, "health:\n  cooldowns:\n    rate_limit: soon\n")
	if _, err := LoadProvidersFile(bad); err == nil {
		t.Error("expected error for unparsable cooldown duration")
	}
}

func newTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		ListenAddr:       ":0",
		LogLevel:         "error",
		DBDSN:            filepath.Join(t.TempDir(), "registry.db"),
		QuotaWindow:      time.Minute,
		AttemptTimeout:   time.Second,
		StalenessHorizon: 24 * time.Hour,
		RateLimitRPS:     60,
		RateLimitBurst:   120,
	}
	cfg.Providers.Weights = router.DefaultWeights()
	return cfg
}

func TestNewServer(t *testing.T) {
	srv, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	if srv.Router() == nil {
		t.Fatal("expected non-nil Router()")
	}
}

func TestServerClose(t *testing.T) {
	srv, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
}

func TestServerReload(t *testing.T) {
	srv, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer func() { _ = srv.Close() }()

	newCfg := newTestConfig(t)
	newCfg.LogLevel = "debug"
	newCfg.Providers.Providers = []ProviderConfig{
		{ID: "free-a", Family: "openai", Endpoint: "https://x", RateLimitRPM: 99},
	}
	srv.Reload(newCfg)

	if srv.cfg.LogLevel != "debug" {
		t.Errorf("after Reload LogLevel = %q, want %q", srv.cfg.LogLevel, "debug")
	}
	if got := srv.quota.Limit("free-a"); got != 99 {
		t.Errorf("after Reload quota limit = %d, want 99", got)
	}
}
