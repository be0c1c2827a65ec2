package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/router"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// DBDSN locates the registry database.
	DBDSN string

	// ProvidersFile is the YAML file declaring upstream providers and
	// routing aliases. Empty means no providers (the gateway starts but
	// reports unhealthy).
	ProvidersFile string

	// RedisAddr enables the shared Redis backend for health and quota
	// state; empty means in-process memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogURL        string
	CatalogSchedule   string // cron, slow cadence
	DiscoverySchedule string // cron, fast cadence
	StalenessHorizon  time.Duration

	QuotaWindow    time.Duration
	AttemptTimeout time.Duration
	EstimateUsage  bool

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry.
	OTelEnabled  bool
	OTelEndpoint string

	Providers ProvidersConfig
}

// ProvidersConfig is the YAML shape of the providers file.
type ProvidersConfig struct {
	Providers []ProviderConfig    `yaml:"providers"`
	Aliases   map[string][]string `yaml:"aliases"`
	Weights   router.Weights      `yaml:"weights"`
	// Mappings maps provider id to its provider-model-id -> canonical-id
	// table used by discovery.
	Mappings map[string]map[string]string `yaml:"mappings"`
	// Health optionally overrides circuit thresholds and cooldowns.
	Health HealthConfig `yaml:"health"`
}

// HealthConfig is the optional circuit tuning section. Zero values fall back
// to the built-in defaults.
type HealthConfig struct {
	WindowSize    int     `yaml:"window_size"`
	OpenThreshold float64 `yaml:"open_threshold"`
	MinSamples    int     `yaml:"min_samples"`
	// Cooldowns maps outcome class (rate_limit, server_error,
	// transport_error, auth_error) to an open-circuit duration string
	// such as "45s" or "2m".
	Cooldowns map[string]string `yaml:"cooldowns"`
}

// Merge applies the overrides onto base. Durations are validated at load
// time; unparsable entries are skipped here.
func (h HealthConfig) Merge(base health.Config) health.Config {
	if h.WindowSize > 0 {
		base.WindowSize = h.WindowSize
	}
	if h.OpenThreshold > 0 {
		base.OpenThreshold = h.OpenThreshold
	}
	if h.MinSamples > 0 {
		base.MinSamples = h.MinSamples
	}
	for class, raw := range h.Cooldowns {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			base.Cooldowns[health.Outcome(class)] = d
		}
	}
	return base
}

// ProviderConfig declares one upstream.
type ProviderConfig struct {
	ID       string `yaml:"id"`
	Family   string `yaml:"family"` // openai, google, cohere, cloudflare, textprompt
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the key; keys never
	// appear in the file itself.
	APIKeyEnv string `yaml:"api_key_env"`
	// AccountID is required by the cloudflare family.
	AccountID     string            `yaml:"account_id"`
	IsFree        bool              `yaml:"is_free"`
	RateLimitRPM  int64             `yaml:"rate_limit_rpm"`
	CustomHeaders map[string]string `yaml:"custom_headers"`
}

var validFamilies = map[string]bool{
	"openai": true, "google": true, "cohere": true, "cloudflare": true, "textprompt": true,
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:    getEnv("MODELRELAY_LISTEN_ADDR", ":8080"),
		LogLevel:      getEnv("MODELRELAY_LOG_LEVEL", "info"),
		DBDSN:         getEnv("MODELRELAY_DB_DSN", "file:modelrelay.sqlite"),
		ProvidersFile: getEnv("MODELRELAY_PROVIDERS_FILE", ""),

		RedisAddr:     getEnv("MODELRELAY_REDIS_ADDR", ""),
		RedisPassword: getEnv("MODELRELAY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("MODELRELAY_REDIS_DB", 0),

		CatalogURL:        getEnv("MODELRELAY_CATALOG_URL", ""),
		CatalogSchedule:   getEnv("MODELRELAY_CATALOG_SCHEDULE", "30 4 * * *"),
		DiscoverySchedule: getEnv("MODELRELAY_DISCOVERY_SCHEDULE", "15 * * * *"),
		StalenessHorizon:  getEnvDuration("MODELRELAY_STALENESS_HORIZON", 24*time.Hour),

		QuotaWindow:    getEnvDuration("MODELRELAY_QUOTA_WINDOW", time.Minute),
		AttemptTimeout: getEnvDuration("MODELRELAY_ATTEMPT_TIMEOUT", 30*time.Second),
		EstimateUsage:  getEnvBool("MODELRELAY_ESTIMATE_USAGE", true),

		CORSOrigins:    getEnvStringSlice("MODELRELAY_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELRELAY_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELRELAY_RATE_LIMIT_BURST", 120),

		OTelEnabled:  getEnvBool("MODELRELAY_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELRELAY_OTEL_ENDPOINT", "localhost:4318"),
	}

	if cfg.ProvidersFile != "" {
		pc, err := LoadProvidersFile(cfg.ProvidersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Providers = pc
	}
	if cfg.Providers.Weights == (router.Weights{}) {
		cfg.Providers.Weights = router.DefaultWeights()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadProvidersFile parses and validates the providers YAML.
func LoadProvidersFile(path string) (ProvidersConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return ProvidersConfig{}, fmt.Errorf("read providers file: %w", err)
	}
	var pc ProvidersConfig
	if err := yaml.Unmarshal(buf, &pc); err != nil {
		return ProvidersConfig{}, fmt.Errorf("parse providers file: %w", err)
	}

	seen := map[string]bool{}
	for i, p := range pc.Providers {
		if p.ID == "" {
			return ProvidersConfig{}, fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return ProvidersConfig{}, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if !validFamilies[p.Family] {
			return ProvidersConfig{}, fmt.Errorf("provider %q: unknown family %q", p.ID, p.Family)
		}
		if p.Endpoint == "" {
			return ProvidersConfig{}, fmt.Errorf("provider %q: endpoint is required", p.ID)
		}
		if p.Family == "cloudflare" && p.AccountID == "" {
			return ProvidersConfig{}, fmt.Errorf("provider %q: account_id is required for cloudflare", p.ID)
		}
	}
	for class, raw := range pc.Health.Cooldowns {
		if _, err := time.ParseDuration(raw); err != nil {
			return ProvidersConfig{}, fmt.Errorf("health.cooldowns[%s]: %w", class, err)
		}
	}
	return pc, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELRELAY_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.QuotaWindow <= 0 {
		return fmt.Errorf("MODELRELAY_QUOTA_WINDOW must be > 0, got %s", c.QuotaWindow)
	}
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("MODELRELAY_ATTEMPT_TIMEOUT must be >= 0, got %s", c.AttemptTimeout)
	}
	if c.StalenessHorizon <= 0 {
		return fmt.Errorf("MODELRELAY_STALENESS_HORIZON must be > 0, got %s", c.StalenessHorizon)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
