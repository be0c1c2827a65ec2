package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db      *sql.DB
	horizon time.Duration

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewSQLite opens or creates a SQLite database at the given DSN. horizon is
// the staleness window after which provider records are hidden from reads.
func NewSQLite(dsn string, horizon time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	return &SQLiteStore{db: db, horizon: horizon, nowFunc: time.Now}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS global_models (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			context_window INTEGER NOT NULL DEFAULT 0,
			input_per_mtok REAL NOT NULL DEFAULT 0,
			output_per_mtok REAL NOT NULL DEFAULT 0,
			supports_tools INTEGER NOT NULL DEFAULT 0,
			supports_vision INTEGER NOT NULL DEFAULT 0,
			supports_streaming INTEGER NOT NULL DEFAULT 1,
			last_sync TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS provider_models (
			provider TEXT NOT NULL,
			provider_model_id TEXT NOT NULL,
			global_id TEXT NOT NULL,
			available INTEGER NOT NULL DEFAULT 1,
			last_seen TEXT NOT NULL DEFAULT '',
			rate_limit_rpm INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			p95_latency_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (provider, provider_model_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_models_global ON provider_models(global_id)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_models_seen ON provider_models(provider, last_seen)`,
		`CREATE TABLE IF NOT EXISTS tenant_budgets (
			tenant_id TEXT NOT NULL,
			global_id TEXT NOT NULL,
			requests_per_minute INTEGER NOT NULL DEFAULT 0,
			monthly_budget_usd REAL NOT NULL DEFAULT 0,
			current_spend_usd REAL NOT NULL DEFAULT 0,
			spend_month TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, global_id)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const globalModelCols = `id, display_name, context_window, input_per_mtok, output_per_mtok,
	supports_tools, supports_vision, supports_streaming, last_sync`

func scanGlobalModel(row interface{ Scan(...any) error }) (GlobalModel, error) {
	var m GlobalModel
	var lastSync string
	err := row.Scan(&m.ID, &m.DisplayName, &m.ContextWindow, &m.InputPerMTok, &m.OutputPerMTok,
		&m.SupportsTools, &m.SupportsVision, &m.SupportsStreaming, &lastSync)
	if err != nil {
		return m, err
	}
	m.LastSync, _ = time.Parse(time.RFC3339Nano, lastSync)
	return m, nil
}

func (s *SQLiteStore) ResolveModel(ctx context.Context, requested string) (*Resolution, error) {
	id := NormalizeID(requested)

	// Canonical id match first, then provider-specific id.
	m, err := scanGlobalModel(s.db.QueryRowContext(ctx,
		`SELECT `+globalModelCols+` FROM global_models WHERE lower(id) = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		m, err = scanGlobalModel(s.db.QueryRowContext(ctx,
			`SELECT `+globalModelCols+` FROM global_models
			 WHERE id = (SELECT global_id FROM provider_models WHERE lower(provider_model_id) = ? LIMIT 1)`, id))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cutoff := s.nowFunc().Add(-s.horizon).UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, provider_model_id, global_id, available, last_seen,
			rate_limit_rpm, successes, failures, p95_latency_ms
		 FROM provider_models
		 WHERE global_id = ? AND available = 1 AND last_seen >= ?
		 ORDER BY provider, provider_model_id`, m.ID, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := &Resolution{Model: m}
	for rows.Next() {
		pm, err := scanProviderModel(rows)
		if err != nil {
			return nil, err
		}
		res.Providers = append(res.Providers, pm)
	}
	return res, rows.Err()
}

func scanProviderModel(row interface{ Scan(...any) error }) (ProviderModel, error) {
	var pm ProviderModel
	var lastSeen string
	err := row.Scan(&pm.Provider, &pm.ProviderModelID, &pm.GlobalID, &pm.Available, &lastSeen,
		&pm.RateLimitRPM, &pm.Successes, &pm.Failures, &pm.P95LatencyMs)
	if err != nil {
		return pm, err
	}
	pm.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return pm, nil
}

func (s *SQLiteStore) ListGlobalModels(ctx context.Context) ([]GlobalModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+globalModelCols+` FROM global_models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []GlobalModel
	for rows.Next() {
		m, err := scanGlobalModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) ListProviderModels(ctx context.Context, provider string) ([]ProviderModel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, provider_model_id, global_id, available, last_seen,
			rate_limit_rpm, successes, failures, p95_latency_ms
		 FROM provider_models WHERE provider = ? ORDER BY provider_model_id`, provider)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pms []ProviderModel
	for rows.Next() {
		pm, err := scanProviderModel(rows)
		if err != nil {
			return nil, err
		}
		pms = append(pms, pm)
	}
	return pms, rows.Err()
}

func (s *SQLiteStore) UpsertGlobalModel(ctx context.Context, m GlobalModel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_models (id, display_name, context_window, input_per_mtok, output_per_mtok,
			supports_tools, supports_vision, supports_streaming, last_sync)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name,
			context_window=excluded.context_window,
			input_per_mtok=excluded.input_per_mtok,
			output_per_mtok=excluded.output_per_mtok,
			supports_tools=excluded.supports_tools,
			supports_vision=excluded.supports_vision,
			supports_streaming=excluded.supports_streaming,
			last_sync=excluded.last_sync`,
		m.ID, m.DisplayName, m.ContextWindow, m.InputPerMTok, m.OutputPerMTok,
		m.SupportsTools, m.SupportsVision, m.SupportsStreaming,
		m.LastSync.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteStore) UpsertProviderModel(ctx context.Context, pm ProviderModel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_models (provider, provider_model_id, global_id, available, last_seen, rate_limit_rpm)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, provider_model_id) DO UPDATE SET
			global_id=excluded.global_id,
			available=excluded.available,
			last_seen=excluded.last_seen,
			rate_limit_rpm=excluded.rate_limit_rpm`,
		pm.Provider, pm.ProviderModelID, pm.GlobalID, pm.Available,
		pm.LastSeen.UTC().Format(time.RFC3339Nano), pm.RateLimitRPM)
	return err
}

func (s *SQLiteStore) MarkUnseen(ctx context.Context, provider string, sweepStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provider_models SET available = 0
		 WHERE provider = ? AND available = 1 AND last_seen < ?`,
		provider, sweepStart.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, provider, providerModelID string, success bool, latency time.Duration) error {
	col := "failures"
	if success {
		col = "successes"
	}
	// p95 is approximated with an exponential moving observation; a real
	// histogram lives in the metrics layer.
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_models SET `+col+` = `+col+` + 1,
			p95_latency_ms = CASE WHEN p95_latency_ms = 0 THEN ?
				ELSE (p95_latency_ms * 9 + ?) / 10 END
		 WHERE provider = ? AND provider_model_id = ?`,
		latency.Milliseconds(), latency.Milliseconds(), provider, providerModelID)
	return err
}

func (s *SQLiteStore) GetTenantBudget(ctx context.Context, tenantID, globalID string) (*TenantBudget, error) {
	var b TenantBudget
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, global_id, requests_per_minute, monthly_budget_usd, current_spend_usd, spend_month
		 FROM tenant_budgets WHERE tenant_id = ? AND global_id = ?`, tenantID, globalID).
		Scan(&b.TenantID, &b.GlobalID, &b.RequestsPerMinute, &b.MonthlyBudgetUSD, &b.CurrentSpendUSD, &b.SpendMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Spend resets lazily at the UTC month boundary.
	if month := MonthOf(s.nowFunc()); b.SpendMonth != month {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tenant_budgets SET current_spend_usd = 0, spend_month = ?
			 WHERE tenant_id = ? AND global_id = ? AND spend_month = ?`,
			month, tenantID, globalID, b.SpendMonth)
		if err != nil {
			return nil, err
		}
		b.CurrentSpendUSD = 0
		b.SpendMonth = month
	}
	return &b, nil
}

func (s *SQLiteStore) UpsertTenantBudget(ctx context.Context, b TenantBudget) error {
	if b.SpendMonth == "" {
		b.SpendMonth = MonthOf(s.nowFunc())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_budgets (tenant_id, global_id, requests_per_minute, monthly_budget_usd, current_spend_usd, spend_month)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, global_id) DO UPDATE SET
			requests_per_minute=excluded.requests_per_minute,
			monthly_budget_usd=excluded.monthly_budget_usd`,
		b.TenantID, b.GlobalID, b.RequestsPerMinute, b.MonthlyBudgetUSD, b.CurrentSpendUSD, b.SpendMonth)
	return err
}

func (s *SQLiteStore) AddSpend(ctx context.Context, tenantID, globalID string, usd float64) error {
	month := MonthOf(s.nowFunc())
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_budgets SET
			current_spend_usd = CASE WHEN spend_month = ? THEN current_spend_usd + ? ELSE ? END,
			spend_month = ?
		 WHERE tenant_id = ? AND global_id = ?`,
		month, usd, usd, month, tenantID, globalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// No configured budget row means nothing to accrue against.
		return nil
	}
	return nil
}
