package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// catalogDocument is the external canonical catalog shape.
type catalogDocument struct {
	Models []catalogEntry `json:"models"`
}

type catalogEntry struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	ContextWindow int    `json:"context_window"`
	Pricing       struct {
		InputPerMTok  float64 `json:"input_per_mtok"`
		OutputPerMTok float64 `json:"output_per_mtok"`
	} `json:"pricing"`
	Capabilities struct {
		Tools     bool `json:"tools"`
		Vision    bool `json:"vision"`
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// CatalogSync pulls the canonical model catalog and upserts GlobalModel
// rows. It inserts unknown ids and updates mutable fields; it never
// deletes. One malformed record does not abort the batch.
type CatalogSync struct {
	url    string
	store  registry.Store
	client *http.Client
	logger *slog.Logger

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewCatalogSync creates the slow-cadence catalog job.
func NewCatalogSync(url string, store registry.Store, client *http.Client, logger *slog.Logger) *CatalogSync {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogSync{
		url:     url,
		store:   store,
		client:  client,
		logger:  logger.With("job", "catalog_sync"),
		nowFunc: time.Now,
	}
}

func (c *CatalogSync) Name() string { return "catalog_sync" }

func (c *CatalogSync) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("catalog request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("catalog fetch status %d: %s", resp.StatusCode, body)
	}

	var doc catalogDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	now := c.nowFunc()
	var upserted, skipped int
	for _, entry := range doc.Models {
		if entry.ID == "" || entry.Pricing.InputPerMTok < 0 || entry.Pricing.OutputPerMTok < 0 {
			skipped++
			c.logger.Warn("skipping malformed catalog entry", "id", entry.ID)
			continue
		}
		m := registry.GlobalModel{
			ID:                registry.NormalizeID(entry.ID),
			DisplayName:       entry.DisplayName,
			ContextWindow:     entry.ContextWindow,
			InputPerMTok:      entry.Pricing.InputPerMTok,
			OutputPerMTok:     entry.Pricing.OutputPerMTok,
			SupportsTools:     entry.Capabilities.Tools,
			SupportsVision:    entry.Capabilities.Vision,
			SupportsStreaming: entry.Capabilities.Streaming,
			LastSync:          now,
		}
		if err := c.store.UpsertGlobalModel(ctx, m); err != nil {
			skipped++
			c.logger.Warn("catalog upsert failed", "id", m.ID, "error", err)
			continue
		}
		upserted++
	}

	c.logger.Info("catalog sync complete", "upserted", upserted, "skipped", skipped)
	return nil
}
