package jobs

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/modelrelay/internal/registry"
)

// Lister is the slice of the adapter surface discovery needs.
type Lister interface {
	ID() string
	ListModels(ctx context.Context) ([]string, error)
}

// ProviderDiscovery polls each provider's model-listing endpoint and
// maintains the ProviderModel availability graph: observed ids are upserted
// available with a fresh last-seen; records not observed in a sweep are
// flipped unavailable. One failing provider does not stop the sweep.
type ProviderDiscovery struct {
	listers []Lister
	store   registry.Store
	logger  *slog.Logger

	// mappings maps provider id to its provider-specific-id -> canonical-id
	// table. IDs absent from the table fall back to NormalizeID.
	mappings map[string]map[string]string

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewProviderDiscovery creates the fast-cadence discovery job.
func NewProviderDiscovery(listers []Lister, store registry.Store, mappings map[string]map[string]string, logger *slog.Logger) *ProviderDiscovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderDiscovery{
		listers:  listers,
		store:    store,
		logger:   logger.With("job", "provider_discovery"),
		mappings: mappings,
		nowFunc:  time.Now,
	}
}

func (d *ProviderDiscovery) Name() string { return "provider_discovery" }

func (d *ProviderDiscovery) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, lister := range d.listers {
		g.Go(func() error {
			d.sweepProvider(ctx, lister)
			// Per-provider failures are logged, never propagated: one bad
			// provider must not stop the sweep.
			return nil
		})
	}
	return g.Wait()
}

func (d *ProviderDiscovery) sweepProvider(ctx context.Context, lister Lister) {
	provider := lister.ID()
	sweepStart := d.nowFunc()

	ids, err := lister.ListModels(ctx)
	if err != nil {
		d.logger.Warn("model listing failed", "provider", provider, "error", err)
		return
	}

	var observed int
	for _, id := range ids {
		pm := registry.ProviderModel{
			Provider:        provider,
			ProviderModelID: id,
			GlobalID:        d.canonicalID(provider, id),
			Available:       true,
			LastSeen:        d.nowFunc(),
		}
		if err := d.store.UpsertProviderModel(ctx, pm); err != nil {
			d.logger.Warn("provider model upsert failed", "provider", provider, "id", id, "error", err)
			continue
		}
		observed++
	}

	flipped, err := d.store.MarkUnseen(ctx, provider, sweepStart)
	if err != nil {
		d.logger.Warn("mark-unseen failed", "provider", provider, "error", err)
		return
	}

	d.logger.Info("provider sweep complete",
		"provider", provider, "observed", observed, "unavailable", flipped)
}

func (d *ProviderDiscovery) canonicalID(provider, providerModelID string) string {
	if table, ok := d.mappings[provider]; ok {
		if global, ok := table[providerModelID]; ok {
			return global
		}
	}
	return registry.NormalizeID(providerModelID)
}
