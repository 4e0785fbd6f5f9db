// internal/importer/importer.go
package importer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"work-items-sync/internal/connector"
	"work-items-sync/internal/database"
	custom_errors "work-items-sync/internal/errors"
	"work-items-sync/internal/model"
	"work-items-sync/internal/publish"
)

// Engine is the part of the syncer the importer drives.
type Engine interface {
	ListSources(ctx context.Context, states ...model.ImportState) ([]database.WorkItemsSource, error)
	BeginImport(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error)
	FinishImport(ctx context.Context, key uuid.UUID) (database.WorkItemsSource, error)
	Sync(ctx context.Context, sourceKey uuid.UUID, records []*model.Record) (*model.ChangeSet, error)
}

// Stats summarizes the import of one source.
type Stats struct {
	Pages    int
	Fetched  int
	Rejected int
	Changed  int
}

// Importer periodically pulls work items from every source whose provider
// can fetch, and feeds them through the engine.
type Importer struct {
	engine      Engine
	registry    *connector.Registry
	publisher   publish.Publisher
	logger      *slog.Logger
	interval    time.Duration
	concurrency int
}

// New creates a new Importer instance.
func New(engine Engine, registry *connector.Registry, publisher publish.Publisher, logger *slog.Logger, interval time.Duration, concurrency int) *Importer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Importer{
		engine:      engine,
		registry:    registry,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
	}
}

// Start begins the periodic import and returns when ctx is done.
func (i *Importer) Start(ctx context.Context) {
	i.logger.Info("Starting importer", "interval", i.interval.String(), "concurrency", i.concurrency)
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	i.RunCycle(ctx) // Initial import

	for {
		select {
		case <-ticker.C:
			i.RunCycle(ctx)
		case <-ctx.Done():
			i.logger.Info("Importer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// RunCycle imports every eligible source once, at most concurrency at a time.
// A source that fails is logged and stays in the importing state, which makes
// it eligible again on the next cycle.
func (i *Importer) RunCycle(ctx context.Context) {
	sources, err := i.engine.ListSources(ctx, model.ImportStateReady, model.ImportStateImporting, model.ImportStateAutoUpdate)
	if err != nil {
		i.logger.Error("Failed to list work items sources", "error", err)
		return
	}
	i.logger.Info("Starting new import cycle", "sources", len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)

	for _, src := range sources {
		if _, ok := i.registry.Fetcher(src.IntegrationType); !ok {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			stats, err := i.ImportSource(gctx, src)
			if err != nil && !errors.Is(err, context.Canceled) {
				i.logger.Error("Failed to import work items source", "source_key", src.Key, "integration_type", src.IntegrationType, "error", err)
				return nil
			}
			i.logger.Info("Imported work items source", "source_key", src.Key, "pages", stats.Pages, "fetched", stats.Fetched, "changed", stats.Changed, "rejected", stats.Rejected)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		i.logger.Error("Import cycle finished with an error", "error", err)
	} else {
		i.logger.Info("Import cycle finished")
	}
}

// ImportSource pages through the provider for one source. Each page is synced
// in its own transaction and published once it has committed.
func (i *Importer) ImportSource(ctx context.Context, src database.WorkItemsSource) (Stats, error) {
	var stats Stats
	mapper, err := i.registry.Mapper(src.IntegrationType)
	if err != nil {
		return stats, err
	}
	fetcher, ok := i.registry.Fetcher(src.IntegrationType)
	if !ok {
		return stats, &custom_errors.UnknownIntegrationError{IntegrationType: src.IntegrationType}
	}
	logger := i.logger.With("source_key", src.Key, "integration_type", src.IntegrationType)

	src, err = i.engine.BeginImport(ctx, src.Key)
	if err != nil {
		return stats, err
	}

	cursor := ""
	for {
		page, err := fetcher.FetchBatch(ctx, &src, cursor)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		stats.Fetched += len(page.Payloads)

		records := make([]*model.Record, 0, len(page.Payloads))
		for _, payload := range page.Payloads {
			rec, err := mapper.MapRecord(&src, payload)
			if err != nil {
				var mErr *custom_errors.MappingError
				if !errors.As(err, &mErr) {
					return stats, err
				}
				stats.Rejected++
				logger.Warn("Skipping unmappable payload", "error", err)
				continue
			}
			records = append(records, rec)
		}

		cs, err := i.engine.Sync(ctx, src.Key, records)
		if err != nil {
			return stats, err
		}
		stats.Rejected += len(cs.Rejected)
		stats.Changed += len(cs.Changed())
		if err := i.publisher.Publish(ctx, cs); err != nil {
			logger.Error("Failed to publish change set", "error", err)
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if _, err := i.engine.FinishImport(ctx, src.Key); err != nil {
		return stats, err
	}
	return stats, nil
}
