package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// ResourceLister retrieves the ledger's resource registry.
type ResourceLister interface {
	ListResources(ctx context.Context) ([]domain.Resource, error)
}

// ResourceObserver consumes registry snapshots.
type ResourceObserver interface {
	ObserveLedgerResources(ctx context.Context, resources []domain.Resource)
}

// ResourceWatcher periodically polls the registry and forwards every snapshot
// to the resource pool.
type ResourceWatcher struct {
	lister   ResourceLister
	tokens   TokenChecker
	observer ResourceObserver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewResourceWatcher creates a new ResourceWatcher.
func NewResourceWatcher(lister ResourceLister, tokens TokenChecker, observer ResourceObserver, m *metrics.Metrics, logger *slog.Logger) *ResourceWatcher {
	return &ResourceWatcher{
		lister:   lister,
		tokens:   tokens,
		observer: observer,
		metrics:  m,
		logger:   logger.With(slog.String("component", "resource_watcher")),
	}
}

// Run executes a single registry poll. Without a ledger token the poll is
// skipped.
func (w *ResourceWatcher) Run(ctx context.Context) error {
	if _, ok := w.tokens.Token(); !ok {
		w.logger.DebugContext(ctx, "skipping resource watch cycle, no ledger token")
		w.count("skipped")
		return nil
	}

	resources, err := w.lister.ListResources(ctx)
	if err != nil {
		w.count("error")
		return fmt.Errorf("listing resources: %w", err)
	}
	w.count("ok")
	if w.metrics != nil {
		w.metrics.RegistryResources.Set(float64(len(resources)))
	}

	w.observer.ObserveLedgerResources(ctx, resources)
	return nil
}

// RunLoop runs the resource watcher on a repeating interval until the context
// is cancelled.
func (w *ResourceWatcher) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if err := w.Run(ctx); err != nil {
		w.logger.Error("resource watch failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("resource watcher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				w.logger.Error("resource watch failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *ResourceWatcher) count(outcome string) {
	if w.metrics != nil {
		w.metrics.WatcherCycles.WithLabelValues("resources", outcome).Inc()
	}
}
