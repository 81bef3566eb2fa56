package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Heartbeat periodically republishes state.
type Heartbeat interface {
	RunHeartbeat(ctx context.Context, interval time.Duration) error
}

// Orchestrator manages the ingestion goroutines: offer watching, offer
// processing, registry watching and the pool heartbeat.
type Orchestrator struct {
	offerWatcher      *OfferWatcher
	offers            *OfferPipeline
	resourceWatcher   *ResourceWatcher
	heartbeat         Heartbeat
	watchInterval     time.Duration
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. resourceWatcher and heartbeat
// may be nil when no resource pool is attached.
func NewOrchestrator(
	offerWatcher *OfferWatcher,
	offers *OfferPipeline,
	resourceWatcher *ResourceWatcher,
	heartbeat Heartbeat,
	watchInterval time.Duration,
	heartbeatInterval time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		offerWatcher:      offerWatcher,
		offers:            offers,
		resourceWatcher:   resourceWatcher,
		heartbeat:         heartbeat,
		watchInterval:     watchInterval,
		heartbeatInterval: heartbeatInterval,
		logger:            logger,
	}
}

// Run starts all sub-pipelines as concurrent goroutines using an errgroup. Each
// goroutine respects ctx cancellation. If any goroutine returns a non-context
// error, the errgroup cancels the shared context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("watch_interval", o.watchInterval),
		slog.Duration("heartbeat_interval", o.heartbeatInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	// 1. Offer watcher on ticker.
	g.Go(func() error {
		o.logger.Info("starting offer watcher loop")
		err := o.offerWatcher.RunLoop(ctx, o.watchInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("offer watcher: %w", err)
	})

	// 2. Classification, in-use tracking and partition, one cycle at a time.
	g.Go(func() error {
		err := o.offers.Run(ctx, o.offerWatcher.Cycles())
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("offer pipeline: %w", err)
	})

	// 3. Registry watcher on ticker.
	if o.resourceWatcher != nil {
		g.Go(func() error {
			o.logger.Info("starting resource watcher loop")
			err := o.resourceWatcher.RunLoop(ctx, o.watchInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("resource watcher: %w", err)
		})
	}

	// 4. Pool-size heartbeat.
	if o.heartbeat != nil {
		g.Go(func() error {
			err := o.heartbeat.RunHeartbeat(ctx, o.heartbeatInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("pool heartbeat: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
