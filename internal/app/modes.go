package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/labtrader/internal/cache/redis"
	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/pipeline"
	"github.com/alanyoungcy/labtrader/internal/server"
	"github.com/alanyoungcy/labtrader/internal/server/handler"
	"github.com/alanyoungcy/labtrader/internal/server/ws"
)

// archiveTimeout bounds the results export run after the errgroup stopped.
const archiveTimeout = 30 * time.Second

// FullMode runs the trading pipeline, the HTTP API with the websocket hub,
// and archives the experiment results at the end of the experiment or on
// shutdown, whichever comes first.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Backend:   strings.ToLower(a.cfg.Settlement.Backend),
		Scope:     a.cfg.Scope().String(),
		StartedAt: time.Now().UTC(),
	})
	bus := deps.SignalBus
	if bus == nil {
		bus = hubBus{hub: hub}
	}

	c, err := a.buildCore(deps, true)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.wireEvents(c, deps, redis.NewPublisher(bus, a.logger))

	archive := a.archiveOnce(c, deps)
	c.clock.OnEnd(archive)

	if err := a.claimSession(ctx, g, deps, c.scope); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := c.start(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	c.run(ctx, g)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, c, deps, hub, bus)
	}
	if deps.Archiver != nil && a.cfg.S3.CheckpointCron != "" {
		cp := pipeline.NewCheckpointer(deps.Archiver, func(ctx context.Context) (domain.ExperimentResults, error) {
			return c.results(ctx, deps.ClearingStore)
		}, a.logger)
		g.Go(func() error {
			err := cp.RunCron(ctx, a.cfg.S3.CheckpointCron)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()

	archiveCtx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	archive(archiveCtx)
	return err
}

// AgentMode runs the trading pipeline only: no HTTP API and no archive.
// Events still reach the signal bus when Redis is enabled.
func (a *App) AgentMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting agent mode")

	g, ctx := errgroup.WithContext(ctx)

	c, err := a.buildCore(deps, true)
	if err != nil {
		return fmt.Errorf("agent mode: %w", err)
	}
	var pub *redis.Publisher
	if deps.SignalBus != nil {
		pub = redis.NewPublisher(deps.SignalBus, a.logger)
	}
	a.wireEvents(c, deps, pub)

	if err := a.claimSession(ctx, g, deps, c.scope); err != nil {
		return fmt.Errorf("agent mode: %w", err)
	}
	if err := c.start(ctx); err != nil {
		return fmt.Errorf("agent mode: %w", err)
	}
	c.run(ctx, g)

	return g.Wait()
}

// MonitorMode watches the ledger and serves the classified market read-only.
// No resources are registered, no offers are submitted and nothing is
// cleared.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	if deps.Ledger == nil {
		return errors.New("monitor mode: ledger client not wired")
	}

	g, ctx := errgroup.WithContext(ctx)

	c, err := a.buildCore(deps, false)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Scope:     c.scope.String(),
		StartedAt: time.Now().UTC(),
	})
	bus := deps.SignalBus
	if bus == nil {
		bus = hubBus{hub: hub}
	}
	a.wireEvents(c, deps, redis.NewPublisher(bus, a.logger))

	if err := c.start(ctx); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	c.run(ctx, g)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, c, deps, hub, bus)
	}

	return g.Wait()
}

// claimSession takes the Redis session lock of the prosumer so that a
// second agent for the same prosumer type refuses to start. The lock is kept
// alive in g and released when ctx ends.
func (a *App) claimSession(ctx context.Context, g *errgroup.Group, deps *Dependencies, scope domain.ExperimentScope) error {
	if deps.SessionLock == nil {
		return nil
	}
	sess, err := deps.SessionLock.Claim(ctx, scope.String(), a.cfg.Redis.SessionLockTTL.Duration)
	if err != nil {
		return fmt.Errorf("claim session %s: %w", scope, err)
	}
	a.logger.InfoContext(ctx, "session lock acquired", slog.String("scope", scope.String()))
	g.Go(func() error {
		return sess.Keep(ctx)
	})
	return nil
}

// archiveOnce returns a function exporting the experiment results at most
// once. It does nothing when no archiver is wired.
func (a *App) archiveOnce(c *core, deps *Dependencies) func(context.Context) {
	var once sync.Once
	return func(ctx context.Context) {
		if deps.Archiver == nil {
			return
		}
		once.Do(func() {
			results, err := c.results(ctx, deps.ClearingStore)
			if err != nil {
				a.logger.ErrorContext(ctx, "collect experiment results failed", slog.String("error", err.Error()))
				return
			}
			path, err := deps.Archiver.ArchiveResults(ctx, results)
			if err != nil {
				a.logger.ErrorContext(ctx, "archive experiment results failed", slog.String("error", err.Error()))
				return
			}
			a.logger.InfoContext(ctx, "experiment results archived",
				slog.String("path", path),
				slog.Int("cleared_trades", len(results.ClearedTrades)),
			)
		})
	}
}

// noPool is the pool view of modes without a resource pool.
type noPool struct{}

func (noPool) Sizes() domain.PoolSizes { return domain.PoolSizes{} }

// startHTTPServer adds the API server to g. Without a settlement relay the
// offer routes are served from the latest partition and the placement,
// clearing and residual routes are unavailable.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, c *core, deps *Dependencies, hub *ws.Hub, stream handler.StreamReader) {
	mode := strings.ToLower(a.cfg.Mode)
	startedAt := time.Now()
	var backend string
	if c.relay != nil {
		backend = c.relay.Backend()
	}

	var poolView handler.PoolView = noPool{}
	if c.pool != nil {
		poolView = c.pool
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(func() domain.AgentStatus {
			return c.status(mode, backend, startedAt)
		}, deps.Checks, a.logger),
		Pool: handler.NewPoolHandler(poolView),
	}
	if c.relay != nil {
		handlers.Offers = handler.NewOfferHandler(c.relay, c.relay, c.prosumer, a.logger)
		handlers.Clearing = handler.NewClearingHandler(c.wallet, c.engine, stream, a.logger)
		handlers.Residual = handler.NewResidualHandler(c.residual, c.clock)
	} else {
		handlers.Offers = handler.NewOfferHandler(handler.SnapshotSource(c.partition.Latest), nil, c.prosumer, a.logger)
	}
	if deps.Registry != nil {
		handlers.Metrics = promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		MetricsPath:     a.cfg.Metrics.Path,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
