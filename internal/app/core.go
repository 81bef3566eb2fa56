package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/labtrader/internal/cache/redis"
	"github.com/alanyoungcy/labtrader/internal/clearing"
	"github.com/alanyoungcy/labtrader/internal/config"
	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/market"
	"github.com/alanyoungcy/labtrader/internal/metrics"
	"github.com/alanyoungcy/labtrader/internal/pipeline"
	"github.com/alanyoungcy/labtrader/internal/pool"
	"github.com/alanyoungcy/labtrader/internal/residual"
	"github.com/alanyoungcy/labtrader/internal/settlement"
	"github.com/alanyoungcy/labtrader/internal/simtime"
)

// core is the trading stack of one prosumer. Fields not needed by the mode
// stay nil: monitor mode has no pool, relay, wallet, engine or residual
// ledger, and the mock backend runs without pool and orchestrator.
type core struct {
	scope    domain.ExperimentScope
	prosumer domain.Prosumer

	clock        *simtime.Clock
	pool         *pool.Manager
	partition    *pipeline.Partition
	offers       *pipeline.OfferPipeline
	orchestrator *pipeline.Orchestrator

	relay    *settlement.Relay
	mock     *settlement.MockBackend
	wallet   *clearing.Wallet
	engine   *clearing.Engine
	residual *residual.Ledger

	mu      sync.Mutex
	cleared []domain.ClearedTrade
}

// buildCore assembles the components of the configured experiment. With
// trading false only the ingestion side is built.
func (a *App) buildCore(deps *Dependencies, trading bool) (*core, error) {
	cfg := a.cfg
	m := deps.Metrics
	scope := cfg.Scope()
	directory := domain.NewStaticDirectory(cfg.Prosumers())
	prosumer, ok := directory.Lookup(scope.ProsumerID)
	if !ok {
		return nil, fmt.Errorf("app: prosumer %d: %w", scope.ProsumerID, domain.ErrUnknownParticipant)
	}

	c := &core{
		scope:     scope,
		prosumer:  prosumer,
		clock:     simtime.NewClock(cfg.Experiment.EndTime, cfg.Experiment.TickLength.Duration, a.logger),
		partition: pipeline.NewPartition(m, a.logger),
	}

	if deps.Ledger != nil {
		tokens := deps.Ledger.Tokens()
		var (
			inUse     pipeline.InUseObserver
			resources *pipeline.ResourceWatcher
			heartbeat pipeline.Heartbeat
		)
		if trading {
			c.pool = pool.NewManager(scope, cfg.Pool.OptimalSize, deps.Ledger, tokens, a.logger)
			inUse = c.pool
			heartbeat = c.pool
			resources = pipeline.NewResourceWatcher(deps.Ledger, tokens, c.pool, m, a.logger)
		}
		classifier := pipeline.NewClassifier(scope, directory, m, a.logger)
		c.offers = pipeline.NewOfferPipeline(classifier, c.partition, inUse, a.logger)
		watcher := pipeline.NewOfferWatcher(deps.Ledger, tokens, c.clock, cfg.Calendar(), cfg.Watcher.WindowHorizon, m, a.logger)
		c.orchestrator = pipeline.NewOrchestrator(
			watcher, c.offers, resources, heartbeat,
			cfg.Watcher.Interval.Duration, cfg.Pool.HeartbeatInterval.Duration,
			a.logger.With(slog.String("component", "orchestrator")),
		)
	}
	if !trading {
		return c, nil
	}

	design := cfg.MarketDesign()
	c.wallet = clearing.NewWallet(decimal.NewFromFloat(cfg.Experiment.InitialTokens))
	c.residual = residual.NewLedger(cfg.Experiment.EndTime, assetsFromConfig(cfg.Experiment.Assets), cfg.Experiment.ImbalancePenalty, c.wallet, m, a.logger)
	c.engine = clearing.NewEngine(scope, design, c.wallet, c.residual, deps.ClearingStore, m, a.logger)

	validator := market.NewValidator(design, c.clock, m)
	var backends []settlement.Backend
	if c.pool != nil {
		requester := countingRequester{pool: c.pool, metrics: m}
		submitter := market.NewSubmitter(deps.Ledger, requester, cfg.Calendar(), scope, m, a.logger)
		ledger := settlement.NewLedgerBackend(prosumer, submitter, validator, c.clock, a.logger)
		c.offers.OnSnapshot(ledger.Update)
		backends = append(backends, ledger)
	}
	c.mock = settlement.NewMockBackend(prosumer, scope.String(), validator, deps.OfferBook, a.logger)
	backends = append(backends, c.mock)

	relay, err := settlement.NewRelay(strings.ToLower(cfg.Settlement.Backend), a.logger, backends...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	c.relay = relay
	return c, nil
}

// wireEvents connects the observer streams of the core to each other and to
// the publisher, the notifier and the stores. pub may be nil.
func (a *App) wireEvents(c *core, deps *Dependencies, pub *redis.Publisher) {
	m := deps.Metrics
	n := deps.Notifier
	scope := c.scope.String()

	if c.offers != nil {
		c.offers.OnRejected(func(ctx context.Context, rec *pipeline.RecordError) {
			if errors.Is(rec, domain.ErrProtocolViolation) {
				n.ProtocolViolation(ctx, rec)
			}
		})
	}

	if c.pool != nil {
		c.pool.OnPoolSizes(func(sizes domain.PoolSizes) {
			m.SetPoolSizes(sizes.Pending, sizes.Available, sizes.InUse)
			if pub != nil {
				pub.PoolSizes(sizes)
			}
		})
		c.pool.OnAnomaly(func(ctx context.Context, resourceID, detail string) {
			if m != nil {
				m.PoolAnomalies.Inc()
			}
			n.Anomaly(ctx, resourceID, detail)
			a.audit(ctx, deps, "pool.anomaly", map[string]any{
				"resource_id": resourceID,
				"detail":      detail,
			})
		})
	}

	if c.relay == nil {
		// Monitor mode: publish the raw partition.
		if c.offers != nil && pub != nil {
			c.offers.OnSnapshot(pub.Snapshot)
		}
		return
	}

	c.relay.OnSnapshot(func(ctx context.Context, snap domain.MarketSnapshot) {
		if err := c.engine.ProcessSnapshot(ctx, snap); err != nil {
			a.logger.WarnContext(ctx, "snapshot clearing incomplete", slog.String("error", err.Error()))
		}
	})
	if pub != nil {
		c.relay.OnSnapshot(pub.Snapshot)
	}
	c.relay.OnCommitIntention(func(ctx context.Context, t domain.OfferType, opt domain.TradeOption) {
		a.audit(ctx, deps, "offer.commit_intention", map[string]any{
			"type":      t.String(),
			"option_id": opt.ID,
			"creator":   opt.Creator.ID,
		})
	})

	c.engine.OnCleared(func(ctx context.Context, trade domain.ClearedTrade) {
		c.mu.Lock()
		c.cleared = append(c.cleared, trade)
		c.mu.Unlock()

		if pub != nil {
			pub.Cleared(ctx, trade)
		}
		n.TradeCleared(ctx, trade)
		if trade.Role != domain.RoleNone {
			a.audit(ctx, deps, "trade.cleared", map[string]any{
				"type":        trade.Type.String(),
				"option_id":   trade.Option.ID,
				"role":        string(trade.Role),
				"token_delta": trade.TokenDelta.String(),
				"digest":      trade.Digest,
			})
		}
	})
	c.engine.OnViolation(n.ProtocolViolation)

	c.wallet.OnPayment(func(ctx context.Context, p domain.Payment) {
		if deps.PaymentStore == nil {
			return
		}
		if err := deps.PaymentStore.InsertPayment(ctx, scope, p); err != nil {
			a.logger.ErrorContext(ctx, "persist payment failed",
				slog.String("payment_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	})

	if pub != nil {
		c.residual.OnUpdate(pub.Residual)
	}
	c.residual.OnImbalanceFee(func(ctx context.Context, fee domain.ImbalanceFee) {
		if deps.PaymentStore != nil {
			if err := deps.PaymentStore.InsertImbalanceFee(ctx, scope, fee); err != nil {
				a.logger.ErrorContext(ctx, "persist imbalance fee failed", slog.String("error", err.Error()))
			}
		}
		if pub != nil {
			pub.Imbalance(ctx, fee)
		}
		n.ImbalanceFee(ctx, fee)
	})

	c.clock.OnTick(c.residual.Tick)
	c.clock.OnEnd(func(ctx context.Context) {
		if _, err := c.residual.RegisterLastFee(ctx); err != nil {
			a.logger.ErrorContext(ctx, "register imbalance fee failed", slog.String("error", err.Error()))
		}
	})
}

// start restores persisted state and binds the pool to ctx. It must run
// before the goroutines of run are started.
func (c *core) start(ctx context.Context) error {
	if c.engine != nil {
		if err := c.engine.Rehydrate(ctx); err != nil {
			return err
		}
	}
	if c.mock != nil && c.relay.Backend() == settlement.TagMock {
		if err := c.mock.Load(ctx); err != nil {
			return err
		}
	}
	if c.pool != nil {
		c.pool.Start(ctx)
	}
	return nil
}

// run adds the clock and the ingestion pipeline to g.
func (c *core) run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		err := c.clock.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	if c.orchestrator != nil {
		g.Go(func() error {
			return c.orchestrator.Run(ctx)
		})
	}
}

// status reports the agent state served on /api/health.
func (c *core) status(mode, backend string, startedAt time.Time) domain.AgentStatus {
	st := domain.AgentStatus{
		Mode:          mode,
		Backend:       backend,
		Scope:         c.scope.String(),
		CurrentTime:   c.clock.CurrentTime(),
		EndTime:       c.clock.EndTime(),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	}
	if c.pool != nil {
		st.Pool = c.pool.Sizes()
	}
	if c.wallet != nil {
		st.Balance = c.wallet.Balance()
	}
	return st
}

// results collects the experiment results for archiving. Cleared trades come
// from the store when one is attached so trades of earlier runs of the same
// scope are included.
func (c *core) results(ctx context.Context, store domain.ClearingStore) (domain.ExperimentResults, error) {
	var trades []domain.ClearedTrade
	if store != nil {
		var err error
		trades, err = store.ListCleared(ctx, c.scope.String(), domain.ListOpts{})
		if err != nil {
			return domain.ExperimentResults{}, fmt.Errorf("app: list cleared trades: %w", err)
		}
	} else {
		c.mu.Lock()
		trades = append([]domain.ClearedTrade(nil), c.cleared...)
		c.mu.Unlock()
	}

	return domain.ExperimentResults{
		Scope:         c.scope.String(),
		ClearedTrades: trades,
		Payments:      c.wallet.Payments(),
		Fees:          c.wallet.Fees(),
		ImbalanceFee:  c.residual.ImbalanceFee(),
		ResidualLoad:  c.residual.ResidualLoad(),
		Balance:       c.wallet.Balance(),
		GeneratedAt:   time.Now().UTC(),
	}, nil
}

// countingRequester counts the free resources handed out to the submitter.
type countingRequester struct {
	pool    *pool.Manager
	metrics *metrics.Metrics
}

func (r countingRequester) RequestFreeResource(ctx context.Context) (domain.Resource, error) {
	res, err := r.pool.RequestFreeResource(ctx)
	if err == nil && r.metrics != nil {
		r.metrics.ResourceRequests.Inc()
	}
	return res, err
}

// assetsFromConfig converts the asset section into residual-ledger input.
func assetsFromConfig(cfg config.AssetsConfig) residual.Assets {
	var assets residual.Assets
	for _, g := range cfg.Generators {
		assets.Generators = append(assets.Generators, g.PowerSeries)
	}
	for _, l := range cfg.Loads {
		assets.Loads = append(assets.Loads, l.PowerSeries)
	}
	for _, s := range cfg.Storage {
		assets.Storage = append(assets.Storage, residual.Storage{
			PowerSeries:     s.PowerSeries,
			CycleEfficiency: s.CycleEfficiency,
		})
	}
	return assets
}

// audit writes an audit log entry when an audit store is attached. Failures
// are logged only.
func (a *App) audit(ctx context.Context, deps *Dependencies, event string, detail map[string]any) {
	if deps.AuditStore == nil {
		return
	}
	if err := deps.AuditStore.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
