package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// publishTimeout bounds publishes triggered by observers that carry no context.
const publishTimeout = 2 * time.Second

// Publisher serialises agent events as JSON onto the signal bus channels
// consumed by dashboards and the websocket hub. Publish failures are logged
// and never propagate into the trading pipeline.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPublisher creates a Publisher over the given bus.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With(slog.String("component", "publisher")),
	}
}

// PoolSizes publishes the resource pool cardinalities on ch:pool.
func (p *Publisher) PoolSizes(sizes domain.PoolSizes) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.publish(ctx, domain.ChannelPool, sizes)
}

// Snapshot publishes the latest open/committed partition on ch:market.
func (p *Publisher) Snapshot(ctx context.Context, snap domain.MarketSnapshot) {
	p.publish(ctx, domain.ChannelMarket, snap)
}

// Cleared publishes a clearing on ch:cleared and appends it to the durable
// stream:cleared.
func (p *Publisher) Cleared(ctx context.Context, trade domain.ClearedTrade) {
	ev := domain.ClearedEvent{
		Type:       trade.Type,
		Role:       trade.Role,
		TokenDelta: trade.TokenDelta,
		Fee:        trade.Fee,
		Digest:     trade.Digest,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.fail(ctx, domain.ChannelCleared, err)
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelCleared, data); err != nil {
		p.fail(ctx, domain.ChannelCleared, err)
	}

	record, err := json.Marshal(trade)
	if err != nil {
		p.fail(ctx, domain.StreamCleared, err)
		return
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamCleared, record); err != nil {
		p.fail(ctx, domain.StreamCleared, err)
	}
}

// Residual publishes a residual-load recomputation on ch:residual.
func (p *Publisher) Residual(upd domain.ResidualUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.publish(ctx, domain.ChannelResidual, upd)
}

// Imbalance publishes the end-of-experiment imbalance fee on ch:imbalance.
func (p *Publisher) Imbalance(ctx context.Context, fee domain.ImbalanceFee) {
	p.publish(ctx, domain.ChannelImbalance, fee)
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.fail(ctx, channel, fmt.Errorf("marshal: %w", err))
		return
	}
	if err := p.bus.Publish(ctx, channel, data); err != nil {
		p.fail(ctx, channel, err)
	}
}

func (p *Publisher) fail(ctx context.Context, channel string, err error) {
	p.logger.WarnContext(ctx, "signal publish failed",
		slog.String("channel", channel),
		slog.String("error", err.Error()),
	)
}
