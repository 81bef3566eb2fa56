package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// Split separates options nobody committed to from committed ones.
func Split(options []domain.TradeOption) (open, committed []domain.TradeOption) {
	open = []domain.TradeOption{}
	committed = []domain.TradeOption{}
	for _, o := range options {
		if o.IsOpen() {
			open = append(open, o)
		} else {
			committed = append(committed, o)
		}
	}
	return open, committed
}

// Partition builds the market snapshot of each cycle. Every snapshot fully
// replaces the previous one.
type Partition struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	latest domain.MarketSnapshot
}

// NewPartition creates a new Partition.
func NewPartition(m *metrics.Metrics, logger *slog.Logger) *Partition {
	return &Partition{
		metrics: m,
		logger:  logger.With(slog.String("component", "partition")),
	}
}

// Apply partitions one classification.
func (p *Partition) Apply(ctx context.Context, cls domain.Classification) domain.MarketSnapshot {
	var snap domain.MarketSnapshot
	snap.OpenBids, snap.CommittedBids = Split(cls.Bids)
	snap.OpenAsks, snap.CommittedAsks = Split(cls.Asks)

	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "market partitioned",
		slog.Int("open_bids", len(snap.OpenBids)),
		slog.Int("committed_bids", len(snap.CommittedBids)),
		slog.Int("open_asks", len(snap.OpenAsks)),
		slog.Int("committed_asks", len(snap.CommittedAsks)),
	)
	if p.metrics != nil {
		p.metrics.MarketOffers.WithLabelValues("bid", "open").Set(float64(len(snap.OpenBids)))
		p.metrics.MarketOffers.WithLabelValues("bid", "committed").Set(float64(len(snap.CommittedBids)))
		p.metrics.MarketOffers.WithLabelValues("ask", "open").Set(float64(len(snap.OpenAsks)))
		p.metrics.MarketOffers.WithLabelValues("ask", "committed").Set(float64(len(snap.CommittedAsks)))
	}
	return snap
}

// Latest returns the most recent snapshot.
func (p *Partition) Latest() domain.MarketSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}
