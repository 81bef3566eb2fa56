package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// InUseObserver consumes the set of resource ids bound to offers.
type InUseObserver interface {
	ObserveResourcesInUse(ctx context.Context, ids map[string]struct{})
}

// OfferPipeline runs classification, in-use tracking and partition for each
// watcher cycle in order. Observers of one cycle are called before the next
// cycle is processed, so every downstream reaction sees exactly one cycle.
//
// Fan-out is single producer, multiple consumers: every registered observer
// receives every emission.
type OfferPipeline struct {
	classifier *Classifier
	partition  *Partition
	inUse      InUseObserver
	logger     *slog.Logger

	mu               sync.Mutex
	onClassification []func(context.Context, domain.Classification)
	onSnapshot       []func(context.Context, domain.MarketSnapshot)
	onRejected       []func(context.Context, *RecordError)
}

// NewOfferPipeline creates a new OfferPipeline. inUse may be nil when no
// resource pool is attached (monitor mode).
func NewOfferPipeline(classifier *Classifier, partition *Partition, inUse InUseObserver, logger *slog.Logger) *OfferPipeline {
	return &OfferPipeline{
		classifier: classifier,
		partition:  partition,
		inUse:      inUse,
		logger:     logger.With(slog.String("component", "offer_pipeline")),
	}
}

// OnClassification registers fn for the full bid and ask lists of each cycle.
func (p *OfferPipeline) OnClassification(fn func(context.Context, domain.Classification)) {
	p.mu.Lock()
	p.onClassification = append(p.onClassification, fn)
	p.mu.Unlock()
}

// OnSnapshot registers fn for the open/committed partition of each cycle.
func (p *OfferPipeline) OnSnapshot(fn func(context.Context, domain.MarketSnapshot)) {
	p.mu.Lock()
	p.onSnapshot = append(p.onSnapshot, fn)
	p.mu.Unlock()
}

// OnRejected registers fn for every skipped offer record.
func (p *OfferPipeline) OnRejected(fn func(context.Context, *RecordError)) {
	p.mu.Lock()
	p.onRejected = append(p.onRejected, fn)
	p.mu.Unlock()
}

// HandleCycle processes one complete watcher cycle.
func (p *OfferPipeline) HandleCycle(ctx context.Context, cycle domain.OfferCycle) domain.MarketSnapshot {
	cls, err := p.classifier.Classify(ctx, cycle)
	if err != nil {
		p.dispatchRejected(ctx, err)
	}

	p.mu.Lock()
	onClassification := append([]func(context.Context, domain.Classification){}, p.onClassification...)
	onSnapshot := append([]func(context.Context, domain.MarketSnapshot){}, p.onSnapshot...)
	p.mu.Unlock()

	for _, fn := range onClassification {
		fn(ctx, cls)
	}
	if p.inUse != nil {
		p.inUse.ObserveResourcesInUse(ctx, cls.InUse)
	}

	snap := p.partition.Apply(ctx, cls)
	for _, fn := range onSnapshot {
		fn(ctx, snap)
	}
	return snap
}

// Run consumes cycles until the channel is closed or ctx is cancelled.
func (p *OfferPipeline) Run(ctx context.Context, cycles <-chan domain.OfferCycle) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("offer pipeline stopped")
			return ctx.Err()
		case cycle, ok := <-cycles:
			if !ok {
				p.logger.Info("offer pipeline input closed")
				return ctx.Err()
			}
			p.HandleCycle(ctx, cycle)
		}
	}
}

func (p *OfferPipeline) dispatchRejected(ctx context.Context, err error) {
	p.mu.Lock()
	observers := append([]func(context.Context, *RecordError){}, p.onRejected...)
	p.mu.Unlock()
	if len(observers) == 0 {
		return
	}

	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return
	}
	for _, e := range joined.Unwrap() {
		var rec *RecordError
		if errors.As(e, &rec) {
			for _, fn := range observers {
				fn(ctx, rec)
			}
		}
	}
}
