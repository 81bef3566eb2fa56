package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
	"github.com/alanyoungcy/labtrader/internal/platform/labchain"
)

// LedgerWriter posts offers and commitments to the ledger.
type LedgerWriter interface {
	SubmitOffer(ctx context.Context, s labchain.OfferSubmission) error
	SubmitCommitment(ctx context.Context, c labchain.Commitment) error
}

// ResourceRequester hands out free trade-slot resources.
type ResourceRequester interface {
	RequestFreeResource(ctx context.Context) (domain.Resource, error)
}

// Submitter places offers and commitments on the day-ahead market.
type Submitter struct {
	writer    LedgerWriter
	resources ResourceRequester
	calendar  domain.TradingCalendar
	scope     domain.ExperimentScope
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewSubmitter creates a new Submitter.
func NewSubmitter(writer LedgerWriter, resources ResourceRequester, calendar domain.TradingCalendar, scope domain.ExperimentScope, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		writer:    writer,
		resources: resources,
		calendar:  calendar,
		scope:     scope,
		metrics:   m,
		logger:    logger.With(slog.String("component", "submitter")),
	}
}

// Submit binds opt to a free resource and posts it. It blocks until a
// resource is available. The returned option carries the resource's slot id.
func (s *Submitter) Submit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error) {
	res, err := s.resources.RequestFreeResource(ctx)
	if err != nil {
		return domain.TradeOption{}, fmt.Errorf("market: request resource: %w", err)
	}
	id, err := domain.SlotID(res.ResourceID)
	if err != nil {
		return domain.TradeOption{}, fmt.Errorf("market: %w", err)
	}
	opt.ID = id

	data := OfferSeries(opt)
	sub := labchain.OfferSubmission{
		ResourceID:   res.ResourceID,
		UTCTimeframe: s.calendar.TimeframeFor(opt.DeliveryTime),
		Positive:     data,
		Negative:     ZeroSeries(),
	}
	if t == domain.OfferBid {
		sub.Positive, sub.Negative = sub.Negative, sub.Positive
	}

	if err := s.writer.SubmitOffer(ctx, sub); err != nil {
		s.count(t, "offer_error")
		return domain.TradeOption{}, fmt.Errorf("market: submit %s: %w", t, err)
	}
	s.count(t, "offer")
	s.logger.InfoContext(ctx, "offer submitted",
		slog.String("type", t.String()),
		slog.String("resource_id", res.ResourceID),
		slog.Int64("utc_timeframe", sub.UTCTimeframe),
		slog.Int("delivery_time", opt.DeliveryTime),
		slog.Int("duration", opt.Duration),
	)
	return opt, nil
}

// Commit accepts the whole of another prosumer's offer.
func (s *Submitter) Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error {
	shares := CommitmentSeries(opt)
	cm := labchain.Commitment{
		ResourceID:   s.scope.ResourceID(opt.Creator.ID, opt.ID),
		UTCTimeframe: s.calendar.TimeframeFor(opt.DeliveryTime),
		Positive:     shares,
		Negative:     ZeroShares(),
	}
	if t == domain.OfferBid {
		cm.Positive, cm.Negative = cm.Negative, cm.Positive
	}

	if err := s.writer.SubmitCommitment(ctx, cm); err != nil {
		s.count(t, "commit_error")
		return fmt.Errorf("market: commit to %s %s: %w", t, opt.ID, err)
	}
	s.count(t, "commit")
	s.logger.InfoContext(ctx, "commitment submitted",
		slog.String("type", t.String()),
		slog.String("resource_id", cm.ResourceID),
		slog.Int64("utc_timeframe", cm.UTCTimeframe),
	)
	return nil
}

func (s *Submitter) count(t domain.OfferType, kind string) {
	if s.metrics != nil {
		s.metrics.OffersSubmitted.WithLabelValues(t.String() + "_" + kind).Inc()
	}
}

// covered calls fn for every series index the option delivers in.
func covered(opt domain.TradeOption, fn func(i int)) {
	start := opt.DeliveryTime % domain.WindowSlices
	for i := start; i < start+opt.Duration && i < domain.SeriesLength; i++ {
		fn(i)
	}
}

// OfferSeries returns the 96-entry series of opt within its trading window.
func OfferSeries(opt domain.TradeOption) []domain.PowerSeriesEntry {
	series := ZeroSeries()
	covered(opt, func(i int) {
		series[i] = domain.PowerSeriesEntry{Amount: opt.Power * domain.PowerScale, Price: opt.Price}
	})
	return series
}

// CommitmentSeries returns a full share in every slice opt covers.
func CommitmentSeries(opt domain.TradeOption) []domain.CommitmentShare {
	shares := ZeroShares()
	covered(opt, func(i int) {
		shares[i] = domain.CommitmentShare{Share: 1.0}
	})
	return shares
}

// ZeroSeries returns a series of SeriesLength empty entries.
func ZeroSeries() []domain.PowerSeriesEntry {
	return make([]domain.PowerSeriesEntry, domain.SeriesLength)
}

// ZeroShares returns a commitment series of SeriesLength zero shares.
func ZeroShares() []domain.CommitmentShare {
	return make([]domain.CommitmentShare, domain.SeriesLength)
}
