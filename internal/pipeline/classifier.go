package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// RecordError is the reason a single raw offer was skipped.
type RecordError struct {
	ResourceID string
	Err        error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("offer %s: %v", e.ResourceID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Classifier turns the raw offers of one cycle into typed trade options.
type Classifier struct {
	scope     domain.ExperimentScope
	directory domain.ParticipantDirectory
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClassifier creates a Classifier for the experiment instance of scope.
func NewClassifier(scope domain.ExperimentScope, directory domain.ParticipantDirectory, m *metrics.Metrics, logger *slog.Logger) *Classifier {
	return &Classifier{
		scope:     scope,
		directory: directory,
		metrics:   m,
		logger:    logger.With(slog.String("component", "classifier")),
	}
}

// Classify processes every raw offer of the cycle. Offers of other experiment
// instances are ignored. A record that cannot be classified or resolved is
// skipped without affecting the others; the skipped records are returned as a
// joined error of *RecordError values next to the complete classification.
func (c *Classifier) Classify(ctx context.Context, cycle domain.OfferCycle) (domain.Classification, error) {
	out := domain.Classification{
		Asks:  []domain.TradeOption{},
		Bids:  []domain.TradeOption{},
		InUse: make(map[string]struct{}),
	}
	var errs []error

	starts := make([]int, 0, len(cycle.Windows))
	for start := range cycle.Windows {
		starts = append(starts, start)
	}
	sort.Ints(starts)

	for _, start := range starts {
		for _, raw := range cycle.Windows[start] {
			if !c.scope.Contains(raw.ResourceID) {
				c.logger.DebugContext(ctx, "offer outside experiment instance", slog.String("resource_id", raw.ResourceID))
				continue
			}
			// the resource is bound on the ledger even if the record is unusable
			out.InUse[raw.ResourceID] = struct{}{}

			opt, offerType, err := c.classifyOne(raw, start)
			if err != nil {
				c.reject(ctx, raw.ResourceID, err)
				errs = append(errs, &RecordError{ResourceID: raw.ResourceID, Err: err})
				continue
			}
			if offerType == domain.OfferAsk {
				out.Asks = append(out.Asks, opt)
			} else {
				out.Bids = append(out.Bids, opt)
			}
		}
	}

	if c.metrics != nil {
		c.metrics.OffersClassified.WithLabelValues("bid").Add(float64(len(out.Bids)))
		c.metrics.OffersClassified.WithLabelValues("ask").Add(float64(len(out.Asks)))
	}
	c.logger.DebugContext(ctx, "cycle classified",
		slog.Int("bids", len(out.Bids)),
		slog.Int("asks", len(out.Asks)),
		slog.Int("in_use", len(out.InUse)),
		slog.Int("rejected", len(errs)),
	)
	return out, errors.Join(errs...)
}

func (c *Classifier) classifyOne(raw domain.RawOffer, windowStart int) (domain.TradeOption, domain.OfferType, error) {
	typed, err := c.Type(raw)
	if err != nil {
		return domain.TradeOption{}, 0, err
	}
	opt, err := c.Reshape(typed, windowStart)
	if err != nil {
		return domain.TradeOption{}, 0, err
	}
	return opt, typed.Type, nil
}

// Type classifies raw and resolves its author.
func (c *Classifier) Type(raw domain.RawOffer) (domain.TypedOffer, error) {
	offerType, err := ClassifyOffer(raw)
	if err != nil {
		return domain.TypedOffer{}, err
	}

	author, ok := c.directory.Lookup(raw.MarketParticipant.ID)
	if !ok {
		return domain.TypedOffer{}, fmt.Errorf("%w: author %d", domain.ErrUnknownParticipant, raw.MarketParticipant.ID)
	}

	series := raw.NegativePowerSeries
	if offerType == domain.OfferAsk {
		series = raw.PositivePowerSeries
	}
	return domain.TypedOffer{
		Author:      author,
		ResourceID:  raw.ResourceID,
		Type:        offerType,
		PowerSeries: series.Series,
		Purchasers:  series.Purchasers,
	}, nil
}

// Reshape converts a typed offer of the window starting at windowStart into a
// trade option. Only the first purchaser is considered.
func (c *Classifier) Reshape(typed domain.TypedOffer, windowStart int) (domain.TradeOption, error) {
	id, err := domain.SlotID(typed.ResourceID)
	if err != nil {
		return domain.TradeOption{}, err
	}

	first, last := -1, -1
	for i, e := range typed.PowerSeries {
		if !e.Delivers() {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if first < 0 {
		return domain.TradeOption{}, fmt.Errorf("%w: power series has no delivering entry", domain.ErrProtocolViolation)
	}

	lead := typed.PowerSeries[first]
	opt := domain.TradeOption{
		ID:           id,
		Creator:      typed.Author,
		DeliveryTime: windowStart + first,
		Duration:     last - first + 1,
		Price:        lead.Price,
		Power:        lead.Amount / domain.PowerScale,
	}

	if len(typed.Purchasers) > 0 {
		purchaserID := typed.Purchasers[0].GridOperator.ID
		if p, ok := c.directory.Lookup(purchaserID); ok {
			opt = opt.WithAcceptedParty(p.ID)
		} else {
			c.logger.Warn("purchaser is not an experiment participant",
				slog.String("resource_id", typed.ResourceID),
				slog.Int("purchaser_id", purchaserID),
			)
		}
	}
	return opt, nil
}

// ClassifyOffer decides the offer type from the sign of the non-zero series.
// An offer with both or neither series carrying an amount violates the
// trading protocol.
func ClassifyOffer(raw domain.RawOffer) (domain.OfferType, error) {
	positive := raw.PositivePowerSeries.HasAmount()
	negative := raw.NegativePowerSeries.HasAmount()
	switch {
	case positive && !negative:
		return domain.OfferAsk, nil
	case negative && !positive:
		return domain.OfferBid, nil
	case positive && negative:
		return 0, fmt.Errorf("%w: both power series carry an amount", domain.ErrProtocolViolation)
	default:
		return 0, fmt.Errorf("%w: neither power series carries an amount", domain.ErrProtocolViolation)
	}
}

func (c *Classifier) reject(ctx context.Context, resourceID string, err error) {
	reason := "other"
	level := slog.LevelWarn
	switch {
	case errors.Is(err, domain.ErrProtocolViolation):
		reason = "protocol_violation"
		level = slog.LevelError
		if c.metrics != nil {
			c.metrics.ProtocolViolations.WithLabelValues("classification").Inc()
		}
	case errors.Is(err, domain.ErrUnknownParticipant):
		reason = "unknown_participant"
	case errors.Is(err, domain.ErrMalformedResource):
		reason = "malformed_resource"
	}
	if c.metrics != nil {
		c.metrics.OffersRejected.WithLabelValues(reason).Inc()
	}
	c.logger.Log(ctx, level, "offer record skipped",
		slog.String("resource_id", resourceID),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}
