// Package market checks offers against the experiment's market design and
// translates them into the ledger's day-ahead wire format.
package market

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// Constraint names reported in an Issue.
const (
	ConstraintDeliveryPast   = "delivery_past"
	ConstraintClosure        = "closure"
	ConstraintDurationSlice  = "duration_slice"
	ConstraintDurationLength = "duration_length"
	ConstraintBeyondEnd      = "beyond_end"
	ConstraintMinSize        = "min_size"
	ConstraintMaxPrice       = "max_price"
	ConstraintNegativePrice  = "negative_price"
)

// Issue is one violated market-design constraint.
type Issue struct {
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// ValidationError lists every constraint an offer violates.
type ValidationError struct {
	Type   domain.OfferType
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		msgs[i] = is.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Type, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return domain.ErrInvalidOffer }

// Validator checks offers against a market design at the clock's current
// time.
type Validator struct {
	design  domain.MarketDesign
	clock   domain.Clock
	metrics *metrics.Metrics
}

// NewValidator creates a new Validator.
func NewValidator(design domain.MarketDesign, clock domain.Clock, m *metrics.Metrics) *Validator {
	return &Validator{design: design, clock: clock, metrics: m}
}

// Closure returns the minimum lead time of offers of type t.
func (v *Validator) Closure(t domain.OfferType) int {
	if t == domain.OfferAsk {
		return v.design.AskClosure
	}
	return v.design.BidClosure
}

// Check returns a *ValidationError carrying every failing constraint, or nil.
func (v *Validator) Check(t domain.OfferType, opt domain.TradeOption) error {
	now := v.clock.CurrentTime()
	end := v.clock.EndTime()
	closure := v.Closure(t)
	minSize := v.design.MinBidSize
	if t == domain.OfferAsk {
		minSize = v.design.MinAskSize
	}

	var issues []Issue
	add := func(constraint, format string, args ...any) {
		issues = append(issues, Issue{Constraint: constraint, Message: fmt.Sprintf(format, args...)})
	}

	if opt.DeliveryTime < now {
		add(ConstraintDeliveryPast, "delivery time %d lies in the past (now %d)", opt.DeliveryTime, now)
	}
	if now+closure > opt.DeliveryTime {
		add(ConstraintClosure, "offers close %d steps ahead, delivery is only %d steps ahead", closure, opt.DeliveryTime-now)
	}
	if opt.Duration <= 0 || (v.design.TimeSliceLength > 0 && opt.Duration%v.design.TimeSliceLength != 0) {
		add(ConstraintDurationSlice, "duration %d must be a positive multiple of %d", opt.Duration, v.design.TimeSliceLength)
	}
	if opt.Duration > domain.MaxDuration {
		add(ConstraintDurationLength, "duration %d exceeds the trading window of %d slices", opt.Duration, domain.MaxDuration)
	}
	if opt.LastSlice() > end {
		add(ConstraintBeyondEnd, "delivery ends at %d, after the end of the experiment at %d", opt.LastSlice(), end)
	}
	if opt.Power < minSize {
		add(ConstraintMinSize, "power %v is below the minimum %s size %v", opt.Power, t, minSize)
	}
	if v.design.MaxPrice != domain.NoPriceCap && opt.Price > v.design.MaxPrice {
		add(ConstraintMaxPrice, "price %v exceeds the cap of %v", opt.Price, v.design.MaxPrice)
	}
	if opt.Price < 0 {
		add(ConstraintNegativePrice, "price %v must not be negative", opt.Price)
	}

	if len(issues) == 0 {
		return nil
	}
	if v.metrics != nil {
		for _, is := range issues {
			v.metrics.ValidationErrors.WithLabelValues(is.Constraint).Inc()
		}
	}
	return &ValidationError{Type: t, Issues: issues}
}
