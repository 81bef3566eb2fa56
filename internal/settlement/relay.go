package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// Relay routes market operations to the backend selected by tag and
// forwards that backend's snapshots. Commitment intentions are announced
// before the backend is called.
type Relay struct {
	snapshotFanout

	active Backend
	logger *slog.Logger

	mu          sync.Mutex
	onIntention []func(context.Context, domain.OfferType, domain.TradeOption)
}

// NewRelay selects the backend whose Name equals tag.
func NewRelay(tag string, logger *slog.Logger, backends ...Backend) (*Relay, error) {
	var active Backend
	for _, b := range backends {
		if b != nil && b.Name() == tag {
			active = b
			break
		}
	}
	if active == nil {
		return nil, fmt.Errorf("settlement: no backend for tag %q", tag)
	}

	r := &Relay{
		active: active,
		logger: logger.With(slog.String("component", "relay")),
	}
	active.OnSnapshot(r.emit)
	r.logger.Info("settlement backend selected", slog.String("backend", tag))
	return r, nil
}

// Backend returns the tag of the active backend.
func (r *Relay) Backend() string {
	return r.active.Name()
}

// OnCommitIntention registers fn for every commitment about to be submitted.
func (r *Relay) OnCommitIntention(fn func(context.Context, domain.OfferType, domain.TradeOption)) {
	r.mu.Lock()
	r.onIntention = append(r.onIntention, fn)
	r.mu.Unlock()
}

func (r *Relay) SubmitOffer(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error) {
	return r.active.SubmitOffer(ctx, t, opt)
}

func (r *Relay) Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error {
	r.mu.Lock()
	observers := append([]func(context.Context, domain.OfferType, domain.TradeOption){}, r.onIntention...)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(ctx, t, opt)
	}
	return r.active.Commit(ctx, t, opt)
}

func (r *Relay) OpenOffers(t domain.OfferType) []domain.TradeOption {
	return r.active.OpenOffers(t)
}

func (r *Relay) CommittedOffers(t domain.OfferType) []domain.TradeOption {
	return r.active.CommittedOffers(t)
}

func (r *Relay) Unconfirmed(t domain.OfferType) []domain.TradeOption {
	return r.active.Unconfirmed(t)
}
