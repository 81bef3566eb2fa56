// Package settlement hosts the trading backends an agent can run against and
// the relay that routes market operations to the configured one.
package settlement

import (
	"context"
	"sync"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// Backend tags selectable in configuration.
const (
	TagLedger = "ledger"
	TagMock   = "mock"
)

// Backend is a trading venue: it accepts offers and commitments and reports
// the offers relevant to the local prosumer.
type Backend interface {
	Name() string
	SubmitOffer(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error)
	Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error
	OpenOffers(t domain.OfferType) []domain.TradeOption
	CommittedOffers(t domain.OfferType) []domain.TradeOption
	Unconfirmed(t domain.OfferType) []domain.TradeOption
	OnSnapshot(fn func(context.Context, domain.MarketSnapshot))
}

// Validator checks an offer against the market design.
type Validator interface {
	Check(t domain.OfferType, opt domain.TradeOption) error
	Closure(t domain.OfferType) int
}

// snapshotFanout is the observer list shared by the backends.
type snapshotFanout struct {
	obsMu     sync.Mutex
	observers []func(context.Context, domain.MarketSnapshot)
}

func (f *snapshotFanout) OnSnapshot(fn func(context.Context, domain.MarketSnapshot)) {
	f.obsMu.Lock()
	f.observers = append(f.observers, fn)
	f.obsMu.Unlock()
}

func (f *snapshotFanout) emit(ctx context.Context, snap domain.MarketSnapshot) {
	f.obsMu.Lock()
	observers := append([]func(context.Context, domain.MarketSnapshot){}, f.observers...)
	f.obsMu.Unlock()
	for _, fn := range observers {
		fn(ctx, snap)
	}
}

func copyOptions(opts []domain.TradeOption) []domain.TradeOption {
	return append([]domain.TradeOption{}, opts...)
}

func indexOf(opts []domain.TradeOption, id string) int {
	for i, o := range opts {
		if o.ID == id {
			return i
		}
	}
	return -1
}
