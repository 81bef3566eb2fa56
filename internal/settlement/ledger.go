package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// OfferPlacer places offers and commitments on the ledger.
type OfferPlacer interface {
	Submit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error)
	Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error
}

// LedgerBackend trades on the remote ledger. It is fed by the offer
// pipeline's market snapshots and keeps the open offers and the committed
// offers the local prosumer is a party of. Commitments submitted by this
// agent stay unconfirmed until the ledger reports them committed; until then
// they are hidden from the open lists.
type LedgerBackend struct {
	snapshotFanout

	prosumer  domain.Prosumer
	placer    OfferPlacer
	validator Validator
	clock     domain.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	open        map[domain.OfferType][]domain.TradeOption
	committed   map[domain.OfferType][]domain.TradeOption
	unconfirmed map[domain.OfferType]map[string]domain.TradeOption
}

// NewLedgerBackend creates a new LedgerBackend for prosumer.
func NewLedgerBackend(prosumer domain.Prosumer, placer OfferPlacer, validator Validator, clock domain.Clock, logger *slog.Logger) *LedgerBackend {
	return &LedgerBackend{
		prosumer:  prosumer,
		placer:    placer,
		validator: validator,
		clock:     clock,
		logger:    logger.With(slog.String("component", "ledger_backend")),
		open: map[domain.OfferType][]domain.TradeOption{
			domain.OfferBid: {},
			domain.OfferAsk: {},
		},
		committed: map[domain.OfferType][]domain.TradeOption{
			domain.OfferBid: {},
			domain.OfferAsk: {},
		},
		unconfirmed: map[domain.OfferType]map[string]domain.TradeOption{
			domain.OfferBid: {},
			domain.OfferAsk: {},
		},
	}
}

func (b *LedgerBackend) Name() string { return TagLedger }

// Update replaces the backend's view with one pipeline snapshot and emits the
// relevant snapshot: open offers still tradable, committed offers involving
// the local prosumer.
func (b *LedgerBackend) Update(ctx context.Context, snap domain.MarketSnapshot) {
	b.mu.Lock()
	b.open[domain.OfferBid] = copyOptions(snap.OpenBids)
	b.open[domain.OfferAsk] = copyOptions(snap.OpenAsks)
	b.absorbCommitted(domain.OfferBid, snap.CommittedBids)
	b.absorbCommitted(domain.OfferAsk, snap.CommittedAsks)

	relevant := domain.MarketSnapshot{
		OpenBids:      b.openLocked(domain.OfferBid),
		OpenAsks:      b.openLocked(domain.OfferAsk),
		CommittedBids: copyOptions(b.committed[domain.OfferBid]),
		CommittedAsks: copyOptions(b.committed[domain.OfferAsk]),
	}
	b.mu.Unlock()

	b.emit(ctx, relevant)
}

// absorbCommitted must be called with mu held.
func (b *LedgerBackend) absorbCommitted(t domain.OfferType, committed []domain.TradeOption) {
	relevant := []domain.TradeOption{}
	for _, o := range committed {
		if o.Creator.ID == b.prosumer.ID || o.AcceptedBy(b.prosumer.ID) {
			relevant = append(relevant, o)
		}
		if _, ok := b.unconfirmed[t][o.ID]; ok {
			delete(b.unconfirmed[t], o.ID)
			b.logger.Info("commitment confirmed", slog.String("type", t.String()), slog.String("option_id", o.ID))
		}
	}
	b.committed[t] = relevant
}

// openLocked must be called with mu held.
func (b *LedgerBackend) openLocked(t domain.OfferType) []domain.TradeOption {
	now := b.clock.CurrentTime()
	closure := b.validator.Closure(t)
	out := []domain.TradeOption{}
	for _, o := range b.open[t] {
		if now+closure > o.DeliveryTime {
			continue
		}
		if _, ok := b.unconfirmed[t][o.ID]; ok {
			continue
		}
		out = append(out, o)
	}
	return out
}

// SubmitOffer validates opt and places it on the ledger. Offers already
// known to the market are rejected.
func (b *LedgerBackend) SubmitOffer(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error) {
	if opt.ID != "" {
		b.mu.Lock()
		known := indexOf(b.open[t], opt.ID) >= 0 || indexOf(b.committed[t], opt.ID) >= 0
		b.mu.Unlock()
		if known {
			return domain.TradeOption{}, fmt.Errorf("settlement: %s %s: %w", t, opt.ID, domain.ErrAlreadyExists)
		}
	}
	opt.Creator = b.prosumer
	opt.AcceptedParty = nil
	if err := b.validator.Check(t, opt); err != nil {
		return domain.TradeOption{}, err
	}
	return b.placer.Submit(ctx, t, opt)
}

// Commit accepts another prosumer's offer and marks it unconfirmed.
func (b *LedgerBackend) Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error {
	b.mu.Lock()
	_, pending := b.unconfirmed[t][opt.ID]
	b.mu.Unlock()
	if pending {
		return fmt.Errorf("settlement: commit to %s %s: %w", t, opt.ID, domain.ErrAlreadyExists)
	}

	if err := b.placer.Commit(ctx, t, opt); err != nil {
		return err
	}

	b.mu.Lock()
	b.unconfirmed[t][opt.ID] = opt
	b.mu.Unlock()
	return nil
}

// OpenOffers returns the tradable open offers of type t.
func (b *LedgerBackend) OpenOffers(t domain.OfferType) []domain.TradeOption {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openLocked(t)
}

// CommittedOffers returns the committed offers involving the local prosumer.
func (b *LedgerBackend) CommittedOffers(t domain.OfferType) []domain.TradeOption {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyOptions(b.committed[t])
}

// Unconfirmed returns the commitments awaiting confirmation.
func (b *LedgerBackend) Unconfirmed(t domain.OfferType) []domain.TradeOption {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.TradeOption, 0, len(b.unconfirmed[t]))
	for _, o := range b.unconfirmed[t] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
