package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// MockBackend is a local offer book for experiments run without a ledger.
// Commitments take effect immediately and every change emits a snapshot of
// the whole book. With an OfferBook attached, the book is persisted.
type MockBackend struct {
	snapshotFanout

	prosumer  domain.Prosumer
	scope     string
	validator Validator
	book      domain.OfferBook
	logger    *slog.Logger

	mu     sync.Mutex
	offers map[domain.OfferType][]domain.TradeOption

	// emitMu is taken before mu is released so snapshots reach observers
	// in the order the book changed.
	emitMu sync.Mutex
}

// NewMockBackend creates a new MockBackend. book may be nil.
func NewMockBackend(prosumer domain.Prosumer, scope string, validator Validator, book domain.OfferBook, logger *slog.Logger) *MockBackend {
	return &MockBackend{
		prosumer:  prosumer,
		scope:     scope,
		validator: validator,
		book:      book,
		logger:    logger.With(slog.String("component", "mock_backend")),
		offers: map[domain.OfferType][]domain.TradeOption{
			domain.OfferBid: {},
			domain.OfferAsk: {},
		},
	}
}

func (b *MockBackend) Name() string { return TagMock }

// Load reads the persisted book and emits it.
func (b *MockBackend) Load(ctx context.Context) error {
	if b.book == nil {
		return nil
	}
	loaded := map[domain.OfferType][]domain.TradeOption{}
	for _, t := range []domain.OfferType{domain.OfferBid, domain.OfferAsk} {
		opts, err := b.book.List(ctx, b.scope, t)
		if err != nil {
			return fmt.Errorf("settlement: load mock %ss: %w", t, err)
		}
		loaded[t] = opts
	}

	b.mu.Lock()
	b.offers[domain.OfferBid] = copyOptions(loaded[domain.OfferBid])
	b.offers[domain.OfferAsk] = copyOptions(loaded[domain.OfferAsk])
	snap := b.snapshotLocked()
	b.emitMu.Lock()
	b.mu.Unlock()
	defer b.emitMu.Unlock()

	b.logger.InfoContext(ctx, "mock offer book loaded",
		slog.Int("bids", len(loaded[domain.OfferBid])),
		slog.Int("asks", len(loaded[domain.OfferAsk])),
	)
	b.emit(ctx, snap)
	return nil
}

// SubmitOffer validates opt and adds it to the book as an open offer.
func (b *MockBackend) SubmitOffer(ctx context.Context, t domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error) {
	opt.Creator = b.prosumer
	opt.AcceptedParty = nil
	if err := b.validator.Check(t, opt); err != nil {
		return domain.TradeOption{}, err
	}

	b.mu.Lock()
	if opt.ID != "" && indexOf(b.offers[t], opt.ID) >= 0 {
		b.mu.Unlock()
		return domain.TradeOption{}, fmt.Errorf("settlement: %s %s: %w", t, opt.ID, domain.ErrAlreadyExists)
	}
	if opt.ID == "" {
		opt.ID = uuid.NewString()
	}
	b.offers[t] = append(b.offers[t], opt)
	snap := b.snapshotLocked()
	b.emitMu.Lock()
	b.mu.Unlock()
	defer b.emitMu.Unlock()

	b.persist(ctx, t, opt)
	b.logger.InfoContext(ctx, "mock offer added", slog.String("type", t.String()), slog.String("option_id", opt.ID))
	b.emit(ctx, snap)
	return opt, nil
}

// Commit accepts an open offer on behalf of the local prosumer.
func (b *MockBackend) Commit(ctx context.Context, t domain.OfferType, opt domain.TradeOption) error {
	b.mu.Lock()
	i := indexOf(b.offers[t], opt.ID)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("settlement: commit to %s %s: %w", t, opt.ID, domain.ErrNotFound)
	}
	if !b.offers[t][i].IsOpen() {
		b.mu.Unlock()
		return fmt.Errorf("settlement: commit to %s %s: %w: another party already committed", t, opt.ID, domain.ErrAlreadyExists)
	}
	committed := b.offers[t][i].WithAcceptedParty(b.prosumer.ID)
	b.offers[t][i] = committed
	snap := b.snapshotLocked()
	b.emitMu.Lock()
	b.mu.Unlock()
	defer b.emitMu.Unlock()

	b.persist(ctx, t, committed)
	b.logger.InfoContext(ctx, "mock offer committed", slog.String("type", t.String()), slog.String("option_id", opt.ID))
	b.emit(ctx, snap)
	return nil
}

func (b *MockBackend) OpenOffers(t domain.OfferType) []domain.TradeOption {
	b.mu.Lock()
	defer b.mu.Unlock()
	open, _ := split(b.offers[t])
	return open
}

func (b *MockBackend) CommittedOffers(t domain.OfferType) []domain.TradeOption {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, committed := split(b.offers[t])
	return committed
}

// Unconfirmed is always empty: mock commitments are confirmed immediately.
func (b *MockBackend) Unconfirmed(domain.OfferType) []domain.TradeOption {
	return []domain.TradeOption{}
}

// snapshotLocked must be called with mu held.
func (b *MockBackend) snapshotLocked() domain.MarketSnapshot {
	var snap domain.MarketSnapshot
	snap.OpenBids, snap.CommittedBids = split(b.offers[domain.OfferBid])
	snap.OpenAsks, snap.CommittedAsks = split(b.offers[domain.OfferAsk])
	return snap
}

func (b *MockBackend) persist(ctx context.Context, t domain.OfferType, opt domain.TradeOption) {
	if b.book == nil {
		return
	}
	if err := b.book.Upsert(ctx, b.scope, t, opt); err != nil {
		b.logger.ErrorContext(ctx, "persisting mock offer failed",
			slog.String("option_id", opt.ID),
			slog.String("error", err.Error()),
		)
	}
}

func split(opts []domain.TradeOption) (open, committed []domain.TradeOption) {
	open = []domain.TradeOption{}
	committed = []domain.TradeOption{}
	for _, o := range opts {
		if o.IsOpen() {
			open = append(open, o)
		} else {
			committed = append(committed, o)
		}
	}
	return open, committed
}
