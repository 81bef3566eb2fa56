// Package clearing turns committed trades into token transfers on the local
// wallet and energy movements on the residual-load ledger, exactly once per
// trade.
package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/crypto"
	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// PhysicalLedger is the energy balance the engine books deliveries on.
// Positive power is a withdrawal from the grid, negative an injection.
type PhysicalLedger interface {
	AddMarketActivity(slice int, power float64)
	Recompute()
}

// Engine clears committed P2P trades and off-market trades for the local
// prosumer.
type Engine struct {
	prosumerID int
	scope      string
	feeRate    decimal.Decimal
	wallet     *Wallet
	physical   PhysicalLedger
	cleared    *ClearedSet
	receipts   *crypto.ReceiptChain
	store      domain.ClearingStore
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// mu serialises clearings so the cleared set, wallet and receipt chain
	// advance together.
	mu sync.Mutex

	obsMu       sync.Mutex
	observers   []func(context.Context, domain.ClearedTrade)
	onViolation []func(context.Context, error)
}

// NewEngine creates an Engine for the prosumer of scope. store may be nil.
func NewEngine(
	scope domain.ExperimentScope,
	design domain.MarketDesign,
	wallet *Wallet,
	physical PhysicalLedger,
	store domain.ClearingStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		prosumerID: scope.ProsumerID,
		scope:      scope.String(),
		feeRate:    decimal.NewFromFloat(design.FeeAmount),
		wallet:     wallet,
		physical:   physical,
		cleared:    NewClearedSet(),
		receipts:   new(crypto.ReceiptChain),
		store:      store,
		metrics:    m,
		logger:     logger.With(slog.String("component", "clearing")),
	}
}

// OnCleared registers fn for every cleared P2P trade, including trades the
// local prosumer is not a party of.
func (e *Engine) OnCleared(fn func(context.Context, domain.ClearedTrade)) {
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// OnViolation registers fn for every protocol violation detected while
// clearing. The error wraps domain.ErrProtocolViolation.
func (e *Engine) OnViolation(fn func(context.Context, error)) {
	e.obsMu.Lock()
	e.onViolation = append(e.onViolation, fn)
	e.obsMu.Unlock()
}

// Rehydrate restores the cleared sets and the receipt chain head from the
// store so a restarted agent never clears a trade twice.
func (e *Engine) Rehydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	for _, t := range []domain.OfferType{domain.OfferBid, domain.OfferAsk} {
		ids, err := e.store.ClearedIDs(ctx, e.scope, t)
		if err != nil {
			return fmt.Errorf("clearing: rehydrate %s ids: %w", t, err)
		}
		e.cleared.Restore(t, ids)
	}
	head, err := e.store.LastDigest(ctx, e.scope)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("clearing: rehydrate receipt head: %w", err)
	}
	if err := e.receipts.Reset(head); err != nil {
		return fmt.Errorf("clearing: rehydrate receipt head: %w", err)
	}
	e.logger.InfoContext(ctx, "cleared sets rehydrated",
		slog.Int("bids", e.cleared.Len(domain.OfferBid)),
		slog.Int("asks", e.cleared.Len(domain.OfferAsk)),
		slog.String("receipt_head", e.receipts.Head()),
	)
	return nil
}

// IsCleared reports whether the option was cleared as type t.
func (e *Engine) IsCleared(t domain.OfferType, id string) bool {
	return e.cleared.Has(t, id)
}

// ClearedIDs returns the cleared option ids of type t.
func (e *Engine) ClearedIDs(t domain.OfferType) []string {
	return e.cleared.IDs(t)
}

// Wallet returns the wallet the engine books payments on.
func (e *Engine) Wallet() *Wallet {
	return e.wallet
}

// ClearBid clears a committed bid. The creator pays the value plus the fee
// and withdraws the energy; the acceptor is paid the value and injects it.
func (e *Engine) ClearBid(ctx context.Context, opt domain.TradeOption) (domain.ClearedTrade, error) {
	return e.clear(ctx, domain.OfferBid, opt, false)
}

// ClearAsk clears a committed ask. The creator is paid the value minus the
// fee and injects the energy; the acceptor pays the value and withdraws it.
func (e *Engine) ClearAsk(ctx context.Context, opt domain.TradeOption) (domain.ClearedTrade, error) {
	return e.clear(ctx, domain.OfferAsk, opt, false)
}

// clear books opt once. With skipCleared set, an option cleared before is
// skipped without error.
func (e *Engine) clear(ctx context.Context, t domain.OfferType, opt domain.TradeOption, skipCleared bool) (domain.ClearedTrade, error) {
	if opt.AcceptedParty == nil {
		e.violation(ctx, t, opt.ID, "no accepted party")
		return domain.ClearedTrade{}, fmt.Errorf("clearing: %s %s: %w: no accepted party", t, opt.ID, domain.ErrProtocolViolation)
	}

	e.mu.Lock()
	if e.cleared.Has(t, opt.ID) {
		e.mu.Unlock()
		if skipCleared {
			return domain.ClearedTrade{}, nil
		}
		e.violation(ctx, t, opt.ID, "already cleared")
		return domain.ClearedTrade{}, fmt.Errorf("clearing: %s %s: %w", t, opt.ID, domain.ErrAlreadyCleared)
	}

	value := decimal.NewFromFloat(opt.Price).
		Mul(decimal.NewFromFloat(opt.Power)).
		Mul(decimal.NewFromInt(int64(opt.Duration)))
	fee := domain.TransactionFeeEntry{
		Amount:                   value.Mul(e.feeRate),
		CorrespondingTransaction: opt,
	}
	if t == domain.OfferBid {
		fee.PayerID = opt.Creator.ID
	} else {
		fee.PayerID = *opt.AcceptedParty
	}

	role := domain.RoleNone
	delta := decimal.Zero
	one := decimal.NewFromInt(1)
	switch {
	case opt.Creator.ID == e.prosumerID && t == domain.OfferBid:
		role = domain.RoleCreator
		delta = one.Add(e.feeRate).Mul(value).Neg()
		e.wallet.ProcessPayment(ctx, delta, "clearing bid "+opt.ID)
		e.wallet.AddIncurredFee(fee)
		e.withdraw(opt.Physical())
	case opt.Creator.ID == e.prosumerID:
		role = domain.RoleCreator
		delta = one.Sub(e.feeRate).Mul(value)
		e.wallet.ProcessPayment(ctx, delta, "creator of a clearing ask "+opt.ID)
		e.wallet.AddIncurredFee(fee)
		e.inject(opt.Physical())
	case opt.AcceptedBy(e.prosumerID) && t == domain.OfferBid:
		role = domain.RoleAcceptor
		delta = value
		e.wallet.ProcessPayment(ctx, delta, "accepting party of bid "+opt.ID)
		e.inject(opt.Physical())
	case opt.AcceptedBy(e.prosumerID):
		role = domain.RoleAcceptor
		delta = value.Neg()
		e.wallet.ProcessPayment(ctx, delta, "accepting party of ask "+opt.ID)
		e.withdraw(opt.Physical())
	}

	e.cleared.Mark(t, opt.ID)
	rec := domain.ClearedTrade{
		ID:         uuid.NewString(),
		Scope:      e.scope,
		Type:       t,
		Option:     opt,
		Role:       role,
		TokenDelta: delta,
		Fee:        fee,
		ClearedAt:  time.Now().UTC(),
	}
	rec.Digest = e.receipts.Append(ReceiptPayload(rec))
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.InsertCleared(ctx, rec); err != nil {
			e.logger.ErrorContext(ctx, "persisting cleared trade failed",
				slog.String("option_id", opt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.metrics != nil {
		e.metrics.TradesCleared.WithLabelValues(t.String(), string(role)).Inc()
		e.metrics.TokenBalance.Set(e.wallet.Balance().InexactFloat64())
		if fee.PayerID == e.prosumerID {
			e.metrics.FeesPaid.Add(fee.Amount.InexactFloat64())
		}
	}
	e.logger.InfoContext(ctx, "trade cleared",
		slog.String("type", t.String()),
		slog.String("option_id", opt.ID),
		slog.String("role", string(role)),
		slog.String("token_delta", delta.String()),
		slog.String("fee", fee.Amount.String()),
	)

	e.obsMu.Lock()
	observers := append([]func(context.Context, domain.ClearedTrade){}, e.observers...)
	e.obsMu.Unlock()
	for _, fn := range observers {
		fn(ctx, rec)
	}
	return rec, nil
}

// ClearOffMarket books a feed-in or retail trade. The local prosumer is paid
// the volume when it is the payee and pays it when it is the payer. Such
// trades carry no fee and are not deduplicated.
func (e *Engine) ClearOffMarket(ctx context.Context, trade domain.OffMarketTrade) (domain.TradeRole, error) {
	if trade.Duration <= 0 || trade.Power < 0 {
		return domain.RoleNone, fmt.Errorf("clearing: off-market trade: %w: duration %d power %v", domain.ErrInvalidOffer, trade.Duration, trade.Power)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	role := domain.RoleNone
	switch {
	case trade.Payee.Type == domain.ParticipantProsumer:
		if trade.Payee.ID == e.prosumerID {
			role = domain.RoleCreator
			e.wallet.ProcessPayment(ctx, trade.Volume, "selling party in an off-market trade")
			e.inject(trade.Physical())
		}
	case trade.Payer.Type == domain.ParticipantProsumer:
		if trade.Payer.ID == e.prosumerID {
			role = domain.RoleAcceptor
			e.wallet.ProcessPayment(ctx, trade.Volume.Neg(), "buying party in an off-market trade")
			e.withdraw(trade.Physical())
		}
	}

	e.logger.InfoContext(ctx, "off-market trade processed",
		slog.String("payer", trade.Payer.Type.String()),
		slog.String("payee", trade.Payee.Type.String()),
		slog.String("volume", trade.Volume.String()),
		slog.String("role", string(role)),
	)
	if e.metrics != nil && role != domain.RoleNone {
		e.metrics.TokenBalance.Set(e.wallet.Balance().InexactFloat64())
	}
	return role, nil
}

// ProcessSnapshot clears every committed option of snap that has not been
// cleared yet, bids first, each list in its own order. Options already
// cleared, by this or an overlapping snapshot, are skipped. A failing trade
// does not stop the others; all failures are returned joined.
func (e *Engine) ProcessSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	var errs []error
	for _, opt := range snap.CommittedBids {
		if _, err := e.clear(ctx, domain.OfferBid, opt, true); err != nil {
			errs = append(errs, err)
		}
	}
	for _, opt := range snap.CommittedAsks {
		if _, err := e.clear(ctx, domain.OfferAsk, opt, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// withdraw books +power on every slice of the trade.
func (e *Engine) withdraw(p domain.PhysicalTrade) {
	e.book(p, p.Power)
}

// inject books -power on every slice of the trade.
func (e *Engine) inject(p domain.PhysicalTrade) {
	e.book(p, -p.Power)
}

func (e *Engine) book(p domain.PhysicalTrade, power float64) {
	if e.physical == nil {
		return
	}
	for i := 0; i < p.Duration; i++ {
		e.physical.AddMarketActivity(p.DeliveryTime+i, power)
	}
	e.physical.Recompute()
}

func (e *Engine) violation(ctx context.Context, t domain.OfferType, id, detail string) {
	if e.metrics != nil {
		e.metrics.ProtocolViolations.WithLabelValues("clearing").Inc()
	}
	e.logger.ErrorContext(ctx, "clearing protocol violation",
		slog.String("type", t.String()),
		slog.String("option_id", id),
		slog.String("detail", detail),
	)

	e.obsMu.Lock()
	observers := append([]func(context.Context, error){}, e.onViolation...)
	e.obsMu.Unlock()
	err := fmt.Errorf("clearing: %s %s: %w: %s", t, id, domain.ErrProtocolViolation, detail)
	for _, fn := range observers {
		fn(ctx, err)
	}
}

// ReceiptPayload is the canonical content of rec hashed into the receipt
// chain.
func ReceiptPayload(rec domain.ClearedTrade) []byte {
	payload, _ := json.Marshal(struct {
		Scope      string                     `json:"scope"`
		Type       domain.OfferType           `json:"type"`
		Option     domain.TradeOption         `json:"option"`
		Role       domain.TradeRole           `json:"role"`
		TokenDelta string                     `json:"tokenDelta"`
		Fee        domain.TransactionFeeEntry `json:"fee"`
	}{rec.Scope, rec.Type, rec.Option, rec.Role, rec.TokenDelta.String(), rec.Fee})
	return payload
}
