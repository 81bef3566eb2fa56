package clearing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// Wallet is the local prosumer's token account: balance, payment log and the
// transaction fees it incurred.
type Wallet struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	payments  []domain.Payment
	fees      []domain.TransactionFeeEntry
	observers []func(context.Context, domain.Payment)
}

// NewWallet creates a wallet holding initial tokens.
func NewWallet(initial decimal.Decimal) *Wallet {
	return &Wallet{balance: initial}
}

// OnPayment registers fn for every balance movement.
func (w *Wallet) OnPayment(fn func(context.Context, domain.Payment)) {
	w.mu.Lock()
	w.observers = append(w.observers, fn)
	w.mu.Unlock()
}

// ProcessPayment adds amount (negative for a debit) to the balance.
func (w *Wallet) ProcessPayment(ctx context.Context, amount decimal.Decimal, reason string) domain.Payment {
	p := domain.Payment{
		ID:     uuid.NewString(),
		Amount: amount,
		Reason: reason,
		At:     time.Now().UTC(),
	}

	w.mu.Lock()
	w.balance = w.balance.Add(amount)
	w.payments = append(w.payments, p)
	observers := append([]func(context.Context, domain.Payment){}, w.observers...)
	w.mu.Unlock()

	for _, fn := range observers {
		fn(ctx, p)
	}
	return p
}

// ChargeFee debits amount rounded to cents.
func (w *Wallet) ChargeFee(ctx context.Context, amount decimal.Decimal, reason string) domain.Payment {
	return w.ProcessPayment(ctx, amount.Round(2).Neg(), reason)
}

// AddIncurredFee records a transaction fee borne by this prosumer.
func (w *Wallet) AddIncurredFee(entry domain.TransactionFeeEntry) {
	w.mu.Lock()
	w.fees = append(w.fees, entry)
	w.mu.Unlock()
}

// Balance returns the current token balance.
func (w *Wallet) Balance() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

// Payments returns a copy of the payment log.
func (w *Wallet) Payments() []domain.Payment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Payment{}, w.payments...)
}

// Fees returns a copy of the incurred-fee list.
func (w *Wallet) Fees() []domain.TransactionFeeEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.TransactionFeeEntry{}, w.fees...)
}
