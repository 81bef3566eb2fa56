package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ClearingStore persists cleared trades so that the cleared sets survive a
// restart of the agent.
type ClearingStore interface {
	InsertCleared(ctx context.Context, trade ClearedTrade) error
	ClearedIDs(ctx context.Context, scope string, offerType OfferType) ([]string, error)
	ListCleared(ctx context.Context, scope string, opts ListOpts) ([]ClearedTrade, error)
	LastDigest(ctx context.Context, scope string) (string, error)
}

// PaymentStore persists wallet movements and imbalance penalties.
type PaymentStore interface {
	InsertPayment(ctx context.Context, scope string, p Payment) error
	ListPayments(ctx context.Context, scope string, opts ListOpts) ([]Payment, error)
	InsertImbalanceFee(ctx context.Context, scope string, fee ImbalanceFee) error
}

// OfferBook persists the offers of the mock settlement backend.
type OfferBook interface {
	Upsert(ctx context.Context, scope string, offerType OfferType, opt TradeOption) error
	List(ctx context.Context, scope string, offerType OfferType) ([]TradeOption, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
