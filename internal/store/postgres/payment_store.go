package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// PaymentStore implements domain.PaymentStore using PostgreSQL.
type PaymentStore struct {
	pool *pgxpool.Pool
}

// NewPaymentStore creates a PaymentStore backed by the given connection pool.
func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

// InsertPayment records one wallet movement. Replays of the same payment id
// are ignored.
func (s *PaymentStore) InsertPayment(ctx context.Context, scope string, p domain.Payment) error {
	const query = `
		INSERT INTO payments (id, scope, amount, reason, at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, p.ID, scope, p.Amount, p.Reason, p.At); err != nil {
		return fmt.Errorf("postgres: insert payment %s: %w", p.ID, err)
	}
	return nil
}

// ListPayments returns the wallet movements in scope, newest first.
func (s *PaymentStore) ListPayments(ctx context.Context, scope string, opts domain.ListOpts) ([]domain.Payment, error) {
	query, args := listQuery(
		`SELECT id, amount, reason, at FROM payments WHERE scope = $1`, []any{scope},
		"at", "at DESC", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.Amount, &p.Reason, &p.At); err != nil {
			return nil, fmt.Errorf("postgres: scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payments rows: %w", err)
	}
	return payments, nil
}

// InsertImbalanceFee records the end-of-experiment penalty. There is at most
// one per scope.
func (s *PaymentStore) InsertImbalanceFee(ctx context.Context, scope string, fee domain.ImbalanceFee) error {
	const query = `
		INSERT INTO imbalance_fees (scope, time_step, imbalance_power, imbalance_paid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, scope, fee.TimeStep, fee.ImbalancePower, fee.ImbalancePaid)
	if err != nil {
		return fmt.Errorf("postgres: insert imbalance fee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert imbalance fee %s: %w", scope, domain.ErrAlreadyExists)
	}
	return nil
}

var _ domain.PaymentStore = (*PaymentStore)(nil)
