package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// ClearingStore implements domain.ClearingStore using PostgreSQL.
type ClearingStore struct {
	pool *pgxpool.Pool
}

// NewClearingStore creates a ClearingStore backed by the given connection pool.
func NewClearingStore(pool *pgxpool.Pool) *ClearingStore {
	return &ClearingStore{pool: pool}
}

const clearedSelectCols = `id, scope, offer_type, option, role, token_delta,
	fee_payer, fee_amount, digest, cleared_at`

// InsertCleared records one clearing. A second insert for the same option
// returns domain.ErrAlreadyExists.
func (s *ClearingStore) InsertCleared(ctx context.Context, trade domain.ClearedTrade) error {
	opt, err := json.Marshal(trade.Option)
	if err != nil {
		return fmt.Errorf("postgres: marshal option %s: %w", trade.Option.ID, err)
	}

	const query = `
		INSERT INTO cleared_trades (
			id, scope, offer_type, option_id, option, role,
			token_delta, fee_payer, fee_amount, digest, cleared_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (scope, offer_type, option_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		trade.ID, trade.Scope, trade.Type.String(), trade.Option.ID, opt, string(trade.Role),
		trade.TokenDelta, trade.Fee.PayerID, trade.Fee.Amount, trade.Digest, trade.ClearedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cleared %s %s: %w", trade.Type, trade.Option.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert cleared %s %s: %w", trade.Type, trade.Option.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// ClearedIDs returns the option ids of one type cleared in scope, oldest first.
func (s *ClearingStore) ClearedIDs(ctx context.Context, scope string, offerType domain.OfferType) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT option_id FROM cleared_trades WHERE scope = $1 AND offer_type = $2 ORDER BY seq`,
		scope, offerType.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: cleared ids %s: %w", offerType, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cleared ids %s: %w", offerType, err)
	}
	return ids, nil
}

// ListCleared returns clearings in scope, newest first.
func (s *ClearingStore) ListCleared(ctx context.Context, scope string, opts domain.ListOpts) ([]domain.ClearedTrade, error) {
	query, args := listQuery(
		`SELECT `+clearedSelectCols+` FROM cleared_trades WHERE scope = $1`, []any{scope},
		"cleared_at", "seq DESC", opts,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cleared: %w", err)
	}
	defer rows.Close()

	var trades []domain.ClearedTrade
	for rows.Next() {
		var (
			t         domain.ClearedTrade
			offerType string
			role      string
			opt       []byte
		)
		if err := rows.Scan(
			&t.ID, &t.Scope, &offerType, &opt, &role, &t.TokenDelta,
			&t.Fee.PayerID, &t.Fee.Amount, &t.Digest, &t.ClearedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan cleared: %w", err)
		}
		if t.Type, err = domain.ParseOfferType(offerType); err != nil {
			return nil, fmt.Errorf("postgres: cleared %s: %w", t.ID, err)
		}
		if err := json.Unmarshal(opt, &t.Option); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal option of %s: %w", t.ID, err)
		}
		t.Role = domain.TradeRole(role)
		t.Fee.CorrespondingTransaction = t.Option
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cleared rows: %w", err)
	}
	return trades, nil
}

// LastDigest returns the receipt digest of the most recent clearing in scope,
// or domain.ErrNotFound when nothing has been cleared yet.
func (s *ClearingStore) LastDigest(ctx context.Context, scope string) (string, error) {
	var digest string
	err := s.pool.QueryRow(ctx,
		`SELECT digest FROM cleared_trades WHERE scope = $1 ORDER BY seq DESC LIMIT 1`,
		scope,
	).Scan(&digest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: last digest: %w", err)
	}
	return digest, nil
}

var _ domain.ClearingStore = (*ClearingStore)(nil)
