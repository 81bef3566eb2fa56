package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// OfferBook implements domain.OfferBook for the mock settlement backend.
type OfferBook struct {
	pool *pgxpool.Pool
}

// NewOfferBook creates an OfferBook backed by the given connection pool.
func NewOfferBook(pool *pgxpool.Pool) *OfferBook {
	return &OfferBook{pool: pool}
}

// Upsert stores opt, replacing an earlier version of the same offer. The
// original insertion order is kept.
func (b *OfferBook) Upsert(ctx context.Context, scope string, offerType domain.OfferType, opt domain.TradeOption) error {
	data, err := json.Marshal(opt)
	if err != nil {
		return fmt.Errorf("postgres: marshal offer %s: %w", opt.ID, err)
	}
	const query = `
		INSERT INTO mock_offers (scope, offer_type, option_id, option)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, offer_type, option_id)
		DO UPDATE SET option = EXCLUDED.option, updated_at = NOW()`
	if _, err := b.pool.Exec(ctx, query, scope, offerType.String(), opt.ID, data); err != nil {
		return fmt.Errorf("postgres: upsert offer %s %s: %w", offerType, opt.ID, err)
	}
	return nil
}

// List returns every offer of one type in scope in insertion order.
func (b *OfferBook) List(ctx context.Context, scope string, offerType domain.OfferType) ([]domain.TradeOption, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT option FROM mock_offers WHERE scope = $1 AND offer_type = $2 ORDER BY seq`,
		scope, offerType.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list offers %s: %w", offerType, err)
	}
	defer rows.Close()

	var offers []domain.TradeOption
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan offer: %w", err)
		}
		var opt domain.TradeOption
		if err := json.Unmarshal(data, &opt); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal offer: %w", err)
		}
		offers = append(offers, opt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list offers rows: %w", err)
	}
	return offers, nil
}

var _ domain.OfferBook = (*OfferBook)(nil)
