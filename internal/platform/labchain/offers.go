package labchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// OfferSubmission is the body of a new day-ahead offer. Series carry
// domain.SeriesLength entries each.
type OfferSubmission struct {
	ResourceID   string
	UTCTimeframe int64
	Positive     []domain.PowerSeriesEntry
	Negative     []domain.PowerSeriesEntry
}

// Commitment is the body of a commitment to an existing offer.
type Commitment struct {
	ResourceID   string
	UTCTimeframe int64
	Positive     []domain.CommitmentShare
	Negative     []domain.CommitmentShare
}

// FetchOffers returns every offer of the trading window at utcTimeframe. A
// response without a bids field yields an empty list.
func (c *Client) FetchOffers(ctx context.Context, utcTimeframe int64) ([]domain.RawOffer, error) {
	q := url.Values{}
	q.Set("utcTimeframe", strconv.FormatInt(utcTimeframe, 10))

	respBody, err := c.do(ctx, http.MethodGet, "/trading/dayAhead/bid", q, nil, true)
	if err != nil {
		return nil, fmt.Errorf("labchain: fetch offers %d: %w", utcTimeframe, err)
	}

	var resp struct {
		Bids []APIOffer `json:"bids"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("labchain: decode offers %d: %w", utcTimeframe, err)
	}

	out := make([]domain.RawOffer, 0, len(resp.Bids))
	for _, o := range resp.Bids {
		out = append(out, o.ToDomain(utcTimeframe))
	}
	return out, nil
}

// SubmitOffer posts a new offer to the day-ahead market.
func (c *Client) SubmitOffer(ctx context.Context, s OfferSubmission) error {
	body := map[string]any{
		"resourceID":          s.ResourceID,
		"utcTimeframe":        strconv.FormatInt(s.UTCTimeframe, 10),
		"positivePowerSeries": s.Positive,
		"negativePowerSeries": s.Negative,
	}
	if _, err := c.do(ctx, http.MethodPost, "/trading/dayAhead/bid", nil, body, true); err != nil {
		return fmt.Errorf("labchain: submit offer %s: %w", s.ResourceID, err)
	}
	return nil
}

// SubmitCommitment commits to the offer identified by cm.ResourceID.
func (c *Client) SubmitCommitment(ctx context.Context, cm Commitment) error {
	q := url.Values{}
	q.Set("utcTimeframe", strconv.FormatInt(cm.UTCTimeframe, 10))
	q.Set("resourceID", cm.ResourceID)

	body := map[string]any{
		"positivePowerSeries": cm.Positive,
		"negativePowerSeries": cm.Negative,
	}
	if _, err := c.do(ctx, http.MethodPut, "/trading/dayAhead/bid/ask", q, body, true); err != nil {
		return fmt.Errorf("labchain: commit to %s: %w", cm.ResourceID, err)
	}
	return nil
}
