package labchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// flexID decodes participant ids the ledger returns either as a JSON number
// or as a numeric string.
type flexID int

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("participant id %q: %w", s, err)
		}
		*f = flexID(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("participant id %s: %w", n, err)
	}
	*f = flexID(v)
	return nil
}

// APIParticipant is the JSON shape of a ledger account.
type APIParticipant struct {
	ID              flexID `json:"id"`
	Email           string `json:"email"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Picture         string `json:"picture"`
	EthereumAddress string `json:"ethereumAddress"`
	CreatedAt       string `json:"createdAt"`
}

// ToDomain converts to the domain representation.
func (p APIParticipant) ToDomain() domain.LedgerParticipant {
	return domain.LedgerParticipant{
		ID:              int(p.ID),
		Email:           p.Email,
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		Picture:         p.Picture,
		EthereumAddress: p.EthereumAddress,
		CreatedAt:       p.CreatedAt,
	}
}

// APIResource is the JSON shape of a registry entry.
type APIResource struct {
	ResourceID   string          `json:"resourceID"`
	ResourceType string          `json:"resourceType"`
	Owner        *APIParticipant `json:"owner,omitempty"`
}

// ToDomain converts to the domain representation.
func (r APIResource) ToDomain() domain.Resource {
	out := domain.Resource{ResourceID: r.ResourceID, ResourceType: r.ResourceType}
	if r.Owner != nil {
		owner := r.Owner.ToDomain()
		out.Owner = &owner
	}
	return out
}

// APIPurchaser is the JSON shape of one purchaser of an offer series.
type APIPurchaser struct {
	GridOperator APIParticipant `json:"gridOperator"`
	Shares       []float64      `json:"shares"`
}

// APIPowerSeries is the JSON shape of one direction of an offer.
type APIPowerSeries struct {
	Series     []domain.PowerSeriesEntry `json:"series"`
	Purchasers []APIPurchaser            `json:"purchasers"`
}

func (s APIPowerSeries) toDomain() domain.PowerSeries {
	out := domain.PowerSeries{Series: s.Series}
	if len(s.Purchasers) > 0 {
		out.Purchasers = make([]domain.Purchaser, 0, len(s.Purchasers))
		for _, p := range s.Purchasers {
			out.Purchasers = append(out.Purchasers, domain.Purchaser{
				GridOperator: p.GridOperator.ToDomain(),
				Shares:       p.Shares,
			})
		}
	}
	return out
}

// APIOffer is the JSON shape of a day-ahead offer record.
type APIOffer struct {
	ResourceID          string         `json:"resourceID"`
	MarketParticipant   APIParticipant `json:"marketParticipant"`
	PositivePowerSeries APIPowerSeries `json:"positivePowerSeries"`
	NegativePowerSeries APIPowerSeries `json:"negativePowerSeries"`
}

// ToDomain converts to a RawOffer of the given timeframe.
func (o APIOffer) ToDomain(timeframe int64) domain.RawOffer {
	return domain.RawOffer{
		ResourceID:          o.ResourceID,
		MarketParticipant:   o.MarketParticipant.ToDomain(),
		PositivePowerSeries: o.PositivePowerSeries.toDomain(),
		NegativePowerSeries: o.NegativePowerSeries.toDomain(),
		Timeframe:           timeframe,
	}
}
