package domain

import "fmt"

// OfferType distinguishes bids (creator buys energy) from asks (creator sells).
type OfferType int

const (
	OfferBid OfferType = iota
	OfferAsk
)

// String returns "bid" or "ask".
func (t OfferType) String() string {
	switch t {
	case OfferBid:
		return "bid"
	case OfferAsk:
		return "ask"
	default:
		return fmt.Sprintf("offer_type(%d)", int(t))
	}
}

// ParseOfferType is the inverse of OfferType.String.
func ParseOfferType(s string) (OfferType, error) {
	switch s {
	case "bid":
		return OfferBid, nil
	case "ask":
		return OfferAsk, nil
	default:
		return 0, fmt.Errorf("unknown offer type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t OfferType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *OfferType) UnmarshalText(text []byte) error {
	v, err := ParseOfferType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Prosumer is a research participant controlling grid-edge assets.
type Prosumer struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// PhysicalTrade is the delivery footprint of a trade: power in kW over
// duration time slices starting at DeliveryTime.
type PhysicalTrade struct {
	DeliveryTime int     `json:"deliveryTime"`
	Duration     int     `json:"duration"`
	Power        float64 `json:"power"`
}

// TradeOption is the canonical market offer flowing through the pipeline.
// AcceptedParty is nil while the option is open.
type TradeOption struct {
	ID            string   `json:"id"`
	Creator       Prosumer `json:"optionCreator"`
	DeliveryTime  int      `json:"deliveryTime"`
	Duration      int      `json:"duration"`
	Price         float64  `json:"price"`
	Power         float64  `json:"power"`
	AcceptedParty *int     `json:"acceptedParty"`
}

// IsOpen reports whether no party has committed to the option yet.
func (o TradeOption) IsOpen() bool {
	return o.AcceptedParty == nil
}

// AcceptedBy reports whether the given prosumer committed to the option.
func (o TradeOption) AcceptedBy(prosumerID int) bool {
	return o.AcceptedParty != nil && *o.AcceptedParty == prosumerID
}

// LastSlice returns the last time slice covered by the option.
func (o TradeOption) LastSlice() int {
	return o.DeliveryTime + o.Duration - 1
}

// Physical returns the delivery footprint of the option.
func (o TradeOption) Physical() PhysicalTrade {
	return PhysicalTrade{
		DeliveryTime: o.DeliveryTime,
		Duration:     o.Duration,
		Power:        o.Power,
	}
}

// WithAcceptedParty returns a copy of o committed to by prosumerID.
func (o TradeOption) WithAcceptedParty(prosumerID int) TradeOption {
	id := prosumerID
	o.AcceptedParty = &id
	return o
}

// Key identifies an option across both offer types.
func (o TradeOption) Key(t OfferType) string {
	return t.String() + ":" + o.ID
}

// Classification is the per-cycle output of offer classification.
type Classification struct {
	Asks  []TradeOption
	Bids  []TradeOption
	InUse map[string]struct{}
}

// MarketSnapshot is one cycle's open/committed partition for both offer types.
type MarketSnapshot struct {
	OpenBids      []TradeOption `json:"openBids"`
	OpenAsks      []TradeOption `json:"openAsks"`
	CommittedBids []TradeOption `json:"committedBids"`
	CommittedAsks []TradeOption `json:"committedAsks"`
}
