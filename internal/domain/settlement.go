package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NoPriceCap disables the MarketDesign.MaxPrice check.
const NoPriceCap = -1

// MarketDesign holds the P2P market rules of an experiment.
type MarketDesign struct {
	BidClosure      int
	AskClosure      int
	TimeSliceLength int
	MinBidSize      float64
	MinAskSize      float64
	MaxPrice        float64
	FeeAmount       float64
}

// MaxDuration is the longest offer a single trading window can carry.
const MaxDuration = WindowSlices

// TransactionFeeEntry records the fee owed for one cleared trade.
type TransactionFeeEntry struct {
	PayerID                  int             `json:"payerID"`
	Amount                   decimal.Decimal `json:"amount"`
	CorrespondingTransaction TradeOption     `json:"correspondingTransaction"`
}

// MarketParticipantType is the kind of counterparty in an off-market trade.
type MarketParticipantType int

const (
	ParticipantProsumer MarketParticipantType = iota
	ParticipantGridOperator
	ParticipantRetailer
)

func (t MarketParticipantType) String() string {
	switch t {
	case ParticipantProsumer:
		return "prosumer"
	case ParticipantGridOperator:
		return "grid_operator"
	case ParticipantRetailer:
		return "retailer"
	default:
		return fmt.Sprintf("participant_type(%d)", int(t))
	}
}

// MarketParticipant is a typed party of an off-market trade.
type MarketParticipant struct {
	ID   int                   `json:"id"`
	Type MarketParticipantType `json:"type"`
}

// OffMarketTrade is a feed-in or retail trade with a grid operator or
// retailer that bypasses the P2P market.
type OffMarketTrade struct {
	Payer        MarketParticipant `json:"payer"`
	Payee        MarketParticipant `json:"payee"`
	Volume       decimal.Decimal   `json:"volume"`
	DeliveryTime int               `json:"deliveryTime"`
	Duration     int               `json:"duration"`
	Power        float64           `json:"power"`
}

// Physical returns the delivery footprint of the trade.
func (t OffMarketTrade) Physical() PhysicalTrade {
	return PhysicalTrade{DeliveryTime: t.DeliveryTime, Duration: t.Duration, Power: t.Power}
}

// TradeRole is the position of the local prosumer in a cleared trade.
type TradeRole string

const (
	RoleCreator  TradeRole = "creator"
	RoleAcceptor TradeRole = "acceptor"
	RoleNone     TradeRole = "none"
)

// ClearedTrade is the persisted record of one successful clearing.
type ClearedTrade struct {
	ID         string              `json:"id"`
	Scope      string              `json:"scope"`
	Type       OfferType           `json:"type"`
	Option     TradeOption         `json:"option"`
	Role       TradeRole           `json:"role"`
	TokenDelta decimal.Decimal     `json:"tokenDelta"`
	Fee        TransactionFeeEntry `json:"fee"`
	Digest     string              `json:"digest"`
	ClearedAt  time.Time           `json:"clearedAt"`
}

// Payment is one token movement on the local wallet.
type Payment struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
}

// ImbalanceFee is the penalty charged for the residual load left at the end
// of the experiment.
type ImbalanceFee struct {
	TimeStep       int             `json:"timeStep"`
	ImbalancePower float64         `json:"imbalancePower"`
	ImbalancePaid  decimal.Decimal `json:"imbalancePaid"`
}
