package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClearedEvent is published on ChannelCleared for every cleared trade.
type ClearedEvent struct {
	Type       OfferType           `json:"type"`
	Role       TradeRole           `json:"role"`
	TokenDelta decimal.Decimal     `json:"tokenDelta"`
	Fee        TransactionFeeEntry `json:"fee"`
	Digest     string              `json:"digest"`
}

// ResidualUpdate is published on ChannelResidual after every recomputation.
type ResidualUpdate struct {
	Series []float64 `json:"series"`
	At     int       `json:"at"`
}

// AgentStatus is a summary of the agent's current operational state.
type AgentStatus struct {
	Mode          string          `json:"mode"`
	Backend       string          `json:"backend"`
	Scope         string          `json:"scope"`
	CurrentTime   int             `json:"currentTime"`
	EndTime       int             `json:"endTime"`
	Pool          PoolSizes       `json:"pool"`
	Balance       decimal.Decimal `json:"balance"`
	UptimeSeconds int64           `json:"uptimeSeconds"`
}

// ExperimentResults is everything the agent archives at the end of a run.
type ExperimentResults struct {
	Scope         string                `json:"scope"`
	ClearedTrades []ClearedTrade        `json:"clearedTrades"`
	Payments      []Payment             `json:"payments"`
	Fees          []TransactionFeeEntry `json:"fees"`
	ImbalanceFee  *ImbalanceFee         `json:"imbalanceFee,omitempty"`
	ResidualLoad  []float64             `json:"residualLoad"`
	Balance       decimal.Decimal       `json:"balance"`
	GeneratedAt   time.Time             `json:"generatedAt"`
}
