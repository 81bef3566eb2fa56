package domain

// Ledger geometry shared by the watcher, the classifier and offer submission.
const (
	// WindowSlices is the number of experiment time slices per trading window.
	WindowSlices = 48
	// SeriesLength is the number of entries in every ledger power series.
	SeriesLength = 96
	// PowerScale converts kW to the ledger's milli-unit amounts.
	PowerScale = 1000.0
)

// LedgerParticipant is an account registered with the ledger backend.
type LedgerParticipant struct {
	ID              int    `json:"id"`
	Email           string `json:"email,omitempty"`
	FirstName       string `json:"firstName,omitempty"`
	LastName        string `json:"lastName,omitempty"`
	Picture         string `json:"picture,omitempty"`
	EthereumAddress string `json:"ethereumAddress,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
}

// PowerSeriesEntry is one slice of an offer: amount in milli-kW and price.
type PowerSeriesEntry struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

// Purchaser is a party that committed to (a share of) an offer.
type Purchaser struct {
	GridOperator LedgerParticipant `json:"gridOperator"`
	Shares       []float64         `json:"shares,omitempty"`
}

// PowerSeries is one direction of an offer.
type PowerSeries struct {
	Series     []PowerSeriesEntry `json:"series"`
	Purchasers []Purchaser        `json:"purchasers"`
}

// Delivers reports whether the slice carries power. Negative amounts are
// not deliveries.
func (e PowerSeriesEntry) Delivers() bool {
	return e.Amount > 0
}

// HasAmount reports whether any entry delivers power.
func (s PowerSeries) HasAmount() bool {
	for _, e := range s.Series {
		if e.Delivers() {
			return true
		}
	}
	return false
}

// RawOffer is an offer record exactly as retrieved from the ledger.
type RawOffer struct {
	ResourceID          string            `json:"resourceID"`
	MarketParticipant   LedgerParticipant `json:"marketParticipant"`
	PositivePowerSeries PowerSeries       `json:"positivePowerSeries"`
	NegativePowerSeries PowerSeries       `json:"negativePowerSeries"`
	Timeframe           int64             `json:"timeframe,omitempty"`
}

// TypedOffer is a RawOffer after author resolution and bid/ask classification.
type TypedOffer struct {
	Author      Prosumer
	ResourceID  string
	Type        OfferType
	PowerSeries []PowerSeriesEntry
	Purchasers  []Purchaser
}

// OfferCycle is one complete offer-watcher emission: raw offers keyed by the
// start slice of their trading window.
type OfferCycle struct {
	Windows map[int][]RawOffer
}

// Len returns the total number of raw offers in the cycle.
func (c OfferCycle) Len() int {
	n := 0
	for _, offers := range c.Windows {
		n += len(offers)
	}
	return n
}

// CommitmentShare is one slice of a commitment series.
type CommitmentShare struct {
	Share float64 `json:"share"`
}

// WindowIndex returns the trading window containing slice t.
func WindowIndex(t int) int {
	return t / WindowSlices
}

// TradingCalendar maps trading windows onto ledger UTC timeframes.
type TradingCalendar struct {
	FirstTradingWindow int64
	TimeScalingFactor  int64
}

// Timeframe returns the ledger timeframe of window i.
func (c TradingCalendar) Timeframe(i int) int64 {
	return c.FirstTradingWindow + int64(i)*c.TimeScalingFactor
}

// TimeframeFor returns the ledger timeframe of the window containing slice t.
func (c TradingCalendar) TimeframeFor(t int) int64 {
	return c.Timeframe(WindowIndex(t))
}
