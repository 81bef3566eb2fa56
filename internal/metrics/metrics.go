// Package metrics defines the Prometheus metrics of the trading agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid for every
// component that accepts one and records nothing.
type Metrics struct {
	// Resource pool
	PoolResources    *prometheus.GaugeVec
	PoolAnomalies    prometheus.Counter
	ResourceRequests prometheus.Counter

	// Watchers
	WatcherCycles     *prometheus.CounterVec
	WatcherCycleTime  *prometheus.HistogramVec
	OffersFetched     prometheus.Gauge
	RegistryResources prometheus.Gauge

	// Classification and partition
	OffersClassified *prometheus.CounterVec
	OffersRejected   *prometheus.CounterVec
	MarketOffers     *prometheus.GaugeVec

	// Clearing
	TradesCleared      *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec
	TokenBalance       prometheus.Gauge
	FeesPaid           prometheus.Counter
	ImbalancePower     prometheus.Gauge

	// Submission
	OffersSubmitted  *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them on promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PoolResources: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labtrader_pool_resources",
			Help: "Resources per pool (pending, available, in_use)",
		}, []string{"pool"}),

		PoolAnomalies: f.NewCounter(prometheus.CounterOpts{
			Name: "labtrader_pool_anomalies_total",
			Help: "Resources observed in an unexpected pool",
		}),

		ResourceRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "labtrader_resource_requests_total",
			Help: "Free resource requests served",
		}),

		WatcherCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_watcher_cycles_total",
			Help: "Watcher cycles by watcher and outcome (ok, error, skipped)",
		}, []string{"watcher", "outcome"}),

		WatcherCycleTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labtrader_watcher_cycle_duration_seconds",
			Help:    "Duration of a complete watcher cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"watcher"}),

		OffersFetched: f.NewGauge(prometheus.GaugeOpts{
			Name: "labtrader_offers_fetched",
			Help: "Raw offers retrieved in the last offer watcher cycle",
		}),

		RegistryResources: f.NewGauge(prometheus.GaugeOpts{
			Name: "labtrader_registry_resources",
			Help: "Resources listed by the ledger registry in the last snapshot",
		}),

		OffersClassified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_offers_classified_total",
			Help: "Offers classified by type",
		}, []string{"type"}),

		OffersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_offers_rejected_total",
			Help: "Offer records skipped by the classifier",
		}, []string{"reason"}),

		MarketOffers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labtrader_market_offers",
			Help: "Offers in the latest market snapshot",
		}, []string{"type", "state"}),

		TradesCleared: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_trades_cleared_total",
			Help: "Trades cleared by type and local role",
		}, []string{"type", "role"}),

		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_protocol_violations_total",
			Help: "Protocol violations by stage",
		}, []string{"stage"}),

		TokenBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "labtrader_token_balance",
			Help: "Current wallet token balance",
		}),

		FeesPaid: f.NewCounter(prometheus.CounterOpts{
			Name: "labtrader_fees_paid_total",
			Help: "Transaction and imbalance fees paid by the local prosumer",
		}),

		ImbalancePower: f.NewGauge(prometheus.GaugeOpts{
			Name: "labtrader_imbalance_power_kw",
			Help: "Residual load at the current time slice",
		}),

		OffersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_offers_submitted_total",
			Help: "Offers and commitments submitted by kind",
		}, []string{"kind"}),

		ValidationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labtrader_validation_errors_total",
			Help: "Offer validation failures by constraint",
		}, []string{"constraint"}),
	}
}

// SetPoolSizes records the sizes of the three resource pools.
func (m *Metrics) SetPoolSizes(pending, available, inUse int) {
	if m == nil {
		return
	}
	m.PoolResources.WithLabelValues("pending").Set(float64(pending))
	m.PoolResources.WithLabelValues("available").Set(float64(available))
	m.PoolResources.WithLabelValues("in_use").Set(float64(inUse))
}
