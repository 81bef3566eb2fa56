// Package residual keeps the prosumer's energy balance: generation, load,
// storage dispatch and contracted market activity per time slice.
package residual

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// Storage is a storage asset's state-of-charge schedule.
type Storage struct {
	PowerSeries     []float64
	CycleEfficiency float64
}

// Assets are the scheduled power series of the prosumer's devices.
type Assets struct {
	Generators [][]float64
	Loads      [][]float64
	Storage    []Storage
}

// FeeCharger debits penalties from the prosumer's wallet.
type FeeCharger interface {
	ChargeFee(ctx context.Context, amount decimal.Decimal, reason string) domain.Payment
}

// Ledger computes the residual load
// generation - load + netMarketActivity + storageChange for every slice
// 0..endTime. Positive market activity is energy bought, negative is
// energy sold.
type Ledger struct {
	endTime int
	assets  Assets
	penalty []float64
	wallet  FeeCharger
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	activity []float64
	series   []float64
	fee      *domain.ImbalanceFee
	lastTick int
	onUpdate []func(domain.ResidualUpdate)
	onFee    []func(context.Context, domain.ImbalanceFee)
}

// NewLedger creates a Ledger over slices 0..endTime. penalty holds the
// imbalance price per slice.
func NewLedger(endTime int, assets Assets, penalty []float64, wallet FeeCharger, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	l := &Ledger{
		endTime:  endTime,
		assets:   assets,
		penalty:  penalty,
		wallet:   wallet,
		metrics:  m,
		logger:   logger.With(slog.String("component", "residual")),
		activity: make([]float64, endTime+1),
	}
	l.series = l.compute()
	return l
}

// OnUpdate registers fn for every recomputed residual-load series.
func (l *Ledger) OnUpdate(fn func(domain.ResidualUpdate)) {
	l.mu.Lock()
	l.onUpdate = append(l.onUpdate, fn)
	l.mu.Unlock()
}

// OnImbalanceFee registers fn for the end-of-experiment penalty.
func (l *Ledger) OnImbalanceFee(fn func(context.Context, domain.ImbalanceFee)) {
	l.mu.Lock()
	l.onFee = append(l.onFee, fn)
	l.mu.Unlock()
}

// AddMarketActivity books signed power on one slice. Slices outside the
// experiment are ignored.
func (l *Ledger) AddMarketActivity(slice int, power float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slice < 0 || slice > l.endTime {
		l.logger.Warn("market activity outside experiment ignored",
			slog.Int("slice", slice),
			slog.Float64("power", power),
		)
		return
	}
	l.activity[slice] += power
}

// Recompute refreshes the residual-load series and publishes it.
func (l *Ledger) Recompute() {
	l.mu.Lock()
	l.series = l.compute()
	update := domain.ResidualUpdate{Series: append([]float64{}, l.series...), At: l.lastTick}
	observers := append([]func(domain.ResidualUpdate){}, l.onUpdate...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(update)
	}
}

// ResidualLoad returns a copy of the current series.
func (l *Ledger) ResidualLoad() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64{}, l.series...)
}

// NetMarketActivity returns a copy of the booked market activity.
func (l *Ledger) NetMarketActivity() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64{}, l.activity...)
}

// Imbalance returns the residual load at slice t.
func (l *Ledger) Imbalance(t int) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t < 0 || t >= len(l.series) {
		return 0
	}
	return l.series[t]
}

// Tick publishes the imbalance of the new current slice.
func (l *Ledger) Tick(ctx context.Context, t int) {
	l.mu.Lock()
	l.lastTick = t
	l.mu.Unlock()

	imbalance := l.Imbalance(t)
	if l.metrics != nil {
		l.metrics.ImbalancePower.Set(imbalance)
	}
	l.logger.DebugContext(ctx, "imbalance", slog.Int("time", t), slog.Float64("power", imbalance))
}

// RegisterLastFee charges the imbalance left at the end time. The absolute
// imbalance is floored to 0.1 kW steps; below one step no fee is due. The
// fee is registered at most once and nil is returned when none is due.
func (l *Ledger) RegisterLastFee(ctx context.Context) (*domain.ImbalanceFee, error) {
	l.mu.Lock()
	if l.fee != nil {
		fee := *l.fee
		l.mu.Unlock()
		return &fee, nil
	}
	if l.endTime >= len(l.penalty) {
		l.mu.Unlock()
		return nil, fmt.Errorf("residual: no imbalance penalty for end time %d (%d prices)", l.endTime, len(l.penalty))
	}
	x := l.compute()[l.endTime]
	price := l.penalty[l.endTime]
	l.mu.Unlock()

	imbalance := math.Floor(math.Abs(x)*10) / 10
	if imbalance < 0.1 {
		l.logger.InfoContext(ctx, "no imbalance fee due", slog.Float64("imbalance", x))
		return nil, nil
	}

	fee := domain.ImbalanceFee{
		TimeStep:       l.endTime,
		ImbalancePower: math.Round(imbalance*100) / 100,
		ImbalancePaid:  decimal.NewFromFloat(imbalance).Mul(decimal.NewFromFloat(price)).Round(2),
	}

	l.mu.Lock()
	if l.fee != nil {
		existing := *l.fee
		l.mu.Unlock()
		return &existing, nil
	}
	l.fee = &fee
	observers := append([]func(context.Context, domain.ImbalanceFee){}, l.onFee...)
	l.mu.Unlock()

	if l.wallet != nil {
		l.wallet.ChargeFee(ctx, fee.ImbalancePaid, "imbalance fee")
	}
	l.logger.InfoContext(ctx, "imbalance fee charged",
		slog.Int("time_step", fee.TimeStep),
		slog.Float64("imbalance", fee.ImbalancePower),
		slog.Float64("penalty", price),
		slog.String("paid", fee.ImbalancePaid.String()),
	)
	for _, fn := range observers {
		fn(ctx, fee)
	}
	return &fee, nil
}

// ImbalanceFee returns the registered fee, if any.
func (l *Ledger) ImbalanceFee() *domain.ImbalanceFee {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fee == nil {
		return nil
	}
	fee := *l.fee
	return &fee
}

// compute must be called with mu held.
func (l *Ledger) compute() []float64 {
	n := l.endTime + 1
	out := make([]float64, n)
	for _, g := range l.assets.Generators {
		addInto(out, g, 1)
	}
	for _, ld := range l.assets.Loads {
		addInto(out, ld, -1)
	}
	for i := range out {
		out[i] += l.activity[i]
	}
	for _, s := range l.assets.Storage {
		addInto(out, StorageChange(s, l.endTime), 1)
	}
	return out
}

// StorageChange returns the per-slice energy released by a storage asset:
// the drop in state of charge, with charging losses applied to increases.
func StorageChange(s Storage, endTime int) []float64 {
	change := make([]float64, endTime+1)
	for i := 1; i <= endTime; i++ {
		c := at(s.PowerSeries, i-1) - at(s.PowerSeries, i)
		if c < 0 {
			c += math.Round((1-s.CycleEfficiency)*c*1000) / 1000
		}
		change[i] = c
	}
	return change
}

func addInto(dst, src []float64, sign float64) {
	for i := range dst {
		dst[i] += sign * at(src, i)
	}
}

func at(series []float64, i int) float64 {
	if i < 0 || i >= len(series) {
		return 0
	}
	return series[i]
}
