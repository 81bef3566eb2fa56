package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

// OfferFetcher retrieves the raw offers of one trading window.
type OfferFetcher interface {
	FetchOffers(ctx context.Context, utcTimeframe int64) ([]domain.RawOffer, error)
}

// TokenChecker reports whether the ledger session holds a bearer token.
type TokenChecker interface {
	Token() (string, bool)
}

// OfferWatcher polls the ledger for the offers of every trading window from
// the current one up to the horizon and emits one complete OfferCycle per
// successful poll. A cycle is all-or-nothing: if any window fails, nothing is
// emitted for that cycle.
type OfferWatcher struct {
	fetcher  OfferFetcher
	tokens   TokenChecker
	clock    domain.Clock
	calendar domain.TradingCalendar
	horizon  int
	metrics  *metrics.Metrics
	logger   *slog.Logger

	out     chan domain.OfferCycle
	seq     atomic.Uint64
	emitMu  sync.Mutex
	emitted uint64
	cycles  sync.WaitGroup
}

// NewOfferWatcher creates an OfferWatcher. horizon is the exclusive upper
// bound of the trading window indices that are polled.
func NewOfferWatcher(
	fetcher OfferFetcher,
	tokens TokenChecker,
	clock domain.Clock,
	calendar domain.TradingCalendar,
	horizon int,
	m *metrics.Metrics,
	logger *slog.Logger,
) *OfferWatcher {
	return &OfferWatcher{
		fetcher:  fetcher,
		tokens:   tokens,
		clock:    clock,
		calendar: calendar,
		horizon:  horizon,
		metrics:  m,
		logger:   logger.With(slog.String("component", "offer_watcher")),
		out:      make(chan domain.OfferCycle, 1),
	}
}

// Cycles returns the stream of complete cycles. The channel is closed when
// RunLoop returns.
func (w *OfferWatcher) Cycles() <-chan domain.OfferCycle {
	return w.out
}

// Windows returns the trading window indices polled at the current time.
func (w *OfferWatcher) Windows() []int {
	var idx []int
	for i := domain.WindowIndex(w.clock.CurrentTime()); i < w.horizon; i++ {
		idx = append(idx, i)
	}
	return idx
}

// Poll fetches every in-scope window concurrently and joins on all of them.
// The returned cycle maps each window's start slice to its raw offers.
func (w *OfferWatcher) Poll(ctx context.Context) (domain.OfferCycle, error) {
	windows := w.Windows()
	results := make([][]domain.RawOffer, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	for k, i := range windows {
		g.Go(func() error {
			timeframe := w.calendar.Timeframe(i)
			offers, err := w.fetcher.FetchOffers(gctx, timeframe)
			if err != nil {
				return fmt.Errorf("window %d (timeframe %d): %w", i, timeframe, err)
			}
			if offers == nil {
				offers = []domain.RawOffer{}
			}
			results[k] = offers
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.OfferCycle{}, err
	}

	cycle := domain.OfferCycle{Windows: make(map[int][]domain.RawOffer, len(windows))}
	for k, i := range windows {
		cycle.Windows[i*domain.WindowSlices] = results[k]
	}
	return cycle, nil
}

// RunLoop starts a cycle immediately and then on every tick of interval until
// ctx is cancelled. Cycles run in their own goroutines so a slow cycle does
// not delay the schedule; a cycle finishing after a newer one was emitted is
// dropped.
func (w *OfferWatcher) RunLoop(ctx context.Context, interval time.Duration) error {
	defer func() {
		w.cycles.Wait()
		close(w.out)
	}()

	w.launch(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("offer watcher loop stopped")
			return ctx.Err()
		case <-ticker.C:
			w.launch(ctx)
		}
	}
}

func (w *OfferWatcher) launch(ctx context.Context) {
	if _, ok := w.tokens.Token(); !ok {
		w.logger.DebugContext(ctx, "skipping offer watch cycle, no ledger token")
		w.countCycle("skipped")
		return
	}

	seq := w.seq.Add(1)

	w.cycles.Add(1)
	go func() {
		defer w.cycles.Done()
		start := time.Now()
		cycle, err := w.Poll(ctx)
		if w.metrics != nil {
			w.metrics.WatcherCycleTime.WithLabelValues("offers").Observe(time.Since(start).Seconds())
		}
		if err != nil {
			if ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "offer watch cycle failed", slog.String("error", err.Error()))
				w.countCycle("error")
			}
			return
		}
		w.countCycle("ok")
		if w.metrics != nil {
			w.metrics.OffersFetched.Set(float64(cycle.Len()))
		}
		w.emit(ctx, seq, cycle)
	}()
}

func (w *OfferWatcher) emit(ctx context.Context, seq uint64, cycle domain.OfferCycle) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if seq <= w.emitted {
		w.logger.DebugContext(ctx, "dropping stale offer cycle", slog.Uint64("seq", seq))
		return
	}
	w.emitted = seq

	w.logger.DebugContext(ctx, "offer cycle complete",
		slog.Int("windows", len(cycle.Windows)),
		slog.Int("offers", cycle.Len()),
	)
	select {
	case w.out <- cycle:
	case <-ctx.Done():
	}
}

func (w *OfferWatcher) countCycle(outcome string) {
	if w.metrics != nil {
		w.metrics.WatcherCycles.WithLabelValues("offers", outcome).Inc()
	}
}
