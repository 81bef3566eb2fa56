// Package simtime drives the experiment's discrete simulated time.
package simtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPastEnd is returned when advancing would move beyond the end time.
var ErrPastEnd = errors.New("simtime: advance beyond end of experiment")

// Clock advances the experiment one time slice per tick until the end time
// and notifies subscribers of every step. Reaching the end fires the end
// notification exactly once.
type Clock struct {
	end    int
	tick   time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	current int
	ended   bool
	onTick  []func(context.Context, int)
	onEnd   []func(context.Context)
}

// NewClock creates a Clock at time 0.
func NewClock(endTime int, tick time.Duration, logger *slog.Logger) *Clock {
	return &Clock{
		end:    endTime,
		tick:   tick,
		logger: logger.With(slog.String("component", "clock")),
	}
}

// CurrentTime returns the current time slice.
func (c *Clock) CurrentTime() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EndTime returns the last time slice of the experiment.
func (c *Clock) EndTime() int {
	return c.end
}

// Ended reports whether the end notification has fired.
func (c *Clock) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// OnTick registers fn for every time step.
func (c *Clock) OnTick(fn func(context.Context, int)) {
	c.mu.Lock()
	c.onTick = append(c.onTick, fn)
	c.mu.Unlock()
}

// OnEnd registers fn for the end of the experiment.
func (c *Clock) OnEnd(fn func(context.Context)) {
	c.mu.Lock()
	c.onEnd = append(c.onEnd, fn)
	c.mu.Unlock()
}

// Advance moves time forward by amount slices. Advancing while already at the
// end ends the experiment; overshooting the end is an error.
func (c *Clock) Advance(ctx context.Context, amount int) error {
	c.mu.Lock()
	switch {
	case c.current+amount <= c.end:
		if amount <= 0 {
			c.mu.Unlock()
			return nil
		}
		c.current += amount
		now := c.current
		subs := append([]func(context.Context, int){}, c.onTick...)
		c.mu.Unlock()

		c.logger.DebugContext(ctx, "time advanced", slog.Int("time", now))
		for _, fn := range subs {
			fn(ctx, now)
		}
		return nil
	case c.current == c.end:
		c.mu.Unlock()
		c.finish(ctx)
		return nil
	default:
		now := c.current
		c.mu.Unlock()
		return fmt.Errorf("%w: at %d advancing %d, end %d", ErrPastEnd, now, amount, c.end)
	}
}

// Finish ends the experiment immediately. Further calls do nothing.
func (c *Clock) Finish(ctx context.Context) {
	c.finish(ctx)
}

func (c *Clock) finish(ctx context.Context) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	subs := append([]func(context.Context){}, c.onEnd...)
	now := c.current
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "experiment ended", slog.Int("time", now))
	for _, fn := range subs {
		fn(ctx)
	}
}

// Run advances the clock once per tick length until the experiment ends or
// ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "experiment clock started",
		slog.Int("end_time", c.end),
		slog.Duration("tick", c.tick),
	)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("experiment clock stopped", slog.Int("time", c.CurrentTime()))
			return ctx.Err()
		case <-ticker.C:
			if err := c.Advance(ctx, 1); err != nil {
				return err
			}
			if c.Ended() {
				return nil
			}
		}
	}
}
