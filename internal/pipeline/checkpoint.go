package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// ResultsSource collects the experiment results as of now.
type ResultsSource func(ctx context.Context) (domain.ExperimentResults, error)

// Checkpointer exports interim experiment results to cold storage while the
// experiment runs. Every export lands in its own timestamped directory.
type Checkpointer struct {
	archiver domain.ResultArchiver
	source   ResultsSource
	logger   *slog.Logger
}

// NewCheckpointer creates a new Checkpointer.
func NewCheckpointer(archiver domain.ResultArchiver, source ResultsSource, logger *slog.Logger) *Checkpointer {
	return &Checkpointer{
		archiver: archiver,
		source:   source,
		logger:   logger.With(slog.String("component", "checkpointer")),
	}
}

// Run exports one checkpoint and returns the directory written.
func (c *Checkpointer) Run(ctx context.Context) (string, error) {
	results, err := c.source(ctx)
	if err != nil {
		return "", fmt.Errorf("checkpoint: collect results: %w", err)
	}
	dir, err := c.archiver.ArchiveResults(ctx, results)
	if err != nil {
		return "", fmt.Errorf("checkpoint: archive: %w", err)
	}
	c.logger.InfoContext(ctx, "checkpoint exported",
		slog.String("path", dir),
		slog.Int("cleared_trades", len(results.ClearedTrades)),
		slog.Int("payments", len(results.Payments)),
	)
	return dir, nil
}

// RunCron exports a checkpoint on a cron schedule until the context is
// cancelled. The expression has the standard five fields
// "minute hour day-of-month month day-of-week"; each field accepts "*",
// lists, ranges "a-b" and steps "*/n" or "a-b/n".
//
// Example: "*/15 * * * *" exports every quarter of an hour.
func (c *Checkpointer) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("checkpoint: cron %q: %w", cronExpr, err)
	}
	c.logger.Info("checkpoint cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(time.Now().UTC())
		if err != nil {
			return fmt.Errorf("checkpoint: cron %q: %w", cronExpr, err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("checkpoint cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := c.Run(ctx); err != nil {
				c.logger.ErrorContext(ctx, "checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField is the set of values one field matches; nil matches all.
type cronField map[int]bool

func (f cronField) matches(v int) bool {
	return f == nil || f[v]
}

// cronSchedule is a parsed five-field cron expression.
type cronSchedule struct {
	minute, hour, dayOfMonth, month, dayOfWeek cronField
}

var cronBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	var parsed [5]cronField
	for i, f := range fields {
		v, err := parseCronField(f, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = v
	}
	return cronSchedule{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return nil, nil
	}
	out := cronField{}
	for _, part := range strings.Split(field, ",") {
		rng, step := part, 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
			rng, step = part[:i], n
		}

		from, to := lo, hi
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("invalid range %q", rng)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("invalid range %q", rng)
			}
		default:
			v, err := strconv.Atoi(rng)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", rng)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out[v] = true
		}
	}
	return out, nil
}

func (s cronSchedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dayOfMonth.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dayOfWeek.matches(int(t.Weekday()))
}

// next returns the first minute after the given time that matches. It
// searches at most one year ahead.
func (s cronSchedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no match within one year after %s", after.Format(time.RFC3339))
}
