// Package notify forwards operator alerts to Telegram and Discord. Alerts are
// filtered by event type so operators receive only what they subscribed to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// Event types accepted by the notify.events filter.
const (
	EventProtocolViolation = "protocol_violation"
	EventAnomaly           = "anomaly"
	EventTradeCleared      = "trade_cleared"
	EventImbalanceFee      = "imbalance_fee"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every configured Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Only events listed in events are forwarded;
// an empty list forwards everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether event passes the filter.
func (n *Notifier) Enabled(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends title and message if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// ProtocolViolation alerts on ledger data or calls that break the trading
// protocol.
func (n *Notifier) ProtocolViolation(ctx context.Context, err error) {
	n.deliver(ctx, EventProtocolViolation, "Protocol violation", err.Error())
}

// Anomaly alerts on a corrected resource pool inconsistency.
func (n *Notifier) Anomaly(ctx context.Context, resourceID, detail string) {
	n.deliver(ctx, EventAnomaly, "Pool anomaly", fmt.Sprintf("%s: %s", resourceID, detail))
}

// TradeCleared reports a clearing the local prosumer took part in.
func (n *Notifier) TradeCleared(ctx context.Context, trade domain.ClearedTrade) {
	if trade.Role == domain.RoleNone {
		return
	}
	opt := trade.Option
	n.deliver(ctx, EventTradeCleared, "Trade cleared", fmt.Sprintf(
		"%s %s as %s: %.3f kW x %d slices at %.2f from slice %d, tokens %s",
		trade.Type, opt.ID, trade.Role, opt.Power, opt.Duration, opt.Price, opt.DeliveryTime,
		trade.TokenDelta.StringFixed(2),
	))
}

// ImbalanceFee reports the end-of-experiment penalty.
func (n *Notifier) ImbalanceFee(ctx context.Context, fee domain.ImbalanceFee) {
	n.deliver(ctx, EventImbalanceFee, "Imbalance fee", fmt.Sprintf(
		"residual %.1f kW at slice %d, paid %s tokens",
		fee.ImbalancePower, fee.TimeStep, fee.ImbalancePaid.StringFixed(2),
	))
}

// deliver is Notify for observers that cannot return an error.
func (n *Notifier) deliver(ctx context.Context, event, title, message string) {
	if err := n.Notify(ctx, event, title, message); err != nil {
		n.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
