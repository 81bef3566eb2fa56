package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

// broadcaster is the part of the websocket hub the in-process bus needs.
type broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// hubBus is the signal bus used when Redis is disabled: publications go
// straight to the websocket hub and the durable stream is dropped, so reads
// fail with domain.ErrStreamUnavailable.
type hubBus struct {
	hub broadcaster
}

var _ domain.SignalBus = hubBus{}

func (b hubBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.hub.Broadcast(channel, payload)
	return nil
}

func (b hubBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("app: in-process bus does not support subscriptions")
}

func (b hubBus) StreamAppend(context.Context, string, []byte) error {
	return nil
}

func (b hubBus) StreamRead(_ context.Context, stream string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, fmt.Errorf("app: in-process bus: %s: %w", stream, domain.ErrStreamUnavailable)
}
