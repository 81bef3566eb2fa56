package domain

import (
	"context"
	"time"
)

// Signal bus channels and streams published by the agent.
const (
	ChannelPool      = "ch:pool"
	ChannelMarket    = "ch:market"
	ChannelCleared   = "ch:cleared"
	ChannelResidual  = "ch:residual"
	ChannelImbalance = "ch:imbalance"
	StreamCleared    = "stream:cleared"
)

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
