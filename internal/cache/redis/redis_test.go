package redis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/shopspring/decimal"
)

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
	failOn    string
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	if channel == b.failOn {
		return errors.New("bus down")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisherCleared(t *testing.T) {
	bus := newRecordingBus()
	p := NewPublisher(bus, discard())

	trade := domain.ClearedTrade{
		ID:         "c-1",
		Type:       domain.OfferBid,
		Role:       domain.RoleCreator,
		TokenDelta: decimal.RequireFromString("-26.4"),
		Digest:     "0xabc",
	}
	p.Cleared(context.Background(), trade)

	if n := len(bus.published[domain.ChannelCleared]); n != 1 {
		t.Fatalf("published %d events on %s, want 1", n, domain.ChannelCleared)
	}
	var ev domain.ClearedEvent
	if err := json.Unmarshal(bus.published[domain.ChannelCleared][0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Type != domain.OfferBid || ev.Role != domain.RoleCreator || !ev.TokenDelta.Equal(trade.TokenDelta) {
		t.Errorf("event = %+v", ev)
	}

	if n := len(bus.streamed[domain.StreamCleared]); n != 1 {
		t.Fatalf("streamed %d records, want 1", n)
	}
	var rec domain.ClearedTrade
	if err := json.Unmarshal(bus.streamed[domain.StreamCleared][0], &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.ID != "c-1" || rec.Digest != "0xabc" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPublisherStreamsEvenWhenChannelFails(t *testing.T) {
	bus := newRecordingBus()
	bus.failOn = domain.ChannelCleared
	p := NewPublisher(bus, discard())

	p.Cleared(context.Background(), domain.ClearedTrade{ID: "c-2"})

	if n := len(bus.streamed[domain.StreamCleared]); n != 1 {
		t.Fatalf("streamed %d records, want 1", n)
	}
}

func TestPublisherChannels(t *testing.T) {
	bus := newRecordingBus()
	p := NewPublisher(bus, discard())

	p.PoolSizes(domain.PoolSizes{Pending: 1, Available: 2, InUse: 3})
	p.Snapshot(context.Background(), domain.MarketSnapshot{})
	p.Residual(domain.ResidualUpdate{Series: []float64{1, -1}, At: 4})
	p.Imbalance(context.Background(), domain.ImbalanceFee{TimeStep: 9, ImbalancePower: 0.3})

	for _, ch := range []string{domain.ChannelPool, domain.ChannelMarket, domain.ChannelResidual, domain.ChannelImbalance} {
		if n := len(bus.published[ch]); n != 1 {
			t.Errorf("%s: %d messages, want 1", ch, n)
		}
	}

	var sizes domain.PoolSizes
	if err := json.Unmarshal(bus.published[domain.ChannelPool][0], &sizes); err != nil {
		t.Fatal(err)
	}
	if sizes.Total() != 6 {
		t.Errorf("pool total = %d, want 6", sizes.Total())
	}
}

func TestClientOptions(t *testing.T) {
	cfg := ClientConfig{Addr: "cache:6379", DB: 2, PoolSize: 7, TLSEnabled: true}
	opts := cfg.options()
	if opts.Addr != "cache:6379" || opts.DB != 2 || opts.PoolSize != 7 {
		t.Errorf("options = %+v", opts)
	}
	if opts.TLSConfig == nil {
		t.Error("TLS config missing")
	}
	if (ClientConfig{}).options().TLSConfig != nil {
		t.Error("TLS enabled without being asked for")
	}
}

func TestHasPattern(t *testing.T) {
	cases := map[string]bool{
		"ch:pool":  false,
		"ch:*":     true,
		"ch:[ab]":  true,
		"stream:x": false,
	}
	for ch, want := range cases {
		if got := hasPattern(ch); got != want {
			t.Errorf("hasPattern(%q) = %v, want %v", ch, got, want)
		}
	}
}
