package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventProtocolViolation, " anomaly "}, discard())
	ctx := context.Background()

	n.ProtocolViolation(ctx, domain.ErrAlreadyCleared)
	n.Anomaly(ctx, "d-i-1-3", "in no pool")
	n.ImbalanceFee(ctx, domain.ImbalanceFee{ImbalancePaid: decimal.NewFromInt(3)})

	if len(s.titles) != 2 {
		t.Fatalf("sent %v, want violation and anomaly only", s.titles)
	}
}

func TestNotifierEmptyFilterForwardsAll(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, discard())
	if !n.Enabled("anything") {
		t.Fatal("empty filter rejected an event")
	}
	n.TradeCleared(context.Background(), domain.ClearedTrade{Role: domain.RoleCreator})
	n.TradeCleared(context.Background(), domain.ClearedTrade{Role: domain.RoleNone})
	if len(s.titles) != 1 {
		t.Fatalf("sent %d, want 1 (third-party trades are not reported)", len(s.titles))
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingSender{name: "a", err: boom}
	b := &recordingSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil, discard())

	err := n.Notify(context.Background(), EventAnomaly, "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if len(b.titles) != 1 {
		t.Fatal("second sender skipped after first failed")
	}
}

func TestDiscordSender(t *testing.T) {
	var got discordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL, "labtrader d-i-1")
	s.now = func() time.Time { return time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC) }
	if err := s.Send(context.Background(), "Title", strings.Repeat("x", discordMaxDescription+10)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Username != "labtrader d-i-1" || len(got.Embeds) != 1 {
		t.Fatalf("message = %+v", got)
	}
	e := got.Embeds[0]
	if e.Title != "Title" || e.Timestamp != "2026-10-18T12:00:00Z" || len([]rune(e.Description)) != discordMaxDescription {
		t.Errorf("embed title %q timestamp %q description runes %d", e.Title, e.Timestamp, len([]rune(e.Description)))
	}
}

func TestDiscordSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL, "labtrader").Send(context.Background(), "T", "m")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "T", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want status 400", err)
	}
	if path != "/bottok/sendMessage" || got["chat_id"] != "42" {
		t.Errorf("path = %q, body = %v", path, got)
	}
}
