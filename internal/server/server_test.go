package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/server/handler"
)

type sizes struct{}

func (sizes) Sizes() domain.PoolSizes { return domain.PoolSizes{Available: 6} }

type emptyMarket struct{}

func (emptyMarket) OpenOffers(domain.OfferType) []domain.TradeOption      { return nil }
func (emptyMarket) CommittedOffers(domain.OfferType) []domain.TradeOption { return nil }

type denyAll struct{ calls int }

func (d *denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls++
	return false, nil
}

func testHandler(cfg Config, limiter domain.RateLimiter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := Handlers{
		Health: handler.NewHealthHandler(nil, nil, logger),
		Pool:   handler.NewPoolHandler(sizes{}),
		Offers: handler.NewOfferHandler(emptyMarket{}, nil, domain.Prosumer{ID: 1}, logger),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# metrics\n"))
		}),
	}
	return newHandler(cfg, handlers, nil, limiter, logger)
}

func TestRoutesAndAuth(t *testing.T) {
	h := testHandler(Config{APIKey: "secret", MetricsPath: "/metrics"}, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health is public", http.MethodGet, "/api/health", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"pool needs key", http.MethodGet, "/api/pool", "", http.StatusUnauthorized},
		{"pool with bearer", http.MethodGet, "/api/pool", "Bearer secret", http.StatusOK},
		{"wrong key", http.MethodGet, "/api/offers/open", "Bearer nope", http.StatusUnauthorized},
		{"residual absent in monitor mode", http.MethodGet, "/api/residual", "Bearer secret", http.StatusNotFound},
		{"placement disabled", http.MethodPost, "/api/offers/bid", "Bearer secret", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimitOnlyCountsWrites(t *testing.T) {
	limiter := &denyAll{}
	h := testHandler(Config{RateLimit: 1, RateLimitWindow: time.Minute}, limiter)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/pool", nil))
	if rec.Code != http.StatusOK || limiter.calls != 0 {
		t.Fatalf("GET: status %d, limiter calls %d", rec.Code, limiter.calls)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/offers/ask", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("POST: status %d, want 429", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := testHandler(Config{CORSOrigins: []string{"http://localhost:4200"}, APIKey: "secret"}, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/pool", nil)
	req.Header.Set("Origin", "http://localhost:4200")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:4200" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
