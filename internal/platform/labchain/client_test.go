package labchain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, nil), srv
}

func TestLoginStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if body["email"] != "a@lab.test" || body["password"] != "pw" {
			t.Errorf("login body = %v", body)
		}
		_, _ = io.WriteString(w, `{"token":"tok-1"}`)
	})
	mux.HandleFunc("GET /registry/resource", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want Bearer tok-1", got)
		}
		_, _ = io.WriteString(w, `{"resources":[]}`)
	})
	c, _ := newTestClient(t, mux)

	if _, err := c.ListResources(context.Background()); !errors.Is(err, domain.ErrNoToken) {
		t.Fatalf("ListResources before login: err = %v, want ErrNoToken", err)
	}
	if err := c.Login(context.Background(), "a@lab.test", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok, ok := c.Tokens().Token(); !ok || tok != "tok-1" {
		t.Fatalf("Token = %q, %v", tok, ok)
	}
	if _, err := c.ListResources(context.Background()); err != nil {
		t.Fatalf("ListResources: %v", err)
	}
}

func TestCheckHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
		{http.StatusForbidden, domain.ErrUnauthorized},
		{http.StatusTooManyRequests, domain.ErrRateLimited},
	}
	for _, tt := range tests {
		if err := checkHTTPStatus(tt.code, []byte("x")); !errors.Is(err, tt.want) {
			t.Errorf("checkHTTPStatus(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
	if err := checkHTTPStatus(http.StatusCreated, nil); err != nil {
		t.Errorf("checkHTTPStatus(201) = %v, want nil", err)
	}
	if err := checkHTTPStatus(http.StatusBadGateway, []byte("down")); err == nil || err.Error() != "HTTP 502: down" {
		t.Errorf("checkHTTPStatus(502) = %v", err)
	}
}

func TestListResourcesParsesOwnerIDs(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"resources":[
			{"resourceID":"d-i-1-0","resourceType":"d-i-1","owner":{"id":"12","email":"x@y"}},
			{"resourceID":"d-i-1-1","resourceType":"d-i-1","owner":{"id":13}},
			{"resourceID":"d-i-1-2","resourceType":"d-i-1"}
		]}`)
	}))
	c.Tokens().Set("t")

	got, err := c.ListResources(context.Background())
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Owner == nil || got[0].Owner.ID != 12 {
		t.Errorf("owner[0] = %+v, want id 12", got[0].Owner)
	}
	if got[1].Owner == nil || got[1].Owner.ID != 13 {
		t.Errorf("owner[1] = %+v, want id 13", got[1].Owner)
	}
	if got[2].Owner != nil {
		t.Errorf("owner[2] = %+v, want nil", got[2].Owner)
	}
}

func TestFetchOffers(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("utcTimeframe") {
		case "100":
			_, _ = io.WriteString(w, `{"bids":[{"resourceID":"d-i-2-5","marketParticipant":{"id":2},
				"positivePowerSeries":{"series":[{"amount":0,"price":0},{"amount":5000,"price":2}],"purchasers":[{"gridOperator":{"id":"3"}}]},
				"negativePowerSeries":{"series":[],"purchasers":[]}}]}`)
		default:
			_, _ = io.WriteString(w, `{}`)
		}
	}))
	c.Tokens().Set("t")

	offers, err := c.FetchOffers(context.Background(), 100)
	if err != nil {
		t.Fatalf("FetchOffers: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("len = %d, want 1", len(offers))
	}
	o := offers[0]
	if o.ResourceID != "d-i-2-5" || o.MarketParticipant.ID != 2 || o.Timeframe != 100 {
		t.Errorf("offer = %+v", o)
	}
	if p := o.PositivePowerSeries.Purchasers; len(p) != 1 || p[0].GridOperator.ID != 3 {
		t.Errorf("purchasers = %+v", p)
	}

	empty, err := c.FetchOffers(context.Background(), 200)
	if err != nil {
		t.Fatalf("FetchOffers(missing bids): %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("missing bids field: got %v, want empty list", empty)
	}
}

func TestSubmitCommitmentRequestShape(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/trading/dayAhead/bid/ask" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("resourceID"); got != "d-i-4-9" {
			t.Errorf("resourceID = %q", got)
		}
		if got := r.URL.Query().Get("utcTimeframe"); got != "1695513600" {
			t.Errorf("utcTimeframe = %q", got)
		}
		var body struct {
			Positive []domain.CommitmentShare `json:"positivePowerSeries"`
			Negative []domain.CommitmentShare `json:"negativePowerSeries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.Positive) != 1 || body.Negative[0].Share != 1 {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	c.Tokens().Set("t")

	err := c.SubmitCommitment(context.Background(), Commitment{
		ResourceID:   "d-i-4-9",
		UTCTimeframe: 1695513600,
		Positive:     []domain.CommitmentShare{{Share: 0}},
		Negative:     []domain.CommitmentShare{{Share: 1}},
	})
	if err != nil {
		t.Fatalf("SubmitCommitment: %v", err)
	}
}

func TestTokenStoreWait(t *testing.T) {
	s := NewTokenStore()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before a token was set")
	case <-time.After(20 * time.Millisecond):
	}
	s.Set("tok")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewTokenStore().Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait on cancelled ctx = %v", err)
	}
}

func TestTokenStoreClearKeepsWaiters(t *testing.T) {
	s := NewTokenStore()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	s.Set("")
	select {
	case <-done:
		t.Fatal("Wait returned on an empty token")
	case <-time.After(20 * time.Millisecond):
	}
	s.Set("tok")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter lost after the token was cleared")
	}
}
