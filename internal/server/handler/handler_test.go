package handler

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

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/market"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeMarket struct {
	open      map[domain.OfferType][]domain.TradeOption
	committed map[domain.OfferType][]domain.TradeOption
}

func (m *fakeMarket) OpenOffers(t domain.OfferType) []domain.TradeOption      { return m.open[t] }
func (m *fakeMarket) CommittedOffers(t domain.OfferType) []domain.TradeOption { return m.committed[t] }

type fakeTrader struct {
	submitErr error
	submitted []domain.TradeOption
	committed []domain.TradeOption
}

func (f *fakeTrader) SubmitOffer(_ context.Context, _ domain.OfferType, opt domain.TradeOption) (domain.TradeOption, error) {
	if f.submitErr != nil {
		return domain.TradeOption{}, f.submitErr
	}
	opt.ID = "7"
	f.submitted = append(f.submitted, opt)
	return opt, nil
}

func (f *fakeTrader) Commit(_ context.Context, _ domain.OfferType, opt domain.TradeOption) error {
	f.committed = append(f.committed, opt)
	return nil
}

var me = domain.Prosumer{ID: 1, Name: "alice"}

func newOfferMux(m MarketView, tr Trader) *http.ServeMux {
	h := NewOfferHandler(m, tr, me, discard())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/offers/open", h.ListOpen)
	mux.HandleFunc("POST /api/offers/{type}", h.PlaceOffer)
	mux.HandleFunc("POST /api/offers/{type}/commit", h.CommitOffer)
	return mux
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListOpenNeverNull(t *testing.T) {
	rec := do(newOfferMux(&fakeMarket{}, nil), http.MethodGet, "/api/offers/open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"bids":[],"asks":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestPlaceOffer(t *testing.T) {
	tr := &fakeTrader{}
	rec := do(newOfferMux(&fakeMarket{}, tr), http.MethodPost, "/api/offers/ask",
		`{"deliveryTime":10,"duration":2,"price":2,"power":6}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if len(tr.submitted) != 1 || tr.submitted[0].Creator.ID != 1 || tr.submitted[0].Power != 6 {
		t.Errorf("submitted = %+v", tr.submitted)
	}
}

func TestPlaceOfferErrors(t *testing.T) {
	verr := &market.ValidationError{
		Type: domain.OfferBid,
		Issues: []market.Issue{
			{Constraint: market.ConstraintMinSize, Message: "too small"},
			{Constraint: market.ConstraintNegativePrice, Message: "negative"},
		},
	}
	tests := []struct {
		name   string
		path   string
		body   string
		trader Trader
		want   int
	}{
		{"unknown type", "/api/offers/swap", `{}`, &fakeTrader{}, http.StatusNotFound},
		{"monitor mode", "/api/offers/bid", `{}`, nil, http.StatusServiceUnavailable},
		{"bad json", "/api/offers/bid", `{"power":`, &fakeTrader{}, http.StatusBadRequest},
		{"unknown field", "/api/offers/bid", `{"volts":3}`, &fakeTrader{}, http.StatusBadRequest},
		{"validation", "/api/offers/bid", `{"power":0.01}`, &fakeTrader{submitErr: verr}, http.StatusUnprocessableEntity},
		{"no token", "/api/offers/bid", `{}`, &fakeTrader{submitErr: domain.ErrNoToken}, http.StatusServiceUnavailable},
		{"duplicate", "/api/offers/bid", `{}`, &fakeTrader{submitErr: domain.ErrAlreadyExists}, http.StatusConflict},
		{"unexpected", "/api/offers/bid", `{}`, &fakeTrader{submitErr: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newOfferMux(&fakeMarket{}, tt.trader), http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestValidationErrorListsIssues(t *testing.T) {
	verr := &market.ValidationError{Type: domain.OfferBid, Issues: []market.Issue{
		{Constraint: market.ConstraintMinSize, Message: "too small"},
		{Constraint: market.ConstraintMaxPrice, Message: "too dear"},
	}}
	rec := do(newOfferMux(&fakeMarket{}, &fakeTrader{submitErr: verr}), http.MethodPost, "/api/offers/bid", `{}`)

	var body struct {
		Issues []market.Issue `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Issues) != 2 || body.Issues[1].Constraint != market.ConstraintMaxPrice {
		t.Errorf("issues = %+v", body.Issues)
	}
}

func TestCommitOffer(t *testing.T) {
	other := domain.TradeOption{ID: "3", Creator: domain.Prosumer{ID: 2}, DeliveryTime: 20, Duration: 1, Price: 1, Power: 1}
	own := domain.TradeOption{ID: "4", Creator: me, DeliveryTime: 20, Duration: 1, Price: 1, Power: 1}
	m := &fakeMarket{open: map[domain.OfferType][]domain.TradeOption{domain.OfferBid: {other, own}}}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"commits", `{"id":"3"}`, http.StatusAccepted},
		{"missing id", `{}`, http.StatusBadRequest},
		{"not open", `{"id":"99"}`, http.StatusNotFound},
		{"own offer", `{"id":"4"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTrader{}
			rec := do(newOfferMux(m, tr), http.MethodPost, "/api/offers/bid/commit", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusAccepted {
				if len(tr.committed) != 1 || tr.committed[0].ID != "3" {
					t.Fatalf("committed = %+v", tr.committed)
				}
				var got domain.TradeOption
				_ = json.Unmarshal(rec.Body.Bytes(), &got)
				if !got.AcceptedBy(1) {
					t.Errorf("response not committed to the local prosumer: %+v", got)
				}
			}
		})
	}
}

func TestSnapshotSource(t *testing.T) {
	snap := domain.MarketSnapshot{
		OpenBids:      []domain.TradeOption{{ID: "b"}},
		CommittedAsks: []domain.TradeOption{{ID: "a"}},
	}
	src := SnapshotSource(func() domain.MarketSnapshot { return snap })
	if got := src.OpenOffers(domain.OfferBid); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("open bids = %+v", got)
	}
	if got := src.CommittedOffers(domain.OfferAsk); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("committed asks = %+v", got)
	}
	if got := src.OpenOffers(domain.OfferAsk); len(got) != 0 {
		t.Errorf("open asks = %+v", got)
	}
}

type fakeAccount struct {
	payments []domain.Payment
	fees     []domain.TransactionFeeEntry
}

func (a *fakeAccount) Balance() decimal.Decimal             { return decimal.RequireFromString("121.6") }
func (a *fakeAccount) Payments() []domain.Payment           { return a.payments }
func (a *fakeAccount) Fees() []domain.TransactionFeeEntry   { return a.fees }

type fakeOffMarket struct {
	got domain.OffMarketTrade
}

func (f *fakeOffMarket) ClearOffMarket(_ context.Context, trade domain.OffMarketTrade) (domain.TradeRole, error) {
	f.got = trade
	if trade.Duration <= 0 {
		return domain.RoleNone, domain.ErrInvalidOffer
	}
	return domain.RoleCreator, nil
}

func TestClearingHandler(t *testing.T) {
	acct := &fakeAccount{payments: []domain.Payment{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}}}
	om := &fakeOffMarket{}
	h := NewClearingHandler(acct, om, nil, discard())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/clearing/account", h.GetAccount)
	mux.HandleFunc("GET /api/clearing/fees", h.ListFees)
	mux.HandleFunc("POST /api/offmarket", h.ClearOffMarket)

	rec := do(mux, http.MethodGet, "/api/clearing/account?limit=2&offset=1", "")
	var account struct {
		Balance  string           `json:"balance"`
		Payments []domain.Payment `json:"payments"`
		Total    int              `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &account); err != nil {
		t.Fatal(err)
	}
	if account.Balance != "121.6" || account.Total != 3 || len(account.Payments) != 2 || account.Payments[0].ID != "p2" {
		t.Errorf("account = %+v", account)
	}

	rec = do(mux, http.MethodGet, "/api/clearing/fees", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("fees = %s, want []", rec.Body)
	}

	rec = do(mux, http.MethodPost, "/api/offmarket",
		`{"payer":{"id":0,"type":1},"payee":{"id":1,"type":0},"volume":"4.5","deliveryTime":12,"duration":2,"power":1.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("offmarket status = %d, body %s", rec.Code, rec.Body)
	}
	if om.got.Payer.Type != domain.ParticipantGridOperator || !om.got.Volume.Equal(decimal.RequireFromString("4.5")) {
		t.Errorf("trade = %+v", om.got)
	}

	rec = do(mux, http.MethodPost, "/api/offmarket", `{"duration":0}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid trade status = %d", rec.Code)
	}
}

type fakeResidual struct{ fee *domain.ImbalanceFee }

func (f fakeResidual) ResidualLoad() []float64            { return []float64{1, -0.5} }
func (f fakeResidual) NetMarketActivity() []float64       { return []float64{0, 2} }
func (f fakeResidual) ImbalanceFee() *domain.ImbalanceFee { return f.fee }

type fixedClock struct{ now, end int }

func (c fixedClock) CurrentTime() int { return c.now }
func (c fixedClock) EndTime() int     { return c.end }

func TestResidualHandler(t *testing.T) {
	h := NewResidualHandler(fakeResidual{fee: &domain.ImbalanceFee{TimeStep: 1}}, fixedClock{now: 1, end: 1})
	rec := httptest.NewRecorder()
	h.GetResidual(rec, httptest.NewRequest(http.MethodGet, "/api/residual", nil))

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"currentTime", "endTime", "residualLoad", "netMarketActivity", "imbalanceFee"} {
		if _, ok := body[k]; !ok {
			t.Errorf("missing %q in %s", k, rec.Body)
		}
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3}
	if got := page(items, domain.ListOpts{Offset: 5}); len(got) != 0 {
		t.Errorf("past the end = %v", got)
	}
	if got := page(items, domain.ListOpts{Limit: 2}); len(got) != 2 {
		t.Errorf("limit = %v", got)
	}
}

func TestHealthReportsBackendChecks(t *testing.T) {
	h := NewHealthHandler(nil, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, discard())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Backends["postgres"] != "up" || body.Backends["redis"] != "down" {
		t.Errorf("body = %+v", body)
	}

	ok := NewHealthHandler(nil, nil, discard())
	rec = httptest.NewRecorder()
	ok.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("no checks status = %d", rec.Code)
	}
}

type fakeStream struct {
	msgs   []domain.StreamMessage
	err    error
	stream string
	after  string
	count  int
}

func (f *fakeStream) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	f.stream, f.after, f.count = stream, lastID, count
	return f.msgs, f.err
}

func TestClearingHistory(t *testing.T) {
	stream := &fakeStream{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"type":"bid"}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
		{ID: "3-0", Payload: []byte(`{"type":"ask"}`)},
	}}
	h := NewClearingHandler(&fakeAccount{}, nil, stream, discard())

	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/clearing/history?after=0-5&limit=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if stream.stream != domain.StreamCleared || stream.after != "0-5" || stream.count != 3 {
		t.Errorf("read %s after %s count %d", stream.stream, stream.after, stream.count)
	}
	var body struct {
		Entries []historyEntry `json:"entries"`
		Next    string         `json:"next"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Entries) != 2 || body.Entries[1].ID != "3-0" || body.Next != "3-0" {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestClearingHistoryUnavailable(t *testing.T) {
	tests := []struct {
		name   string
		stream StreamReader
	}{
		{"no stream", nil},
		{"in-process bus", &fakeStream{err: domain.ErrStreamUnavailable}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewClearingHandler(&fakeAccount{}, nil, tt.stream, discard())
			rec := httptest.NewRecorder()
			h.History(rec, httptest.NewRequest(http.MethodGet, "/api/clearing/history", nil))
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}
