package clearing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/crypto"
	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/metrics"
)

type fakeLedger struct {
	activity   map[int]float64
	recomputes int
}

func newFakeLedger() *fakeLedger { return &fakeLedger{activity: map[int]float64{}} }

func (l *fakeLedger) AddMarketActivity(slice int, power float64) { l.activity[slice] += power }
func (l *fakeLedger) Recompute()                                 { l.recomputes++ }

type fakeStore struct {
	inserted []domain.ClearedTrade
	ids      map[domain.OfferType][]string
	head     string
}

func (s *fakeStore) InsertCleared(_ context.Context, tr domain.ClearedTrade) error {
	s.inserted = append(s.inserted, tr)
	return nil
}

func (s *fakeStore) ClearedIDs(_ context.Context, _ string, t domain.OfferType) ([]string, error) {
	return s.ids[t], nil
}

func (s *fakeStore) ListCleared(context.Context, string, domain.ListOpts) ([]domain.ClearedTrade, error) {
	return s.inserted, nil
}

func (s *fakeStore) LastDigest(context.Context, string) (string, error) {
	if s.head == "" {
		return "", domain.ErrNotFound
	}
	return s.head, nil
}

var scope = domain.ExperimentScope{DescriptionID: "d", InstanceID: "i", ProsumerID: 1}

func newTestEngine(t *testing.T, store domain.ClearingStore) (*Engine, *fakeLedger) {
	t.Helper()
	ledger := newFakeLedger()
	design := domain.MarketDesign{FeeAmount: 0.1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(scope, design, NewWallet(decimal.NewFromInt(100)), ledger, store, nil, logger), ledger
}

func option(id string, creator, acceptor int) domain.TradeOption {
	return domain.TradeOption{
		ID:           id,
		Creator:      domain.Prosumer{ID: creator},
		DeliveryTime: 10,
		Duration:     2,
		Price:        2,
		Power:        6,
	}.WithAcceptedParty(acceptor)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestClearBidRoles(t *testing.T) {
	tests := []struct {
		name      string
		creator   int
		acceptor  int
		wantRole  domain.TradeRole
		wantDelta string
		wantPower float64
		wantFees  int
	}{
		{"creator", 1, 2, domain.RoleCreator, "-26.4", 6, 1},
		{"acceptor", 2, 1, domain.RoleAcceptor, "24", -6, 0},
		{"third party", 2, 3, domain.RoleNone, "0", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ledger := newTestEngine(t, nil)
			rec, err := e.ClearBid(context.Background(), option("b1", tt.creator, tt.acceptor))
			if err != nil {
				t.Fatalf("ClearBid: %v", err)
			}
			if rec.Role != tt.wantRole {
				t.Errorf("role = %s, want %s", rec.Role, tt.wantRole)
			}
			if !rec.TokenDelta.Equal(dec(tt.wantDelta)) {
				t.Errorf("delta = %s, want %s", rec.TokenDelta, tt.wantDelta)
			}
			if !rec.Fee.Amount.Equal(dec("2.4")) || rec.Fee.PayerID != tt.creator {
				t.Errorf("fee = %+v, want 2.4 payable by %d", rec.Fee, tt.creator)
			}
			wantBalance := dec("100").Add(dec(tt.wantDelta))
			if !e.Wallet().Balance().Equal(wantBalance) {
				t.Errorf("balance = %s, want %s", e.Wallet().Balance(), wantBalance)
			}
			if got := len(e.Wallet().Fees()); got != tt.wantFees {
				t.Errorf("incurred fees = %d, want %d", got, tt.wantFees)
			}
			for _, slice := range []int{10, 11} {
				if ledger.activity[slice] != tt.wantPower {
					t.Errorf("activity[%d] = %v, want %v", slice, ledger.activity[slice], tt.wantPower)
				}
			}
			if !e.IsCleared(domain.OfferBid, "b1") {
				t.Error("bid not marked cleared")
			}
		})
	}
}

func TestClearAskRoles(t *testing.T) {
	tests := []struct {
		name      string
		creator   int
		acceptor  int
		wantDelta string
		wantPower float64
	}{
		{"creator", 1, 2, "21.6", -6},
		{"acceptor", 2, 1, "-24", 6},
		{"third party", 2, 3, "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ledger := newTestEngine(t, nil)
			rec, err := e.ClearAsk(context.Background(), option("a1", tt.creator, tt.acceptor))
			if err != nil {
				t.Fatalf("ClearAsk: %v", err)
			}
			if !rec.TokenDelta.Equal(dec(tt.wantDelta)) {
				t.Errorf("delta = %s, want %s", rec.TokenDelta, tt.wantDelta)
			}
			if rec.Fee.PayerID != tt.acceptor {
				t.Errorf("fee payer = %d, want acceptor %d", rec.Fee.PayerID, tt.acceptor)
			}
			if ledger.activity[10] != tt.wantPower {
				t.Errorf("activity[10] = %v, want %v", ledger.activity[10], tt.wantPower)
			}
		})
	}
}

func TestClearTwiceIsProtocolViolation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	opt := option("b1", 1, 2)

	if _, err := e.ClearBid(ctx, opt); err != nil {
		t.Fatalf("first ClearBid: %v", err)
	}
	_, err := e.ClearBid(ctx, opt)
	if !errors.Is(err, domain.ErrAlreadyCleared) || !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatalf("second ClearBid err = %v", err)
	}
	if !e.Wallet().Balance().Equal(dec("73.6")) {
		t.Fatalf("balance = %s, want 73.6 after a single clearing", e.Wallet().Balance())
	}

	// the same id as an ask is a different trade
	var violations []error
	e.OnViolation(func(_ context.Context, err error) { violations = append(violations, err) })
	if _, err := e.ClearBid(ctx, opt); err == nil {
		t.Fatal("third ClearBid succeeded")
	}
	if len(violations) != 1 || !errors.Is(violations[0], domain.ErrProtocolViolation) {
		t.Fatalf("violations = %v", violations)
	}

	if _, err := e.ClearAsk(ctx, opt); err != nil {
		t.Fatalf("ClearAsk with a bid id: %v", err)
	}
}

func TestClearOpenOptionRejected(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	opt := option("b1", 1, 2)
	opt.AcceptedParty = nil
	if _, err := e.ClearBid(context.Background(), opt); !errors.Is(err, domain.ErrProtocolViolation) {
		t.Fatalf("err = %v", err)
	}
	if e.IsCleared(domain.OfferBid, "b1") {
		t.Fatal("open option marked cleared")
	}
}

func TestProcessSnapshotClearsEachOnce(t *testing.T) {
	store := &fakeStore{}
	e, ledger := newTestEngine(t, store)
	var cleared []string
	e.OnCleared(func(_ context.Context, rec domain.ClearedTrade) { cleared = append(cleared, rec.Type.String()+":"+rec.Option.ID) })

	snap := domain.MarketSnapshot{
		CommittedBids: []domain.TradeOption{option("b1", 1, 2), option("b2", 3, 4)},
		CommittedAsks: []domain.TradeOption{option("a1", 2, 1)},
	}
	ctx := context.Background()
	if err := e.ProcessSnapshot(ctx, snap); err != nil {
		t.Fatalf("ProcessSnapshot: %v", err)
	}
	if err := e.ProcessSnapshot(ctx, snap); err != nil {
		t.Fatalf("second ProcessSnapshot: %v", err)
	}

	want := []string{"bid:b1", "bid:b2", "ask:a1"}
	if len(cleared) != len(want) {
		t.Fatalf("cleared = %v, want %v", cleared, want)
	}
	for i := range want {
		if cleared[i] != want[i] {
			t.Fatalf("cleared = %v, want %v", cleared, want)
		}
	}
	if len(store.inserted) != 3 {
		t.Fatalf("persisted %d trades, want 3", len(store.inserted))
	}
	// b1 creator -26.4, a1 acceptor -24
	if !e.Wallet().Balance().Equal(dec("49.6")) {
		t.Fatalf("balance = %s, want 49.6", e.Wallet().Balance())
	}
	if ledger.activity[10] != 12 {
		t.Fatalf("activity[10] = %v, want 12", ledger.activity[10])
	}

	payloads := make([][]byte, len(store.inserted))
	digests := make([]string, len(store.inserted))
	for i, rec := range store.inserted {
		payloads[i] = ReceiptPayload(rec)
		digests[i] = rec.Digest
	}
	if err := crypto.VerifyChain("", payloads, digests); err != nil {
		t.Fatalf("receipt chain: %v", err)
	}
}

func TestOverlappingSnapshotsClearQuietly(t *testing.T) {
	e, _ := newTestEngine(t, &fakeStore{})
	var (
		mu         sync.Mutex
		cleared    int
		violations int
	)
	e.OnCleared(func(context.Context, domain.ClearedTrade) {
		mu.Lock()
		cleared++
		mu.Unlock()
	})
	e.OnViolation(func(context.Context, error) {
		mu.Lock()
		violations++
		mu.Unlock()
	})

	snap := domain.MarketSnapshot{
		CommittedBids: []domain.TradeOption{option("b1", 1, 2)},
		CommittedAsks: []domain.TradeOption{option("x", 2, 1)},
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.ProcessSnapshot(context.Background(), snap); err != nil {
				t.Errorf("ProcessSnapshot: %v", err)
			}
		}()
	}
	wg.Wait()

	if cleared != 2 || violations != 0 {
		t.Fatalf("cleared %d, violations %d; want 2 and 0", cleared, violations)
	}
	// b1 creator -26.4, x acceptor -24
	if !e.Wallet().Balance().Equal(dec("49.6")) {
		t.Fatalf("balance = %s, want 49.6", e.Wallet().Balance())
	}
}

func TestFeesPaidCountsOwnFees(t *testing.T) {
	tests := []struct {
		name     string
		bid      bool
		creator  int
		acceptor int
		want     float64
	}{
		{"bid creator", true, 1, 2, 2.4},
		{"bid acceptor", true, 2, 1, 0},
		{"ask creator", false, 1, 2, 0},
		{"ask acceptor", false, 2, 1, 2.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New(prometheus.NewRegistry())
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			e := NewEngine(scope, domain.MarketDesign{FeeAmount: 0.1}, NewWallet(decimal.NewFromInt(100)), newFakeLedger(), nil, m, logger)

			var err error
			if tt.bid {
				_, err = e.ClearBid(context.Background(), option("o1", tt.creator, tt.acceptor))
			} else {
				_, err = e.ClearAsk(context.Background(), option("o1", tt.creator, tt.acceptor))
			}
			if err != nil {
				t.Fatalf("clear: %v", err)
			}
			if got := testutil.ToFloat64(m.FeesPaid); got != tt.want {
				t.Errorf("fees paid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEngineStartsAtZeroReceipt(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if head := e.receipts.Head(); head != "0x0000000000000000000000000000000000000000000000000000000000000000" {
		t.Fatalf("receipt head = %s", head)
	}
}

func TestRehydrate(t *testing.T) {
	store := &fakeStore{ids: map[domain.OfferType][]string{domain.OfferBid: {"b1"}}}
	e, _ := newTestEngine(t, store)
	if err := e.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if _, err := e.ClearBid(context.Background(), option("b1", 1, 2)); !errors.Is(err, domain.ErrAlreadyCleared) {
		t.Fatalf("err = %v, want already cleared", err)
	}
}

func TestClearOffMarket(t *testing.T) {
	prosumer := func(id int) domain.MarketParticipant {
		return domain.MarketParticipant{ID: id, Type: domain.ParticipantProsumer}
	}
	grid := domain.MarketParticipant{ID: 0, Type: domain.ParticipantGridOperator}
	retailer := domain.MarketParticipant{ID: 0, Type: domain.ParticipantRetailer}

	tests := []struct {
		name      string
		payer     domain.MarketParticipant
		payee     domain.MarketParticipant
		wantRole  domain.TradeRole
		wantDelta string
		wantPower float64
	}{
		{"feed-in", grid, prosumer(1), domain.RoleCreator, "3.5", -2},
		{"retail", prosumer(1), retailer, domain.RoleAcceptor, "-3.5", 2},
		{"other prosumer", grid, prosumer(7), domain.RoleNone, "0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ledger := newTestEngine(t, nil)
			role, err := e.ClearOffMarket(context.Background(), domain.OffMarketTrade{
				Payer: tt.payer, Payee: tt.payee, Volume: dec("3.5"),
				DeliveryTime: 4, Duration: 1, Power: 2,
			})
			if err != nil {
				t.Fatalf("ClearOffMarket: %v", err)
			}
			if role != tt.wantRole {
				t.Errorf("role = %s, want %s", role, tt.wantRole)
			}
			if got := e.Wallet().Balance().Sub(dec("100")); !got.Equal(dec(tt.wantDelta)) {
				t.Errorf("delta = %s, want %s", got, tt.wantDelta)
			}
			if ledger.activity[4] != tt.wantPower {
				t.Errorf("activity[4] = %v, want %v", ledger.activity[4], tt.wantPower)
			}
			if len(e.Wallet().Fees()) != 0 {
				t.Error("off-market trade incurred a fee")
			}
		})
	}
}

func TestWalletChargeFeeRoundsToCents(t *testing.T) {
	w := NewWallet(decimal.Zero)
	var seen []domain.Payment
	w.OnPayment(func(_ context.Context, p domain.Payment) { seen = append(seen, p) })
	w.ChargeFee(context.Background(), dec("1.23456"), "imbalance")
	if !w.Balance().Equal(dec("-1.23")) {
		t.Fatalf("balance = %s, want -1.23", w.Balance())
	}
	if len(seen) != 1 || len(w.Payments()) != 1 {
		t.Fatalf("payments observed %d, logged %d", len(seen), len(w.Payments()))
	}
}
