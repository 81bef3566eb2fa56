package residual

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/labtrader/internal/domain"
)

type fakeWallet struct {
	charged []decimal.Decimal
}

func (w *fakeWallet) ChargeFee(_ context.Context, amount decimal.Decimal, reason string) domain.Payment {
	w.charged = append(w.charged, amount)
	return domain.Payment{Amount: amount.Neg(), Reason: reason}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestResidualLoadArithmetic(t *testing.T) {
	assets := Assets{
		Generators: [][]float64{{1, 1, 1, 1}, {0, 2, 0}},
		Loads:      [][]float64{{0.5, 0.5, 0.5, 0.5}},
		Storage:    []Storage{{PowerSeries: []float64{2, 1, 3, 3}, CycleEfficiency: 0.9}},
	}
	l := NewLedger(3, assets, nil, nil, nil, discard())
	l.AddMarketActivity(3, 1.5)
	l.AddMarketActivity(99, 7)
	l.Recompute()

	// storage: [0, 1, -2 - 0.2, 0]
	want := []float64{0.5, 3.5, -1.7, 2}
	got := l.ResidualLoad()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("residual[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if act := l.NetMarketActivity(); len(act) != 4 || act[3] != 1.5 {
		t.Errorf("activity = %v", act)
	}
}

func TestStorageChangeLoss(t *testing.T) {
	got := StorageChange(Storage{PowerSeries: []float64{0, 1}, CycleEfficiency: 0.85}, 1)
	// charging by 1 costs round(0.15*-1*1000)/1000 extra
	if !approx(got[1], -1.15) {
		t.Fatalf("change = %v, want -1.15", got[1])
	}
}

func TestRecomputePublishes(t *testing.T) {
	l := NewLedger(2, Assets{}, nil, nil, nil, discard())
	var updates []domain.ResidualUpdate
	l.OnUpdate(func(u domain.ResidualUpdate) { updates = append(updates, u) })
	l.Tick(context.Background(), 1)
	l.AddMarketActivity(1, -2)
	l.Recompute()
	if len(updates) != 1 || updates[0].At != 1 || updates[0].Series[1] != -2 {
		t.Fatalf("updates = %+v", updates)
	}
	if l.Imbalance(1) != -2 {
		t.Fatalf("imbalance = %v", l.Imbalance(1))
	}
}

func TestRegisterLastFee(t *testing.T) {
	tests := []struct {
		name      string
		activity  float64
		wantFee   bool
		wantPower float64
		wantPaid  string
	}{
		{"negative imbalance floored", -1.27, true, 1.2, "3.6"},
		{"positive imbalance", 0.55, true, 0.5, "1.5"},
		{"below one step", 0.09, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWallet{}
			l := NewLedger(2, Assets{}, []float64{0, 0, 3}, w, nil, discard())
			var recorded []domain.ImbalanceFee
			l.OnImbalanceFee(func(_ context.Context, f domain.ImbalanceFee) { recorded = append(recorded, f) })
			l.AddMarketActivity(2, tt.activity)
			l.Recompute()

			fee, err := l.RegisterLastFee(context.Background())
			if err != nil {
				t.Fatalf("RegisterLastFee: %v", err)
			}
			if !tt.wantFee {
				if fee != nil || len(w.charged) != 0 {
					t.Fatalf("fee = %+v, charged %v", fee, w.charged)
				}
				return
			}
			if fee == nil {
				t.Fatal("no fee registered")
			}
			if fee.TimeStep != 2 || !approx(fee.ImbalancePower, tt.wantPower) || !fee.ImbalancePaid.Equal(decimal.RequireFromString(tt.wantPaid)) {
				t.Fatalf("fee = %+v", fee)
			}
			if len(w.charged) != 1 || len(recorded) != 1 {
				t.Fatalf("charged %v, recorded %v", w.charged, recorded)
			}

			// registering again neither charges nor records twice
			if _, err := l.RegisterLastFee(context.Background()); err != nil {
				t.Fatal(err)
			}
			if len(w.charged) != 1 || len(recorded) != 1 {
				t.Fatalf("fee charged twice")
			}
		})
	}
}

func TestRegisterLastFeeMissingPenalty(t *testing.T) {
	l := NewLedger(5, Assets{}, []float64{1}, nil, nil, discard())
	if _, err := l.RegisterLastFee(context.Background()); err == nil {
		t.Fatal("expected an error without a penalty for the end time")
	}
}
