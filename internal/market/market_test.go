package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alanyoungcy/labtrader/internal/domain"
	"github.com/alanyoungcy/labtrader/internal/platform/labchain"
)

type fixedClock struct{ now, end int }

func (c fixedClock) CurrentTime() int { return c.now }
func (c fixedClock) EndTime() int     { return c.end }

var design = domain.MarketDesign{
	BidClosure:      2,
	AskClosure:      1,
	TimeSliceLength: 2,
	MinBidSize:      0.5,
	MinAskSize:      0.1,
	MaxPrice:        10,
	FeeAmount:       0.1,
}

func constraints(err error) map[string]bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return nil
	}
	out := map[string]bool{}
	for _, is := range ve.Issues {
		out[is.Constraint] = true
	}
	return out
}

func TestValidatorCheck(t *testing.T) {
	v := NewValidator(design, fixedClock{now: 10, end: 100}, nil)
	valid := domain.TradeOption{DeliveryTime: 20, Duration: 4, Power: 1, Price: 3}

	tests := []struct {
		name   string
		t      domain.OfferType
		mutate func(*domain.TradeOption)
		want   []string
	}{
		{"valid bid", domain.OfferBid, func(*domain.TradeOption) {}, nil},
		{"past delivery", domain.OfferBid, func(o *domain.TradeOption) { o.DeliveryTime = 5 }, []string{ConstraintDeliveryPast, ConstraintClosure}},
		{"bid closure", domain.OfferBid, func(o *domain.TradeOption) { o.DeliveryTime = 11 }, []string{ConstraintClosure}},
		{"ask closure is shorter", domain.OfferAsk, func(o *domain.TradeOption) { o.DeliveryTime = 11 }, nil},
		{"odd duration", domain.OfferBid, func(o *domain.TradeOption) { o.Duration = 3 }, []string{ConstraintDurationSlice}},
		{"too long", domain.OfferBid, func(o *domain.TradeOption) { o.Duration = 50 }, []string{ConstraintDurationLength}},
		{"beyond end", domain.OfferBid, func(o *domain.TradeOption) { o.DeliveryTime = 98; o.Duration = 4 }, []string{ConstraintBeyondEnd}},
		{"small bid", domain.OfferBid, func(o *domain.TradeOption) { o.Power = 0.2 }, []string{ConstraintMinSize}},
		{"small ask ok", domain.OfferAsk, func(o *domain.TradeOption) { o.Power = 0.2 }, nil},
		{"expensive", domain.OfferBid, func(o *domain.TradeOption) { o.Price = 11 }, []string{ConstraintMaxPrice}},
		{"negative price", domain.OfferAsk, func(o *domain.TradeOption) { o.Price = -1 }, []string{ConstraintNegativePrice}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt := valid
			tt.mutate(&opt)
			err := v.Check(tt.t, opt)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, domain.ErrInvalidOffer) {
				t.Fatalf("err = %v, want ErrInvalidOffer", err)
			}
			got := constraints(err)
			if len(got) != len(tt.want) {
				t.Fatalf("constraints = %v, want %v", got, tt.want)
			}
			for _, c := range tt.want {
				if !got[c] {
					t.Errorf("missing constraint %s in %v", c, got)
				}
			}
		})
	}
}

func TestValidatorNoPriceCap(t *testing.T) {
	d := design
	d.MaxPrice = domain.NoPriceCap
	v := NewValidator(d, fixedClock{now: 0, end: 100}, nil)
	if err := v.Check(domain.OfferBid, domain.TradeOption{DeliveryTime: 10, Duration: 2, Power: 1, Price: 1e6}); err != nil {
		t.Fatalf("uncapped market rejected a high price: %v", err)
	}
}

type fakeWriter struct {
	offers  []labchain.OfferSubmission
	commits []labchain.Commitment
}

func (w *fakeWriter) SubmitOffer(_ context.Context, s labchain.OfferSubmission) error {
	w.offers = append(w.offers, s)
	return nil
}

func (w *fakeWriter) SubmitCommitment(_ context.Context, c labchain.Commitment) error {
	w.commits = append(w.commits, c)
	return nil
}

type fakeResources struct{ id string }

func (r fakeResources) RequestFreeResource(context.Context) (domain.Resource, error) {
	return domain.Resource{ResourceID: r.id, ResourceType: "d-i-1"}, nil
}

var (
	scope    = domain.ExperimentScope{DescriptionID: "d", InstanceID: "i", ProsumerID: 1}
	calendar = domain.TradingCalendar{FirstTradingWindow: 1000, TimeScalingFactor: 100}
)

func newTestSubmitter(w *fakeWriter) *Submitter {
	return NewSubmitter(w, fakeResources{id: "d-i-1-7"}, calendar, scope, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSubmitAskSeries(t *testing.T) {
	w := &fakeWriter{}
	opt, err := newTestSubmitter(w).Submit(context.Background(), domain.OfferAsk, domain.TradeOption{
		DeliveryTime: 50, Duration: 3, Power: 2.5, Price: 4,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if opt.ID != "7" {
		t.Errorf("id = %q, want slot of the resource", opt.ID)
	}
	if len(w.offers) != 1 {
		t.Fatalf("offers = %d", len(w.offers))
	}
	sub := w.offers[0]
	if sub.ResourceID != "d-i-1-7" || sub.UTCTimeframe != 1100 {
		t.Fatalf("submission = %s @ %d", sub.ResourceID, sub.UTCTimeframe)
	}
	if len(sub.Positive) != domain.SeriesLength || len(sub.Negative) != domain.SeriesLength {
		t.Fatalf("series lengths %d/%d", len(sub.Positive), len(sub.Negative))
	}
	for i, e := range sub.Positive {
		inside := i >= 2 && i < 5
		if inside && (e.Amount != 2500 || e.Price != 4) {
			t.Errorf("positive[%d] = %+v", i, e)
		}
		if !inside && (e.Amount != 0 || e.Price != 0) {
			t.Errorf("positive[%d] = %+v, want zero", i, e)
		}
	}
	for i, e := range sub.Negative {
		if e.Amount != 0 {
			t.Errorf("negative[%d] = %+v, want zero", i, e)
		}
	}
}

func TestSubmitBidUsesNegativeSeries(t *testing.T) {
	w := &fakeWriter{}
	if _, err := newTestSubmitter(w).Submit(context.Background(), domain.OfferBid, domain.TradeOption{
		DeliveryTime: 0, Duration: 1, Power: 1, Price: 1,
	}); err != nil {
		t.Fatal(err)
	}
	sub := w.offers[0]
	if sub.Negative[0].Amount != 1000 || sub.Positive[0].Amount != 0 {
		t.Fatalf("bid series = +%v / -%v", sub.Positive[0], sub.Negative[0])
	}
}

func TestCommitSeries(t *testing.T) {
	w := &fakeWriter{}
	s := newTestSubmitter(w)
	opt := domain.TradeOption{ID: "9", Creator: domain.Prosumer{ID: 4}, DeliveryTime: 100, Duration: 2}

	if err := s.Commit(context.Background(), domain.OfferBid, opt); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(context.Background(), domain.OfferAsk, opt); err != nil {
		t.Fatal(err)
	}

	bid, ask := w.commits[0], w.commits[1]
	if bid.ResourceID != "d-i-4-9" || bid.UTCTimeframe != 1200 {
		t.Fatalf("commit = %s @ %d", bid.ResourceID, bid.UTCTimeframe)
	}
	for i := 0; i < domain.SeriesLength; i++ {
		want := 0.0
		if i == 4 || i == 5 {
			want = 1.0
		}
		if bid.Negative[i].Share != want || bid.Positive[i].Share != 0 {
			t.Errorf("bid commit[%d] = +%v / -%v", i, bid.Positive[i], bid.Negative[i])
		}
		if ask.Positive[i].Share != want || ask.Negative[i].Share != 0 {
			t.Errorf("ask commit[%d] = +%v / -%v", i, ask.Positive[i], ask.Negative[i])
		}
	}
}
