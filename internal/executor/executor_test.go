package executor

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

// fakeAdapter is a paper venue with a configurable fee formula.
type fakeAdapter struct {
	v   model.Venue
	fee func(p float64) float64
}

func (f *fakeAdapter) Venue() model.Venue { return f.v }
func (f *fakeAdapter) ListOutcomes(context.Context, string, string) []model.RangeSpec {
	return nil
}
func (f *fakeAdapter) GetPrice(context.Context, string) (venue.Price, error) {
	return venue.Price{}, nil
}
func (f *fakeAdapter) GetOrderbook(context.Context, string) (venue.Orderbook, error) {
	return venue.Orderbook{}, nil
}
func (f *fakeAdapter) FeePerContract(p float64) float64 { return f.fee(p) }
func (f *fakeAdapter) SimulateBuy(_ context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	return spec.Ask, spec.Ask * float64(shares), time.Now(), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultSizing() config.Sizing {
	return config.Sizing{
		KellyFraction:       0.5,
		YesBankroll:         1000,
		NoBankroll:          1000,
		NoMaxPerDate:        200,
		MaxBankrollPct:      0.20,
		MinBet:              10,
		HardRejectVolumePct: 75,
		WarnVolumePct:       50,
	}
}

func newTestExecutor(t *testing.T, cfg config.Sizing) (*Executor, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	adapters := map[model.Venue]venue.Adapter{
		model.VenueNarrative:  &fakeAdapter{v: model.VenueNarrative, fee: venue.FlatFee},
		model.VenueStructured: &fakeAdapter{v: model.VenueStructured, fee: func(p float64) float64 { return venue.QuadraticFee(0.07, p) }},
	}
	notifier := notify.New("", "", testLogger())
	x, err := New(store, adapters, cfg, notifier, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return x, store
}

func yesCandidate(city, date string, bid, ask float64, volume int, p float64) Candidate {
	return Candidate{
		Spec: model.RangeSpec{
			Venue: model.VenueNarrative, MarketID: "m1", City: city, TargetDate: date,
			RangeName: "≥49°F", RangeMin: ptr(49),
			Bid: bid, Ask: ask, Volume: volume,
		},
		Side:        model.SideYes,
		Probability: p,
		Forecast:    model.Forecast{Temp: 52, HoursToResolution: 18, Confidence: model.ConfidenceHigh},
		Reason:      model.EntryModel,
	}
}

func ptr(v float64) *float64 { return &v }

func TestExecute_KellySizing(t *testing.T) {
	// p=0.55, ask=0.40, fee=0, bankroll=$1000: f*=0.10, halved to 0.05,
	// $50, 125 shares, $50.00 cost.
	x, _ := newTestExecutor(t, defaultSizing())
	trade, reject, err := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 10000, 0.55))
	if err != nil || reject != "" {
		t.Fatalf("execute: reject=%q err=%v", reject, err)
	}
	if trade.Shares != 125 {
		t.Errorf("shares = %d, want 125", trade.Shares)
	}
	if math.Abs(trade.Cost-50) > 1e-9 {
		t.Errorf("cost = %v, want 50.00", trade.Cost)
	}
	if math.Abs(x.Available(model.SideYes)-950) > 1e-9 {
		t.Errorf("yes bankroll after entry = %v, want 950", x.Available(model.SideYes))
	}
}

func TestExecute_KellyNonPositiveRejects(t *testing.T) {
	x, _ := newTestExecutor(t, defaultSizing())
	_, reject, err := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 10000, 0.40))
	if err != nil || reject != RejectKellyNonPositive {
		t.Errorf("reject = %q err=%v, want kelly reject", reject, err)
	}
}

func TestExecute_DedupRejects(t *testing.T) {
	x, _ := newTestExecutor(t, defaultSizing())
	c := yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 10000, 0.55)
	if _, reject, err := x.Execute(context.Background(), c); reject != "" || err != nil {
		t.Fatalf("first entry failed: %q %v", reject, err)
	}
	_, reject, err := x.Execute(context.Background(), c)
	if err != nil || reject != RejectDuplicate {
		t.Errorf("reject = %q err=%v, want duplicate", reject, err)
	}
}

func TestExecute_ZeroVolumeRejects(t *testing.T) {
	x, _ := newTestExecutor(t, defaultSizing())
	_, reject, _ := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 0, 0.55))
	if reject != RejectZeroVolume {
		t.Errorf("reject = %q, want zero volume", reject)
	}
}

func TestExecute_VolumeHardReject(t *testing.T) {
	x, _ := newTestExecutor(t, defaultSizing())
	// 125 shares against volume 100 is 125% of volume.
	_, reject, _ := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 100, 0.55))
	if reject != RejectVolumeHard {
		t.Errorf("reject = %q, want volume hard reject", reject)
	}
}

func TestExecute_MaxVolumePctClips(t *testing.T) {
	cfg := defaultSizing()
	maxVol := 10.0
	cfg.MaxVolumePct = &maxVol
	x, _ := newTestExecutor(t, cfg)
	// 125 raw shares against volume 400: 31% is past the 10% clip but
	// under the 75% hard reject, so shares clip to 40.
	trade, reject, err := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 400, 0.55))
	if err != nil || reject != "" {
		t.Fatalf("execute: %q %v", reject, err)
	}
	if trade.Shares != 40 {
		t.Errorf("clipped shares = %d, want 40", trade.Shares)
	}
	if math.Abs(trade.Cost-16) > 1e-9 {
		t.Errorf("cost = %v, want 16.00", trade.Cost)
	}
}

func TestExecute_NoPerDateCap(t *testing.T) {
	cfg := defaultSizing()
	cfg.MaxBankrollPct = 1.0
	cfg.KellyFraction = 1.0
	x, _ := newTestExecutor(t, cfg)

	noCandidate := func(rangeName string) Candidate {
		c := Candidate{
			Spec: model.RangeSpec{
				Venue: model.VenueNarrative, MarketID: "m", City: "nyc", TargetDate: "2025-03-10",
				RangeName: rangeName, RangeMin: ptr(49),
				Bid: 0.50, Ask: 0.55, Volume: 100000,
			},
			Side:        model.SideNo,
			Probability: 0.95,
			Forecast:    model.Forecast{HoursToResolution: 18},
			Reason:      model.EntryModel,
		}
		return c
	}

	// NO ask = 1 - bid = 0.50; full-Kelly at p=0.95 wants far more than
	// $200, so the per-date cap clamps the entry to exactly $200.
	trade, reject, err := x.Execute(context.Background(), noCandidate("≥49°F"))
	if err != nil || reject != "" {
		t.Fatalf("first NO entry: %q %v", reject, err)
	}
	if math.Abs(trade.Cost-200) > 1e-9 {
		t.Errorf("first NO cost = %v, want clamped to 200", trade.Cost)
	}

	// The date now sits exactly at the cap; the next NO candidate for the
	// same date rejects.
	_, reject, err = x.Execute(context.Background(), noCandidate("≥50°F"))
	if err != nil || reject != RejectNoDateCap {
		t.Errorf("reject = %q err=%v, want per-date cap", reject, err)
	}
}

func TestExecute_InsufficientBankroll(t *testing.T) {
	cfg := defaultSizing()
	cfg.YesBankroll = 5 // below MIN_BET
	x, _ := newTestExecutor(t, cfg)
	_, reject, _ := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 10000, 0.55))
	if reject != RejectInsufficientBankroll {
		t.Errorf("reject = %q, want insufficient bankroll", reject)
	}
}

func TestReleaseRestoresBankroll(t *testing.T) {
	x, _ := newTestExecutor(t, defaultSizing())
	trade, _, err := x.Execute(context.Background(), yesCandidate("nyc", "2025-03-10", 0.30, 0.40, 10000, 0.55))
	if err != nil {
		t.Fatal(err)
	}
	x.Release(model.SideYes, trade.TargetDate, trade.Cost)
	if math.Abs(x.Available(model.SideYes)-1000) > 1e-9 {
		t.Errorf("bankroll after release = %v, want 1000", x.Available(model.SideYes))
	}
}

func TestBankrollReconciliationOnStartup(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	open := &model.Trade{
		City: "nyc", TargetDate: "2025-03-10", Venue: model.VenueNarrative,
		RangeName: "≥49°F", Side: model.SideYes, Status: model.TradeOpen,
		Shares: 100, Cost: 40,
	}
	if err := store.SaveTrade(open); err != nil {
		t.Fatal(err)
	}

	adapters := map[model.Venue]venue.Adapter{
		model.VenueNarrative: &fakeAdapter{v: model.VenueNarrative, fee: venue.FlatFee},
	}
	x, err := New(store, adapters, defaultSizing(), notify.New("", "", testLogger()), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	// Invariant 4: configured bankroll minus open cost equals the
	// in-memory balance.
	if math.Abs(x.Available(model.SideYes)-960) > 1e-9 {
		t.Errorf("reconciled yes balance = %v, want 960", x.Available(model.SideYes))
	}
}

func TestKellyFormula(t *testing.T) {
	if got := Kelly(0.55, 0); math.Abs(got-0.10) > 1e-9 {
		t.Errorf("Kelly(0.55, 0) = %v, want 0.10", got)
	}
	if got := Kelly(0.5, 0); got != 0 {
		t.Errorf("Kelly at fair odds = %v, want 0", got)
	}
	// A fee shrinks the edge.
	if Kelly(0.55, 0.02) >= Kelly(0.55, 0) {
		t.Error("fee should reduce the Kelly fraction")
	}
}
