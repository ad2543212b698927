package guaranteedwin

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

type fakeAdapter struct {
	v     model.Venue
	specs []model.RangeSpec
}

func (f *fakeAdapter) Venue() model.Venue { return f.v }
func (f *fakeAdapter) ListOutcomes(context.Context, string, string) []model.RangeSpec {
	return f.specs
}
func (f *fakeAdapter) GetPrice(context.Context, string) (venue.Price, error) {
	return venue.Price{}, nil
}
func (f *fakeAdapter) GetOrderbook(context.Context, string) (venue.Orderbook, error) {
	return venue.Orderbook{}, nil
}
func (f *fakeAdapter) FeePerContract(float64) float64 { return 0 }
func (f *fakeAdapter) SimulateBuy(_ context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	return spec.Ask, spec.Ask * float64(shares), time.Now(), nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ptr(v float64) *float64 { return &v }

func defaultGWConfig() config.GuaranteedEntry {
	return config.GuaranteedEntry{
		Enabled:                 true,
		MinMarginCents:          5,
		MaxAsk:                  0.97,
		MinAsk:                  0.30,
		MaxBankrollPct:          0.15,
		RequireDualConfirmation: true,
		MinGapF:                 0.5,
		MinGapC:                 0.5,
		MetarOnlyMinGapF:        1.5,
		MetarOnlyMinGapC:        0.8,
	}
}

type fixture struct {
	store   *storage.Store
	exec    *executor.Executor
	scanner *Scanner
	adapter *fakeAdapter
}

func newFixture(t *testing.T, cfg config.GuaranteedEntry) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := &fakeAdapter{v: model.VenueNarrative}
	adapters := map[model.Venue]venue.Adapter{model.VenueNarrative: adapter}
	notifier := notify.New("", "", testLogger())
	sizing := config.Sizing{YesBankroll: 1000, NoBankroll: 1000, NoMaxPerDate: 200,
		KellyFraction: 0.5, MaxBankrollPct: 0.20, MinBet: 10, HardRejectVolumePct: 75, WarnVolumePct: 50}
	exec, err := executor.New(store, adapters, sizing, notifier, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:   store,
		exec:    exec,
		scanner: New(adapters, store, exec, notifier, cfg, testLogger()),
		adapter: adapter,
	}
}

func writeHigh(t *testing.T, store *storage.Store, city, date string, metarF float64, wuF *float64) {
	t.Helper()
	obs := model.Observation{
		City: city, TargetDate: date, StationID: "KJFK", ObservedAt: time.Now(),
		TempC: model.FToC(metarF), TempF: metarF,
		RunningHighC: model.FToC(metarF), RunningHighF: metarF,
	}
	if wuF != nil {
		obs.WUHighF = wuF
		c := model.FToC(*wuF)
		obs.WUHighC = &c
	}
	if err := store.UpsertObservation(obs); err != nil {
		t.Fatal(err)
	}
}

func thresholdSpec(ask float64) model.RangeSpec {
	return model.RangeSpec{
		Venue: model.VenueNarrative, MarketID: "m", City: "nyc", TargetDate: "2025-03-10",
		RangeName: "≥49°F", RangeMin: ptr(49),
		Bid: ask - 0.04, Ask: ask, Volume: 100000,
	}
}

func TestDualConfirmedEntry(t *testing.T) {
	// Scenario: running high 52 at both METAR and WU; "≥49°F" at $0.88
	// clears the margin and price-band filters and enters.
	fx := newFixture(t, defaultGWConfig())
	writeHigh(t, fx.store, "nyc", "2025-03-10", 52, ptr(52.0))
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.88)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	open, err := fx.store.OpenTrades()
	if err != nil || len(open) != 1 {
		t.Fatalf("open trades = %d (err=%v), want 1", len(open), err)
	}
	tr := open[0]
	if tr.EntryReason != model.EntryGuaranteedWin {
		t.Errorf("entry reason = %s, want guaranteed_win", tr.EntryReason)
	}
	if tr.EntryAsk != 0.88 {
		t.Errorf("entry ask = %v, want 0.88", tr.EntryAsk)
	}
	if tr.Side != model.SideYes {
		t.Errorf("side = %s, want yes", tr.Side)
	}
}

func TestMarginFilterRejects(t *testing.T) {
	// Ask 0.96: margin 0.04 is below the 5-cent minimum.
	fx := newFixture(t, defaultGWConfig())
	writeHigh(t, fx.store, "nyc", "2025-03-10", 52, ptr(52.0))
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.96)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	if open, _ := fx.store.OpenTrades(); len(open) != 0 {
		t.Errorf("thin-margin candidate should not enter, got %d trades", len(open))
	}
}

func TestAskBandFilters(t *testing.T) {
	for _, ask := range []float64{0.25, 0.98} {
		fx := newFixture(t, defaultGWConfig())
		writeHigh(t, fx.store, "nyc", "2025-03-10", 52, ptr(52.0))
		fx.adapter.specs = []model.RangeSpec{thresholdSpec(ask)}
		fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")
		if open, _ := fx.store.OpenTrades(); len(open) != 0 {
			t.Errorf("ask %.2f outside [0.30, 0.97] should not enter", ask)
		}
	}
}

func TestDualConfirmationRequired(t *testing.T) {
	// METAR crossed but WU has not reported: the crowd-resolved venue
	// must not enter on METAR alone.
	fx := newFixture(t, defaultGWConfig())
	writeHigh(t, fx.store, "nyc", "2025-03-10", 52, nil)
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.88)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	if open, _ := fx.store.OpenTrades(); len(open) != 0 {
		t.Errorf("single-source candidate should not enter the crowd-resolved venue")
	}
}

func TestWULiftedEntryTagsPWS(t *testing.T) {
	// WU alone is past the threshold; METAR still below. The narrative
	// venue resolves against WU, so this may enter, tagged as a
	// crowd-sourced guaranteed win.
	fx := newFixture(t, defaultGWConfig())
	writeHigh(t, fx.store, "nyc", "2025-03-10", 47, ptr(52.0))
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.88)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	open, _ := fx.store.OpenTrades()
	if len(open) != 1 {
		t.Fatalf("open trades = %d, want 1", len(open))
	}
	if open[0].EntryReason != model.EntryGuaranteedWinPWS {
		t.Errorf("entry reason = %s, want guaranteed_win_pws", open[0].EntryReason)
	}
}

func TestDisabledScannerDoesNothing(t *testing.T) {
	cfg := defaultGWConfig()
	cfg.Enabled = false
	fx := newFixture(t, cfg)
	writeHigh(t, fx.store, "nyc", "2025-03-10", 52, ptr(52.0))
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.88)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	if open, _ := fx.store.OpenTrades(); len(open) != 0 {
		t.Error("disabled scanner must not enter")
	}
}

func TestSizingUsesGWBankrollCap(t *testing.T) {
	// p=1 full Kelly would bet everything; the separate GW cap holds the
	// entry to 15% of the side bankroll.
	fx := newFixture(t, defaultGWConfig())
	writeHigh(t, fx.store, "nyc", "2025-03-10", 52, ptr(52.0))
	fx.adapter.specs = []model.RangeSpec{thresholdSpec(0.88)}

	fx.scanner.ScanCity(context.Background(), "nyc", "2025-03-10")

	open, _ := fx.store.OpenTrades()
	if len(open) != 1 {
		t.Fatal("expected one entry")
	}
	if open[0].Cost > 150+0.88 {
		t.Errorf("cost %v exceeds the 15%% GW cap", open[0].Cost)
	}
}
