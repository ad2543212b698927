package observation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/internal/weather"
)

type fakeMETAR struct {
	readings map[string]weather.StationObservation
	err      error
}

func (f *fakeMETAR) BatchFetch(context.Context, []string) (map[string]weather.StationObservation, error) {
	return f.readings, f.err
}

type fakeCrowd struct {
	highs map[string]weather.CrowdHigh
}

func (f *fakeCrowd) FetchDailyHigh(_ context.Context, stationID, _ string) (weather.CrowdHigh, error) {
	if h, ok := f.highs[stationID]; ok {
		return h, nil
	}
	return weather.CrowdHigh{}, errors.New("no data")
}

type fakeGW struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeGW) ScanCity(_ context.Context, cityKey, targetDate string) {
	f.mu.Lock()
	f.calls = append(f.calls, cityKey+"|"+targetDate)
	f.mu.Unlock()
}

type fakeAdapter struct {
	v     model.Venue
	specs map[string][]model.RangeSpec // city -> outcomes
}

func (f *fakeAdapter) Venue() model.Venue { return f.v }
func (f *fakeAdapter) ListOutcomes(_ context.Context, city, _ string) []model.RangeSpec {
	return f.specs[city]
}
func (f *fakeAdapter) GetPrice(context.Context, string) (venue.Price, error) {
	return venue.Price{}, nil
}
func (f *fakeAdapter) GetOrderbook(context.Context, string) (venue.Orderbook, error) {
	return venue.Orderbook{AskDepth: []venue.DepthLevel{{Price: 0.60, Size: 100}}}, nil
}
func (f *fakeAdapter) FeePerContract(float64) float64 { return 0 }
func (f *fakeAdapter) SimulateBuy(_ context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	return spec.Ask, spec.Ask * float64(shares), time.Now(), nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func ptr(v float64) *float64 { return &v }

func nycToday() string {
	loc, _ := time.LoadLocation("America/New_York")
	return time.Now().In(loc).Format("2006-01-02")
}

type fixture struct {
	store   *storage.Store
	svc     *Service
	gw      *fakeGW
	metar   *fakeMETAR
	crowd   *fakeCrowd
	adapter *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	metar := &fakeMETAR{readings: map[string]weather.StationObservation{}}
	crowd := &fakeCrowd{highs: map[string]weather.CrowdHigh{}}
	gw := &fakeGW{}
	adapter := &fakeAdapter{v: model.VenueNarrative, specs: map[string][]model.RangeSpec{}}
	adapters := map[model.Venue]venue.Adapter{model.VenueNarrative: adapter}

	obsCfg := config.Observer{
		PollIntervalMinutes:    10,
		ActiveHours:            config.ActiveHours{Start: 0, End: 24}, // always active for tests
		CoolingHour:            17,
		WULeadMaxLocalHour:     12,
		WULeadMinGapF:          2.5,
		WULeadMinGapC:          1.5,
		GWNearThresholdBufferF: 1.0,
		GWNearThresholdBufferC: 0.5,
	}
	gwCfg := config.GuaranteedEntry{
		Enabled: true, MaxAsk: 0.97, MinAsk: 0.30, MinMarginCents: 5,
		MinGapF: 0.5, MinGapC: 0.5, MetarOnlyMinGapF: 1.5, MetarOnlyMinGapC: 0.8,
	}
	svc := New(metar, crowd, crowd, adapters, store, gw,
		notify.New("", "", testLogger()), obsCfg, gwCfg, testLogger())
	return &fixture{store: store, svc: svc, gw: gw, metar: metar, crowd: crowd, adapter: adapter}
}

func TestFastTickDetectsCrossingAndTriggersGW(t *testing.T) {
	fx := newFixture(t)
	date := nycToday()

	// KJFK reads 11.1°C (52°F); the "≥49°F" outcome is decided with a
	// 3° gap.
	fx.metar.readings["KJFK"] = weather.StationObservation{
		StationID: "KJFK", ObsTime: time.Now(), TempC: 11.1,
	}
	fx.crowd.highs["KJFK"] = weather.CrowdHigh{HighF: 52, HighC: 11.1, ObservationCount: 5}
	fx.adapter.specs["nyc"] = []model.RangeSpec{{
		Venue: model.VenueNarrative, MarketID: "m", City: "nyc", TargetDate: date,
		RangeName: "≥49°F", RangeMin: ptr(49),
		Bid: 0.55, Ask: 0.60, Volume: 1000,
	}}

	stats := fx.svc.FastTick(context.Background())
	if stats.Detections != 1 {
		t.Fatalf("detections = %d, want 1", stats.Detections)
	}

	events, err := fx.store.ListPendingEvents("nyc", date)
	if err != nil || len(events) != 1 {
		t.Fatalf("pending events = %d (err=%v), want 1", len(events), err)
	}
	e := events[0]
	if e.Side != model.SideYes || e.RangeName != "≥49°F" {
		t.Errorf("event key mismatch: %+v", e)
	}
	if e.AskAtDetection != 0.60 {
		t.Errorf("ask at detection = %v, want 0.60", e.AskAtDetection)
	}
	if e.MetarGap < 2.9 || e.MetarGap > 3.1 {
		t.Errorf("metar gap = %v, want ≈3", e.MetarGap)
	}
	if !e.WUTriggered {
		t.Error("wu crossed too; event should carry wu_triggered")
	}
	if e.OrderbookSnap == "" {
		t.Error("orderbook snapshot missing")
	}

	fx.gw.mu.Lock()
	calls := len(fx.gw.calls)
	fx.gw.mu.Unlock()
	if calls != 1 {
		t.Fatalf("gw trigger calls = %d, want 1", calls)
	}

	// The running high landed in storage.
	highF, _, err := fx.store.RunningHigh("nyc", date)
	if err != nil || highF != 52 {
		t.Errorf("running high = %v (err=%v), want 52", highF, err)
	}
}

func TestFastTickSecondRunDoesNotRetrigger(t *testing.T) {
	fx := newFixture(t)
	date := nycToday()
	fx.metar.readings["KJFK"] = weather.StationObservation{StationID: "KJFK", ObsTime: time.Now(), TempC: 11.1}
	fx.crowd.highs["KJFK"] = weather.CrowdHigh{HighF: 52, HighC: 11.1}
	fx.adapter.specs["nyc"] = []model.RangeSpec{{
		Venue: model.VenueNarrative, MarketID: "m", City: "nyc", TargetDate: date,
		RangeName: "≥49°F", RangeMin: ptr(49),
		Bid: 0.55, Ask: 0.60, Volume: 1000,
	}}

	fx.svc.FastTick(context.Background())
	stats := fx.svc.FastTick(context.Background())
	if stats.Detections != 0 {
		t.Errorf("second tick detections = %d, want 0 (first-detection-only)", stats.Detections)
	}
	fx.gw.mu.Lock()
	calls := len(fx.gw.calls)
	fx.gw.mu.Unlock()
	if calls != 1 {
		t.Errorf("gw trigger calls = %d, want 1", calls)
	}
}

func TestBatchFailureAbortsTick(t *testing.T) {
	fx := newFixture(t)
	fx.metar.err = errors.New("mesonet down")
	stats := fx.svc.FastTick(context.Background())
	if stats.Polled != 0 || stats.Detections != 0 {
		t.Errorf("stats = %+v, want zeroes on batch failure", stats)
	}
}

func TestGapBelowMinimumNotDetected(t *testing.T) {
	fx := newFixture(t)
	date := nycToday()
	// 9.56°C rounds to 49°F against a 49 threshold: gap 0 < the 0.5 minimum.
	fx.metar.readings["KJFK"] = weather.StationObservation{StationID: "KJFK", ObsTime: time.Now(), TempC: 9.56}
	fx.adapter.specs["nyc"] = []model.RangeSpec{{
		Venue: model.VenueNarrative, MarketID: "m", City: "nyc", TargetDate: date,
		RangeName: "≥49°F", RangeMin: ptr(49),
		Bid: 0.55, Ask: 0.60, Volume: 1000,
	}}

	stats := fx.svc.FastTick(context.Background())
	if stats.Detections != 0 {
		t.Errorf("detections = %d, want 0 for sub-minimum gap", stats.Detections)
	}
	if events, _ := fx.store.ListPendingEvents("nyc", date); len(events) != 0 {
		t.Errorf("pending events = %d, want none", len(events))
	}
}

func TestSlowTickWritesWUHighAndKeepsMonotonicity(t *testing.T) {
	fx := newFixture(t)
	date := nycToday()
	fx.metar.readings["KJFK"] = weather.StationObservation{StationID: "KJFK", ObsTime: time.Now(), TempC: 11.1}
	fx.crowd.highs["KJFK"] = weather.CrowdHigh{HighF: 54, HighC: 12.2, ObservationCount: 9}

	fx.svc.SlowTick(context.Background())
	wuF, _ := fx.store.LatestWUHigh("nyc", date)
	if wuF == nil || *wuF != 54 {
		t.Fatalf("wu high = %v, want 54", wuF)
	}

	// A retracted (lower) WU reading later never lowers the stored high.
	fx.crowd.highs["KJFK"] = weather.CrowdHigh{HighF: 50, HighC: 10, ObservationCount: 10}
	fx.metar.readings["KJFK"] = weather.StationObservation{StationID: "KJFK", ObsTime: time.Now().Add(time.Minute), TempC: 11.1}
	fx.svc.SlowTick(context.Background())
	wuF, _ = fx.store.LatestWUHigh("nyc", date)
	if wuF == nil || *wuF != 54 {
		t.Errorf("wu high after retraction = %v, want still 54", wuF)
	}
}
