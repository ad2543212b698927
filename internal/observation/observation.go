// Package observation runs the two station-polling loops: a fast loop over
// cities in their active hours that detects boundary crossings before the
// market adjusts, and a slow loop over all cities that writes full
// observation rows and cross-validates the crowd provider against METAR.
// A fresh crossing upserts a pending event with orderbook snapshots and
// synchronously triggers the guaranteed-win scanner.
package observation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/internal/weather"
)

// Provider is the batched METAR observation collaborator.
type Provider interface {
	BatchFetch(ctx context.Context, stationIDs []string) (map[string]weather.StationObservation, error)
}

// CrowdProvider is the crowd-observation (WU) collaborator.
type CrowdProvider interface {
	FetchDailyHigh(ctx context.Context, stationID, localDate string) (weather.CrowdHigh, error)
}

// GWTrigger lets the fast loop call the guaranteed-win scanner
// synchronously without the two packages depending on each other.
type GWTrigger interface {
	ScanCity(ctx context.Context, cityKey, targetDate string)
}

const wuFastTimeout = 3 * time.Second

type Service struct {
	metar    Provider
	wuFast   CrowdProvider
	wuSlow   CrowdProvider
	adapters map[model.Venue]venue.Adapter
	store    *storage.Store
	gw       GWTrigger
	notifier *notify.Notifier
	cfg      config.Observer
	gwCfg    config.GuaranteedEntry
	logger   *slog.Logger

	mu            sync.Mutex
	alerted       map[string]bool
	wuLeadsLogged map[string]bool
	debounceDate  string
}

func New(metar Provider, wuFast, wuSlow CrowdProvider, adapters map[model.Venue]venue.Adapter,
	store *storage.Store, gw GWTrigger, notifier *notify.Notifier,
	cfg config.Observer, gwCfg config.GuaranteedEntry, logger *slog.Logger) *Service {
	return &Service{
		metar:         metar,
		wuFast:        wuFast,
		wuSlow:        wuSlow,
		adapters:      adapters,
		store:         store,
		gw:            gw,
		notifier:      notifier,
		cfg:           cfg,
		gwCfg:         gwCfg,
		logger:        logger,
		alerted:       make(map[string]bool),
		wuLeadsLogged: make(map[string]bool),
	}
}

// TickStats reports how much of a tick actually completed.
type TickStats struct {
	Polled     int
	Detections int
}

// cityDay is one city's view for a tick: its local date and the stations
// each venue resolves against.
type cityDay struct {
	city *cities.City
	loc  *time.Location
	date string
}

// FastTick polls cities currently inside their active hours, skips cities
// not near any outcome boundary, and enters full processing for the rest.
func (s *Service) FastTick(ctx context.Context) TickStats {
	return s.tick(ctx, model.PollFast)
}

// SlowTick polls every city regardless of nearness and additionally writes
// full observation rows and runs the WU cross-validation checks.
func (s *Service) SlowTick(ctx context.Context) TickStats {
	return s.tick(ctx, model.PollRegular)
}

func (s *Service) tick(ctx context.Context, source model.PollSource) TickStats {
	now := time.Now()
	var days []cityDay
	stations := make(map[string]bool)
	for _, city := range cities.All() {
		loc, err := time.LoadLocation(city.Timezone)
		if err != nil {
			s.logger.Warn("bad timezone", "city", city.Key, "err", err)
			continue
		}
		local := now.In(loc)
		if source == model.PollFast {
			h := local.Hour()
			if h < s.cfg.ActiveHours.Start || h >= s.cfg.ActiveHours.End {
				continue
			}
		}
		days = append(days, cityDay{city: city, loc: loc, date: local.Format("2006-01-02")})
		stations[city.StructuredStation] = true
		stations[city.NarrativeStation] = true
	}
	if len(days) == 0 {
		return TickStats{}
	}
	s.resetDebounceOnRollover(days[0].date)

	ids := make([]string, 0, len(stations))
	for id := range stations {
		ids = append(ids, id)
	}
	readings, err := s.metar.BatchFetch(ctx, ids)
	if err != nil {
		// A batch failure aborts the whole tick; the next tick retries.
		s.logger.Error("metar batch fetch failed", "err", err)
		return TickStats{}
	}

	stats := TickStats{Polled: len(readings)}
	var triggers []cityDay

	// WU augmentation runs per near-threshold city in parallel under a
	// hard per-city timeout; a WU failure degrades to METAR-only.
	type cityOutcome struct {
		day        cityDay
		detections int
	}
	results := make(chan cityOutcome, len(days))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, day := range days {
		day := day
		g.Go(func() error {
			n := s.processCity(gctx, day, readings, source)
			results <- cityOutcome{day, n}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	for r := range results {
		if r.detections > 0 {
			stats.Detections += r.detections
			triggers = append(triggers, r.day)
		}
	}

	// Fresh crossings trigger the guaranteed-win scan synchronously,
	// bypassing its normal timer.
	for _, day := range triggers {
		s.gw.ScanCity(ctx, day.city.Key, day.date)
	}
	return stats
}

// processCity runs steps 3-8 of the fast loop for one city, returning the
// number of first detections.
func (s *Service) processCity(ctx context.Context, day cityDay, readings map[string]weather.StationObservation, source model.PollSource) int {
	city := day.city
	specs := make(map[model.Venue][]model.RangeSpec)
	for v, adapter := range s.adapters {
		specs[v] = adapter.ListOutcomes(ctx, city.Key, day.date)
	}

	// Effective running high per venue: stored station high lifted by the
	// fresh METAR reading for that venue's station.
	effective := make(map[model.Venue]float64)
	fresh := make(map[model.Venue]*weather.StationObservation)
	for v := range s.adapters {
		station := city.StationForVenue(v)
		highF, _, _ := s.store.StationRunningHigh(city.Key, day.date, station)
		if r, ok := readings[station]; ok {
			rc := r
			fresh[v] = &rc
			highF = math.Max(highF, model.CToF(r.TempC))
		}
		effective[v] = s.inCityUnit(city, highF)
	}

	near := s.nearBoundary(city, specs, effective)
	if source == model.PollFast && !near {
		return 0
	}

	// WU lifts only the venue that resolves against the crowd provider,
	// and only when that venue's station is the one being processed.
	var wuHigh *weather.CrowdHigh
	wuClient := s.wuSlow
	if source == model.PollFast {
		wuClient = s.wuFast
	}
	wuCtx, cancel := context.WithTimeout(ctx, wuFastTimeout)
	if crowd, err := wuClient.FetchDailyHigh(wuCtx, city.NarrativeStation, day.date); err == nil {
		wuHigh = &crowd
		if wu := s.inCityUnit(city, crowd.HighF); wu > effective[model.VenueNarrative] {
			effective[model.VenueNarrative] = wu
		}
	} else if source == model.PollRegular {
		s.logger.Warn("wu fetch failed, degrading to metar-only", "city", city.Key, "err", err)
	}
	cancel()

	detections := 0
	for v, outcomes := range specs {
		for _, spec := range outcomes {
			detections += s.checkBoundary(ctx, day, spec, effective[v], wuHigh, source)
		}
	}

	s.writeObservations(day, fresh, wuHigh, source)
	if source == model.PollRegular {
		s.crossValidate(day, fresh, wuHigh)
	}
	return detections
}

// nearBoundary reports whether any outcome's threshold is within the
// near-threshold buffer of the city's effective high, counting thresholds
// the high has already crossed (a single-tick jump past a boundary must
// still enter full processing).
func (s *Service) nearBoundary(city *cities.City, specs map[model.Venue][]model.RangeSpec, effective map[model.Venue]float64) bool {
	buffer := s.cfg.GWNearThresholdBufferF
	if city.Unit == model.UnitC {
		buffer = s.cfg.GWNearThresholdBufferC
	}
	for v, outcomes := range specs {
		high := effective[v]
		if high == 0 {
			continue
		}
		for _, spec := range outcomes {
			if spec.RangeMin != nil && high >= *spec.RangeMin-buffer {
				return true
			}
			if spec.RangeMax != nil && high >= *spec.RangeMax-buffer {
				return true
			}
		}
	}
	return false
}

// checkBoundary evaluates one outcome for a settlement-deciding crossing
// and upserts a pending event when the gap clears the minimum. Returns 1
// on a first detection.
func (s *Service) checkBoundary(ctx context.Context, day cityDay, spec model.RangeSpec, high float64, wuHigh *weather.CrowdHigh, source model.PollSource) int {
	city := day.city
	for _, side := range []model.Side{model.SideYes, model.SideNo} {
		won, determined := model.Determined(spec.RangeMin, spec.RangeMax, side, high)
		if !determined || !won {
			continue
		}

		var gap float64
		if side == model.SideYes {
			gap = high - *spec.RangeMin
		} else {
			gap = high - *spec.RangeMax
		}
		if gap < s.minGap(city, spec.Venue) {
			continue
		}

		// Once the market has repriced past the ceiling the event is
		// logged but no longer entry-eligible.
		ask := spec.AskForSide(side)
		if ask >= s.gwCfg.MaxAsk {
			if err := s.store.MarkMarketRepriced(city.Key, day.date, spec.Venue, spec.RangeName, side); err != nil {
				s.logger.Warn("mark repriced failed", "city", city.Key, "err", err)
			}
		}

		wuCrossed := false
		var wuF *float64
		if wuHigh != nil {
			w := s.inCityUnit(city, wuHigh.HighF)
			wuF = &wuHigh.HighF
			if cw, cd := model.Determined(spec.RangeMin, spec.RangeMax, side, w); cd && cw {
				wuCrossed = true
			}
		}

		event := model.PendingEvent{
			City:           city.Key,
			TargetDate:     day.date,
			Venue:          spec.Venue,
			RangeName:      spec.RangeName,
			Side:           side,
			MetarHigh:      high,
			WUHigh:         wuF,
			MetarGap:       gap,
			AskAtDetection: ask,
			OrderbookSnap:  s.snapshotOrderbook(ctx, spec.Venue, spec.MarketID),
			OtherVenueSnap: s.snapshotOtherVenue(ctx, day, spec),
			PollSource:     source,
			WUTriggered:    wuCrossed,
		}
		first, err := s.store.UpsertPendingEvent(event)
		if err != nil {
			s.logger.Error("pending event upsert failed", "city", city.Key, "range", spec.RangeName, "err", err)
			continue
		}
		if wuCrossed {
			if err := s.store.ConfirmWU(city.Key, day.date, spec.Venue, spec.RangeName, side); err != nil {
				s.logger.Warn("wu confirm failed", "city", city.Key, "err", err)
			}
		}
		if first && s.firstAlert(city.Key, day.date, spec.Venue, spec.RangeName, side) {
			s.notifier.Critical(fmt.Sprintf(
				"boundary crossed: %s %s %s %s high=%.1f gap=%.1f ask=$%.2f",
				city.Key, day.date, spec.RangeName, side, high, gap, ask))
			return 1
		}
	}
	return 0
}

// minGap is the minimum observed-minus-threshold gap required before a
// crossing counts; doubled for the structured venue when its station
// differs from the narrative venue's.
func (s *Service) minGap(city *cities.City, v model.Venue) float64 {
	if v == model.VenueStructured && city.DualStation() {
		if city.Unit == model.UnitC {
			return s.gwCfg.MetarOnlyMinGapC
		}
		return s.gwCfg.MetarOnlyMinGapF
	}
	if city.Unit == model.UnitC {
		return s.gwCfg.MinGapC
	}
	return s.gwCfg.MinGapF
}

func (s *Service) snapshotOrderbook(ctx context.Context, v model.Venue, marketID string) string {
	ob, err := s.adapters[v].GetOrderbook(ctx, marketID)
	if err != nil {
		return ""
	}
	b, _ := json.Marshal(ob.AskDepth)
	return string(b)
}

// snapshotOtherVenue finds the other venue's matching outcome by
// unit-converted bounds within one unit of tolerance and snapshots its
// ask depth too.
func (s *Service) snapshotOtherVenue(ctx context.Context, day cityDay, spec model.RangeSpec) string {
	other := model.VenueStructured
	if spec.Venue == model.VenueStructured {
		other = model.VenueNarrative
	}
	adapter, ok := s.adapters[other]
	if !ok {
		return ""
	}
	for _, cand := range adapter.ListOutcomes(ctx, day.city.Key, day.date) {
		if boundsMatch(spec, cand, 1.0) {
			return s.snapshotOrderbook(ctx, other, cand.MarketID)
		}
	}
	return ""
}

func boundsMatch(a, b model.RangeSpec, tolerance float64) bool {
	conv := func(v *float64, from, to model.Unit) *float64 {
		if v == nil || from == to {
			return v
		}
		var c float64
		if from == model.UnitC {
			c = model.CToF(*v)
		} else {
			c = model.FToC(*v)
		}
		return &c
	}
	bMin := conv(b.RangeMin, b.RangeUnit, a.RangeUnit)
	bMax := conv(b.RangeMax, b.RangeUnit, a.RangeUnit)
	within := func(x, y *float64) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return math.Abs(*x-*y) <= tolerance
	}
	return within(a.RangeMin, bMin) && within(a.RangeMax, bMax)
}

// writeObservations upserts a row per station whose reading advanced the
// running high (GREATEST semantics at the database keep it monotone).
func (s *Service) writeObservations(day cityDay, fresh map[model.Venue]*weather.StationObservation, wuHigh *weather.CrowdHigh, source model.PollSource) {
	written := make(map[string]bool)
	for _, r := range fresh {
		if r == nil || written[r.StationID] {
			continue
		}
		written[r.StationID] = true

		tempF := model.CToF(r.TempC)
		storedF, storedC, hasStored := s.store.StationRunningHigh(day.city.Key, day.date, r.StationID)
		runningF := math.Max(storedF, tempF)
		runningC := math.Max(storedC, r.TempC)

		obs := model.Observation{
			City:         day.city.Key,
			TargetDate:   day.date,
			StationID:    r.StationID,
			ObservedAt:   r.ObsTime,
			TempC:        r.TempC,
			TempF:        tempF,
			RunningHighC: runningC,
			RunningHighF: runningF,
		}
		if wuHigh != nil && r.StationID == day.city.NarrativeStation {
			obs.WUHighF = &wuHigh.HighF
			obs.WUHighC = &wuHigh.HighC
			if wuHigh.HighF > runningF {
				obs.RunningHighF = wuHigh.HighF
				obs.RunningHighC = wuHigh.HighC
			}
		}

		isNewHigh := !hasStored || obs.RunningHighF > storedF
		if source == model.PollFast && !isNewHigh {
			continue
		}
		if err := s.store.UpsertObservation(obs); err != nil {
			s.logger.Warn("observation upsert failed", "city", day.city.Key, "station", r.StationID, "err", err)
		}
	}
}

// crossValidate is the slow loop's WU-vs-METAR comparison: mismatch
// logging, the WU-leads-METAR pattern, and the retraction audit.
func (s *Service) crossValidate(day cityDay, fresh map[model.Venue]*weather.StationObservation, wuHigh *weather.CrowdHigh) {
	if wuHigh == nil {
		return
	}
	city := day.city
	r := fresh[model.VenueNarrative]
	if r == nil {
		return
	}
	metarF := model.CToF(r.TempC)
	if storedF, _, ok := s.store.StationRunningHigh(city.Key, day.date, city.NarrativeStation); ok {
		metarF = math.Max(metarF, storedF)
	}
	gap := wuHigh.HighF - metarF

	minGap := s.cfg.WULeadMinGapF
	if city.Unit == model.UnitC {
		minGap = s.cfg.WULeadMinGapC
		gap = model.FToC(wuHigh.HighF) - model.FToC(metarF)
	}

	localHour := time.Now().In(day.loc).Hour()
	key := city.Key + "|" + day.date
	switch {
	case gap >= minGap && localHour < s.cfg.WULeadMaxLocalHour:
		s.mu.Lock()
		logged := s.wuLeadsLogged[key]
		s.wuLeadsLogged[key] = true
		s.mu.Unlock()
		if !logged {
			if err := s.store.InsertWULeadsEvent(city.Key, day.date, city.NarrativeStation, gap); err != nil {
				s.logger.Warn("wu-leads insert failed", "city", city.Key, "err", err)
			} else {
				s.logger.Info("crowd provider leading metar",
					"city", city.Key, "wu_high", wuHigh.HighF, "metar_high", metarF, "gap", gap)
			}
		}
	case gap < minGap:
		s.mu.Lock()
		logged := s.wuLeadsLogged[key]
		s.mu.Unlock()
		if logged {
			if err := s.store.ConfirmWULeadsEvent(city.Key, day.date, city.NarrativeStation); err != nil {
				s.logger.Warn("wu-leads confirm failed", "city", city.Key, "err", err)
			}
		}
	}

	if math.Abs(gap) > minGap {
		s.logger.Warn("wu / metar mismatch",
			"city", city.Key, "wu_high", wuHigh.HighF, "metar_high", metarF, "gap", gap)
	}

	// A crowd reading below the stored WU running high would lower the
	// high; monotonicity refuses it, the audit row records it.
	if prevWU, _ := s.store.LatestWUHigh(city.Key, day.date); prevWU != nil && wuHigh.HighF < *prevWU {
		if err := s.store.RecordWUAudit(city.Key, city.NarrativeStation, day.date, time.Now(), wuHigh.HighF, *prevWU); err != nil {
			s.logger.Warn("wu audit insert failed", "city", city.Key, "err", err)
		}
	}
}

func (s *Service) firstAlert(cityKey, date string, v model.Venue, rangeName string, side model.Side) bool {
	key := fmt.Sprintf("%s|%s|%s|%s|%s", cityKey, date, v, rangeName, side)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alerted[key] {
		return false
	}
	s.alerted[key] = true
	return true
}

// resetDebounceOnRollover clears the per-process debounce sets when the
// local date changes.
func (s *Service) resetDebounceOnRollover(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debounceDate != date {
		s.debounceDate = date
		s.alerted = make(map[string]bool)
		s.wuLeadsLogged = make(map[string]bool)
	}
}

func (s *Service) inCityUnit(city *cities.City, highF float64) float64 {
	if city.Unit == model.UnitC {
		return model.FToC(highF)
	}
	return highF
}
