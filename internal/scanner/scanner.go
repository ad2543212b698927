// Package scanner is the top of the entry pipeline: each cycle it pulls
// outcomes for every enabled city and date window from both venues, scores
// YES and NO candidates against the forecast engine, records an opportunity
// row for every candidate regardless of acceptance, and forwards accepted
// candidates to the executor. Cities fan out with bounded concurrency;
// outcomes within a city are evaluated serially.
package scanner

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/forecastengine"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

const cityConcurrency = 4

// Reject reasons recorded on opportunity rows by the scanner's filters.
const (
	rejectEdgeTooSmall    = "edge_below_minimum"
	rejectSpreadTooWide   = "spread_too_wide"
	rejectAskBelowFloor   = "ask_below_floor"
	rejectTooCloseToRes   = "too_close_to_resolution"
	rejectModelOverMarket = "model_market_ratio_exceeded"
	rejectCityIneligible  = "city_ineligible"
)

type Scanner struct {
	adapters []*venue.CachingAdapter
	engine   *forecastengine.Engine
	exec     *executor.Executor
	store    *storage.Store
	entry    config.Entry
	elig     config.CityEligibility
	window   int
	days     int
	logger   *slog.Logger
}

func New(adapters []*venue.CachingAdapter, engine *forecastengine.Engine, exec *executor.Executor,
	store *storage.Store, entry config.Entry, forecasts config.Forecasts, daysAhead int, logger *slog.Logger) *Scanner {
	return &Scanner{
		adapters: adapters,
		engine:   engine,
		exec:     exec,
		store:    store,
		entry:    entry,
		elig:     forecasts.CityEligibility,
		window:   forecasts.CalibrationWindowDays,
		days:     daysAhead,
		logger:   logger,
	}
}

// Stats summarizes one scan cycle.
type Stats struct {
	Outcomes  int
	Accepted  int
	Entered   int
	StartedAt time.Time
}

type candidate struct {
	spec  model.RangeSpec
	side  model.Side
	prob  float64
	edge  float64
	fcast model.Forecast
	opp   *model.Opportunity
}

// RunCycle executes one full scan over every city and date in the window.
func (s *Scanner) RunCycle(ctx context.Context) Stats {
	stats := Stats{StartedAt: time.Now()}
	for _, a := range s.adapters {
		a.ResetCycle()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cityConcurrency)

	type cityResult struct {
		cands    []candidate
		outcomes int
	}
	results := make(chan cityResult, len(cities.Registry)*s.days)
	for _, city := range cities.All() {
		city := city
		g.Go(func() error {
			loc, err := time.LoadLocation(city.Timezone)
			if err != nil {
				s.logger.Warn("bad timezone", "city", city.Key, "err", err)
				return nil
			}
			for d := 0; d < s.days; d++ {
				date := time.Now().In(loc).AddDate(0, 0, d).Format("2006-01-02")
				cands, outcomes := s.scanCityDate(gctx, city, date, loc)
				results <- cityResult{cands, outcomes}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	// Accepted candidates for a (city, date) are forwarded in descending
	// edge order; the executor's dedup keeps at most one YES and one NO
	// open per (city, date, venue, outcome).
	var accepted []candidate
	for batch := range results {
		accepted = append(accepted, batch.cands...)
		stats.Outcomes += batch.outcomes
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].edge > accepted[j].edge })
	stats.Accepted = len(accepted)

	for _, c := range accepted {
		trade, reject, err := s.exec.Execute(ctx, executor.Candidate{
			Spec:        c.spec,
			Side:        c.side,
			Probability: c.prob,
			EdgePct:     c.edge * 100,
			Forecast:    c.fcast,
			Reason:      model.EntryModel,
		})
		switch {
		case err != nil:
			s.logger.Error("execution failed", "city", c.spec.City, "range", c.spec.RangeName, "err", err)
			c.opp.RejectReason = "execution_error"
		case reject != "":
			c.opp.RejectReason = reject
		default:
			c.opp.Accepted = true
			c.opp.TradeID = &trade.ID
			stats.Entered++
		}
		if err := s.store.SaveOpportunity(c.opp); err != nil {
			s.logger.Error("save opportunity failed", "city", c.spec.City, "err", err)
		}
	}

	s.logger.Info("scan cycle complete",
		"outcomes", stats.Outcomes, "accepted", stats.Accepted,
		"entered", stats.Entered, "elapsed", time.Since(stats.StartedAt))
	return stats
}

// scanCityDate evaluates every outcome on every venue for one (city, date),
// persisting rejected opportunities immediately and returning survivors
// plus the number of candidates scored.
func (s *Scanner) scanCityDate(ctx context.Context, city *cities.City, date string, loc *time.Location) ([]candidate, int) {
	hours := forecastengine.HoursUntil(date, loc, time.Now())
	fcast, ok := s.engine.Fetch(ctx, city.Key, date, hours, city.Unit)
	if !ok {
		return nil, 0
	}
	eligible := s.cityEligible(city)

	var out []candidate
	outcomes := 0
	for _, adapter := range s.adapters {
		for _, spec := range adapter.ListOutcomes(ctx, city.Key, date) {
			if !spec.Valid() {
				s.logger.Warn("dropping invalid outcome",
					"city", city.Key, "venue", spec.Venue, "range", spec.RangeName)
				continue
			}
			outcomes += 2
			integerAligned := spec.Venue == model.VenueStructured
			pYes := forecastengine.ProbabilityYES(fcast, spec.RangeMin, spec.RangeMax, integerAligned)

			for _, side := range []model.Side{model.SideYes, model.SideNo} {
				prob := pYes
				if side == model.SideNo {
					prob = 1 - pYes
				}
				c := candidate{spec: spec, side: side, prob: prob, fcast: fcast}
				c.edge = prob - spec.AskForSide(side)
				c.opp = s.opportunityRow(spec, side, prob, fcast)

				if reject := s.filter(c, eligible[spec.Type()]); reject != "" {
					c.opp.RejectReason = reject
					if err := s.store.SaveOpportunity(c.opp); err != nil {
						s.logger.Error("save opportunity failed", "city", city.Key, "err", err)
					}
					continue
				}
				out = append(out, c)
			}
		}
	}
	return out, outcomes
}

// filter applies the entry filters in order, returning a reject reason
// or "".
func (s *Scanner) filter(c candidate, cityEligible bool) string {
	ask := c.spec.AskForSide(c.side)
	spread := c.spec.Spread()

	if c.prob <= ask+s.entry.MinEdgePct/100 {
		return rejectEdgeTooSmall
	}
	if spread > s.entry.MaxSpread || (ask > 0 && spread/ask > s.entry.MaxSpreadPct) {
		return rejectSpreadTooWide
	}
	floor := s.entry.MinAskPrice
	if c.side == model.SideNo {
		floor = s.entry.MinNoAskPrice
	}
	if ask < floor {
		return rejectAskBelowFloor
	}
	if c.fcast.HoursToResolution < s.entry.MinHoursToResolution {
		return rejectTooCloseToRes
	}
	if c.prob > s.entry.MaxModelMarketRatio*ask {
		return rejectModelOverMarket
	}
	if !cityEligible {
		return rejectCityIneligible
	}
	return ""
}

// cityEligible evaluates the per-(city, range_type) historical-MAE gate.
// Until MinSamples accuracy rows exist the gate allows everything.
func (s *Scanner) cityEligible(city *cities.City) map[model.RangeType]bool {
	mae, n := s.store.CityMAE(city.Key, s.window)
	out := map[model.RangeType]bool{
		model.RangeBounded:        true,
		model.RangeUnboundedAbove: true,
		model.RangeUnboundedBelow: true,
	}
	if n < s.elig.MinSamples {
		return out
	}
	boundedCap, unboundedCap := s.elig.BoundedMAECapF, s.elig.UnboundedMAECapF
	if city.Unit == model.UnitC {
		boundedCap, unboundedCap = s.elig.BoundedMAECapC, s.elig.UnboundedMAECapC
	}
	out[model.RangeBounded] = mae < boundedCap
	out[model.RangeUnboundedAbove] = mae < unboundedCap
	out[model.RangeUnboundedBelow] = mae < unboundedCap
	return out
}

func (s *Scanner) opportunityRow(spec model.RangeSpec, side model.Side, prob float64, fcast model.Forecast) *model.Opportunity {
	return &model.Opportunity{
		City:              spec.City,
		TargetDate:        spec.TargetDate,
		Venue:             spec.Venue,
		RangeName:         spec.RangeName,
		Side:              side,
		RangeType:         spec.Type(),
		RangeMin:          spec.RangeMin,
		RangeMax:          spec.RangeMax,
		Ask:               spec.AskForSide(side),
		Bid:               spec.BidForSide(side),
		Volume:            spec.Volume,
		Probability:       prob,
		EdgePct:           (prob - spec.AskForSide(side)) * 100,
		HoursToResolution: fcast.HoursToResolution,
		ForecastTemp:      fcast.Temp,
		ForecastStdDev:    fcast.StdDev,
		Confidence:        fcast.Confidence,
		ForecastSources:   fcast.Sources,
		ScannedAt:         time.Now(),
	}
}
