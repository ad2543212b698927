// Package resolver settles past-due trades against authoritative daily
// highs, backfills opportunity outcomes, records per-source forecast
// error, and recomputes the market-calibration buckets that feed back into
// hold/exit decisions.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/internal/weather"
)

const backfillLimit = 200

// HighFetcher is the authoritative daily-high collaborator, satisfied by
// weather.AuthoritativeClient.
type HighFetcher interface {
	FetchStructured(ctx context.Context, stationID, localDate, timezone string, lat, lon float64) (weather.DailyHigh, error)
	FetchNarrative(ctx context.Context, stationID, localDate, timezone string, lat, lon float64) (weather.DailyHigh, error)
}

type Resolver struct {
	store    *storage.Store
	auth     HighFetcher
	adapters map[model.Venue]venue.Adapter
	exec     *executor.Executor
	notifier *notify.Notifier
	logger   *slog.Logger
}

func New(store *storage.Store, auth HighFetcher, adapters map[model.Venue]venue.Adapter,
	exec *executor.Executor, notifier *notify.Notifier, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		auth:     auth,
		adapters: adapters,
		exec:     exec,
		notifier: notifier,
		logger:   logger,
	}
}

// RunCycle settles everything past due and refreshes calibration.
func (r *Resolver) RunCycle(ctx context.Context) {
	// The fetched temperature is cached per (city, date, venue) within a
	// cycle so multiple trades on the same market settle identically.
	cache := make(map[string]weather.DailyHigh)

	localToday := make(map[string]string)
	earliestToday := ""
	for _, city := range cities.All() {
		loc, err := time.LoadLocation(city.Timezone)
		if err != nil {
			continue
		}
		today := time.Now().In(loc).Format("2006-01-02")
		localToday[city.Key] = today
		if earliestToday == "" || today < earliestToday {
			earliestToday = today
		}
	}

	trades, err := r.store.PastDueOpenTrades(localToday)
	if err != nil {
		r.logger.Error("past-due query failed", "err", err)
		return
	}
	for _, t := range trades {
		if ctx.Err() != nil {
			return
		}
		if err := r.resolveTrade(ctx, t, cache); err != nil {
			// Fatal for this trade only; the next cycle retries.
			r.logger.Error("resolution failed", "trade", t.ID, "city", t.City, "err", err)
		}
	}

	r.backfillOpportunities(ctx, earliestToday, cache)
	r.recomputeCalibration()
}

func (r *Resolver) resolveTrade(ctx context.Context, t *model.Trade, cache map[string]weather.DailyHigh) error {
	city := cities.Get(t.City)
	if city == nil {
		return fmt.Errorf("unknown city %s", t.City)
	}

	high, err := r.authoritativeHigh(ctx, t.City, t.TargetDate, t.Venue, cache)
	if err != nil {
		return err
	}

	actual := high.HighF
	if city.Unit == model.UnitC {
		actual = high.HighC
	}
	won := model.Wins(t.EntryRangeMin, t.EntryRangeMax, t.Side, actual)
	fees := float64(t.Shares) * r.adapters[t.Venue].FeePerContract(t.EntryAsk)
	pnl := -t.Cost - fees
	if won {
		pnl += float64(t.Shares)
	}

	now := time.Now()
	t.Status = model.TradeResolved
	t.ActualTemp = &actual
	t.Won = &won
	t.PnL = pnl
	t.Fees = fees
	t.ResolvedAt = &now
	t.ResolutionStation = city.StationForVenue(t.Venue)
	if err := r.store.ResolveTrade(t); err != nil {
		return fmt.Errorf("persist resolution: %w", err)
	}
	r.exec.Release(t.Side, t.TargetDate, t.Cost)

	// One forecast-accuracy row per ensemble source, feeding bias and
	// residual-std-dev calibration.
	for source, forecast := range t.EntryEnsemble {
		acc := model.ForecastAccuracy{
			City:                  t.City,
			TargetDate:            t.TargetDate,
			Source:                source,
			Forecast:              forecast,
			Actual:                actual,
			Error:                 forecast - actual,
			AbsError:              abs(forecast - actual),
			Unit:                  city.Unit,
			HoursBeforeResolution: t.HoursToResolutionAtEntry,
		}
		if err := r.store.InsertForecastAccuracy(acc); err != nil {
			r.logger.Warn("forecast accuracy insert failed",
				"city", t.City, "source", source, "err", err)
		}
	}

	r.logger.Info("resolved trade",
		"trade", t.ID, "city", t.City, "range", t.RangeName, "side", t.Side,
		"actual", actual, "won", won, "pnl", pnl, "source", high.SourceTag)
	r.notifier.Queue(notify.ChannelSummary, fmt.Sprintf(
		"resolved: %s %s %s %s, actual %.1f°%s, %s, pnl $%.2f",
		t.City, t.TargetDate, t.RangeName, t.Side, actual, city.Unit, winLabel(won), pnl))
	return nil
}

// authoritativeHigh resolves the settled high through the venue's declared
// chain, consulting the cycle cache and any prior resolution first.
func (r *Resolver) authoritativeHigh(ctx context.Context, cityKey, targetDate string, v model.Venue, cache map[string]weather.DailyHigh) (weather.DailyHigh, error) {
	key := cityKey + "|" + targetDate + "|" + string(v)
	if high, ok := cache[key]; ok {
		return high, nil
	}
	city := cities.Get(cityKey)
	if city == nil {
		return weather.DailyHigh{}, fmt.Errorf("unknown city %s", cityKey)
	}

	if prior := r.store.ResolvedActualTemp(cityKey, targetDate, v); prior != nil {
		actualF := *prior
		if city.Unit == model.UnitC {
			actualF = model.CToF(*prior)
		}
		high := weather.DailyHigh{HighF: actualF, HighC: model.FToC(actualF), SourceTag: "prior_resolution"}
		cache[key] = high
		return high, nil
	}

	station := city.StationForVenue(v)
	var high weather.DailyHigh
	var err error
	if v == model.VenueStructured {
		high, err = r.auth.FetchStructured(ctx, station, targetDate, city.Timezone, city.Lat, city.Lon)
	} else {
		high, err = r.auth.FetchNarrative(ctx, station, targetDate, city.Timezone, city.Lat, city.Lon)
	}
	if err != nil {
		return weather.DailyHigh{}, fmt.Errorf("authoritative high for %s/%s: %w", cityKey, targetDate, err)
	}
	if high.SourceTag == "cli" {
		if err := r.store.RecordCLIAudit(cityKey, station, targetDate, high.HighF, high.SourceURL); err != nil {
			r.logger.Warn("cli audit insert failed", "city", cityKey, "err", err)
		}
	}
	cache[key] = high
	return high, nil
}

// backfillOpportunities stamps actual_temp and would_have_won on up to 200
// unresolved opportunity rows older than the earliest local today.
func (r *Resolver) backfillOpportunities(ctx context.Context, earliestToday string, cache map[string]weather.DailyHigh) {
	opps, err := r.store.UnresolvedOpportunities(earliestToday, backfillLimit)
	if err != nil {
		r.logger.Error("unresolved opportunities query failed", "err", err)
		return
	}
	for _, o := range opps {
		if ctx.Err() != nil {
			return
		}
		city := cities.Get(o.City)
		if city == nil {
			continue
		}
		high, err := r.authoritativeHigh(ctx, o.City, o.TargetDate, o.Venue, cache)
		if err != nil {
			continue // absent data stays unresolved until available
		}
		actual := high.HighF
		if city.Unit == model.UnitC {
			actual = high.HighC
		}
		won := model.Wins(o.RangeMin, o.RangeMax, o.Side, actual)
		if err := r.store.BackfillOpportunity(o.ID, actual, won); err != nil {
			r.logger.Warn("opportunity backfill failed", "opportunity", o.ID, "err", err)
		}
	}
}

// recomputeCalibration regroups every resolved YES opportunity into the
// (venue, range_type, lead bucket, price bucket) grid.
func (r *Resolver) recomputeCalibration() {
	opps, err := r.store.ResolvedYESOpportunities()
	if err != nil {
		r.logger.Error("resolved opportunities query failed", "err", err)
		return
	}

	type bucketKey struct {
		venue       model.Venue
		rangeType   model.RangeType
		lead        model.LeadBucket
		priceBucket int
	}
	type tally struct{ wins, n int }
	buckets := make(map[bucketKey]*tally)
	for _, o := range opps {
		key := bucketKey{o.Venue, o.RangeType, model.BucketForHours(o.HoursToResolution), model.PriceBucketCents(o.Ask)}
		t, ok := buckets[key]
		if !ok {
			t = &tally{}
			buckets[key] = t
		}
		t.n++
		if o.WouldHaveWon != nil && *o.WouldHaveWon {
			t.wins++
		}
	}

	for key, t := range buckets {
		cal := model.MarketCalibration{
			Venue:            key.venue,
			RangeType:        key.rangeType,
			LeadBucket:       key.lead,
			PriceBucket:      key.priceBucket,
			EmpiricalWinRate: float64(t.wins) / float64(t.n),
			N:                t.n,
		}
		if err := r.store.UpsertMarketCalibration(cal); err != nil {
			r.logger.Warn("calibration upsert failed", "err", err)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func winLabel(won bool) string {
	if won {
		return "WON"
	}
	return "LOST"
}
