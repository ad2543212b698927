// Package monitor is the exit evaluator: per open position, per cycle, it
// fuses the latest market price, latest forecast, and latest observation
// into one of {hold, edge_gone exit, take-profit exit, guaranteed_loss
// exit, guaranteed_win resolution}. Trades are processed strictly
// sequentially within a cycle.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/forecastengine"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/peakhour"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

// Signal names written to evaluator logs and matched against the
// per-signal allow-list.
const (
	SignalEdgeGone         = "edge_gone"
	SignalGuaranteedWin    = "guaranteed_win"
	SignalGuaranteedLoss   = "guaranteed_loss"
	SignalCalConfirmsHold  = "cal_confirms_hold"
	SignalNearResolution   = "near_resolution_hold"
	SignalObsThreshold     = "obs_threshold_crossed"
	SignalObsInRangeStrong = "obs_in_range_strong"
	SignalObsBoundaryRisk  = "obs_near_boundary_risk"
	SignalObsSpike         = "observation_unconfirmed_spike"
	SignalBid3xEntry       = "bid_3x_entry"
	SignalBidDeclining     = "bid_declining_from_peak"
	SignalBidHighValue     = "bid_high_value"
	SignalCombined         = "combined_obs_market"
)

// Actions a cycle can take on a trade.
const (
	ActionHold    = "hold"
	ActionExit    = "exit"
	ActionResolve = "resolve"
	ActionLogOnly = "log_only"
)

type Monitor struct {
	adapters map[model.Venue]venue.Adapter
	engine   *forecastengine.Engine
	store    *storage.Store
	exec     *executor.Executor
	notifier *notify.Notifier
	peak     *peakhour.Estimator
	cfg      config.Exit
	cal      config.Calibration
	logger   *slog.Logger
}

func New(adapters map[model.Venue]venue.Adapter, engine *forecastengine.Engine, store *storage.Store,
	exec *executor.Executor, notifier *notify.Notifier, peak *peakhour.Estimator,
	cfg config.Exit, cal config.Calibration, logger *slog.Logger) *Monitor {
	return &Monitor{
		adapters: adapters,
		engine:   engine,
		store:    store,
		exec:     exec,
		notifier: notifier,
		peak:     peak,
		cfg:      cfg,
		cal:      cal,
		logger:   logger,
	}
}

// decision is the outcome of evaluating one trade for one cycle.
type decision struct {
	action    string
	reason    model.ExitReason
	signals   []string
	bid       float64
	ask       float64
	prob      float64
	evAdv     float64
	obsHigh   *float64
	fcastTemp float64
}

// RunCycle evaluates every open trade sequentially.
func (m *Monitor) RunCycle(ctx context.Context) {
	trades, err := m.store.OpenTrades()
	if err != nil {
		m.logger.Error("open trades query failed", "err", err)
		return
	}
	for _, t := range trades {
		if ctx.Err() != nil {
			return
		}
		m.evaluateAndAct(ctx, t)
	}
}

func (m *Monitor) evaluateAndAct(ctx context.Context, t *model.Trade) {
	d, ok := m.evaluate(ctx, t)
	if !ok {
		return // price unavailable: hold without logging a decision
	}

	t.AppendEvaluatorLog(model.EvaluatorLogEntry{
		At:          time.Now(),
		Bid:         d.bid,
		Ask:         d.ask,
		Probability: d.prob,
		EVAdvantage: d.evAdv,
		Signals:     d.signals,
		Action:      d.action,
	})
	t.CurrentBid = d.bid
	t.CurrentAsk = d.ask
	t.CurrentProbability = d.prob
	if d.bid > t.MaxPriceSeen {
		t.MaxPriceSeen = d.bid
	}
	if d.prob < t.MinProbabilitySeen || t.MinProbabilitySeen == 0 {
		t.MinProbabilitySeen = d.prob
	}
	if err := m.store.UpdateLiveState(t); err != nil {
		m.logger.Error("live state update failed", "trade", t.ID, "err", err)
	}

	switch d.action {
	case ActionResolve:
		m.resolveGuaranteedWin(t, d)
	case ActionExit:
		m.executeExit(t, d)
	case ActionLogOnly:
		m.logger.Info("exit signal (log only)",
			"trade", t.ID, "city", t.City, "range", t.RangeName, "side", t.Side,
			"signals", d.signals, "bid", d.bid, "ev_advantage", d.evAdv)
	}
}

// evaluate runs the decision ladder for one trade.
func (m *Monitor) evaluate(ctx context.Context, t *model.Trade) (decision, bool) {
	city := cities.Get(t.City)
	adapter, ok := m.adapters[t.Venue]
	if city == nil || !ok {
		return decision{}, false
	}

	spec, found := m.findSpec(ctx, adapter, t)
	if !found {
		return decision{}, false // price unavailable this cycle: hold
	}

	loc, err := time.LoadLocation(city.Timezone)
	if err != nil {
		return decision{}, false
	}
	hours := forecastengine.HoursUntil(t.TargetDate, loc, time.Now())

	prob := t.CurrentProbability
	var fcastTemp float64
	if fcast, ok := m.engine.Fetch(ctx, t.City, t.TargetDate, hours, city.Unit); ok {
		integerAligned := t.Venue == model.VenueStructured
		p := forecastengine.ProbabilityYES(fcast, t.EntryRangeMin, t.EntryRangeMax, integerAligned)
		if t.Side == model.SideNo {
			p = 1 - p
		}
		prob = p
		fcastTemp = fcast.Temp
	}

	d := decision{
		action:    ActionHold,
		bid:       spec.BidForSide(t.Side),
		ask:       spec.AskForSide(t.Side),
		prob:      prob,
		fcastTemp: fcastTemp,
	}
	d.evAdv = prob - d.bid

	// Base recommendation.
	edgeGone := d.evAdv < -0.05

	// Calibration override (YES only): strong empirical win rates above
	// the offered bid cancel an edge-gone exit.
	if edgeGone && t.Side == model.SideYes {
		rangeType := rangeTypeOf(t)
		cal, ok := m.store.GetMarketCalibration(t.Venue, rangeType, model.BucketForHours(hours), model.PriceBucketCents(spec.Ask))
		if ok && cal.N >= m.cal.CalConfirmsMinN && cal.EmpiricalWinRate > d.bid {
			edgeGone = false
			d.signals = append(d.signals, SignalCalConfirmsHold)
		}
	}
	if edgeGone {
		d.signals = append(d.signals, SignalEdgeGone)
	}

	// Observation signal from the venue's declared resolution source.
	high, haveHigh := m.declaredSourceHigh(t, city)
	if haveHigh {
		d.obsHigh = &high
		if won, determined := model.Determined(t.EntryRangeMin, t.EntryRangeMax, t.Side, high); determined {
			if won {
				d.signals = append(d.signals, SignalGuaranteedWin)
				d.action = ActionResolve
				d.reason = model.ExitGuaranteedWin
				return d, true
			}
			d.signals = append(d.signals, SignalGuaranteedLoss)
			d.action = ActionExit
			d.reason = model.ExitGuaranteedLoss
			return d, true
		}
	}

	// Near-resolution hold: holding a rich bid to settlement dominates
	// selling it.
	if d.bid >= 0.85 && hours <= 12 {
		d.signals = append(d.signals, SignalNearResolution)
		d.action = ActionHold
		return d, true
	}

	obsSignals, marketSignals := m.takeProfitSignals(t, d, high, haveHigh, hours)
	d.signals = append(d.signals, obsSignals...)
	d.signals = append(d.signals, marketSignals...)
	if len(obsSignals) > 0 && len(marketSignals) > 0 {
		d.signals = append(d.signals, SignalCombined)
	}

	switch {
	case len(obsSignals)+len(marketSignals) > 0:
		d.reason = model.ExitTakeProfit
		d.action = m.dispatch(d.signals)
	case edgeGone:
		d.reason = model.ExitEdgeGone
		d.action = m.dispatch(d.signals)
	}
	return d, true
}

// takeProfitSignals evaluates the take-profit signal set.
func (m *Monitor) takeProfitSignals(t *model.Trade, d decision, high float64, haveHigh bool, hours float64) (obs, market []string) {
	unboundedUpper := t.EntryRangeMin != nil && t.EntryRangeMax == nil
	bounded := t.EntryRangeMin != nil && t.EntryRangeMax != nil

	if haveHigh && t.Side == model.SideYes {
		if unboundedUpper && high >= *t.EntryRangeMin {
			obs = append(obs, SignalObsThreshold)
		}
		if bounded && high >= *t.EntryRangeMin && high <= *t.EntryRangeMax &&
			hours < 4 && d.bid > 2*t.EntryAsk {
			obs = append(obs, SignalObsInRangeStrong)
		}
		if unboundedUpper && d.bid >= m.cfg.TakeProfit.TriggerBid && high < *t.EntryRangeMin {
			obs = append(obs, SignalObsSpike)
		}
	}
	if haveHigh && m.nearBoundaryStillClimbing(t, high) {
		obs = append(obs, SignalObsBoundaryRisk)
	}

	if t.EntryAsk > 0 && d.bid >= 3*t.EntryAsk {
		market = append(market, SignalBid3xEntry)
	}
	if t.MaxPriceSeen > 1.5*t.EntryAsk && d.bid < 0.8*t.MaxPriceSeen {
		market = append(market, SignalBidDeclining)
	}
	if d.bid > 0.50 && t.EntryAsk < 0.20 {
		market = append(market, SignalBidHighValue)
	}
	return obs, market
}

// nearBoundaryStillClimbing checks the boundary-risk signal: the running
// high within one unit of a range boundary while the latest reading is
// still at the high and the city has not passed its estimated peak hour.
func (m *Monitor) nearBoundaryStillClimbing(t *model.Trade, high float64) bool {
	nearBoundary := false
	if t.EntryRangeMin != nil && math.Abs(high-*t.EntryRangeMin) <= 1 {
		nearBoundary = true
	}
	if t.EntryRangeMax != nil && math.Abs(high-*t.EntryRangeMax) <= 1 {
		nearBoundary = true
	}
	if !nearBoundary {
		return false
	}
	latest, ok := m.store.LatestObservation(t.City, t.TargetDate)
	if !ok {
		return false
	}
	city := cities.Get(t.City)
	if city == nil {
		return false
	}
	temp, runningHigh := latest.TempF, latest.RunningHighF
	if city.Unit == model.UnitC {
		temp, runningHigh = latest.TempC, latest.RunningHighC
	}
	if temp < runningHigh {
		return false
	}
	if loc, err := time.LoadLocation(city.Timezone); err == nil {
		if time.Now().In(loc).Hour() >= m.peak.PeakHour(city.Key) {
			return false // past the typical peak; no further climb expected
		}
	}
	return true
}

// dispatch maps a recommended exit to an action under the evaluator mode
// and per-signal allow-list.
func (m *Monitor) dispatch(signals []string) string {
	if m.cfg.EvaluatorMode == config.EvaluatorActive {
		return ActionExit
	}
	for _, sig := range signals {
		if m.cfg.ActiveSignals[sig] {
			return ActionExit
		}
	}
	return ActionLogOnly
}

// declaredSourceHigh returns the running high from the venue's declared
// resolution source: the crowd provider for the narrative venue, METAR for
// the structured venue. Never mixes sources.
func (m *Monitor) declaredSourceHigh(t *model.Trade, city *cities.City) (float64, bool) {
	if t.Venue == model.VenueNarrative {
		wuF, wuC := m.store.LatestWUHigh(t.City, t.TargetDate)
		if wuF == nil {
			return 0, false
		}
		if city.Unit == model.UnitC {
			return *wuC, true
		}
		return *wuF, true
	}
	highF, highC, err := m.store.RunningHigh(t.City, t.TargetDate)
	if err != nil || (highF == 0 && highC == 0) {
		return 0, false
	}
	if city.Unit == model.UnitC {
		return highC, true
	}
	return highF, true
}

// findSpec refreshes the trade's outcome through the per-cycle cached
// adapter listing, matched by range name.
func (m *Monitor) findSpec(ctx context.Context, adapter venue.Adapter, t *model.Trade) (model.RangeSpec, bool) {
	for _, spec := range adapter.ListOutcomes(ctx, t.City, t.TargetDate) {
		if spec.RangeName == t.RangeName {
			return spec, true
		}
	}
	return model.RangeSpec{}, false
}

// resolveGuaranteedWin settles a trade in place at the $1 payout.
func (m *Monitor) resolveGuaranteedWin(t *model.Trade, d decision) {
	adapter := m.adapters[t.Venue]
	fees := float64(t.Shares) * adapter.FeePerContract(t.EntryAsk)
	now := time.Now()
	won := true

	t.Status = model.TradeResolved
	t.Won = &won
	t.ActualTemp = d.obsHigh
	t.PnL = float64(t.Shares) - t.Cost - fees
	t.Fees = fees
	t.ResolvedAt = &now
	city := cities.Get(t.City)
	if city != nil {
		t.ResolutionStation = city.StationForVenue(t.Venue)
	}

	if err := m.store.ResolveTrade(t); err != nil {
		m.logger.Error("guaranteed-win resolution failed", "trade", t.ID, "err", err)
		return
	}
	m.exec.Release(t.Side, t.TargetDate, t.Cost)
	m.logger.Info("resolved guaranteed win in place",
		"trade", t.ID, "city", t.City, "range", t.RangeName, "side", t.Side, "pnl", t.PnL)
	m.notifier.Critical(fmt.Sprintf("guaranteed WIN resolved: %s %s %s %s, pnl $%.2f",
		t.City, t.TargetDate, t.RangeName, t.Side, t.PnL))
}

// executeExit sells at the bid. Guaranteed-loss exits skip every spread
// and bid-floor gate: the position is dumped.
func (m *Monitor) executeExit(t *model.Trade, d decision) {
	adapter := m.adapters[t.Venue]
	revenue := float64(t.Shares) * d.bid
	fees := float64(t.Shares) * (adapter.FeePerContract(t.EntryAsk) + adapter.FeePerContract(d.bid))
	now := time.Now()

	t.ExitReason = d.reason
	t.ExitPrice = d.bid
	t.ExitBid = d.bid
	t.ExitAsk = d.ask
	t.ExitSpread = d.ask - d.bid
	t.ExitProbability = d.prob
	t.ExitForecastTemp = d.fcastTemp
	t.ExitedAt = &now
	t.PnL = revenue - t.Cost - fees
	t.Fees = fees

	if err := m.store.ExitTrade(t); err != nil {
		m.logger.Error("exit failed", "trade", t.ID, "err", err)
		return
	}
	m.exec.Release(t.Side, t.TargetDate, t.Cost)
	m.logger.Info("exited position",
		"trade", t.ID, "city", t.City, "range", t.RangeName, "side", t.Side,
		"reason", d.reason, "exit_bid", d.bid, "pnl", t.PnL)
	channel := notify.ChannelTrades
	if d.reason == model.ExitGuaranteedLoss {
		channel = notify.ChannelAlerts
	}
	m.notifier.Queue(channel, fmt.Sprintf("exit (%s): %s %s %s %s @ $%.2f, pnl $%.2f",
		d.reason, t.City, t.TargetDate, t.RangeName, t.Side, d.bid, t.PnL))
}

func rangeTypeOf(t *model.Trade) model.RangeType {
	switch {
	case t.EntryRangeMin != nil && t.EntryRangeMax != nil:
		return model.RangeBounded
	case t.EntryRangeMin != nil:
		return model.RangeUnboundedAbove
	default:
		return model.RangeUnboundedBelow
	}
}
