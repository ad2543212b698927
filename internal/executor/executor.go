// Package executor sizes, gates, and records entries. It owns the two
// in-memory bankroll counters (YES / NO) and the per-date NO exposure map;
// both are reconciled from open trades at startup, and the trades table
// stays the source of truth. Paper accounting is the contract: entries
// execute at the quoted ask through the venue adapter's SimulateBuy.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

// Candidate is one approved opportunity handed to the Executor.
type Candidate struct {
	Spec        model.RangeSpec
	Side        model.Side
	Probability float64
	EdgePct     float64
	Forecast    model.Forecast
	Reason      model.EntryReason

	// MaxBankrollPct overrides the sizing cap when non-zero; the
	// guaranteed-win pipeline runs with its own (lower) cap.
	MaxBankrollPct float64

	WUTriggered     bool
	DualConfirmed   bool
	ObservationHigh *float64
	WUHigh          *float64
}

// Reject reasons recorded on opportunities and surfaced to callers.
const (
	RejectInsufficientBankroll = "insufficient_bankroll"
	RejectZeroVolume           = "zero_volume"
	RejectNoDateCap            = "no_date_cap"
	RejectDuplicate            = "duplicate_open_trade"
	RejectKellyNonPositive     = "kelly_nonpositive"
	RejectBelowMinBet          = "below_min_bet"
	RejectZeroShares           = "zero_shares"
	RejectVolumeHard           = "volume_hard_reject"
)

type Executor struct {
	store    *storage.Store
	adapters map[model.Venue]venue.Adapter
	cfg      config.Sizing
	notifier *notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	yesAvail float64
	noAvail  float64
	noByDate map[string]float64
}

// New builds an Executor with bankrolls reconciled from open trades.
func New(store *storage.Store, adapters map[model.Venue]venue.Adapter, cfg config.Sizing, notifier *notify.Notifier, logger *slog.Logger) (*Executor, error) {
	yesOpen, err := store.SumOpenCostBySide(model.SideYes)
	if err != nil {
		return nil, fmt.Errorf("reconcile yes bankroll: %w", err)
	}
	noOpen, err := store.SumOpenCostBySide(model.SideNo)
	if err != nil {
		return nil, fmt.Errorf("reconcile no bankroll: %w", err)
	}
	x := &Executor{
		store:    store,
		adapters: adapters,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		yesAvail: cfg.YesBankroll - yesOpen,
		noAvail:  cfg.NoBankroll - noOpen,
		noByDate: make(map[string]float64),
	}
	logger.Info("bankroll reconciled",
		"yes_available", x.yesAvail, "no_available", x.noAvail,
		"yes_open", yesOpen, "no_open", noOpen)
	return x, nil
}

// Available returns the current in-memory balance for a side.
func (x *Executor) Available(side model.Side) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	if side == model.SideYes {
		return x.yesAvail
	}
	return x.noAvail
}

// Release returns an exited or resolved trade's cost to its side's balance.
func (x *Executor) Release(side model.Side, targetDate string, cost float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if side == model.SideYes {
		x.yesAvail += cost
	} else {
		x.noAvail += cost
		if v, ok := x.noByDate[targetDate]; ok {
			x.noByDate[targetDate] = math.Max(0, v-cost)
		}
	}
}

// noDateExposure lazily seeds the per-date NO tally from open trades.
func (x *Executor) noDateExposure(targetDate string) (float64, error) {
	if v, ok := x.noByDate[targetDate]; ok {
		return v, nil
	}
	v, err := x.store.SumOpenNOCostByDate(targetDate)
	if err != nil {
		return 0, err
	}
	x.noByDate[targetDate] = v
	return v, nil
}

// Kelly computes the full Kelly fraction for win probability p with a
// per-contract fee (in dollars) on a $1 payout.
func Kelly(p, fee float64) float64 {
	return (p*(1-fee) - (1 - p)) / (1 - fee)
}

// Execute runs the gate-and-size pipeline and records the entry.
// It returns the open Trade, or a reject reason, or an error for
// persistence failures (which never charge the bankroll).
func (x *Executor) Execute(ctx context.Context, c Candidate) (*model.Trade, string, error) {
	adapter, ok := x.adapters[c.Spec.Venue]
	if !ok {
		return nil, "", fmt.Errorf("no adapter for venue %s", c.Spec.Venue)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	avail := x.yesAvail
	if c.Side == model.SideNo {
		avail = x.noAvail
	}
	if avail <= x.cfg.MinBet {
		return nil, RejectInsufficientBankroll, nil
	}
	if c.Spec.Volume == 0 {
		return nil, RejectZeroVolume, nil
	}

	var noExposure float64
	if c.Side == model.SideNo {
		var err error
		noExposure, err = x.noDateExposure(c.Spec.TargetDate)
		if err != nil {
			return nil, "", fmt.Errorf("no exposure lookup: %w", err)
		}
		if noExposure >= x.cfg.NoMaxPerDate {
			return nil, RejectNoDateCap, nil
		}
	}

	dup, err := x.store.HasOpenTrade(c.Spec.City, c.Spec.TargetDate, c.Spec.Venue, c.Spec.RangeName, c.Side)
	if err != nil {
		return nil, "", fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return nil, RejectDuplicate, nil
	}

	ask := c.Spec.AskForSide(c.Side)
	fee := adapter.FeePerContract(ask)
	kelly := Kelly(c.Probability, fee)
	if kelly <= 0 {
		return nil, RejectKellyNonPositive, nil
	}

	fraction := kelly * x.cfg.KellyFraction
	maxPct := x.cfg.MaxBankrollPct
	if c.MaxBankrollPct > 0 {
		maxPct = c.MaxBankrollPct
	}
	if fraction > maxPct {
		fraction = maxPct
	}

	bankrollTotal := x.cfg.YesBankroll
	if c.Side == model.SideNo {
		bankrollTotal = x.cfg.NoBankroll
	}
	dollars := fraction * bankrollTotal
	if c.Side == model.SideNo {
		if remaining := x.cfg.NoMaxPerDate - noExposure; dollars > remaining {
			dollars = remaining
		}
	}
	if dollars > avail {
		dollars = avail
	}
	if dollars < x.cfg.MinBet {
		return nil, RejectBelowMinBet, nil
	}

	shares := int(math.Floor(dollars / ask))
	if shares <= 0 {
		return nil, RejectZeroShares, nil
	}

	pctOfVolume := float64(shares) / float64(c.Spec.Volume)
	if pctOfVolume > x.cfg.HardRejectVolumePct/100 {
		return nil, RejectVolumeHard, nil
	}
	if pctOfVolume > x.cfg.WarnVolumePct/100 {
		x.logger.Warn("entry is a large share of market volume",
			"city", c.Spec.City, "range", c.Spec.RangeName, "pct_of_volume", pctOfVolume)
	}
	if x.cfg.MaxVolumePct != nil {
		if capShares := int(math.Floor(*x.cfg.MaxVolumePct / 100 * float64(c.Spec.Volume))); shares > capShares {
			shares = capShares
		}
		if shares <= 0 {
			return nil, RejectZeroShares, nil
		}
		pctOfVolume = float64(shares) / float64(c.Spec.Volume)
	}

	price, cost, _, err := adapter.SimulateBuy(ctx, c.Spec, shares)
	if err != nil {
		return nil, "", fmt.Errorf("simulate buy: %w", err)
	}
	if c.Side == model.SideNo {
		// The simulated fill quotes the YES ask; a NO entry pays 1 - bid.
		price = ask
		cost = ask * float64(shares)
	}

	trade := &model.Trade{
		City:       c.Spec.City,
		TargetDate: c.Spec.TargetDate,
		Venue:      c.Spec.Venue,
		RangeName:  c.Spec.RangeName,
		Side:       c.Side,
		Status:     model.TradeOpen,

		EntryAsk:                 price,
		EntryBid:                 c.Spec.BidForSide(c.Side),
		EntrySpread:              c.Spec.Spread(),
		EntryVolume:              c.Spec.Volume,
		Shares:                   shares,
		Cost:                     cost,
		EntryProbability:         c.Probability,
		EntryEdgePct:             c.EdgePct,
		EntryKelly:               kelly,
		EntryForecastTemp:        c.Forecast.Temp,
		EntryForecastConfidence:  c.Forecast.Confidence,
		EntryEnsemble:            c.Forecast.Sources,
		PctOfVolume:              pctOfVolume,
		HoursToResolutionAtEntry: c.Forecast.HoursToResolution,
		EntryReason:              c.Reason,
		WUTriggered:              c.WUTriggered,
		DualConfirmed:            c.DualConfirmed,
		ObservationHigh:          c.ObservationHigh,
		WUHigh:                   c.WUHigh,

		CurrentBid:         c.Spec.BidForSide(c.Side),
		CurrentAsk:         price,
		CurrentProbability: c.Probability,
		MaxPriceSeen:       c.Spec.BidForSide(c.Side),
		MinProbabilitySeen: c.Probability,

		EntryRangeMin: c.Spec.RangeMin,
		EntryRangeMax: c.Spec.RangeMax,
	}

	if err := x.store.SaveTrade(trade); err != nil {
		// Persistence failure is fatal for this candidate only; the
		// bankroll is never charged for a trade that was not recorded.
		return nil, "", fmt.Errorf("persist trade: %w", err)
	}

	if c.Side == model.SideYes {
		x.yesAvail -= cost
	} else {
		x.noAvail -= cost
		x.noByDate[c.Spec.TargetDate] = noExposure + cost
	}

	x.logger.Info("entered position",
		"city", trade.City, "date", trade.TargetDate, "venue", trade.Venue,
		"range", trade.RangeName, "side", trade.Side, "shares", shares,
		"cost", cost, "prob", c.Probability, "reason", c.Reason)
	x.notifier.Queue(notify.ChannelTrades, fmt.Sprintf(
		"%s %s %s %s: %d shares @ $%.2f = $%.2f (p=%.2f, %s)",
		trade.City, trade.TargetDate, trade.RangeName, trade.Side,
		shares, price, cost, c.Probability, c.Reason))

	return trade, "", nil
}
