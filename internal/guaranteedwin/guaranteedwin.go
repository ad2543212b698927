// Package guaranteedwin enumerates outcomes whose settlement is already
// determined by the running daily high and enters them through the ordinary
// executor with a separate bankroll cap and entry-reason tags. It runs after
// every scan cycle (the scan pipeline calls ScanAll) and is also triggered
// synchronously by the observation service on a fresh boundary crossing.
package guaranteedwin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/executor"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/notify"
	"github.com/brendanplayford/weatherbot/internal/storage"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

type Scanner struct {
	adapters map[model.Venue]venue.Adapter
	store    *storage.Store
	exec     *executor.Executor
	notifier *notify.Notifier
	cfg      config.GuaranteedEntry
	logger   *slog.Logger
}

func New(adapters map[model.Venue]venue.Adapter, store *storage.Store, exec *executor.Executor,
	notifier *notify.Notifier, cfg config.GuaranteedEntry, logger *slog.Logger) *Scanner {
	return &Scanner{
		adapters: adapters,
		store:    store,
		exec:     exec,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// ScanAll runs a full pass over every city's local today. The timer path.
func (s *Scanner) ScanAll(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	for _, city := range cities.All() {
		loc, err := time.LoadLocation(city.Timezone)
		if err != nil {
			continue
		}
		s.ScanCity(ctx, city.Key, time.Now().In(loc).Format("2006-01-02"))
	}
}

// ScanCity evaluates one (city, date) against the current running high.
// The observation service calls this synchronously on a first detection.
func (s *Scanner) ScanCity(ctx context.Context, cityKey, targetDate string) {
	if !s.cfg.Enabled {
		return
	}
	city := cities.Get(cityKey)
	if city == nil {
		return
	}

	metarHighF, metarHighC, err := s.store.RunningHigh(cityKey, targetDate)
	if err != nil {
		s.logger.Warn("running high lookup failed", "city", cityKey, "err", err)
		return
	}
	wuHighF, wuHighC := s.store.LatestWUHigh(cityKey, targetDate)

	for v, adapter := range s.adapters {
		high := metarHighF
		metarHigh := metarHighF
		wuHigh := wuHighF
		if city.Unit == model.UnitC {
			high = metarHighC
			metarHigh = metarHighC
			wuHigh = wuHighC
		}
		// The narrative venue resolves against the crowd provider: its
		// effective high may be lifted by WU, never the structured one's.
		wuLifted := false
		if v == model.VenueNarrative && wuHigh != nil && *wuHigh > high {
			high = *wuHigh
			wuLifted = true
		}
		if high == 0 {
			continue
		}

		for _, spec := range adapter.ListOutcomes(ctx, cityKey, targetDate) {
			for _, side := range []model.Side{model.SideYes, model.SideNo} {
				won, determined := model.Determined(spec.RangeMin, spec.RangeMax, side, high)
				if !determined || !won {
					continue
				}
				s.tryEnter(ctx, city, spec, side, metarHigh, wuHigh, wuLifted)
			}
		}
	}
}

// tryEnter applies the guaranteed-entry filters and hands survivors to the
// executor. Every filter reject is alerted separately as a missed
// candidate.
func (s *Scanner) tryEnter(ctx context.Context, city *cities.City, spec model.RangeSpec, side model.Side,
	metarHigh float64, wuHigh *float64, wuLifted bool) {
	adapter := s.adapters[spec.Venue]
	ask := spec.AskForSide(side)
	fee := adapter.FeePerContract(ask)
	label := fmt.Sprintf("%s %s %s %s @ $%.2f", city.Key, spec.TargetDate, spec.RangeName, side, ask)

	if margin := 1 - ask - fee; margin < s.cfg.MinMarginCents/100 {
		s.missed(label, fmt.Sprintf("margin $%.2f below minimum", margin))
		return
	}
	if ask < s.cfg.MinAsk {
		s.missed(label, fmt.Sprintf("ask $%.2f below floor (wrong-observation guard)", ask))
		return
	}
	if ask > s.cfg.MaxAsk {
		s.missed(label, fmt.Sprintf("ask $%.2f above ceiling", ask))
		return
	}

	// Dual confirmation: on the crowd-resolved narrative venue METAR alone
	// never enters; it needs both sources past the boundary, or the WU
	// reading (its resolution source) past it on its own when WU lifted the
	// effective high. The structured venue enters on METAR alone.
	dualConfirmed := wuHigh != nil && s.crosses(spec, side, *wuHigh) && s.crosses(spec, side, metarHigh)
	if s.cfg.RequireDualConfirmation && spec.Venue == model.VenueNarrative && !dualConfirmed {
		if !wuLifted || wuHigh == nil || !s.crosses(spec, side, *wuHigh) {
			s.missed(label, "dual confirmation missing for crowd-resolved venue")
			return
		}
	}

	reason := model.EntryGuaranteedWin
	if wuLifted && !s.crosses(spec, side, metarHigh) {
		reason = model.EntryGuaranteedWinPWS
	}

	obsHigh := metarHigh
	trade, reject, err := s.exec.Execute(ctx, executor.Candidate{
		Spec:            spec,
		Side:            side,
		Probability:     1.0,
		EdgePct:         (1 - ask) * 100,
		Reason:          reason,
		MaxBankrollPct:  s.cfg.MaxBankrollPct,
		WUTriggered:     wuLifted,
		DualConfirmed:   dualConfirmed,
		ObservationHigh: &obsHigh,
		WUHigh:          wuHigh,
	})
	switch {
	case err != nil:
		s.logger.Error("guaranteed-win execution failed", "candidate", label, "err", err)
		s.notifier.Critical(fmt.Sprintf("guaranteed-win execution failed: %s: %v", label, err))
	case reject != "":
		if reject != executor.RejectDuplicate {
			s.missed(label, reject)
		}
	default:
		s.logger.Info("guaranteed-win entry",
			"city", city.Key, "range", spec.RangeName, "side", side,
			"shares", trade.Shares, "cost", trade.Cost, "reason", reason)
		s.notifier.Critical(fmt.Sprintf("GUARANTEED WIN entry: %s, %d shares = $%.2f", label, trade.Shares, trade.Cost))
	}
}

// crosses reports whether high settles this (outcome, side) as a winner.
func (s *Scanner) crosses(spec model.RangeSpec, side model.Side, high float64) bool {
	won, determined := model.Determined(spec.RangeMin, spec.RangeMax, side, high)
	return determined && won
}

func (s *Scanner) missed(label, why string) {
	s.logger.Info("guaranteed-win candidate rejected", "candidate", label, "why", why)
	s.notifier.Queue(notify.ChannelAlerts, fmt.Sprintf("missed guaranteed-win: %s (%s)", label, why))
}
