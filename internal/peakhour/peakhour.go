// Package peakhour estimates, per city, the local hour at which the daily
// high is typically reached, from the observation history. Exit heuristics
// read the cached value synchronously; Refresh runs at startup and on a
// slow maintenance timer.
package peakhour

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/storage"
)

type Estimator struct {
	store  *storage.Store
	cfg    config.Observer
	window int
	logger *slog.Logger

	mu    sync.RWMutex
	hours map[string]int
}

func New(store *storage.Store, cfg config.Observer, calibrationWindowDays int, logger *slog.Logger) *Estimator {
	return &Estimator{
		store:  store,
		cfg:    cfg,
		window: calibrationWindowDays,
		logger: logger,
		hours:  make(map[string]int),
	}
}

// PeakHour returns the cached estimate for a city, or the static cooling
// hour when dynamic estimation is disabled or no estimate exists yet.
func (e *Estimator) PeakHour(cityKey string) int {
	if !e.cfg.DynamicPeakHour {
		return e.cfg.CoolingHour
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.hours[cityKey]; ok {
		return h
	}
	return e.cfg.CoolingHour
}

// Refresh recomputes every city's estimate from the observation rows where
// the reading equaled the running high (the moment the peak was set).
func (e *Estimator) Refresh(ctx context.Context) {
	for _, city := range cities.All() {
		if ctx.Err() != nil {
			return
		}
		loc, err := time.LoadLocation(city.Timezone)
		if err != nil {
			e.logger.Warn("bad timezone", "city", city.Key, "err", err)
			continue
		}
		samples, err := e.store.PeakObservationHours(city.Key, e.window, loc)
		if err != nil {
			e.logger.Warn("peak hour query failed", "city", city.Key, "err", err)
			continue
		}
		e.mu.Lock()
		e.hours[city.Key] = e.estimate(samples)
		e.mu.Unlock()
	}
}

func (e *Estimator) estimate(samples []int) int {
	if len(samples) < e.cfg.PeakHourMinSamples {
		return e.cfg.CoolingHour
	}
	sum := 0
	for _, h := range samples {
		sum += h
	}
	mean := float64(sum) / float64(len(samples))
	est := int(math.Round(mean)) + e.cfg.PeakHourBuffer
	if est < e.cfg.PeakHourMin {
		est = e.cfg.PeakHourMin
	}
	if est > e.cfg.PeakHourMax {
		est = e.cfg.PeakHourMax
	}
	return est
}
