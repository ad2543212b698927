// Package forecastengine fuses a forecast-source ensemble into a per-city
// Forecast tuple and implements the probability integral that turns a
// Forecast plus a RangeSpec into a YES win probability.
package forecastengine

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/brendanplayford/weatherbot/internal/config"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/storage"
)

// ForecastSource is one external forecast provider. Composition
// of sources is out of scope; the engine only consumes them.
type ForecastSource interface {
	Name() string
	Fetch(ctx context.Context, cityKey, targetDate string) (temp float64, unit model.Unit, ok bool)
}

type cached struct {
	forecast model.Forecast
	at       time.Time
}

// Engine produces Forecast tuples from an ensemble of sources, with
// calibration feedback read from storage. Forecasts are cached per
// (city, date) so the scanner and monitor share one upstream fetch per
// cache window.
type Engine struct {
	sources []ForecastSource
	store   *storage.Store
	cfg     config.Forecasts

	mu    sync.Mutex
	cache map[string]cached
}

func New(store *storage.Store, sources []ForecastSource, cfg config.Forecasts) *Engine {
	return &Engine{
		sources: sources,
		store:   store,
		cfg:     cfg,
		cache:   make(map[string]cached),
	}
}

// Fetch builds a Forecast for (city, target_date): pulls every non-demoted
// source, subtracts each source's rolling bias, computes an inter-source-
// spread confidence label, and resolves std_dev from either the per-city
// empirical residual (when enough samples exist) or the fallback table.
func (e *Engine) Fetch(ctx context.Context, cityKey, targetDate string, hoursToResolution float64, unit model.Unit) (model.Forecast, bool) {
	key := cityKey + "|" + targetDate
	e.mu.Lock()
	if c, ok := e.cache[key]; ok && time.Since(c.at) < time.Duration(e.cfg.CacheMinutes)*time.Minute {
		e.mu.Unlock()
		f := c.forecast
		f.HoursToResolution = hoursToResolution
		return f, true
	}
	e.mu.Unlock()

	raw := make(map[string]float64)
	for _, src := range e.sources {
		if e.demoted(src.Name()) {
			continue
		}
		temp, srcUnit, ok := src.Fetch(ctx, cityKey, targetDate)
		if !ok {
			continue
		}
		if srcUnit != unit {
			temp = convert(temp, srcUnit, unit)
		}
		bias := e.store.SourceBias(cityKey, src.Name(), e.cfg.CalibrationWindowDays)
		raw[src.Name()] = temp - bias
	}
	if len(raw) == 0 {
		return model.Forecast{}, false
	}

	sum := 0.0
	for _, v := range raw {
		sum += v
	}
	mean := sum / float64(len(raw))

	confidence := ConfidenceLabel(raw, unit)
	stdDev, n := e.store.CityResidualStdDev(cityKey, e.cfg.CalibrationWindowDays)
	if n < e.cfg.MinCityStddevSamples {
		stdDev = fallbackStdDev(confidence, unit, e.cfg.DefaultStdDevC)
	}
	stdDev *= e.spreadMultiplier(raw, unit)

	f := model.Forecast{
		City:              cityKey,
		TargetDate:        targetDate,
		Temp:              mean,
		StdDev:            stdDev,
		Confidence:        confidence,
		Sources:           raw,
		HoursToResolution: hoursToResolution,
		Unit:              unit,
	}
	e.mu.Lock()
	e.cache[key] = cached{forecast: f, at: time.Now()}
	e.mu.Unlock()
	return f, true
}

// demoted drops a source whose rolling MAE exceeds the demotion threshold
// once enough accuracy samples back the judgment.
func (e *Engine) demoted(source string) bool {
	if e.cfg.SourceManagement.DemotionMAEF <= 0 {
		return false
	}
	mae, n := e.store.SourceMAE(source, e.cfg.CalibrationWindowDays)
	return n >= e.cfg.SourceManagement.MinSamples && mae > e.cfg.SourceManagement.DemotionMAEF
}

// spreadMultiplier widens std_dev with the inter-source spread when the
// ensemble-spread feature is on, clamped to the configured band.
func (e *Engine) spreadMultiplier(sources map[string]float64, unit model.Unit) float64 {
	if !e.cfg.EnsembleSpread.Enabled || len(sources) < 2 {
		return 1
	}
	vals := make([]float64, 0, len(sources))
	for _, v := range sources {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	spreadF := vals[len(vals)-1] - vals[0]
	if unit == model.UnitC {
		spreadF = spreadF * 9 / 5
	}
	mult := 1 + spreadF/4
	if mult < e.cfg.EnsembleSpread.MultiplierFloor {
		mult = e.cfg.EnsembleSpread.MultiplierFloor
	}
	if mult > e.cfg.EnsembleSpread.MultiplierCeiling {
		mult = e.cfg.EnsembleSpread.MultiplierCeiling
	}
	return mult
}

// ConfidenceLabel derives the discrete confidence label from the maximum
// pairwise spread among sources (thresholds stated in °F;
// converted when the forecast unit is °C).
func ConfidenceLabel(sources map[string]float64, unit model.Unit) model.Confidence {
	vals := make([]float64, 0, len(sources))
	for _, v := range sources {
		vals = append(vals, v)
	}
	sort.Float64s(vals)
	spreadF := 0.0
	if len(vals) > 1 {
		spread := vals[len(vals)-1] - vals[0]
		if unit == model.UnitC {
			spread = spread * 9 / 5
		}
		spreadF = spread
	}
	switch {
	case spreadF <= 1:
		return model.ConfidenceVeryHigh
	case spreadF <= 2:
		return model.ConfidenceHigh
	case spreadF <= 4:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

func fallbackStdDev(c model.Confidence, unit model.Unit, table map[string]float64) float64 {
	v := table[string(c)]
	if unit == model.UnitF {
		return v * 9 / 5
	}
	return v
}

// phi is the standard normal CDF via the Abramowitz & Stegun erf
// approximation (accurate to ~1.5e-7).
func phi(x float64) float64 {
	return 0.5 * (1 + erf(x/math.Sqrt2))
}

func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	const a1, a2, a3, a4, a5, p = 0.254829592, -0.284496736, 1.421413741, -1.453152027, 1.061405429, 0.3275911
	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)
	return sign * y
}

// ProbabilityYES computes P(temp in [range_min, range_max]) for a normal
// model N(forecast.Temp, forecast.StdDev). Null bounds are
// treated as ±infinity. Bounded, integer-aligned ranges (the structured
// venue's brackets) get the 0.5-unit continuity correction.
func ProbabilityYES(f model.Forecast, rangeMin, rangeMax *float64, integerAligned bool) float64 {
	lo, hi := rangeMin, rangeMax
	if integerAligned && lo != nil && hi != nil {
		l := *lo - 0.5
		h := *hi + 0.5
		lo, hi = &l, &h
	}

	switch {
	case lo == nil && hi == nil:
		return 1
	case lo == nil:
		return clamp01(phi((*hi - f.Temp) / f.StdDev))
	case hi == nil:
		return clamp01(1 - phi((*lo-f.Temp)/f.StdDev))
	default:
		return clamp01(phi((*hi-f.Temp)/f.StdDev) - phi((*lo-f.Temp)/f.StdDev))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func convert(v float64, from, to model.Unit) float64 {
	if from == to {
		return v
	}
	if from == model.UnitC && to == model.UnitF {
		return model.CToF(v)
	}
	return model.FToC(v)
}

// HoursUntil returns the hours between now and the end of the city-local
// target date (23:59:59 in loc).
func HoursUntil(targetDate string, loc *time.Location, now time.Time) float64 {
	t, err := time.ParseInLocation("2006-01-02", targetDate, loc)
	if err != nil {
		return 0
	}
	resolution := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
	return resolution.Sub(now).Hours()
}
