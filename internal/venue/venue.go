// Package venue defines the uniform facade (internal/venue.Adapter) the
// scanner, executor, monitor, and resolver use to reach either exchange
// without knowing venue-specific wire formats. Concrete adapters live in
// internal/venue/structured and internal/venue/narrative.
package venue

import (
	"context"
	"sync"
	"time"

	"github.com/brendanplayford/weatherbot/internal/model"
)

// Price is the latest bid/ask/spread/volume snapshot for one outcome.
type Price struct {
	Bid    float64
	Ask    float64
	Volume int
}

func (p Price) Spread() float64 { return p.Ask - p.Bid }

// DepthLevel is one (price, size) rung of an orderbook.
type DepthLevel struct {
	Price float64
	Size  int
}

// Orderbook is the ask-side depth for one outcome.
type Orderbook struct {
	AskDepth []DepthLevel
}

// Adapter is the uniform facade over one venue.
type Adapter interface {
	Venue() model.Venue

	// ListOutcomes fails soft: on transport error it returns an empty
	// slice and the caller logs; it never surfaces into the scanner as
	// an error that halts the cycle.
	ListOutcomes(ctx context.Context, city string, targetDate string) []model.RangeSpec

	GetPrice(ctx context.Context, marketID string) (Price, error)
	GetOrderbook(ctx context.Context, marketID string) (Orderbook, error)

	// FeePerContract returns the venue's fee in dollars for one contract
	// bought at the given price (0..1).
	FeePerContract(price float64) float64

	// SimulateBuy is the source of truth for entry price: execution at
	// the quoted ask.
	SimulateBuy(ctx context.Context, spec model.RangeSpec, shares int) (price float64, cost float64, at time.Time, err error)
}

// rateLimiter enforces a minimum delay between calls to one venue.
type rateLimiter struct {
	mu       sync.Mutex
	minGap   time.Duration
	lastCall time.Time
}

func newRateLimiter(minGap time.Duration) *rateLimiter { return &rateLimiter{minGap: minGap} }

func (r *rateLimiter) wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gap := time.Since(r.lastCall); gap < r.minGap {
		time.Sleep(r.minGap - gap)
	}
	r.lastCall = time.Now()
}

// outcomeCache caches ListOutcomes results per (city, target_date) for the
// duration of one scan cycle; Reset clears it between cycles.
type outcomeCache struct {
	mu      sync.RWMutex
	entries map[string][]model.RangeSpec
}

func newOutcomeCache() *outcomeCache {
	return &outcomeCache{entries: make(map[string][]model.RangeSpec)}
}

func (c *outcomeCache) get(key string) ([]model.RangeSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *outcomeCache) put(key string, v []model.RangeSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = v
}

// Reset clears the cache; called once per scan cycle.
func (c *outcomeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]model.RangeSpec)
}

// CachingAdapter wraps an Adapter with the per-cycle outcome cache and a
// per-venue rate limiter.
type CachingAdapter struct {
	inner Adapter
	cache *outcomeCache
	limit *rateLimiter
}

// NewCachingAdapter wraps inner with a 125ms minimum gap between calls
// (cache hits excepted) and a per-cycle outcome cache.
func NewCachingAdapter(inner Adapter) *CachingAdapter {
	return &CachingAdapter{
		inner: inner,
		cache: newOutcomeCache(),
		limit: newRateLimiter(125 * time.Millisecond),
	}
}

func (c *CachingAdapter) Venue() model.Venue { return c.inner.Venue() }

func (c *CachingAdapter) ListOutcomes(ctx context.Context, city, targetDate string) []model.RangeSpec {
	key := city + "|" + targetDate
	if v, ok := c.cache.get(key); ok {
		return v
	}
	c.limit.wait()
	v := c.inner.ListOutcomes(ctx, city, targetDate)
	c.cache.put(key, v)
	return v
}

func (c *CachingAdapter) GetPrice(ctx context.Context, marketID string) (Price, error) {
	c.limit.wait()
	return c.inner.GetPrice(ctx, marketID)
}

func (c *CachingAdapter) GetOrderbook(ctx context.Context, marketID string) (Orderbook, error) {
	c.limit.wait()
	return c.inner.GetOrderbook(ctx, marketID)
}

func (c *CachingAdapter) FeePerContract(price float64) float64 { return c.inner.FeePerContract(price) }

func (c *CachingAdapter) SimulateBuy(ctx context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	c.limit.wait()
	return c.inner.SimulateBuy(ctx, spec, shares)
}

// ResetCycle clears the per-cycle outcome cache; call once per scan cycle
// start.
func (c *CachingAdapter) ResetCycle() { c.cache.Reset() }

// QuadraticFee implements the structured venue's fee formula:
// multiplier * p * (1-p), multiplier default 0.07.
func QuadraticFee(multiplier, price float64) float64 {
	return multiplier * price * (1 - price)
}

// FlatFee implements the narrative venue's fee formula: always zero.
func FlatFee(float64) float64 { return 0 }
