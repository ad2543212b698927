package structured

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/pkg/ws"
)

// OrderbookStream maintains live YES ask depth for tracked markets from the
// exchange's orderbook_delta channel: a snapshot on subscribe, then signed
// deltas applied to resting size. When the stream has a book for a market
// the adapter serves GetOrderbook from it instead of REST.
type OrderbookStream struct {
	client *ws.Client
	logger *slog.Logger

	mu      sync.RWMutex
	books   map[string]map[int]int // ticker -> price_cents -> size
	tracked map[string]bool
}

// NewOrderbookStream builds a stream over a ws client.
func NewOrderbookStream(client *ws.Client, logger *slog.Logger) *OrderbookStream {
	s := &OrderbookStream{
		client:  client,
		logger:  logger,
		books:   make(map[string]map[int]int),
		tracked: make(map[string]bool),
	}
	client.SetMessageHandler(s.handle)
	return s
}

// Connect dials the feed. Safe to call once at startup. The client does
// not reconnect after a drop; books received before it are kept as they
// were.
func (s *OrderbookStream) Connect(ctx context.Context) error {
	return s.client.Connect(ctx)
}

func (s *OrderbookStream) Close() error { return s.client.Close() }

// Track subscribes to a market's book if not already tracked. The first
// depth is served by REST until the snapshot lands.
func (s *OrderbookStream) Track(ctx context.Context, ticker string) {
	s.mu.Lock()
	already := s.tracked[ticker]
	s.tracked[ticker] = true
	s.mu.Unlock()
	if already || !s.client.IsConnected() {
		return
	}
	if _, err := s.client.Subscribe(ctx, ticker, ws.ChannelOrderbookDelta); err != nil {
		s.logger.Warn("orderbook subscribe failed", "ticker", ticker, "err", err)
		s.mu.Lock()
		delete(s.tracked, ticker)
		s.mu.Unlock()
	}
}

// Depth returns the current ask depth for a tracked market, lowest price
// first, and whether a book exists yet.
func (s *OrderbookStream) Depth(ticker string) ([]venue.DepthLevel, bool) {
	s.mu.RLock()
	book, ok := s.books[ticker]
	if !ok {
		s.mu.RUnlock()
		return nil, false
	}
	levels := make([]venue.DepthLevel, 0, len(book))
	for cents, size := range book {
		if size > 0 {
			levels = append(levels, venue.DepthLevel{Price: float64(cents) / 100, Size: size})
		}
	}
	s.mu.RUnlock()

	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	return levels, true
}

func (s *OrderbookStream) handle(msg *ws.Response) {
	switch msg.Type {
	case ws.MessageTypeSubscribed:
		// Nothing to store until the snapshot arrives.
	case "orderbook_snapshot":
		s.applyRaw(msg.Msg, s.applySnapshot)
	case "orderbook_delta":
		s.applyRaw(msg.Msg, s.applyDelta)
	}
}

func (s *OrderbookStream) applyRaw(msg any, apply func(json.RawMessage)) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	apply(data)
}

func (s *OrderbookStream) applySnapshot(data json.RawMessage) {
	snap, err := ws.ParseOrderbookSnapshot(data)
	if err != nil || snap.MarketTicker == "" {
		return
	}
	book := make(map[int]int, len(snap.Yes))
	for _, level := range snap.Yes {
		book[level[0]] = level[1]
	}
	s.mu.Lock()
	s.books[snap.MarketTicker] = book
	s.mu.Unlock()
}

func (s *OrderbookStream) applyDelta(data json.RawMessage) {
	delta, err := ws.ParseOrderbookDelta(data)
	if err != nil || delta.Side != "yes" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[delta.MarketTicker]
	if !ok {
		return // delta before snapshot: wait for the snapshot
	}
	book[delta.Price] += delta.Delta
	if book[delta.Price] <= 0 {
		delete(book, delta.Price)
	}
}

// WaitForBook blocks briefly until a snapshot for the ticker arrives, for
// callers that just subscribed.
func (s *OrderbookStream) WaitForBook(ctx context.Context, ticker string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := s.Depth(ticker); ok {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}
