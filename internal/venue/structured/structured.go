// Package structured implements the venue.Adapter for the structured
// (ticker/bracket) exchange: REST market listing, RSA-PSS signed
// authenticated calls, and an optional live order-book stream.
package structured

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/venue"
	"github.com/brendanplayford/weatherbot/pkg/ws"
)

// Client is a thin authenticated REST client for the structured venue.
type Client struct {
	baseURL    string
	apiKey     string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	feeMult    float64
}

// NewClient builds a Client. apiKey/privateKey may be empty for read-only,
// unauthenticated use against public market-listing endpoints only.
func NewClient(baseURL, apiKey string, privateKey *rsa.PrivateKey, feeMultiplier float64) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		privateKey: privateKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		feeMult:    feeMultiplier,
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.apiKey != "" && c.privateKey != nil {
		timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
		signPath := "/trade-api/v2" + path
		sig, err := ws.GenerateSignature(c.privateKey, timestamp, method, signPath)
		if err != nil {
			return nil, fmt.Errorf("generate signature: %w", err)
		}
		req.Header.Set("ACCESS-KEY", c.apiKey)
		req.Header.Set("ACCESS-TIMESTAMP", timestamp)
		req.Header.Set("ACCESS-SIGNATURE", sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("structured venue error %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Market mirrors the exchange's market representation.
type Market struct {
	Ticker      string  `json:"ticker"`
	EventTicker string  `json:"event_ticker"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	YesBid      int     `json:"yes_bid"`
	YesAsk      int     `json:"yes_ask"`
	NoBid       int     `json:"no_bid"`
	NoAsk       int     `json:"no_ask"`
	Volume      int     `json:"volume"`
	CapStrike   float64 `json:"cap_strike"`
	FloorStrike float64 `json:"floor_strike"`
}

func (c *Client) GetMarkets(ctx context.Context, eventTicker string) ([]Market, error) {
	data, err := c.request(ctx, "GET", "/markets?event_ticker="+eventTicker, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Markets []Market `json:"markets"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal markets: %w", err)
	}
	return resp.Markets, nil
}

type orderbookLevel [2]int // [price_cents, size]

func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	data, err := c.request(ctx, "GET", "/markets/"+ticker, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Market Market `json:"market"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal market: %w", err)
	}
	return &resp.Market, nil
}

func (c *Client) GetOrderbook(ctx context.Context, ticker string) ([]orderbookLevel, error) {
	data, err := c.request(ctx, "GET", "/markets/"+ticker+"/orderbook", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orderbook struct {
			Yes []orderbookLevel `json:"yes"`
		} `json:"orderbook"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal orderbook: %w", err)
	}
	return resp.Orderbook.Yes, nil
}

type Balance struct {
	Balance int `json:"balance"`
}

func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	data, err := c.request(ctx, "GET", "/portfolio/balance", nil)
	if err != nil {
		return nil, err
	}
	var b Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("unmarshal balance: %w", err)
	}
	return &b, nil
}

// CreateOrderRequest places a live order. The trading loop runs on paper
// accounting and never calls this; it is here so a live-mode executor has
// a real place to call into.
type CreateOrderRequest struct {
	Ticker   string `json:"ticker"`
	Action   string `json:"action"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Count    int    `json:"count"`
	YesPrice int    `json:"yes_price,omitempty"`
	NoPrice  int    `json:"no_price,omitempty"`
}

type Order struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	data, err := c.request(ctx, "POST", "/portfolio/orders", req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Order Order `json:"order"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &resp.Order, nil
}

// ParseTicker decodes a structured-venue ticker's bound spec:
// "B<mid>" → bracket [mid-0.5, mid+0.5]; "T<n>" →
// threshold, disambiguated by whether the market title reads as "above"
// (floor+1, unbounded) or "below" (unbounded, cap-1). The floor+1/cap-1
// convention (rather than floor/cap) is what keeps adjoining between/
// greater brackets disjoint at the integer boundary (see DESIGN.md open
// question 2).
func ParseTicker(ticker, title string, lowerF, upperF func(v float64) *float64) (min, max *float64, rangeName string, ok bool) {
	parts := strings.Split(ticker, "-")
	if len(parts) < 3 {
		return nil, nil, "", false
	}
	spec := parts[len(parts)-1]

	if strings.HasPrefix(spec, "B") {
		var mid float64
		if _, err := fmt.Sscanf(spec, "B%f", &mid); err != nil {
			return nil, nil, "", false
		}
		lo, hi := mid-0.5, mid+0.5
		return lowerF(lo), upperF(hi), fmt.Sprintf("%.0f-%.0f°F", lo, hi), true
	}

	if strings.HasPrefix(spec, "T") {
		var threshold float64
		if _, err := fmt.Sscanf(spec, "T%f", &threshold); err != nil {
			return nil, nil, "", false
		}
		lowered := strings.ToLower(title)
		if strings.Contains(lowered, ">") || strings.Contains(lowered, "above") || strings.Contains(lowered, "over") {
			return lowerF(threshold + 1), nil, fmt.Sprintf(">%.0f°F", threshold), true
		}
		return nil, upperF(threshold - 1), fmt.Sprintf("<%.0f°F", threshold), true
	}

	return nil, nil, "", false
}

func ptr(v float64) *float64 { return &v }

// Adapter implements venue.Adapter for the structured exchange.
type Adapter struct {
	client *Client
	stream *OrderbookStream
}

func NewAdapter(client *Client) *Adapter { return &Adapter{client: client} }

// AttachStream lets GetOrderbook serve ask depth from the live websocket
// book when one exists, falling back to REST otherwise.
func (a *Adapter) AttachStream(stream *OrderbookStream) { a.stream = stream }

func (a *Adapter) Venue() model.Venue { return model.VenueStructured }

func (a *Adapter) ListOutcomes(ctx context.Context, cityKey, targetDate string) []model.RangeSpec {
	city := cities.Get(cityKey)
	if city == nil {
		return nil
	}
	eventTicker := city.StructuredEventPrefix + "-" + structuredDateCode(targetDate)
	markets, err := a.client.GetMarkets(ctx, eventTicker)
	if err != nil {
		return nil // fail soft: an unreachable venue yields no outcomes
	}

	out := make([]model.RangeSpec, 0, len(markets))
	for _, m := range markets {
		min, max, name, ok := ParseTicker(m.Ticker, m.Title, func(v float64) *float64 { return ptr(v) }, func(v float64) *float64 { return ptr(v) })
		if !ok {
			continue
		}
		spec := model.RangeSpec{
			Venue:      model.VenueStructured,
			MarketID:   m.Ticker,
			City:       cityKey,
			TargetDate: targetDate,
			RangeName:  name,
			RangeMin:   min,
			RangeMax:   max,
			RangeUnit:  city.Unit,
			Bid:        float64(m.YesBid) / 100,
			Ask:        float64(m.YesAsk) / 100,
			Volume:     m.Volume,
		}
		if spec.Valid() {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RangeMin == nil {
			return true
		}
		if out[j].RangeMin == nil {
			return false
		}
		return *out[i].RangeMin < *out[j].RangeMin
	})
	return out
}

// structuredDateCode renders an ISO date as the exchange's "25DEC27" style
// event-ticker date suffix.
func structuredDateCode(isoDate string) string {
	t, err := time.Parse("2006-01-02", isoDate)
	if err != nil {
		return isoDate
	}
	return strings.ToUpper(t.Format("06Jan02"))
}

func (a *Adapter) GetPrice(ctx context.Context, marketID string) (venue.Price, error) {
	m, err := a.client.GetMarket(ctx, marketID)
	if err != nil {
		return venue.Price{}, err
	}
	return venue.Price{Bid: float64(m.YesBid) / 100, Ask: float64(m.YesAsk) / 100, Volume: m.Volume}, nil
}

func (a *Adapter) GetOrderbook(ctx context.Context, marketID string) (venue.Orderbook, error) {
	if a.stream != nil {
		a.stream.Track(ctx, marketID)
		if depth, ok := a.stream.Depth(marketID); ok {
			return venue.Orderbook{AskDepth: depth}, nil
		}
	}
	levels, err := a.client.GetOrderbook(ctx, marketID)
	if err != nil {
		return venue.Orderbook{}, err
	}
	ob := venue.Orderbook{}
	for _, l := range levels {
		ob.AskDepth = append(ob.AskDepth, venue.DepthLevel{Price: float64(l[0]) / 100, Size: l[1]})
	}
	return ob, nil
}

func (a *Adapter) FeePerContract(price float64) float64 {
	return venue.QuadraticFee(a.client.feeMult, price)
}

func (a *Adapter) SimulateBuy(ctx context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	return spec.Ask, spec.Ask * float64(shares), time.Now(), nil
}
