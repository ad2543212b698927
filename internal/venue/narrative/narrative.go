// Package narrative implements the venue.Adapter for the narrative
// (prose-range) exchange, whose markets are polled over plain REST and
// whose outcome names are free-form titles rather than encoded tickers.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/model"
	"github.com/brendanplayford/weatherbot/internal/venue"
)

var (
	reBelow  = regexp.MustCompile(`(?i)(?:≤\s*(-?\d+(?:\.\d+)?)|below\s+(-?\d+(?:\.\d+)?)|(-?\d+(?:\.\d+)?)\s*(?:°[fc])?\s*or\s*(?:less|below))`)
	reAbove  = regexp.MustCompile(`(?i)(?:≥\s*(-?\d+(?:\.\d+)?)|above\s+(-?\d+(?:\.\d+)?)|higher\s+than\s+(-?\d+(?:\.\d+)?)|(-?\d+(?:\.\d+)?)\s*(?:°[fc])?\s*or\s*(?:more|above))`)
	reRange  = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*[-–]\s*(-?\d+(?:\.\d+)?)`)
	reSingle = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*°\s*[fc]`)
)

func firstNonEmpty(groups ...string) (string, bool) {
	for _, g := range groups {
		if g != "" {
			return g, true
		}
	}
	return "", false
}

// ParseRangeName decodes a prose range title into (min, max):
// "≤N / below / or less" -> (nil, N); "≥N / above / or more" -> (N, nil);
// "N-M" -> (N, M); single "N°X" -> (N-0.5, N+0.5).
func ParseRangeName(title string) (min, max *float64, ok bool) {
	if m := reRange.FindStringSubmatch(title); m != nil {
		lo, err1 := strconv.ParseFloat(m[1], 64)
		hi, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			return &lo, &hi, true
		}
	}
	if m := reBelow.FindStringSubmatch(title); m != nil {
		if g, found := firstNonEmpty(m[1], m[2], m[3]); found {
			v, err := strconv.ParseFloat(g, 64)
			if err == nil {
				return nil, &v, true
			}
		}
	}
	if m := reAbove.FindStringSubmatch(title); m != nil {
		if g, found := firstNonEmpty(m[1], m[2], m[3], m[4]); found {
			v, err := strconv.ParseFloat(g, 64)
			if err == nil {
				return &v, nil, true
			}
		}
	}
	if m := reSingle.FindStringSubmatch(title); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			lo, hi := v-0.5, v+0.5
			return &lo, &hi, true
		}
	}
	return nil, nil, false
}

// Market is one narrative-venue market (simplified gamma-style shape).
type Market struct {
	ConditionID string  `json:"condition_id"`
	Slug        string  `json:"slug"`
	Question    string  `json:"question"`
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	Volume      float64 `json:"volume"`
	Active      bool    `json:"active"`
}

// Client is a minimal unauthenticated REST client; the narrative venue's
// public market-listing endpoints require no request signing.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Client) GetMarkets(ctx context.Context, eventSlug string) ([]Market, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/markets?slug="+eventSlug, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch narrative markets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("narrative venue error %d", resp.StatusCode)
	}
	var markets []Market
	if err := json.NewDecoder(resp.Body).Decode(&markets); err != nil {
		return nil, fmt.Errorf("decode narrative markets: %w", err)
	}
	return markets, nil
}

func (c *Client) GetMarket(ctx context.Context, conditionID string) (*Market, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/markets/"+conditionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch narrative market: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("narrative venue error %d", resp.StatusCode)
	}
	var m Market
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode narrative market: %w", err)
	}
	return &m, nil
}

func (c *Client) GetOrderbook(ctx context.Context, conditionID string) ([][2]float64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?token_id="+conditionID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch narrative orderbook: %w", err)
	}
	defer resp.Body.Close()
	var raw struct {
		Asks []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
		} `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode narrative orderbook: %w", err)
	}
	out := make([][2]float64, 0, len(raw.Asks))
	for _, a := range raw.Asks {
		p, _ := strconv.ParseFloat(a.Price, 64)
		s, _ := strconv.ParseFloat(a.Size, 64)
		out = append(out, [2]float64{p, s})
	}
	return out, nil
}

// Adapter implements venue.Adapter for the narrative exchange.
type Adapter struct {
	client *Client
}

func NewAdapter(client *Client) *Adapter { return &Adapter{client: client} }

func (a *Adapter) Venue() model.Venue { return model.VenueNarrative }

func (a *Adapter) ListOutcomes(ctx context.Context, cityKey, targetDate string) []model.RangeSpec {
	city := cities.Get(cityKey)
	if city == nil {
		return nil
	}
	slug := city.NarrativeSeriesSlug + "-" + targetDate
	markets, err := a.client.GetMarkets(ctx, slug)
	if err != nil {
		return nil // fail soft: an unreachable venue yields no outcomes
	}

	out := make([]model.RangeSpec, 0, len(markets))
	for _, m := range markets {
		if !m.Active {
			continue
		}
		min, max, ok := ParseRangeName(m.Question)
		if !ok {
			continue
		}
		spec := model.RangeSpec{
			Venue:      model.VenueNarrative,
			MarketID:   m.ConditionID,
			City:       cityKey,
			TargetDate: targetDate,
			RangeName:  strings.TrimSpace(m.Question),
			RangeMin:   min,
			RangeMax:   max,
			RangeUnit:  city.Unit,
			Bid:        m.BestBid,
			Ask:        m.BestAsk,
			Volume:     int(m.Volume),
		}
		if spec.Valid() {
			out = append(out, spec)
		}
	}
	return out
}

func (a *Adapter) GetPrice(ctx context.Context, marketID string) (venue.Price, error) {
	m, err := a.client.GetMarket(ctx, marketID)
	if err != nil {
		return venue.Price{}, err
	}
	return venue.Price{Bid: m.BestBid, Ask: m.BestAsk, Volume: int(m.Volume)}, nil
}

func (a *Adapter) GetOrderbook(ctx context.Context, marketID string) (venue.Orderbook, error) {
	levels, err := a.client.GetOrderbook(ctx, marketID)
	if err != nil {
		return venue.Orderbook{}, err
	}
	ob := venue.Orderbook{}
	for _, l := range levels {
		ob.AskDepth = append(ob.AskDepth, venue.DepthLevel{Price: l[0], Size: int(l[1])})
	}
	return ob, nil
}

func (a *Adapter) FeePerContract(price float64) float64 { return venue.FlatFee(price) }

func (a *Adapter) SimulateBuy(ctx context.Context, spec model.RangeSpec, shares int) (float64, float64, time.Time, error) {
	return spec.Ask, spec.Ask * float64(shares), time.Now(), nil
}
