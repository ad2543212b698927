package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CrowdHigh is the crowd-observation provider's view of a station's day.
type CrowdHigh struct {
	HighF            float64
	HighC            float64
	ObservationCount int
}

// WUClient fetches the crowd-observation provider's running daily high for
// a station. Two instances run in the process: the slow loop's client
// self-throttles between requests, while the fast loop's client has no
// delay and relies on its hard per-city timeout instead.
type WUClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu       sync.Mutex
	minGap   time.Duration
	lastCall time.Time
}

const defaultWUBaseURL = "https://api.weather.com/v2/pws"

// NewWUClient builds a client with the given per-request timeout and
// minimum gap between requests (0 for the fast-poll client).
func NewWUClient(apiKey string, timeout, minGap time.Duration) *WUClient {
	return &WUClient{
		baseURL:    defaultWUBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		minGap:     minGap,
	}
}

type wuObservation struct {
	ObsTimeLocal string `json:"obsTimeLocal"`
	Imperial     struct {
		TempHigh float64 `json:"tempHigh"`
	} `json:"imperial"`
	Metric struct {
		TempHigh float64 `json:"tempHigh"`
	} `json:"metric"`
}

// FetchDailyHigh returns the provider's running high for (station, local
// day). The local date guards against the provider's day rolling over ahead
// of or behind the city's.
func (c *WUClient) FetchDailyHigh(ctx context.Context, stationID, localDate string) (CrowdHigh, error) {
	c.throttle()

	url := fmt.Sprintf("%s/observations/all/1day?stationId=%s&format=json&units=e&numericPrecision=decimal&apiKey=%s",
		c.baseURL, stationID, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return CrowdHigh{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CrowdHigh{}, fmt.Errorf("wu fetch %s: %w", stationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return CrowdHigh{}, fmt.Errorf("wu fetch %s: status %d", stationID, resp.StatusCode)
	}

	var raw struct {
		Observations []wuObservation `json:"observations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return CrowdHigh{}, fmt.Errorf("wu decode %s: %w", stationID, err)
	}

	high := CrowdHigh{HighF: -999}
	for _, o := range raw.Observations {
		if !strings.HasPrefix(o.ObsTimeLocal, localDate) {
			continue
		}
		high.ObservationCount++
		if o.Imperial.TempHigh > high.HighF {
			high.HighF = o.Imperial.TempHigh
			high.HighC = o.Metric.TempHigh
		}
	}
	if high.ObservationCount == 0 {
		return CrowdHigh{}, fmt.Errorf("wu fetch %s: no observations for %s", stationID, localDate)
	}
	if high.HighC == 0 && high.HighF != 32 {
		high.HighC = (high.HighF - 32) * 5 / 9
	}
	return high, nil
}

func (c *WUClient) throttle() {
	if c.minGap == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gap := time.Since(c.lastCall); gap < c.minGap {
		time.Sleep(c.minGap - gap)
	}
	c.lastCall = time.Now()
}
