// Package weather holds the external observation and forecast collaborators:
// the batched METAR provider, the crowd-observation (WU) provider, the
// authoritative daily-high fetcher with its per-venue fallback chains, and
// the forecast sources consumed by the forecast engine.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StationObservation is one station's latest METAR reading.
type StationObservation struct {
	StationID string
	ObsTime   time.Time
	TempC     float64
}

// METARClient fetches current observations for many stations in a single
// request. One call per fast-loop tick covers every active station.
type METARClient struct {
	baseURL    string
	httpClient *http.Client
}

const defaultMETARBaseURL = "https://aviationweather.gov/api/data/metar"

func NewMETARClient() *METARClient {
	return &METARClient{
		baseURL:    defaultMETARBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type metarRecord struct {
	ICAOID  string  `json:"icaoId"`
	ObsTime int64   `json:"obsTime"`
	Temp    float64 `json:"temp"`
}

// BatchFetch requests all stations comma-separated in one HTTP call and
// returns whatever subset came back. Readings outside the plausible band
// (-100..150°F equivalent) are discarded.
func (c *METARClient) BatchFetch(ctx context.Context, stationIDs []string) (map[string]StationObservation, error) {
	if len(stationIDs) == 0 {
		return map[string]StationObservation{}, nil
	}
	url := fmt.Sprintf("%s?ids=%s&format=json", c.baseURL, strings.Join(stationIDs, ","))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metar batch fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("metar batch fetch: status %d", resp.StatusCode)
	}

	var records []metarRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("metar batch decode: %w", err)
	}

	out := make(map[string]StationObservation, len(records))
	for _, r := range records {
		tempF := r.Temp*9/5 + 32
		if tempF <= -100 || tempF >= 150 {
			continue
		}
		obs := StationObservation{
			StationID: r.ICAOID,
			ObsTime:   time.Unix(r.ObsTime, 0),
			TempC:     r.Temp,
		}
		// Keep the newest reading when the API returns several per station.
		if prev, ok := out[r.ICAOID]; !ok || obs.ObsTime.After(prev.ObsTime) {
			out[r.ICAOID] = obs
		}
	}
	return out, nil
}

// DailyMax fetches the running daily max for one station from the archived
// observation feed (all readings since local midnight), used by the
// authoritative-high fallback chain.
func (c *METARClient) DailyMax(ctx context.Context, stationID, timezone string, day time.Time) (maxF float64, readings int, err error) {
	url := fmt.Sprintf(
		"https://mesonet.agron.iastate.edu/cgi-bin/request/asos.py?station=%s&data=tmpf&year1=%d&month1=%d&day1=%d&year2=%d&month2=%d&day2=%d&tz=%s&format=onlycomma&latlon=no&elev=no&missing=M&trace=T&direct=no&report_type=3",
		stationID,
		day.Year(), int(day.Month()), day.Day(),
		day.Year(), int(day.Month()), day.Day()+1,
		timezone,
	)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("asos daily fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, fmt.Errorf("asos daily read: %w", err)
	}

	maxF = -999
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, stationID+",") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 || parts[2] == "M" {
			continue
		}
		var temp float64
		if _, err := fmt.Sscanf(parts[2], "%f", &temp); err != nil {
			continue
		}
		if temp > -100 && temp < 150 {
			readings++
			if temp > maxF {
				maxF = temp
			}
		}
	}
	if maxF == -999 {
		return 0, 0, fmt.Errorf("asos daily fetch: no valid readings for %s", stationID)
	}
	return maxF, readings, nil
}
