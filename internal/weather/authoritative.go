package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brendanplayford/weatherbot/internal/model"
)

// DailyHigh is the authoritative settled high for one (station, local day).
type DailyHigh struct {
	HighF            float64
	HighC            float64
	SourceTag        string
	ObservationCount int
	SourceURL        string
}

// AuthoritativeClient resolves the settled daily high through the per-venue
// fallback chains: the structured venue prefers the NWS daily CLI report,
// then station hourly observations, then METAR, then the historical archive;
// the narrative venue prefers WU, then METAR, then NWS, then the archive.
type AuthoritativeClient struct {
	metar      *METARClient
	wu         *WUClient
	httpClient *http.Client
}

func NewAuthoritativeClient(metar *METARClient, wu *WUClient) *AuthoritativeClient {
	return &AuthoritativeClient{
		metar:      metar,
		wu:         wu,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchStructured resolves against the structured venue's chain:
// CLI → hourly observations → METAR → archive.
func (c *AuthoritativeClient) FetchStructured(ctx context.Context, stationID, localDate, timezone string, lat, lon float64) (DailyHigh, error) {
	if high, err := c.fetchCLI(ctx, stationID, localDate); err == nil {
		return high, nil
	}
	if high, err := c.fetchStationDaily(ctx, stationID, localDate, timezone, "hourly_obs"); err == nil {
		return high, nil
	}
	if high, err := c.fetchStationDaily(ctx, stationID, localDate, timezone, "metar"); err == nil {
		return high, nil
	}
	return c.fetchArchive(ctx, localDate, timezone, lat, lon)
}

// FetchNarrative resolves against the narrative venue's chain:
// WU → METAR → NWS hourly → archive.
func (c *AuthoritativeClient) FetchNarrative(ctx context.Context, stationID, localDate, timezone string, lat, lon float64) (DailyHigh, error) {
	if crowd, err := c.wu.FetchDailyHigh(ctx, stationID, localDate); err == nil {
		return DailyHigh{
			HighF:            crowd.HighF,
			HighC:            crowd.HighC,
			SourceTag:        "wu",
			ObservationCount: crowd.ObservationCount,
		}, nil
	}
	if high, err := c.fetchStationDaily(ctx, stationID, localDate, timezone, "metar"); err == nil {
		return high, nil
	}
	if high, err := c.fetchStationDaily(ctx, stationID, localDate, timezone, "nws"); err == nil {
		return high, nil
	}
	return c.fetchArchive(ctx, localDate, timezone, lat, lon)
}

// fetchCLI pulls the NWS daily climate (CLI) report for the station's
// airport through the archived-products API.
func (c *AuthoritativeClient) fetchCLI(ctx context.Context, stationID, localDate string) (DailyHigh, error) {
	url := fmt.Sprintf("https://mesonet.agron.iastate.edu/json/cli.py?station=%s&date=%s", stationID, localDate)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return DailyHigh{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DailyHigh{}, fmt.Errorf("cli fetch %s: %w", stationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return DailyHigh{}, fmt.Errorf("cli fetch %s: status %d", stationID, resp.StatusCode)
	}

	var raw struct {
		Results []struct {
			High *float64 `json:"high"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return DailyHigh{}, fmt.Errorf("cli decode %s: %w", stationID, err)
	}
	for _, r := range raw.Results {
		if r.High != nil {
			return DailyHigh{
				HighF:     *r.High,
				HighC:     model.FToC(*r.High),
				SourceTag: "cli",
				SourceURL: url,
			}, nil
		}
	}
	return DailyHigh{}, fmt.Errorf("cli fetch %s: no high in report", stationID)
}

// fetchStationDaily resolves through the station's own observation history.
// The sourceTag only labels which rung of the chain produced the value; the
// underlying feed is the same archived-observation endpoint.
func (c *AuthoritativeClient) fetchStationDaily(ctx context.Context, stationID, localDate, timezone, sourceTag string) (DailyHigh, error) {
	day, err := time.Parse("2006-01-02", localDate)
	if err != nil {
		return DailyHigh{}, err
	}
	maxF, readings, err := c.metar.DailyMax(ctx, stationID, timezone, day)
	if err != nil {
		return DailyHigh{}, err
	}
	return DailyHigh{
		HighF:            maxF,
		HighC:            model.FToC(maxF),
		SourceTag:        sourceTag,
		ObservationCount: readings,
	}, nil
}

// fetchArchive is the last-resort rung: the reanalysis archive by
// coordinates rather than by station.
func (c *AuthoritativeClient) fetchArchive(ctx context.Context, localDate, timezone string, lat, lon float64) (DailyHigh, error) {
	url := fmt.Sprintf(
		"https://archive-api.open-meteo.com/v1/archive?latitude=%.4f&longitude=%.4f&start_date=%s&end_date=%s&daily=temperature_2m_max&temperature_unit=fahrenheit&timezone=%s",
		lat, lon, localDate, localDate, timezone)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return DailyHigh{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DailyHigh{}, fmt.Errorf("archive fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return DailyHigh{}, fmt.Errorf("archive fetch: status %d", resp.StatusCode)
	}

	var raw struct {
		Daily struct {
			TemperatureMax []float64 `json:"temperature_2m_max"`
		} `json:"daily"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return DailyHigh{}, fmt.Errorf("archive decode: %w", err)
	}
	if len(raw.Daily.TemperatureMax) == 0 {
		return DailyHigh{}, fmt.Errorf("archive fetch: no data for %s", localDate)
	}
	highF := raw.Daily.TemperatureMax[0]
	return DailyHigh{
		HighF:     highF,
		HighC:     model.FToC(highF),
		SourceTag: "archive",
		SourceURL: url,
	}, nil
}
