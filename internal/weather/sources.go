package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/brendanplayford/weatherbot/internal/cities"
	"github.com/brendanplayford/weatherbot/internal/model"
)

// NWSSource fetches the public NWS gridpoint forecast. The points lookup
// (lat/lon → gridpoint forecast URL) is resolved once per city and cached
// for the life of the process; gridpoints do not move.
type NWSSource struct {
	httpClient *http.Client

	mu           sync.Mutex
	forecastURLs map[string]string
}

func NewNWSSource() *NWSSource {
	return &NWSSource{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		forecastURLs: make(map[string]string),
	}
}

func (s *NWSSource) Name() string { return "nws" }

func (s *NWSSource) Fetch(ctx context.Context, cityKey, targetDate string) (float64, model.Unit, bool) {
	city := cities.Get(cityKey)
	if city == nil {
		return 0, "", false
	}
	forecastURL, err := s.forecastURL(ctx, city)
	if err != nil {
		return 0, "", false
	}

	req, err := http.NewRequestWithContext(ctx, "GET", forecastURL, nil)
	if err != nil {
		return 0, "", false
	}
	req.Header.Set("User-Agent", "weatherbot (forecast ensemble)")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, "", false
	}

	var raw struct {
		Properties struct {
			Periods []struct {
				StartTime   string `json:"startTime"`
				IsDaytime   bool   `json:"isDaytime"`
				Temperature int    `json:"temperature"`
			} `json:"periods"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, "", false
	}

	for _, p := range raw.Properties.Periods {
		if p.IsDaytime && strings.HasPrefix(p.StartTime, targetDate) {
			return float64(p.Temperature), model.UnitF, true
		}
	}
	return 0, "", false
}

func (s *NWSSource) forecastURL(ctx context.Context, city *cities.City) (string, error) {
	s.mu.Lock()
	cached, ok := s.forecastURLs[city.Key]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	pointsURL := fmt.Sprintf("https://api.weather.gov/points/%.4f,%.4f", city.Lat, city.Lon)
	req, err := http.NewRequestWithContext(ctx, "GET", pointsURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "weatherbot (forecast ensemble)")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nws points lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("nws points lookup: status %d", resp.StatusCode)
	}

	var raw struct {
		Properties struct {
			Forecast string `json:"forecast"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return "", fmt.Errorf("nws points decode: %w", err)
	}
	if raw.Properties.Forecast == "" {
		return "", fmt.Errorf("nws points lookup: no forecast URL")
	}

	s.mu.Lock()
	s.forecastURLs[city.Key] = raw.Properties.Forecast
	s.mu.Unlock()
	return raw.Properties.Forecast, nil
}

// OpenMeteoSource fetches the daily max from the open-meteo forecast API.
type OpenMeteoSource struct {
	httpClient *http.Client
}

func NewOpenMeteoSource() *OpenMeteoSource {
	return &OpenMeteoSource{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (s *OpenMeteoSource) Name() string { return "open_meteo" }

func (s *OpenMeteoSource) Fetch(ctx context.Context, cityKey, targetDate string) (float64, model.Unit, bool) {
	city := cities.Get(cityKey)
	if city == nil {
		return 0, "", false
	}
	url := fmt.Sprintf(
		"https://api.open-meteo.com/v1/forecast?latitude=%.4f&longitude=%.4f&daily=temperature_2m_max&temperature_unit=fahrenheit&timezone=%s&start_date=%s&end_date=%s",
		city.Lat, city.Lon, city.Timezone, targetDate, targetDate)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, "", false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, "", false
	}

	var raw struct {
		Daily struct {
			TemperatureMax []float64 `json:"temperature_2m_max"`
		} `json:"daily"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, "", false
	}
	if len(raw.Daily.TemperatureMax) == 0 {
		return 0, "", false
	}
	return raw.Daily.TemperatureMax[0], model.UnitF, true
}

// TomorrowIOSource fetches the daily max from the tomorrow.io timelines API.
// Disabled (never registered) when no API key is configured.
type TomorrowIOSource struct {
	apiKey     string
	httpClient *http.Client
}

func NewTomorrowIOSource(apiKey string) *TomorrowIOSource {
	return &TomorrowIOSource{apiKey: apiKey, httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (s *TomorrowIOSource) Name() string { return "tomorrow_io" }

func (s *TomorrowIOSource) Fetch(ctx context.Context, cityKey, targetDate string) (float64, model.Unit, bool) {
	city := cities.Get(cityKey)
	if city == nil || s.apiKey == "" {
		return 0, "", false
	}
	url := fmt.Sprintf(
		"https://api.tomorrow.io/v4/weather/forecast?location=%.4f,%.4f&timesteps=1d&units=imperial&apikey=%s",
		city.Lat, city.Lon, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, "", false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, "", false
	}

	var raw struct {
		Timelines struct {
			Daily []struct {
				Time   string `json:"time"`
				Values struct {
					TemperatureMax float64 `json:"temperatureMax"`
				} `json:"values"`
			} `json:"daily"`
		} `json:"timelines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, "", false
	}
	for _, d := range raw.Timelines.Daily {
		if strings.HasPrefix(d.Time, targetDate) {
			return d.Values.TemperatureMax, model.UnitF, true
		}
	}
	return 0, "", false
}
