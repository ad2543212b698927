// Package config loads the bot's configuration from the environment (and an
// optional .env file) into typed sections matching the component groupings
// of the trading system: general, entry, sizing, exit, forecasts,
// calibration, observer, guaranteed_entry, platforms, and alerts.
package config

import (
	"bufio"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/brendanplayford/weatherbot/pkg/ws"
)

var (
	ErrMissingAPIKey      = errors.New("config: STRUCTURED_API_KEY not set")
	ErrMissingPrivateKey  = errors.New("config: STRUCTURED_PRIVATE_KEY not set")
	ErrInvalidPrivateKey  = errors.New("config: failed to parse structured venue private key")
	ErrInvalidTradingMode = errors.New("config: TRADING_MODE must be one of paper, shadow, live")
)

// TradingMode is validated at startup and reported in the startup message.
// The Executor does not read it: in every mode an entry is a simulated fill
// at the quoted ask. live must be set explicitly; it is never the default.
type TradingMode string

const (
	ModePaper  TradingMode = "paper"
	ModeShadow TradingMode = "shadow"
	ModeLive   TradingMode = "live"
)

// EvaluatorMode gates whether the Monitor's exit recommendations are acted
// on or only logged.
type EvaluatorMode string

const (
	EvaluatorLogOnly EvaluatorMode = "log_only"
	EvaluatorActive  EvaluatorMode = "active"
)

type General struct {
	ScanIntervalMinutes int
	ScanDaysAhead       int
	TradingMode         TradingMode
}

type Entry struct {
	MinEdgePct           float64
	MaxSpread            float64
	MaxSpreadPct         float64
	MinAskPrice          float64
	MinNoAskPrice        float64
	MinHoursToResolution float64
	MaxModelMarketRatio  float64
}

type Sizing struct {
	KellyFraction       float64
	YesBankroll         float64
	NoBankroll          float64
	NoMaxPerDate        float64
	MaxBankrollPct      float64
	MinBet              float64
	HardRejectVolumePct float64
	WarnVolumePct       float64
	MaxVolumePct        *float64
}

type TakeProfit struct {
	TriggerBid float64
}

type Exit struct {
	EvaluatorMode EvaluatorMode
	ActiveSignals map[string]bool
	TakeProfit    TakeProfit
}

type LeadTimeBucket struct {
	Name     string
	MinHours float64
	MaxHours float64
}

type CityEligibility struct {
	BoundedMAECapF   float64
	BoundedMAECapC   float64
	UnboundedMAECapF float64
	UnboundedMAECapC float64
	MinSamples       int
}

type SourceManagement struct {
	DemotionMAEF float64
	MinSamples   int
}

type EnsembleSpread struct {
	Enabled           bool
	MultiplierFloor   float64
	MultiplierCeiling float64
}

type Forecasts struct {
	CacheMinutes          int
	CalibrationWindowDays int
	MinCityStddevSamples  int
	LeadTimeBuckets       []LeadTimeBucket
	DefaultStdDevC        map[string]float64 // by Confidence label
	CityEligibility       CityEligibility
	SourceManagement      SourceManagement
	EnsembleSpread        EnsembleSpread
}

type Calibration struct {
	CalBlocksMinN   int
	CalConfirmsMinN int
}

type ActiveHours struct {
	Start int
	End   int
}

type Observer struct {
	PollIntervalMinutes    int
	ActiveHours            ActiveHours
	CoolingHour            int
	DynamicPeakHour        bool
	PeakHourBuffer         int
	PeakHourMin            int
	PeakHourMax            int
	PeakHourMinSamples     int
	WULeadMaxLocalHour     int
	WULeadMinGapF          float64
	WULeadMinGapC          float64
	GWNearThresholdBufferF float64
	GWNearThresholdBufferC float64
}

type GuaranteedEntry struct {
	Enabled                 bool
	MinMarginCents          float64
	MaxAsk                  float64
	MinAsk                  float64
	MaxBankrollPct          float64
	RequireDualConfirmation bool
	MinGapF                 float64
	MinGapC                 float64
	MetarOnlyMinGapF        float64
	MetarOnlyMinGapC        float64
}

type Platform struct {
	Enabled       bool
	BaseURL       string
	FeeMultiplier float64
	APIKey        string
	PrivateKeyPEM string
	PrivateKey    *rsa.PrivateKey
}

type Alerts struct {
	DiscordWebhookURL string
	SlackWebhookURL   string
}

// Config is the fully-loaded configuration.
type Config struct {
	General         General
	Entry           Entry
	Sizing          Sizing
	Exit            Exit
	Forecasts       Forecasts
	Calibration     Calibration
	Observer        Observer
	GuaranteedEntry GuaranteedEntry
	Structured      Platform
	Narrative       Platform
	Alerts          Alerts
	DataDir         string
}

// Load loads configuration from a .env file (via godotenv, which does not
// reliably preserve multiline PEM values once quoted) merged with the
// process environment, plus a dedicated multiline scanner for the RSA key
// material that godotenv can't represent.
func Load() (*Config, error) {
	_ = godotenv.Load() // populates os.Environ(); missing .env is not an error

	pemVars := loadMultilinePEMFile(".env")
	getenv := func(key string) string {
		if v, ok := pemVars[key]; ok {
			return v
		}
		return os.Getenv(key)
	}

	cfg := &Config{
		General: General{
			ScanIntervalMinutes: envInt("SCAN_INTERVAL_MINUTES", 5),
			ScanDaysAhead:       envInt("SCAN_DAYS_AHEAD", 2),
			TradingMode:         TradingMode(envStr("TRADING_MODE", string(ModePaper))),
		},
		Entry: Entry{
			MinEdgePct:           envFloat("MIN_EDGE_PCT", 10),
			MaxSpread:            envFloat("MAX_SPREAD", 0.15),
			MaxSpreadPct:         envFloat("MAX_SPREAD_PCT", 0.50),
			MinAskPrice:          envFloat("MIN_ASK_PRICE", 0.10),
			MinNoAskPrice:        envFloat("MIN_NO_ASK_PRICE", 0.05),
			MinHoursToResolution: envFloat("MIN_HOURS_TO_RESOLUTION", 8),
			MaxModelMarketRatio:  envFloat("MAX_MODEL_MARKET_RATIO", 3.0),
		},
		Sizing: Sizing{
			KellyFraction:       envFloat("KELLY_FRACTION", 0.5),
			YesBankroll:         envFloat("YES_BANKROLL", 1000),
			NoBankroll:          envFloat("NO_BANKROLL", 1000),
			NoMaxPerDate:        envFloat("NO_MAX_PER_DATE", 200),
			MaxBankrollPct:      envFloat("MAX_BANKROLL_PCT", 0.20),
			MinBet:              envFloat("MIN_BET", 10),
			HardRejectVolumePct: envFloat("HARD_REJECT_VOLUME_PCT", 75),
			WarnVolumePct:       envFloat("WARN_VOLUME_PCT", 50),
			MaxVolumePct:        envFloatPtr("MAX_VOLUME_PCT"),
		},
		Exit: Exit{
			EvaluatorMode: EvaluatorMode(envStr("EVALUATOR_MODE", string(EvaluatorLogOnly))),
			ActiveSignals: envSet("ACTIVE_SIGNALS", []string{"guaranteed_loss", "guaranteed_win"}),
			TakeProfit: TakeProfit{
				TriggerBid: envFloat("TAKE_PROFIT_TRIGGER_BID", 0.50),
			},
		},
		Forecasts: Forecasts{
			CacheMinutes:          envInt("CACHE_MINUTES", 15),
			CalibrationWindowDays: envInt("CALIBRATION_WINDOW_DAYS", 21),
			MinCityStddevSamples:  envInt("MIN_CITY_STDDEV_SAMPLES", 10),
			LeadTimeBuckets: []LeadTimeBucket{
				{Name: "<12h", MinHours: 0, MaxHours: 12},
				{Name: "12-24h", MinHours: 12, MaxHours: 24},
				{Name: "24-36h", MinHours: 24, MaxHours: 36},
				{Name: "36h+", MinHours: 36, MaxHours: 1e9},
			},
			DefaultStdDevC: map[string]float64{
				"very-high": 1.39,
				"high":      1.67,
				"medium":    2.22,
				"low":       2.78,
			},
			CityEligibility: CityEligibility{
				BoundedMAECapF:   envFloat("CITY_ELIGIBILITY_BOUNDED_MAE_F", 2.5),
				BoundedMAECapC:   envFloat("CITY_ELIGIBILITY_BOUNDED_MAE_C", 1.5),
				UnboundedMAECapF: envFloat("CITY_ELIGIBILITY_UNBOUNDED_MAE_F", 4.0),
				UnboundedMAECapC: envFloat("CITY_ELIGIBILITY_UNBOUNDED_MAE_C", 2.0),
				MinSamples:       envInt("CITY_ELIGIBILITY_MIN_SAMPLES", 5),
			},
			SourceManagement: SourceManagement{
				DemotionMAEF: envFloat("SOURCE_DEMOTION_MAE_F", 6.0),
				MinSamples:   envInt("SOURCE_DEMOTION_MIN_SAMPLES", 5),
			},
			EnsembleSpread: EnsembleSpread{
				Enabled:           envBool("ENSEMBLE_SPREAD_ENABLED", false),
				MultiplierFloor:   envFloat("ENSEMBLE_SPREAD_MULTIPLIER_FLOOR", 1.0),
				MultiplierCeiling: envFloat("ENSEMBLE_SPREAD_MULTIPLIER_CEILING", 2.0),
			},
		},
		Calibration: Calibration{
			CalBlocksMinN:   envInt("CAL_BLOCKS_MIN_N", 25),
			CalConfirmsMinN: envInt("CAL_CONFIRMS_MIN_N", 50),
		},
		Observer: Observer{
			PollIntervalMinutes:    envInt("POLL_INTERVAL_MINUTES", 10),
			ActiveHours:            ActiveHours{Start: envInt("ACTIVE_HOURS_START", 6), End: envInt("ACTIVE_HOURS_END", 23)},
			CoolingHour:            envInt("COOLING_HOUR", 17),
			DynamicPeakHour:        envBool("DYNAMIC_PEAK_HOUR", true),
			PeakHourBuffer:         envInt("PEAK_HOUR_BUFFER", 2),
			PeakHourMin:            envInt("PEAK_HOUR_MIN", 14),
			PeakHourMax:            envInt("PEAK_HOUR_MAX", 20),
			PeakHourMinSamples:     envInt("PEAK_HOUR_MIN_SAMPLES", 3),
			WULeadMaxLocalHour:     envInt("WU_LEAD_MAX_LOCAL_HOUR", 12),
			WULeadMinGapF:          envFloat("WU_LEAD_MIN_GAP_F", 2.5),
			WULeadMinGapC:          envFloat("WU_LEAD_MIN_GAP_C", 1.5),
			GWNearThresholdBufferF: envFloat("GW_NEAR_THRESHOLD_BUFFER_F", 1.0),
			GWNearThresholdBufferC: envFloat("GW_NEAR_THRESHOLD_BUFFER_C", 0.5),
		},
		GuaranteedEntry: GuaranteedEntry{
			Enabled:                 envBool("GUARANTEED_ENTRY_ENABLED", true),
			MinMarginCents:          envFloat("GW_MIN_MARGIN_CENTS", 5),
			MaxAsk:                  envFloat("GW_MAX_ASK", 0.97),
			MinAsk:                  envFloat("GW_MIN_ASK", 0.30),
			MaxBankrollPct:          envFloat("GW_MAX_BANKROLL_PCT", 0.15),
			RequireDualConfirmation: envBool("GW_REQUIRE_DUAL_CONFIRMATION", true),
			MinGapF:                 envFloat("GW_MIN_GAP_F", 0.5),
			MinGapC:                 envFloat("GW_MIN_GAP_C", 0.5),
			MetarOnlyMinGapF:        envFloat("GW_METAR_ONLY_MIN_GAP_F", 1.5),
			MetarOnlyMinGapC:        envFloat("GW_METAR_ONLY_MIN_GAP_C", 0.8),
		},
		Structured: Platform{
			Enabled:       envBool("STRUCTURED_ENABLED", true),
			BaseURL:       envStr("STRUCTURED_BASE_URL", "https://api.elections.kalshi.com/trade-api/v2"),
			FeeMultiplier: envFloat("STRUCTURED_FEE_MULTIPLIER", 0.07),
			APIKey:        getenv("STRUCTURED_API_KEY"),
			PrivateKeyPEM: getenv("STRUCTURED_PRIVATE_KEY"),
		},
		Narrative: Platform{
			Enabled:       envBool("NARRATIVE_ENABLED", true),
			BaseURL:       envStr("NARRATIVE_BASE_URL", "https://gamma-api.polymarket.com"),
			FeeMultiplier: 0,
		},
		Alerts: Alerts{
			DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
			SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		},
		DataDir: envStr("DATA_DIR", "./data"),
	}

	if cfg.Structured.PrivateKeyPEM != "" {
		key, err := ws.ParsePrivateKeyString(cfg.Structured.PrivateKeyPEM)
		if err != nil {
			return nil, errors.Join(ErrInvalidPrivateKey, err)
		}
		cfg.Structured.PrivateKey = key
	}

	switch cfg.General.TradingMode {
	case ModePaper, ModeShadow, ModeLive:
	default:
		return nil, ErrInvalidTradingMode
	}

	return cfg, nil
}

// Validate checks that the structured venue's authentication is present.
// A ConfigError here must fail process startup, not silently default.
func (c *Config) Validate() error {
	if c.Structured.Enabled {
		if c.Structured.APIKey == "" {
			return ErrMissingAPIKey
		}
		if c.Structured.PrivateKey == nil {
			return ErrMissingPrivateKey
		}
	}
	return nil
}

// loadMultilinePEMFile reads a .env file looking only for values that open a
// "-----BEGIN" PEM block, which godotenv cannot parse reliably once the
// value spans multiple lines.
func loadMultilinePEMFile(path string) map[string]string {
	result := make(map[string]string)

	file, err := os.Open(path)
	if err != nil {
		return result
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var currentKey string
	var currentValue strings.Builder
	inMultiline := false

	for scanner.Scan() {
		line := scanner.Text()

		if !inMultiline && strings.Contains(line, "=") {
			parts := strings.SplitN(line, "=", 2)
			key := strings.TrimSpace(parts[0])
			value := ""
			if len(parts) > 1 {
				value = parts[1]
			}
			if strings.Contains(value, "-----BEGIN") {
				currentKey = key
				currentValue.Reset()
				currentValue.WriteString(value)
				currentValue.WriteString("\n")
				inMultiline = true
			}
			continue
		}

		if inMultiline {
			currentValue.WriteString(line)
			currentValue.WriteString("\n")
			if strings.Contains(line, "-----END") {
				result[currentKey] = strings.TrimSuffix(currentValue.String(), "\n")
				inMultiline = false
				currentKey = ""
				currentValue.Reset()
			}
		}
	}

	return result
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envFloatPtr(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func envSet(key string, def []string) map[string]bool {
	v := os.Getenv(key)
	items := def
	if v != "" {
		items = strings.Split(v, ",")
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[strings.TrimSpace(it)] = true
	}
	return out
}

// String gives a safe, credential-free representation for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"mode=%s scan_interval=%dm structured_enabled=%v narrative_enabled=%v data_dir=%s",
		c.General.TradingMode, c.General.ScanIntervalMinutes,
		c.Structured.Enabled, c.Narrative.Enabled, c.DataDir,
	)
}
