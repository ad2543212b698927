// Package model holds the shared data types passed between the scanner,
// executor, observation service, monitor, and resolver. None of these types
// own persistence or network behavior; see internal/storage and
// internal/venue for that.
package model

import (
	"math"
	"time"
)

// Venue identifies one of the two supported exchanges.
type Venue string

const (
	VenueNarrative  Venue = "narrative"
	VenueStructured Venue = "structured"
)

// Unit is a temperature unit tag.
type Unit string

const (
	UnitF Unit = "F"
	UnitC Unit = "C"
)

// Side is a contract side.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// RangeType distinguishes the three outcome shapes a RangeSpec can take.
type RangeType string

const (
	RangeBounded        RangeType = "bounded"
	RangeUnboundedAbove RangeType = "unbounded_above"
	RangeUnboundedBelow RangeType = "unbounded_below"
)

// RangeSpec is one outcome of one market on one venue.
type RangeSpec struct {
	Venue      Venue
	MarketID   string
	TokenID    string
	City       string
	TargetDate string // ISO YYYY-MM-DD in the city's local timezone
	RangeName  string
	RangeMin   *float64
	RangeMax   *float64
	RangeUnit  Unit
	Bid        float64
	Ask        float64
	Volume     int
}

// Spread is ask - bid.
func (r RangeSpec) Spread() float64 { return r.Ask - r.Bid }

// Type classifies the range by which bounds are set.
func (r RangeSpec) Type() RangeType {
	switch {
	case r.RangeMin != nil && r.RangeMax != nil:
		return RangeBounded
	case r.RangeMin != nil:
		return RangeUnboundedAbove
	default:
		return RangeUnboundedBelow
	}
}

// Valid checks the RangeSpec invariants: 0 <= bid <= ask <= 1,
// range_min <= range_max when both set, and at least one bound set.
func (r RangeSpec) Valid() bool {
	if r.RangeMin == nil && r.RangeMax == nil {
		return false
	}
	if r.RangeMin != nil && r.RangeMax != nil && *r.RangeMin > *r.RangeMax {
		return false
	}
	if r.Bid < 0 || r.Bid > r.Ask || r.Ask > 1 {
		return false
	}
	return true
}

// AskForSide is the effective per-contract entry price for a side: YES buys
// at the ask; NO costs 1 - bid (see glossary).
func (r RangeSpec) AskForSide(side Side) float64 {
	if side == SideYes {
		return r.Ask
	}
	return 1 - r.Bid
}

// BidForSide is the effective per-contract sell-now price for a side.
func (r RangeSpec) BidForSide(side Side) float64 {
	if side == SideYes {
		return r.Bid
	}
	return 1 - r.Ask
}

// CToF converts Celsius to Fahrenheit, rounded to the nearest degree.
func CToF(c float64) float64 { return math.Round(c*9/5 + 32) }

// FToC converts Fahrenheit to Celsius, rounded to one decimal place.
func FToC(f float64) float64 { return math.Round((f-32)*5/9*10) / 10 }

// Determined reports whether a side's settlement is already decided by the
// running high, and if so whether that side wins. A high at or above an
// unbounded-upper threshold decides YES (inclusive); a high strictly above a
// finite upper bound decides NO. A high inside a bounded range decides
// nothing: the temperature can still climb out of it.
func Determined(rangeMin, rangeMax *float64, side Side, high float64) (won, determined bool) {
	switch {
	case rangeMin != nil && rangeMax == nil: // unbounded upper
		if high >= *rangeMin {
			return side == SideYes, true
		}
	case rangeMax != nil: // bounded or unbounded lower
		if high > *rangeMax {
			return side == SideNo, true
		}
	}
	return false, false
}

// Wins reports whether a side wins once the actual daily high is settled.
// Bounds are inclusive on both ends.
func Wins(rangeMin, rangeMax *float64, side Side, actual float64) bool {
	inRange := true
	if rangeMin != nil && actual < *rangeMin {
		inRange = false
	}
	if rangeMax != nil && actual > *rangeMax {
		inRange = false
	}
	if side == SideYes {
		return inRange
	}
	return !inRange
}

// Confidence is the forecast engine's discrete confidence label.
type Confidence string

const (
	ConfidenceVeryHigh Confidence = "very-high"
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
)

// Forecast is the fused probability-model input for one (city, target_date).
type Forecast struct {
	City              string
	TargetDate        string
	Temp              float64
	StdDev            float64
	Confidence        Confidence
	Sources           map[string]float64
	HoursToResolution float64
	Unit              Unit
}

// Observation is one row from a station poll.
type Observation struct {
	City             string
	TargetDate       string
	StationID        string
	ObservedAt       time.Time
	TempC            float64
	TempF            float64
	RunningHighC     float64
	RunningHighF     float64
	WUHighF          *float64
	WUHighC          *float64
	ObservationCount int
}

// PollSource distinguishes which loop wrote a PendingEvent.
type PollSource string

const (
	PollFast    PollSource = "fast_poll"
	PollRegular PollSource = "regular"
)

// PendingEvent tracks a detected-but-unconfirmed boundary crossing.
type PendingEvent struct {
	ID               int64
	City             string
	TargetDate       string
	Venue            Venue
	RangeName        string
	Side             Side
	MetarHigh        float64
	WUHigh           *float64
	MetarGap         float64
	AskAtDetection   float64
	OrderbookSnap    string // JSON-encoded ask-depth snapshot
	OtherVenueSnap   string
	PollSource       PollSource
	WUTriggered      bool
	WUConfirmedAt    *time.Time
	MarketRepricedAt *time.Time
	DetectedAt       time.Time
}

// EntryReason records why a Trade was entered.
type EntryReason string

const (
	EntryModel            EntryReason = "model"
	EntryGuaranteedWin    EntryReason = "guaranteed_win"
	EntryGuaranteedWinPWS EntryReason = "guaranteed_win_pws"
	EntryCalConfirms      EntryReason = "cal_confirms"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeOpen     TradeStatus = "open"
	TradeExited   TradeStatus = "exited"
	TradeResolved TradeStatus = "resolved"
)

// ExitReason records why an open Trade stopped being open.
type ExitReason string

const (
	ExitEdgeGone       ExitReason = "edge_gone"
	ExitTakeProfit     ExitReason = "take_profit"
	ExitGuaranteedWin  ExitReason = "guaranteed_win"
	ExitGuaranteedLoss ExitReason = "guaranteed_loss"
)

// EvaluatorLogEntry is one decision record appended to Trade.EvaluatorLog.
type EvaluatorLogEntry struct {
	At          time.Time
	Bid         float64
	Ask         float64
	Probability float64
	EVAdvantage float64
	Signals     []string
	Action      string
}

// Trade is one position, open/exited/resolved.
type Trade struct {
	ID         int64
	City       string
	TargetDate string
	Venue      Venue
	RangeName  string
	Side       Side
	Status     TradeStatus

	// Entry
	EntryAsk                 float64
	EntryBid                 float64
	EntrySpread              float64
	EntryVolume              int
	Shares                   int
	Cost                     float64
	EntryProbability         float64
	EntryEdgePct             float64
	EntryKelly               float64
	EntryForecastTemp        float64
	EntryForecastConfidence  Confidence
	EntryEnsemble            map[string]float64
	PctOfVolume              float64
	HoursToResolutionAtEntry float64
	EntryReason              EntryReason
	WUTriggered              bool
	DualConfirmed            bool
	ObservationHigh          *float64
	WUHigh                   *float64

	// Live state
	CurrentBid         float64
	CurrentAsk         float64
	CurrentProbability float64
	MaxPriceSeen       float64
	MinProbabilitySeen float64
	EvaluatorLog       []EvaluatorLogEntry

	// Exit
	ExitReason       ExitReason
	ExitPrice        float64
	ExitBid          float64
	ExitAsk          float64
	ExitSpread       float64
	ExitVolume       int
	ExitProbability  float64
	ExitForecastTemp float64
	ExitedAt         *time.Time

	// Resolution
	ActualTemp        *float64
	Won               *bool
	PnL               float64
	Fees              float64
	ResolvedAt        *time.Time
	ResolutionStation string

	EntryRangeMin *float64
	EntryRangeMax *float64
}

// AppendEvaluatorLog appends an entry, retaining at most the latest 500.
func (t *Trade) AppendEvaluatorLog(e EvaluatorLogEntry) {
	t.EvaluatorLog = append(t.EvaluatorLog, e)
	if len(t.EvaluatorLog) > 500 {
		t.EvaluatorLog = t.EvaluatorLog[len(t.EvaluatorLog)-500:]
	}
}

// Opportunity is a record of every scored candidate, win or reject.
type Opportunity struct {
	ID                int64
	City              string
	TargetDate        string
	Venue             Venue
	RangeName         string
	Side              Side
	RangeType         RangeType
	RangeMin          *float64
	RangeMax          *float64
	Ask               float64
	Bid               float64
	Volume            int
	Probability       float64
	EdgePct           float64
	HoursToResolution float64
	ForecastTemp      float64
	ForecastStdDev    float64
	Confidence        Confidence
	ForecastSources   map[string]float64
	Accepted          bool
	RejectReason      string
	TradeID           *int64
	ScannedAt         time.Time
	ActualTemp        *float64
	WouldHaveWon      *bool
}

// LeadBucket is one of the four lead-time buckets used by calibration.
type LeadBucket string

const (
	LeadUnder12 LeadBucket = "<12h"
	Lead12to24  LeadBucket = "12-24h"
	Lead24to36  LeadBucket = "24-36h"
	Lead36Plus  LeadBucket = "36h+"
)

// BucketForHours maps hours-to-resolution to a LeadBucket.
func BucketForHours(hours float64) LeadBucket {
	switch {
	case hours < 12:
		return LeadUnder12
	case hours < 24:
		return Lead12to24
	case hours < 36:
		return Lead24to36
	default:
		return Lead36Plus
	}
}

// PriceBucketCents buckets an ask price (0..1) into a 5-cent bin label, 0..55+.
func PriceBucketCents(ask float64) int {
	cents := int(ask * 100)
	bucket := (cents / 5) * 5
	if bucket >= 55 {
		return 55
	}
	return bucket
}

// MarketCalibration is an aggregate row per (venue, range_type, lead bucket, price bucket).
type MarketCalibration struct {
	Venue            Venue
	RangeType        RangeType
	LeadBucket       LeadBucket
	PriceBucket      int
	EmpiricalWinRate float64
	N                int
}

// ForecastAccuracy is one row per (city, target_date, source) recorded by the Resolver.
type ForecastAccuracy struct {
	City                  string
	TargetDate            string
	Source                string
	Forecast              float64
	Actual                float64
	Error                 float64
	AbsError              float64
	Unit                  Unit
	HoursBeforeResolution float64
	RecordedAt            time.Time
}
