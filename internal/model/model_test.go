package model

import (
	"testing"
	"time"
)

func ptr(v float64) *float64 { return &v }

func TestRangeSpec_Type(t *testing.T) {
	tests := []struct {
		name string
		min  *float64
		max  *float64
		want RangeType
	}{
		{"bounded", ptr(50), ptr(51), RangeBounded},
		{"unbounded above", ptr(49), nil, RangeUnboundedAbove},
		{"unbounded below", nil, ptr(17), RangeUnboundedBelow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RangeSpec{RangeMin: tt.min, RangeMax: tt.max}
			if got := r.Type(); got != tt.want {
				t.Errorf("Type() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRangeSpec_Valid(t *testing.T) {
	tests := []struct {
		name string
		spec RangeSpec
		want bool
	}{
		{"ok bounded", RangeSpec{RangeMin: ptr(50), RangeMax: ptr(51), Bid: 0.08, Ask: 0.12}, true},
		{"no bounds", RangeSpec{Bid: 0.1, Ask: 0.2}, false},
		{"inverted bounds", RangeSpec{RangeMin: ptr(51), RangeMax: ptr(50), Bid: 0.1, Ask: 0.2}, false},
		{"bid above ask", RangeSpec{RangeMin: ptr(50), RangeMax: nil, Bid: 0.3, Ask: 0.2}, false},
		{"ask above one", RangeSpec{RangeMin: ptr(50), RangeMax: nil, Bid: 0.3, Ask: 1.2}, false},
		{"negative bid", RangeSpec{RangeMin: ptr(50), RangeMax: nil, Bid: -0.1, Ask: 0.2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRangeSpec_SideEffectivePrices(t *testing.T) {
	r := RangeSpec{Bid: 0.30, Ask: 0.40}
	if got := r.AskForSide(SideYes); got != 0.40 {
		t.Errorf("yes ask = %v, want 0.40", got)
	}
	if got := r.AskForSide(SideNo); got != 0.70 {
		t.Errorf("no ask = %v, want 0.70", got)
	}
	if got := r.BidForSide(SideYes); got != 0.30 {
		t.Errorf("yes bid = %v, want 0.30", got)
	}
	if got := r.BidForSide(SideNo); got != 0.60 {
		t.Errorf("no bid = %v, want 0.60", got)
	}
}

func TestDetermined(t *testing.T) {
	tests := []struct {
		name           string
		min, max       *float64
		side           Side
		high           float64
		wantWon        bool
		wantDetermined bool
	}{
		// Unbounded-upper threshold is inclusive.
		{"yes unbounded at threshold", ptr(49), nil, SideYes, 49, true, true},
		{"yes unbounded above threshold", ptr(49), nil, SideYes, 52, true, true},
		{"yes unbounded below threshold", ptr(49), nil, SideYes, 48.5, false, false},
		{"no on unbounded upper crossed", ptr(49), nil, SideNo, 49, false, true},
		// Bounded: a high inside the range decides nothing (can climb out).
		{"bounded high inside range", ptr(54), ptr(55), SideYes, 55, false, false},
		{"bounded high above max", ptr(54), ptr(55), SideNo, 58, true, true},
		{"yes bounded busted", ptr(54), ptr(55), SideYes, 58, false, true},
		// Unbounded lower.
		{"no unbounded lower crossed", nil, ptr(17), SideNo, 18, true, true},
		{"unbounded lower not crossed", nil, ptr(17), SideNo, 16, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			won, determined := Determined(tt.min, tt.max, tt.side, tt.high)
			if won != tt.wantWon || determined != tt.wantDetermined {
				t.Errorf("Determined() = (%v, %v), want (%v, %v)", won, determined, tt.wantWon, tt.wantDetermined)
			}
		})
	}
}

func TestWins(t *testing.T) {
	tests := []struct {
		name     string
		min, max *float64
		side     Side
		actual   float64
		want     bool
	}{
		{"yes bounded inside", ptr(50), ptr(51), SideYes, 50, true},
		{"yes bounded at max", ptr(50), ptr(51), SideYes, 51, true},
		{"yes bounded outside", ptr(50), ptr(51), SideYes, 52, false},
		{"no bounded outside", ptr(50), ptr(51), SideNo, 52, true},
		{"yes unbounded at threshold", ptr(49), nil, SideYes, 49, true},
		{"yes unbounded below", ptr(49), nil, SideYes, 48, false},
		{"yes unbounded lower at cap", nil, ptr(17), SideYes, 17, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Wins(tt.min, tt.max, tt.side, tt.actual); got != tt.want {
				t.Errorf("Wins() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConversionRoundTrip(t *testing.T) {
	// F -> C -> F must match within 1°F.
	for f := -20.0; f <= 120; f++ {
		back := CToF(FToC(f))
		if diff := back - f; diff > 1 || diff < -1 {
			t.Errorf("round trip %v°F -> %v°C -> %v°F drifted by %v", f, FToC(f), back, diff)
		}
	}
}

func TestBucketForHours(t *testing.T) {
	tests := []struct {
		hours float64
		want  LeadBucket
	}{
		{3, LeadUnder12},
		{11.9, LeadUnder12},
		{12, Lead12to24},
		{24, Lead24to36},
		{36, Lead36Plus},
		{100, Lead36Plus},
	}
	for _, tt := range tests {
		if got := BucketForHours(tt.hours); got != tt.want {
			t.Errorf("BucketForHours(%v) = %s, want %s", tt.hours, got, tt.want)
		}
	}
}

func TestPriceBucketCents(t *testing.T) {
	tests := []struct {
		ask  float64
		want int
	}{
		{0.02, 0},
		{0.05, 5},
		{0.09, 5},
		{0.12, 10},
		{0.54, 50},
		{0.55, 55},
		{0.90, 55},
	}
	for _, tt := range tests {
		if got := PriceBucketCents(tt.ask); got != tt.want {
			t.Errorf("PriceBucketCents(%v) = %d, want %d", tt.ask, got, tt.want)
		}
	}
}

func TestTrade_AppendEvaluatorLogCap(t *testing.T) {
	tr := &Trade{}
	for i := 0; i < 600; i++ {
		tr.AppendEvaluatorLog(EvaluatorLogEntry{At: time.Now(), Bid: float64(i)})
	}
	if len(tr.EvaluatorLog) != 500 {
		t.Fatalf("log length = %d, want 500", len(tr.EvaluatorLog))
	}
	if tr.EvaluatorLog[0].Bid != 100 {
		t.Errorf("oldest retained entry = %v, want 100", tr.EvaluatorLog[0].Bid)
	}
	if tr.EvaluatorLog[499].Bid != 599 {
		t.Errorf("newest entry = %v, want 599", tr.EvaluatorLog[499].Bid)
	}
}
