package domain

import (
	"math"
	"testing"
	"time"
)

func TestPanelConstruction(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	series := map[string][]Bar{
		"ETH-USD": {
			{Symbol: "ETH-USD", Timestamp: base, Close: 3000},
			{Symbol: "ETH-USD", Timestamp: base.Add(time.Hour), Close: 3010},
		},
		"BTC-USD": {
			{Symbol: "BTC-USD", Timestamp: base, Close: 60000},
			{Symbol: "BTC-USD", Timestamp: base.Add(time.Hour), Close: 60100},
			{Symbol: "BTC-USD", Timestamp: base.Add(2 * time.Hour), Close: 60200},
		},
	}

	p, err := NewPanel(series)
	if err != nil {
		t.Fatalf("NewPanel: %v", err)
	}

	// Symbol order is sorted and fixed.
	syms := p.Symbols()
	if len(syms) != 2 || syms[0] != "BTC-USD" || syms[1] != "ETH-USD" {
		t.Errorf("Symbols() = %v, want [BTC-USD ETH-USD]", syms)
	}

	// Axis is the union of all timestamps.
	if p.NumBars() != 3 {
		t.Fatalf("NumBars() = %d, want 3", p.NumBars())
	}

	// ETH has a gap at the third timestamp.
	if _, ok := p.BarAt("ETH-USD", 2); ok {
		t.Error("BarAt should report a gap for ETH-USD at index 2")
	}
	if b, ok := p.BarAt("BTC-USD", 2); !ok || b.Close != 60200 {
		t.Errorf("BarAt(BTC-USD, 2) = %+v ok=%v, want Close=60200", b, ok)
	}
}

func TestPanelRejectsUnorderedTimestamps(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := NewPanel(map[string][]Bar{
		"BTC-USD": {
			{Timestamp: base.Add(time.Hour)},
			{Timestamp: base}, // out of order
		},
	})
	if err == nil {
		t.Fatal("NewPanel should reject non-increasing timestamps")
	}
}

func TestAdjustmentStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AdjustmentStatus
		want     bool
	}{
		{AdjustmentPending, AdjustmentApproved, true},
		{AdjustmentPending, AdjustmentReverted, true},
		{AdjustmentApproved, AdjustmentApplied, true},
		{AdjustmentPending, AdjustmentApplied, false},
		{AdjustmentApplied, AdjustmentPending, false},
		{AdjustmentReverted, AdjustmentApproved, false},
		{AdjustmentApproved, AdjustmentReverted, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSignalMatrixAt(t *testing.T) {
	m := SignalMatrix{
		Symbols: []string{"BTC-USD"},
		Values:  [][]float64{{math.NaN()}, {0.5}},
	}
	if !math.IsNaN(m.At(0, 0)) {
		t.Error("warm-up cell should be NaN")
	}
	if m.At(1, 0) != 0.5 {
		t.Errorf("At(1,0) = %v, want 0.5", m.At(1, 0))
	}
}

func TestEnumValues(t *testing.T) {
	if DirectionLong != "LONG" || DirectionShort != "SHORT" {
		t.Error("Direction constants have unexpected values")
	}
	if OutcomeTargetHit != "TARGET_HIT" || OutcomeStopped != "STOPPED" || OutcomeExpired != "EXPIRED" {
		t.Error("OutcomeType constants have unexpected values")
	}
	if RecStatusActive != "ACTIVE" || RecStatusClosed != "CLOSED" {
		t.Error("RecStatus constants have unexpected values")
	}
}
