// Package timeprofile_test provides tests for the Time Profile component.
package timeprofile_test

import (
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/internal/timeprofile"
	"go.uber.org/zap"
)

func mustProfile(t *testing.T) *timeprofile.Profile {
	t.Helper()
	p, err := timeprofile.New(zap.NewNop(), timeprofile.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create time profile: %v", err)
	}
	return p
}

func nyTime(t *testing.T, s string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	parsed, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		t.Fatalf("failed to parse time: %v", err)
	}
	return parsed
}

func TestPhaseClassification(t *testing.T) {
	p := mustProfile(t)

	cases := []struct {
		clock string
		phase types.TradingPhase
	}{
		{"2026-07-31 09:00", types.PhasePreMarket},
		{"2026-07-31 09:45", types.PhaseMarketOpen},
		{"2026-07-31 11:00", types.PhaseMorning},
		{"2026-07-31 13:00", types.PhaseMidday},
		{"2026-07-31 14:30", types.PhaseAfternoon},
		{"2026-07-31 15:45", types.PhaseMarketClose},
		{"2026-07-31 18:00", types.PhaseAfterHours},
	}
	for _, c := range cases {
		snap := p.Snapshot(nyTime(t, c.clock))
		if snap.Phase != c.phase {
			t.Errorf("at %s: expected phase %s, got %s", c.clock, c.phase, snap.Phase)
		}
	}
}

func TestCautionLevelNearClose(t *testing.T) {
	p := mustProfile(t)
	snap := p.Snapshot(nyTime(t, "2026-07-31 15:50"))
	if snap.CautionLevel < 3 {
		t.Fatalf("expected caution level 3 within 15 minutes of close, got %d", snap.CautionLevel)
	}
}

func TestTradingRecommendedFalseOnWeekend(t *testing.T) {
	p := mustProfile(t)
	// 2026-08-01 is a Saturday.
	snap := p.Snapshot(nyTime(t, "2026-08-01 11:00"))
	if snap.TradingRecommended {
		t.Fatal("expected trading not recommended on a Saturday")
	}
}

func TestShouldReducePositionsFridayAfternoon(t *testing.T) {
	p := mustProfile(t)
	// 2026-07-31 is a Friday.
	reduce, reason := p.ShouldReducePositions(nyTime(t, "2026-07-31 15:30"))
	if !reduce || reason == "" {
		t.Fatalf("expected reduce-positions true on Friday afternoon, got %v %q", reduce, reason)
	}
}
