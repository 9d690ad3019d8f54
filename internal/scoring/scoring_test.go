// Package scoring_test provides tests for the Level Scorer.
package scoring_test

import (
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/scoring"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func baseContext() types.MarketContext {
	return types.MarketContext{
		Symbol:       "ACME",
		CurrentPrice: decimal.NewFromFloat(100),
		Timestamp:    time.Now(),
		Volatility: types.VolatilitySnapshot{
			ATRMediumPct: 0.5,
			Regime:       types.RegimeMedium,
		},
		Volume: types.VolumeSnapshot{Condition: types.VolumeNormal},
		Time:   types.TimeSnapshot{Phase: types.PhaseMorning, CautionLevel: 0},
	}
}

// longLevel takes entryPct/exitPct expressed in percent (e.g. -0.3 means
// -0.3%); EntryPct/ExitPct are stored as fractions, so they're divided
// by 100 here.
func longLevel(entryPct, exitPct float64) types.Level {
	return types.Level{
		ID:       types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong},
		Symbol:   "ACME",
		Shares:   100,
		EntryPct: decimal.NewFromFloat(entryPct / 100),
		ExitPct:  decimal.NewFromFloat(exitPct / 100),
	}
}

func TestScoreCachesWithinTTL(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.3, 0.5)
	ctx := baseContext()

	now := time.Now()
	first := s.Score(level, ctx, now)

	ctx.CurrentPrice = decimal.NewFromFloat(200) // would change distance pct materially
	second := s.Score(level, ctx, now.Add(1*time.Second))

	if !first.Total.Equal(second.Total) {
		t.Fatalf("expected cached score to be reused within TTL, got %s vs %s", first.Total, second.Total)
	}
}

func TestScoreRecomputesAfterTTL(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.3, 0.5)
	ctx := baseContext()

	now := time.Now()
	first := s.Score(level, ctx, now)

	ctx.Time.CautionLevel = 3
	second := s.Score(level, ctx, now.Add(10*time.Second))

	if first.Total.Equal(second.Total) {
		t.Fatal("expected score to change after cache TTL elapses and caution level rises")
	}
}

func TestVeryCloseEntryPenalized(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.01, 0.5)
	scored := s.Score(level, baseContext(), time.Now())

	for _, b := range scored.Breakdown {
		if b.Category == types.CategoryPriceProximity && b.Raw.GreaterThan(decimal.Zero) {
			t.Fatalf("expected negative price proximity score for a too-close entry, got %s", b.Raw)
		}
	}
}

func TestExtremeVolumeNeverRecommended(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.3, 2.0)
	ctx := baseContext()
	ctx.Volume.Condition = types.VolumeExtreme

	scored := s.Score(level, ctx, time.Now())
	if scored.Recommended {
		t.Fatal("expected extreme volume to block recommendation regardless of score")
	}
}

func TestHighCautionNeverRecommended(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.3, 2.0)
	ctx := baseContext()
	ctx.Time.CautionLevel = 3

	scored := s.Score(level, ctx, time.Now())
	if scored.Recommended {
		t.Fatal("expected caution level >= 3 to block recommendation")
	}
}

func TestPatternAlignmentBoostsLongScore(t *testing.T) {
	s := scoring.New(zap.NewNop(), scoring.DefaultConfig())
	level := longLevel(-0.3, 1.0)
	ctx := baseContext()
	ctx.HasPattern = true
	ctx.PatternResult = types.PatternMatchResult{DominantPattern: types.PatternTrendUp, Confidence: 0.8}

	withPattern := s.Score(level, ctx, time.Now())

	ctx.HasPattern = false
	without := s.Score(level, ctx, time.Now().Add(10*time.Second))

	if !withPattern.Total.GreaterThan(without.Total) {
		t.Fatalf("expected aligned bullish pattern to increase total score, got %s vs %s", withPattern.Total, without.Total)
	}
}
