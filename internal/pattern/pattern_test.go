// Package pattern_test provides tests for the Pattern Matcher.
package pattern_test

import (
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/pattern"
	"github.com/gridtrader/ki-controller/internal/types"
	"go.uber.org/zap"
)

func fp(symbol string, at time.Time, atrPct float64) types.SituationFingerprint {
	return types.SituationFingerprint{
		Timestamp:               at,
		Symbol:                  symbol,
		PricePositionInDayRange: 50,
		ATRPct:                  atrPct,
		VolumeRatio:             1.0,
		ShortTrendPct:           0.5,
		MediumTrendPct:          0.3,
		MinutesSinceOpen:        60,
		LastCandleBodyPct:       0.1,
		LastCandleRangePct:      0.3,
	}
}

func TestSimilaritySelfIsOne(t *testing.T) {
	a := fp("ACME", time.Now(), 0.8)
	b := fp("ACME", time.Now(), 0.8)
	// indirectly exercised through FindSimilar: a completed record identical
	// to the query should always clear the similarity threshold.
	m := pattern.New(zap.NewNop(), pattern.DefaultConfig())
	m.Record(a, &types.HistoricalOutcome{Change5m: 0.5, Change15m: 1.0, Change30m: 1.2})
	result := m.FindSimilar(b)
	if result.MatchCount != 1 {
		t.Fatalf("expected identical fingerprint to match, got %d matches", result.MatchCount)
	}
}

func TestFindSimilarCoverage(t *testing.T) {
	m := pattern.New(zap.NewNop(), pattern.DefaultConfig())
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 10; i++ {
		f := fp("ACME", base.Add(time.Duration(i)*time.Minute), 0.8)
		m.Record(f, &types.HistoricalOutcome{
			Change5m: 0.9, Change15m: 1.0, Change30m: 1.0,
			MaxUp5m: 1.0, MaxDown5m: -0.1,
		})
	}

	query := fp("ACME", time.Now(), 0.8)
	result := m.FindSimilar(query)

	if result.MatchCount != 10 {
		t.Fatalf("expected match_count=10, got %d", result.MatchCount)
	}
	if result.ExpectedChange15m < 0.9 || result.ExpectedChange15m > 1.1 {
		t.Fatalf("expected expected_15min_change ~= 1.0, got %f", result.ExpectedChange15m)
	}
	if result.ProbUp != 1.0 {
		t.Fatalf("expected prob_up_15min = 1.0, got %f", result.ProbUp)
	}
	if result.DominantPattern != types.PatternBreakoutUp && result.DominantPattern != types.PatternTrendUp {
		t.Fatalf("expected dominant pattern BREAKOUT_UP or TREND_UP, got %s", result.DominantPattern)
	}
	if result.Confidence < 0.7 {
		t.Fatalf("expected confidence >= 0.7, got %f", result.Confidence)
	}
}

func TestNoMatchesBelowThreshold(t *testing.T) {
	m := pattern.New(zap.NewNop(), pattern.DefaultConfig())
	base := time.Now().Add(-time.Hour)
	f := fp("ACME", base, 3.0) // very different ATR regime from the query
	m.Record(f, &types.HistoricalOutcome{Change5m: 1, Change15m: 1, Change30m: 1})

	query := fp("ACME", time.Now(), 0.1)
	result := m.FindSimilar(query)
	if result.MatchCount != 0 {
		t.Fatalf("expected no matches for dissimilar fingerprint, got %d", result.MatchCount)
	}
}

func TestUpdateOutcomeCompletesPlaceholder(t *testing.T) {
	m := pattern.New(zap.NewNop(), pattern.DefaultConfig())
	now := time.Now()
	f := fp("ACME", now, 0.5)
	m.Record(f, nil)

	ok := m.UpdateOutcome("ACME", now.Add(10*time.Second), 0.5, 0.8, 1.0, 1.0, -0.1, 1.2, -0.2)
	if !ok {
		t.Fatal("expected update to find and complete the placeholder")
	}
}
