// Package volatility_test provides tests for the Volatility Monitor.
package volatility_test

import (
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/internal/volatility"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func candle(t time.Time, o, h, l, c float64) types.Candle {
	return types.Candle{
		Symbol:    "ACME",
		Timestamp: t,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(1000),
	}
}

func TestSnapshotUnavailableBeforeFirstCandle(t *testing.T) {
	mon := volatility.New(zap.NewNop(), volatility.DefaultConfig())
	if _, ok := mon.Snapshot("ACME"); ok {
		t.Fatal("expected no snapshot before any candle appended")
	}
}

func TestAppendCandleSnapshotNonNegative(t *testing.T) {
	mon := volatility.New(zap.NewNop(), volatility.DefaultConfig())
	base := time.Now()

	var snap types.VolatilitySnapshot
	for i := 0; i < 20; i++ {
		snap = mon.AppendCandle("ACME", candle(base.Add(time.Duration(i)*time.Minute), 100, 100.2, 99.9, 100.05))
	}

	if snap.ATRShortPct < 0 || snap.ATRMediumPct < 0 || snap.ATRLongPct < 0 {
		t.Fatalf("expected non-negative ATR percentages, got %+v", snap)
	}
}

func TestRegimeFlipsFromLowToHigh(t *testing.T) {
	mon := volatility.New(zap.NewNop(), volatility.DefaultConfig())
	base := time.Now()

	for i := 0; i < 20; i++ {
		mon.AppendCandle("ACME", candle(base.Add(time.Duration(i)*time.Minute), 100, 100.1, 99.95, 100.0))
	}
	if got := mon.Regime("ACME"); got != types.RegimeLow {
		t.Fatalf("expected LOW regime after calm candles, got %s", got)
	}

	// The 5-minute price change is read from the tick buffer, so the move
	// from 100.0 to 101.2 is fed as ticks alongside the volatile candles.
	mon.AppendTick("ACME", decimal.NewFromFloat(100.0), base.Add(19*time.Minute))
	var last types.VolatilitySnapshot
	for i := 20; i < 25; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		mon.AppendTick("ACME", decimal.NewFromFloat(101.2), at)
		last = mon.AppendCandle("ACME", candle(at, 100, 102.5, 97.5, 101.2))
	}
	if last.Regime != types.RegimeHigh {
		t.Fatalf("expected HIGH regime after volatile candles, got %s", last.Regime)
	}
}

func TestAppendTickDoesNotRecomputeSnapshot(t *testing.T) {
	mon := volatility.New(zap.NewNop(), volatility.DefaultConfig())
	base := time.Now()
	mon.AppendCandle("ACME", candle(base, 100, 100.2, 99.9, 100.05))
	before, _ := mon.Snapshot("ACME")

	mon.AppendTick("ACME", decimal.NewFromFloat(105), base.Add(time.Second))
	after, _ := mon.Snapshot("ACME")

	if before.Timestamp != after.Timestamp {
		t.Fatal("appending a tick should not change the candle-derived snapshot timestamp")
	}
}

func TestRecommendedStepRangeDefaultsWhenUnknown(t *testing.T) {
	mon := volatility.New(zap.NewNop(), volatility.DefaultConfig())
	min, max := mon.RecommendedStepRange("NEW")
	if !min.Equal(decimal.NewFromFloat(0.3)) || !max.Equal(decimal.NewFromFloat(0.8)) {
		t.Fatalf("expected default step range, got (%s, %s)", min, max)
	}
}
