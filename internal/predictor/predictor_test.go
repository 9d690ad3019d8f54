// Package predictor_test provides tests for the Predictor.
package predictor_test

import (
	"testing"

	"github.com/gridtrader/ki-controller/internal/predictor"
	"github.com/gridtrader/ki-controller/internal/types"
	"go.uber.org/zap"
)

func baseContext() types.MarketContext {
	return types.MarketContext{
		Symbol: "ACME",
		Volatility: types.VolatilitySnapshot{
			ATRMediumPct:      0.5,
			Regime:            types.RegimeMedium,
			PriceChange5mPct:  0.1,
			PriceChange15mPct: 0.2,
		},
		Volume: types.VolumeSnapshot{Condition: types.VolumeNormal, Trend: types.VolumeStable},
		Time:   types.TimeSnapshot{Phase: types.PhaseMidday, MinutesSinceOpen: 150},
	}
}

func TestPredictReturnsFourHorizons(t *testing.T) {
	p := predictor.New(zap.NewNop(), predictor.DefaultConfig())
	summary := p.Predict(baseContext())
	if len(summary.Horizons) != 4 {
		t.Fatalf("expected 4 horizons, got %d", len(summary.Horizons))
	}
	for _, h := range summary.Horizons {
		if h.Confidence < 0.1 || h.Confidence > 0.95 {
			t.Fatalf("confidence out of range: %f", h.Confidence)
		}
	}
}

func TestNoPatternYieldsZeroPatternSignal(t *testing.T) {
	p := predictor.New(zap.NewNop(), predictor.DefaultConfig())
	ctx := baseContext()
	ctx.HasPattern = false
	summary := p.Predict(ctx)
	for _, h := range summary.Horizons {
		if h.PatternSignal != 0 {
			t.Fatalf("expected zero pattern signal with no usable pattern, got %f", h.PatternSignal)
		}
	}
}

func TestStrongBullishPatternProducesBuy(t *testing.T) {
	p := predictor.New(zap.NewNop(), predictor.DefaultConfig())
	ctx := baseContext()
	ctx.HasPattern = true
	ctx.PatternResult = types.PatternMatchResult{
		ExpectedChange5m:  2.0,
		ExpectedChange15m: 3.0,
		Confidence:        0.9,
	}
	ctx.Volatility.PriceChange5mPct = 1.5
	ctx.Volatility.PriceChange15mPct = 2.0
	ctx.Volume.Condition = types.VolumeHigh
	ctx.Volume.Trend = types.VolumeIncreasing
	ctx.Volume.PriceVolumeCorr = 0.8

	summary := p.Predict(ctx)
	if summary.DominantDirection != types.DirectionUp && summary.DominantDirection != types.DirectionStrongUp {
		t.Fatalf("expected bullish dominant direction, got %s", summary.DominantDirection)
	}
}

func TestExtremeVolumeReducesConfidence(t *testing.T) {
	p := predictor.New(zap.NewNop(), predictor.DefaultConfig())
	calm := baseContext()
	extreme := baseContext()
	extreme.Volume.Condition = types.VolumeExtreme

	calmSummary := p.Predict(calm)
	extremeSummary := p.Predict(extreme)

	if extremeSummary.AvgConfidence >= calmSummary.AvgConfidence {
		t.Fatalf("expected extreme volume to reduce confidence, got calm=%f extreme=%f", calmSummary.AvgConfidence, extremeSummary.AvgConfidence)
	}
}

func TestHoldWhenConfidenceBelowThreshold(t *testing.T) {
	p := predictor.New(zap.NewNop(), predictor.DefaultConfig())
	ctx := baseContext()
	ctx.Volume.Condition = types.VolumeExtreme
	ctx.Volatility.Regime = types.RegimeHigh
	ctx.Time.Phase = types.PhaseMarketOpen

	summary := p.Predict(ctx)
	if summary.SuggestedAction != types.ActionHold {
		t.Fatalf("expected HOLD when confidence is low, got %s", summary.SuggestedAction)
	}
}
