// Package predictor fuses pattern, momentum, volume and time signals into
// a multi-horizon directional forecast.
package predictor

import (
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/pkg/utils"
	"go.uber.org/zap"
)

// Horizon is one forecast horizon in minutes.
type Horizon int

const (
	Horizon5m  Horizon = 5
	Horizon15m Horizon = 15
	Horizon30m Horizon = 30
	Horizon60m Horizon = 60
)

var horizons = []Horizon{Horizon5m, Horizon15m, Horizon30m, Horizon60m}

// Config configures the Predictor.
type Config struct {
	PatternConfidenceFloor float64
	SummaryWeights         map[Horizon]float64
	HorizonFactors         map[Horizon]float64
	MinConfidenceForAction float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PatternConfidenceFloor: 0.3,
		SummaryWeights: map[Horizon]float64{
			Horizon5m: 0.4, Horizon15m: 0.3, Horizon30m: 0.2, Horizon60m: 0.1,
		},
		HorizonFactors: map[Horizon]float64{
			Horizon5m: 0.3, Horizon15m: 0.5, Horizon30m: 0.7, Horizon60m: 1.0,
		},
		MinConfidenceForAction: 0.6,
	}
}

// Predictor is the Predictor (C9).
type Predictor struct {
	logger *zap.Logger
	config Config
}

// New creates a Predictor.
func New(logger *zap.Logger, config Config) *Predictor {
	return &Predictor{logger: logger.Named("predictor"), config: config}
}

// Predict produces the full multi-horizon summary for a market context.
func (p *Predictor) Predict(ctx types.MarketContext) types.PredictionSummary {
	var horizonPreds []types.HorizonPrediction
	weightedSignal := 0.0
	var confidenceSum float64

	for _, h := range horizons {
		pred, fused := p.predictHorizon(h, ctx)
		horizonPreds = append(horizonPreds, pred)
		weightedSignal += p.config.SummaryWeights[h] * fused
		confidenceSum += pred.Confidence
	}

	avgConfidence := confidenceSum / float64(len(horizons))
	dominant := bucketDirection(weightedSignal)

	action := types.ActionHold
	if avgConfidence >= p.config.MinConfidenceForAction {
		switch dominant {
		case types.DirectionUp, types.DirectionStrongUp:
			action = types.ActionBuy
		case types.DirectionDown, types.DirectionStrongDown:
			action = types.ActionSell
		}
	}

	return types.PredictionSummary{
		Horizons:          horizonPreds,
		DominantDirection: dominant,
		AvgConfidence:     avgConfidence,
		SuggestedAction:   action,
	}
}

func (p *Predictor) predictHorizon(h Horizon, ctx types.MarketContext) (types.HorizonPrediction, float64) {
	patternSignal := p.patternSignal(h, ctx)
	momentumSignal := momentumSignal(h, ctx.Volatility)
	volumeSignal := volumeSignalFor(ctx.Volume)
	timeSignal := timeSignalFor(ctx.Time)

	fused := 0.35*patternSignal + 0.30*momentumSignal + 0.20*volumeSignal + 0.15*timeSignal

	multiplier := ctx.Volatility.ATRMediumPct * p.config.HorizonFactors[h] * regimeFactor(ctx.Volatility.Regime)
	expectedChange := fused * multiplier

	confidence := p.confidence(ctx, patternSignal, momentumSignal, volumeSignal, timeSignal)

	spread := multiplier
	if spread < 0 {
		spread = -spread
	}

	return types.HorizonPrediction{
		HorizonMinutes: int(h),
		Direction:      bucketDirection(fused),
		ExpectedChange: expectedChange,
		Confidence:     confidence,
		RangeLow:       expectedChange - spread,
		RangeHigh:      expectedChange + spread,
		PatternSignal:  patternSignal,
		MomentumSignal: momentumSignal,
		VolumeSignal:   volumeSignal,
		TimeSignal:     timeSignal,
	}, fused
}

func (p *Predictor) patternSignal(h Horizon, ctx types.MarketContext) float64 {
	if !ctx.HasPattern || ctx.PatternResult.Confidence < p.config.PatternConfidenceFloor {
		return 0
	}
	conf := ctx.PatternResult.Confidence

	var base float64
	switch h {
	case Horizon5m:
		base = ctx.PatternResult.ExpectedChange5m / 2 * conf
	case Horizon15m:
		base = ctx.PatternResult.ExpectedChange15m / 2 * conf
	default:
		base = ctx.PatternResult.ExpectedChange15m / 2 * conf * 1.5
	}
	return utils.Clamp(base, -1, 1)
}

func momentumSignal(h Horizon, vol types.VolatilitySnapshot) float64 {
	short := vol.PriceChange5mPct
	medium := vol.PriceChange15mPct

	var raw float64
	switch h {
	case Horizon5m:
		raw = 0.5 * short
	case Horizon15m:
		raw = 0.3*short + 0.2*medium
	case Horizon30m:
		raw = 0.2*medium - 0.1*short
	default:
		raw = 0.1*medium - 0.2*short
	}
	return utils.Clamp(raw, -1, 1)
}

func volumeSignalFor(vol types.VolumeSnapshot) float64 {
	var base float64
	switch vol.Condition {
	case types.VolumeHigh:
		base = 0.1
	case types.VolumeSpike:
		base = 0.15
	default:
		base = 0
	}

	switch vol.Trend {
	case types.VolumeIncreasing:
		base += 0.1
	case types.VolumeDecreasing:
		base -= 0.1
	}

	if vol.Condition == types.VolumeHigh || vol.Condition == types.VolumeSpike {
		// short-term price direction is read from the 5-min candle body
		// carried on the volume snapshot's correlation field isn't
		// available here, so alignment uses the same-cycle correlation
		// sign as a proxy for "price moving with volume".
		if vol.PriceVolumeCorr > 0 {
			base += 0.15
		} else if vol.PriceVolumeCorr < 0 {
			base -= 0.15
		}
	}

	return utils.Clamp(base, -1, 1)
}

var timeSignalBaseline = map[types.TradingPhase]float64{
	types.PhasePreMarket:   0.0,
	types.PhaseMarketOpen:  0.1,
	types.PhaseMorning:     0.05,
	types.PhaseMidday:      0.0,
	types.PhaseAfternoon:   0.05,
	types.PhaseMarketClose: -0.1,
	types.PhaseAfterHours:  0.0,
}

func timeSignalFor(snap types.TimeSnapshot) float64 {
	base := timeSignalBaseline[snap.Phase]
	switch {
	case snap.MinutesSinceOpen >= 0 && snap.MinutesSinceOpen <= 30:
		base *= 1.5
	case snap.MinutesSinceOpen >= 360:
		base *= 1.3
	}
	return utils.Clamp(base, -1, 1)
}

func regimeFactor(regime types.Regime) float64 {
	switch regime {
	case types.RegimeHigh:
		return 1.5
	case types.RegimeMedium:
		return 1.0
	case types.RegimeLow:
		return 0.6
	default:
		// UNKNOWN is treated like the spec's EXTREME bucket: the widest
		// multiplier, since an unclassified regime is the least certain
		// state to be predicting in.
		return 2.0
	}
}

func (p *Predictor) confidence(ctx types.MarketContext, signals ...float64) float64 {
	confidence := 0.4

	var nonZero []float64
	for _, s := range signals {
		if s != 0 {
			nonZero = append(nonZero, s)
		}
	}
	if len(nonZero) > 0 {
		allAgree := true
		positive, negative := 0, 0
		for _, s := range nonZero {
			if s > 0 {
				positive++
			} else {
				negative++
			}
		}
		if positive > 0 && negative > 0 {
			allAgree = false
		}
		switch {
		case allAgree:
			confidence += 0.2
		case positive != negative:
			confidence += 0.1
		}
	}

	if ctx.HasPattern {
		confidence += 0.2 * ctx.PatternResult.Confidence
	}

	switch ctx.Volatility.Regime {
	case types.RegimeHigh:
		confidence -= 0.1
	case types.RegimeLow:
		confidence += 0.05
	}

	if ctx.Volume.Condition == types.VolumeExtreme {
		confidence -= 0.2
	}

	if ctx.Time.Phase == types.PhaseMarketOpen || ctx.Time.Phase == types.PhaseMarketClose {
		confidence -= 0.1
	}

	return utils.Clamp(confidence, 0.1, 0.95)
}

func bucketDirection(signal float64) types.PredictionDirection {
	switch {
	case signal > 0.5:
		return types.DirectionStrongUp
	case signal > 0.15:
		return types.DirectionUp
	case signal < -0.5:
		return types.DirectionStrongDown
	case signal < -0.15:
		return types.DirectionDown
	default:
		return types.DirectionNeutral
	}
}
