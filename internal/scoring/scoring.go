// Package scoring scores a single level against a market context across
// eight weighted categories and decides whether it is recommendable.
package scoring

import (
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the Level Scorer.
type Config struct {
	CacheTTL time.Duration

	WeightPriceProximity  decimal.Decimal
	WeightVolatilityFit   decimal.Decimal
	WeightProfitPotential decimal.Decimal
	WeightRiskReward      decimal.Decimal
	WeightPatternMatch    decimal.Decimal
	WeightTimeSuitability decimal.Decimal
	WeightVolumeContext   decimal.Decimal
	WeightTrendAlignment  decimal.Decimal

	OptimalDistancePct float64
	MaxDistancePct     float64

	VolatilityFitOptimalRatioHigh float64
	VolatilityFitOptimalRatioLow  float64

	CommissionPerTrade decimal.Decimal
	MinProfitPct       float64

	MinScoreForRecommendation decimal.Decimal
}

// DefaultConfig returns sensible defaults. Per-category weights are not
// specified upstream; these favor the two categories that bound realized
// P&L (profit potential, risk/reward) slightly over the rest.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 5 * time.Second,

		WeightPriceProximity:  decimal.NewFromFloat(1.2),
		WeightVolatilityFit:   decimal.NewFromFloat(1.0),
		WeightProfitPotential: decimal.NewFromFloat(1.5),
		WeightRiskReward:      decimal.NewFromFloat(1.5),
		WeightPatternMatch:    decimal.NewFromFloat(1.0),
		WeightTimeSuitability: decimal.NewFromFloat(0.8),
		WeightVolumeContext:   decimal.NewFromFloat(1.0),
		WeightTrendAlignment:  decimal.NewFromFloat(1.0),

		OptimalDistancePct: 0.3,
		MaxDistancePct:     3.0,

		VolatilityFitOptimalRatioHigh: 1.5,
		VolatilityFitOptimalRatioLow:  1.0,

		CommissionPerTrade: decimal.NewFromFloat(1.0),
		MinProfitPct:       0.1,

		MinScoreForRecommendation: decimal.NewFromFloat(50),
	}
}

type cacheEntry struct {
	scored types.ScoredLevel
	at     time.Time
}

// Scorer is the Level Scorer (C7).
type Scorer struct {
	logger *zap.Logger
	config Config

	mu    sync.Mutex
	cache map[types.LevelID]cacheEntry
}

// New creates a Level Scorer.
func New(logger *zap.Logger, config Config) *Scorer {
	return &Scorer{
		logger: logger.Named("scoring"),
		config: config,
		cache:  make(map[types.LevelID]cacheEntry),
	}
}

// Score scores a level against a market context, using the cache if the
// level was scored within CacheTTL and the context timestamp hasn't moved
// past the cached evaluation.
func (s *Scorer) Score(level types.Level, ctx types.MarketContext, now time.Time) types.ScoredLevel {
	s.mu.Lock()
	if entry, ok := s.cache[level.ID]; ok && now.Sub(entry.at) < s.config.CacheTTL {
		s.mu.Unlock()
		return entry.scored
	}
	s.mu.Unlock()

	scored := s.compute(level, ctx, now)

	s.mu.Lock()
	s.cache[level.ID] = cacheEntry{scored: scored, at: now}
	s.mu.Unlock()
	return scored
}

func (s *Scorer) compute(level types.Level, ctx types.MarketContext, now time.Time) types.ScoredLevel {
	cfg := s.config
	distancePct := level.StepPct().Mul(decimal.NewFromInt(100)).InexactFloat64()

	breakdown := []types.ScoreBreakdown{
		{Category: types.CategoryPriceProximity, Raw: decimal.NewFromFloat(scorePriceProximity(cfg, distancePct)), Weight: cfg.WeightPriceProximity},
		{Category: types.CategoryVolatilityFit, Raw: decimal.NewFromFloat(scoreVolatilityFit(cfg, distancePct, ctx.Volatility)), Weight: cfg.WeightVolatilityFit},
	}

	entryPrice := ctx.CurrentPrice.Mul(decimal.NewFromInt(1).Add(level.EntryPct))
	profitPct := level.ExitPct.Sub(level.EntryPct).Abs().Mul(decimal.NewFromInt(100)).InexactFloat64()
	netProfitPct := scoreProfitNetPct(cfg, entryPrice, level.Shares, profitPct)
	breakdown = append(breakdown,
		types.ScoreBreakdown{Category: types.CategoryProfitPotential, Raw: decimal.NewFromFloat(scoreProfitPotential(cfg, netProfitPct)), Weight: cfg.WeightProfitPotential},
		types.ScoreBreakdown{Category: types.CategoryRiskReward, Raw: decimal.NewFromFloat(scoreRiskReward(profitPct, distancePct)), Weight: cfg.WeightRiskReward},
		types.ScoreBreakdown{Category: types.CategoryPatternMatch, Raw: decimal.NewFromFloat(scorePatternMatch(level.ID.Side, ctx)), Weight: cfg.WeightPatternMatch},
		types.ScoreBreakdown{Category: types.CategoryTimeSuitability, Raw: decimal.NewFromFloat(scoreTimeSuitability(ctx.Time)), Weight: cfg.WeightTimeSuitability},
		types.ScoreBreakdown{Category: types.CategoryVolumeContext, Raw: decimal.NewFromFloat(scoreVolumeContext(ctx.Volume.Condition)), Weight: cfg.WeightVolumeContext},
		types.ScoreBreakdown{Category: types.CategoryTrendAlignment, Raw: decimal.NewFromFloat(scoreTrendAlignment(level.ID.Side, ctx.Volatility)), Weight: cfg.WeightTrendAlignment},
	)

	total := decimal.Zero
	for _, b := range breakdown {
		total = total.Add(b.Contribution())
	}

	scored := types.ScoredLevel{
		Level:       &level,
		Total:       total,
		Breakdown:   breakdown,
		DistancePct: decimal.NewFromFloat(distancePct),
		ProfitPct:   decimal.NewFromFloat(netProfitPct),
		ScoredAt:    now,
	}

	var reasons []string
	if total.LessThan(cfg.MinScoreForRecommendation) {
		reasons = append(reasons, "total score below minimum")
	}
	if distancePct > cfg.MaxDistancePct {
		reasons = append(reasons, "entry distance exceeds maximum")
	}
	if netProfitPct < cfg.MinProfitPct {
		reasons = append(reasons, "net profit below minimum")
	}
	if ctx.Volume.Condition == types.VolumeExtreme {
		reasons = append(reasons, "volume condition is extreme")
	}
	if ctx.Time.CautionLevel >= 3 {
		reasons = append(reasons, "caution level too high")
	}

	scored.Recommended = len(reasons) == 0
	scored.RejectionReasons = reasons
	return scored
}

func scorePriceProximity(cfg Config, distancePct float64) float64 {
	optimal := cfg.OptimalDistancePct
	switch {
	case distancePct < 0.05:
		return -30
	case distancePct <= optimal:
		// Linear ramp from 80 at distance=0.05 up to 100 at distance=optimal.
		if optimal <= 0.05 {
			return 100
		}
		frac := (distancePct - 0.05) / (optimal - 0.05)
		return 80 + 20*frac
	case distancePct <= 2*optimal:
		frac := (distancePct - optimal) / optimal
		return 100 - 60*frac
	case distancePct <= cfg.MaxDistancePct:
		frac := (distancePct - 2*optimal) / (cfg.MaxDistancePct - 2*optimal)
		return 40 - 70*frac
	default:
		return -30
	}
}

func scoreVolatilityFit(cfg Config, distancePct float64, vol types.VolatilitySnapshot) float64 {
	if vol.ATRMediumPct <= 0 {
		return 0
	}
	ratio := distancePct / vol.ATRMediumPct

	switch vol.Regime {
	case types.RegimeHigh:
		if ratio >= cfg.VolatilityFitOptimalRatioHigh {
			return 80
		}
		return 80 * (ratio / cfg.VolatilityFitOptimalRatioHigh)
	case types.RegimeLow:
		if ratio <= cfg.VolatilityFitOptimalRatioLow {
			return 80
		}
		excess := ratio - cfg.VolatilityFitOptimalRatioLow
		return 80 - 40*excess
	default:
		optimal := (cfg.VolatilityFitOptimalRatioHigh + cfg.VolatilityFitOptimalRatioLow) / 2
		diff := ratio - optimal
		if diff < 0 {
			diff = -diff
		}
		return 80 - 30*diff
	}
}

func scoreProfitNetPct(cfg Config, entryPrice decimal.Decimal, shares int64, profitPct float64) float64 {
	if entryPrice.IsZero() || shares == 0 {
		return profitPct
	}
	notional := entryPrice.Mul(decimal.NewFromInt(shares))
	if notional.IsZero() {
		return profitPct
	}
	commissionPct := cfg.CommissionPerTrade.Mul(decimal.NewFromInt(2)).Div(notional).Mul(decimal.NewFromInt(100)).InexactFloat64()
	return profitPct - commissionPct
}

func scoreProfitPotential(cfg Config, netProfitPct float64) float64 {
	min := cfg.MinProfitPct
	switch {
	case netProfitPct < min:
		return -20
	case netProfitPct <= 2*min:
		return 30
	case netProfitPct <= 5*min:
		return 60
	default:
		score := 60 + (netProfitPct-5*min)*6
		if score > 90 {
			return 90
		}
		return score
	}
}

func scoreRiskReward(profitPct, distancePct float64) float64 {
	if distancePct <= 0 {
		return -20
	}
	rr := profitPct / distancePct
	switch {
	case rr >= 2:
		return 90
	case rr >= 1.5:
		return 70
	case rr >= 1.0:
		return 50
	case rr >= 0.5:
		return 20
	default:
		return -20
	}
}

func isBullishPattern(p types.Pattern) bool {
	return p == types.PatternBreakoutUp || p == types.PatternTrendUp || p == types.PatternReversalUp
}

func isBearishPattern(p types.Pattern) bool {
	return p == types.PatternBreakoutDown || p == types.PatternTrendDown || p == types.PatternReversalDown
}

func scorePatternMatch(side types.Side, ctx types.MarketContext) float64 {
	if !ctx.HasPattern || ctx.PatternResult.Confidence < 0.3 {
		return 0
	}
	pattern := ctx.PatternResult.DominantPattern
	bullish := isBullishPattern(pattern)
	bearish := isBearishPattern(pattern)
	if !bullish && !bearish {
		return 0
	}

	aligned := (side == types.SideLong && bullish) || (side == types.SideShort && bearish)
	if aligned {
		return ctx.PatternResult.Confidence * 100
	}
	return -ctx.PatternResult.Confidence * 50
}

var timeSuitabilityBase = map[types.TradingPhase]float64{
	types.PhasePreMarket:   20,
	types.PhaseMarketOpen:  50,
	types.PhaseMorning:     75,
	types.PhaseMidday:      60,
	types.PhaseAfternoon:   70,
	types.PhaseMarketClose: 40,
	types.PhaseAfterHours:  10,
}

func scoreTimeSuitability(snap types.TimeSnapshot) float64 {
	base, ok := timeSuitabilityBase[snap.Phase]
	if !ok {
		base = 0
	}
	score := base - 15*float64(snap.CautionLevel)
	if score < -20 {
		return -20
	}
	return score
}

func scoreVolumeContext(condition types.VolumeCondition) float64 {
	switch condition {
	case types.VolumeExtreme:
		return -30
	case types.VolumeSpike:
		return -10
	case types.VolumeHigh:
		return 60
	case types.VolumeNormal:
		return 50
	case types.VolumeLow:
		return 20
	case types.VolumeVeryLow:
		return -10
	default:
		return 0
	}
}

// scoreTrendAlignment approximates short/medium trend from the recent
// price-change readings the Volatility Monitor already tracks (there is no
// separate trend-tracking component upstream).
func scoreTrendAlignment(side types.Side, vol types.VolatilitySnapshot) float64 {
	combined := 0.6*vol.PriceChange1mPct + 0.4*vol.PriceChange15mPct

	longScore := func(t float64) float64 {
		switch {
		case t > 0:
			s := t * 40
			if s > 80 {
				return 80
			}
			return s
		case t < 0:
			s := t * 20
			if s < -40 {
				return -40
			}
			return s
		default:
			return 30
		}
	}

	score := longScore(combined)
	if side == types.SideShort {
		score = longScore(-combined)
	}
	return score
}
