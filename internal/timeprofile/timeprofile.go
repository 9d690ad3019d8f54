// Package timeprofile maps wall-clock time in the exchange time zone to a
// trading phase with recommended sizing and caution level.
package timeprofile

import (
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"go.uber.org/zap"
)

// PhaseRecommendation is the constant recommendation attached to a phase.
type PhaseRecommendation struct {
	TypicalVolatility types.Regime
	StepMultiplier    float64
	MaxLevels         int
	TradingAllowed    bool
	Notes             string
}

// Config configures the Time Profile component.
type Config struct {
	ExchangeTimezone string
	CacheDuration    time.Duration
	PhaseStatsAlpha  float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExchangeTimezone: "America/New_York",
		CacheDuration:    10 * time.Second,
		PhaseStatsAlpha:  0.1,
	}
}

var recommendations = map[types.TradingPhase]PhaseRecommendation{
	types.PhasePreMarket:   {types.RegimeMedium, 1.0, 10, false, "pre-market, thin liquidity"},
	types.PhaseMarketOpen:  {types.RegimeHigh, 1.5, 8, true, "open volatility"},
	types.PhaseMorning:     {types.RegimeMedium, 1.0, 12, true, "settling in"},
	types.PhaseMidday:      {types.RegimeLow, 0.7, 15, true, "lunch lull"},
	types.PhaseAfternoon:   {types.RegimeMedium, 1.0, 12, true, "afternoon session"},
	types.PhaseMarketClose: {types.RegimeHigh, 1.3, 8, true, "closing volatility"},
	types.PhaseAfterHours:  {types.RegimeMedium, 1.0, 5, false, "after hours, thin liquidity"},
}

// Recommendation returns the constant recommendation for a phase.
func Recommendation(phase types.TradingPhase) PhaseRecommendation {
	if r, ok := recommendations[phase]; ok {
		return r
	}
	return PhaseRecommendation{types.RegimeMedium, 1.0, 10, false, ""}
}

type phaseBound struct {
	phase types.TradingPhase
	start time.Duration // minutes since midnight
	end   time.Duration
}

// phase boundaries in minutes since local midnight.
var schedule = []phaseBound{
	{types.PhaseMarketOpen, 9*60 + 30, 10*60 + 30},
	{types.PhaseMorning, 10*60 + 30, 12 * 60},
	{types.PhaseMidday, 12 * 60, 14 * 60},
	{types.PhaseAfternoon, 14 * 60, 15*60 + 30},
	{types.PhaseMarketClose, 15*60 + 30, 16 * 60},
}

const marketOpenMinutes = 9*60 + 30
const marketCloseMinutes = 16 * 60

type phaseStats struct {
	emaATR   float64
	emaRange float64
	have     bool
}

// Profile is the Time Profile component (C4).
type Profile struct {
	logger *zap.Logger
	config Config
	loc    *time.Location

	mu          sync.Mutex
	cached      types.TimeSnapshot
	cachedAt    time.Time
	haveCached  bool
	perSymbol   map[string]*phaseStats
}

// New creates a Time Profile, loading the configured exchange time zone.
func New(logger *zap.Logger, config Config) (*Profile, error) {
	loc, err := time.LoadLocation(config.ExchangeTimezone)
	if err != nil {
		return nil, err
	}
	return &Profile{
		logger:    logger.Named("timeprofile"),
		config:    config,
		loc:       loc,
		perSymbol: make(map[string]*phaseStats),
	}, nil
}

// Snapshot returns the current time snapshot, cached for CacheDuration.
func (p *Profile) Snapshot(now time.Time) types.TimeSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.haveCached && now.Sub(p.cachedAt) < p.config.CacheDuration {
		return p.cached
	}

	snap := p.compute(now)
	p.cached = snap
	p.cachedAt = now
	p.haveCached = true
	return snap
}

func (p *Profile) compute(now time.Time) types.TimeSnapshot {
	local := now.In(p.loc)
	minutesOfDay := time.Duration(local.Hour())*60 + time.Duration(local.Minute())

	phase := types.PhasePreMarket
	phaseStart, phaseEnd := time.Duration(0), time.Duration(marketOpenMinutes)
	if minutesOfDay >= marketCloseMinutes {
		phase = types.PhaseAfterHours
		phaseStart, phaseEnd = marketCloseMinutes, 24*60
	} else {
		for _, b := range schedule {
			if minutesOfDay >= b.start && minutesOfDay < b.end {
				phase = b.phase
				phaseStart, phaseEnd = b.start, b.end
				break
			}
		}
	}

	var phaseProgress float64
	if phaseEnd > phaseStart {
		phaseProgress = float64(minutesOfDay-phaseStart) / float64(phaseEnd-phaseStart)
	}

	minutesSinceOpen := float64(minutesOfDay - marketOpenMinutes)
	minutesUntilClose := float64(marketCloseMinutes - minutesOfDay)

	weekday := local.Weekday()
	isFridayAfternoon := weekday == time.Friday && minutesOfDay >= 14*60
	isMondayMorning := weekday == time.Monday && minutesOfDay <= 10*60+30

	caution := 0
	if phase == types.PhaseMarketOpen {
		caution = max(caution, 1)
	}
	if phase == types.PhaseMarketClose {
		caution = max(caution, 2)
	}
	if minutesUntilClose > 0 && minutesUntilClose <= 15 {
		caution = max(caution, 3)
	}
	if isFridayAfternoon {
		caution = max(caution, 2)
	}
	if isMondayMorning {
		caution = max(caution, 1)
	}

	rec := Recommendation(phase)
	isWeekday := weekday >= time.Monday && weekday <= time.Friday
	tradingRecommended := rec.TradingAllowed && isWeekday && minutesUntilClose > 5

	return types.TimeSnapshot{
		Timestamp:          now,
		Phase:              phase,
		PhaseProgress:      phaseProgress,
		MinutesSinceOpen:   minutesSinceOpen,
		MinutesUntilClose:  minutesUntilClose,
		CautionLevel:       caution,
		TradingRecommended: tradingRecommended,
		IsFridayAfternoon:  isFridayAfternoon,
		IsMondayMorning:    isMondayMorning,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ShouldReducePositions reports whether the controller should reduce
// position sizing given the current time, with a reason.
func (p *Profile) ShouldReducePositions(now time.Time) (bool, string) {
	snap := p.Snapshot(now)
	if snap.MinutesUntilClose <= 15 && snap.MinutesUntilClose > -1440 {
		return true, "approaching market close"
	}
	if snap.IsFridayAfternoon && snap.MinutesUntilClose <= 60 {
		return true, "Friday afternoon, reducing weekend exposure"
	}
	return false, ""
}

// UpdateSymbolStats feeds observed ATR%/range% for a symbol into its
// per-phase exponential moving average.
func (p *Profile) UpdateSymbolStats(symbol string, atrPct, rangePct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats, ok := p.perSymbol[symbol]
	if !ok {
		stats = &phaseStats{}
		p.perSymbol[symbol] = stats
	}
	if !stats.have {
		stats.emaATR = atrPct
		stats.emaRange = rangePct
		stats.have = true
		return
	}
	a := p.config.PhaseStatsAlpha
	stats.emaATR = a*atrPct + (1-a)*stats.emaATR
	stats.emaRange = a*rangePct + (1-a)*stats.emaRange
}

// SymbolStats returns the per-symbol EMA of ATR%/range%, if any observation
// has been recorded.
func (p *Profile) SymbolStats(symbol string) (atrPct, rangePct float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats, found := p.perSymbol[symbol]
	if !found || !stats.have {
		return 0, 0, false
	}
	return stats.emaATR, stats.emaRange, true
}
