// Package optimizer selects a constrained subset of scored level
// candidates to keep active, under global/per-side/per-symbol caps,
// spacing, ratio and price-zone concentration constraints.
package optimizer

import (
	"fmt"
	"sort"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Strategy selects the selection algorithm.
type Strategy string

const (
	StrategyGreedy       Strategy = "GREEDY"
	StrategyBalanced     Strategy = "BALANCED"
	StrategyConservative Strategy = "CONSERVATIVE"
	StrategyAggressive   Strategy = "AGGRESSIVE"
)

// Constraints bounds the selected subset.
type Constraints struct {
	MaxLevelsTotal         int
	MaxLevelsPerSymbol     int
	MaxLevelsPerSide       int
	LongShortRatioMin      float64
	LongShortRatioMax      float64
	MinDistanceBetweenLevelsPct float64
	MinScoreThreshold      decimal.Decimal
	MaxExposurePerZonePct  float64
}

// Clone returns a deep-enough copy so a strategy can adjust its own
// effective constraints without mutating the caller's configuration.
func (c Constraints) Clone() Constraints {
	return c
}

// Config configures the Optimizer.
type Config struct {
	DefaultStrategy Strategy
	Constraints     Constraints
}

// DefaultConfig returns sensible defaults, reusing the decision-policy
// defaults named for the level-selection layer (max_levels_per_decision,
// min_level_distance_pct, long_short_ratio_min/max).
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: StrategyBalanced,
		Constraints: Constraints{
			MaxLevelsTotal:              10,
			MaxLevelsPerSymbol:          5,
			MaxLevelsPerSide:            8,
			LongShortRatioMin:           0.3,
			LongShortRatioMax:           0.7,
			MinDistanceBetweenLevelsPct: 0.1,
			MinScoreThreshold:           decimal.NewFromFloat(50),
			MaxExposurePerZonePct:       40,
		},
	}
}

// Optimizer is the Optimizer (C8).
type Optimizer struct {
	logger *zap.Logger
	config Config
}

// New creates an Optimizer.
func New(logger *zap.Logger, config Config) *Optimizer {
	return &Optimizer{logger: logger.Named("optimizer"), config: config}
}

// Rejection records why a candidate was not selected.
type Rejection struct {
	LevelID types.LevelID
	Reason  string
}

// Result is the outcome of one optimization pass.
type Result struct {
	Strategy  Strategy
	Selected  []types.ScoredLevel
	Rejected  []Rejection
}

// Optimize selects a subset of candidates under the given strategy
// (DefaultConfig's strategy if empty), respecting already-active levels.
func (o *Optimizer) Optimize(candidates []types.ScoredLevel, active []types.LevelID, strategy Strategy, currentPrice decimal.Decimal) Result {
	if strategy == "" {
		strategy = o.config.DefaultStrategy
	}

	switch strategy {
	case StrategyGreedy:
		return o.runGreedy(candidates, active, o.config.Constraints, currentPrice, StrategyGreedy)
	case StrategyConservative:
		cons := o.config.Constraints
		cons.MinScoreThreshold = cons.MinScoreThreshold.Mul(decimal.NewFromFloat(1.5))
		cons.MaxLevelsTotal = cons.MaxLevelsTotal / 2
		return o.runBalanced(candidates, active, cons, currentPrice, StrategyConservative)
	case StrategyAggressive:
		cons := o.config.Constraints
		cons.MinScoreThreshold = cons.MinScoreThreshold.Div(decimal.NewFromInt(2))
		cons.MinDistanceBetweenLevelsPct = cons.MinDistanceBetweenLevelsPct / 2
		return o.runGreedy(candidates, active, cons, currentPrice, StrategyAggressive)
	default:
		return o.runBalanced(candidates, active, o.config.Constraints, currentPrice, StrategyBalanced)
	}
}

type acceptedSet struct {
	levels      []types.ScoredLevel
	longCount   int
	shortCount  int
	perSymbol   map[string]int
	perZone     map[int]int
}

func newAcceptedSet() *acceptedSet {
	return &acceptedSet{perSymbol: make(map[string]int), perZone: make(map[int]int)}
}

func priceZone(entryPrice, currentPrice decimal.Decimal) int {
	if currentPrice.IsZero() {
		return 0
	}
	bucketWidth := currentPrice.Mul(decimal.NewFromFloat(0.01))
	if bucketWidth.IsZero() {
		return 0
	}
	return int(entryPrice.Div(bucketWidth).IntPart())
}

func entryPrice(level types.Level, currentPrice decimal.Decimal) decimal.Decimal {
	return currentPrice.Mul(decimal.NewFromInt(1).Add(level.EntryPct))
}

// tryAccept runs the constraint chain in spec order, short-circuiting on
// the first violated rule with a human-readable reason.
func (a *acceptedSet) tryAccept(candidate types.ScoredLevel, cons Constraints, currentPrice decimal.Decimal) (bool, string) {
	level := *candidate.Level

	if candidate.Total.LessThan(cons.MinScoreThreshold) {
		return false, "total score below minimum threshold"
	}
	if len(a.levels) >= cons.MaxLevelsTotal {
		return false, "global level cap reached"
	}
	sideCount := a.longCount
	if level.ID.Side == types.SideShort {
		sideCount = a.shortCount
	}
	if sideCount >= cons.MaxLevelsPerSide {
		return false, "per-side level cap reached"
	}

	if len(a.levels) > 0 {
		newLong, newShort := a.longCount, a.shortCount
		if level.ID.Side == types.SideLong {
			newLong++
		} else {
			newShort++
		}
		ratio := float64(newLong) / float64(newLong+newShort)
		if ratio < cons.LongShortRatioMin || ratio > cons.LongShortRatioMax {
			return false, "long/short ratio would fall outside configured band"
		}
	}

	if a.perSymbol[level.Symbol] >= cons.MaxLevelsPerSymbol {
		return false, "per-symbol level cap reached"
	}

	candidateEntry := entryPrice(level, currentPrice)
	for _, existing := range a.levels {
		if existing.Level.Symbol != level.Symbol {
			continue
		}
		existingEntry := entryPrice(*existing.Level, currentPrice)
		distPct := candidateEntry.Sub(existingEntry).Abs().Div(currentPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
		if distPct < cons.MinDistanceBetweenLevelsPct {
			return false, "too close to an already-selected level"
		}
	}

	zone := priceZone(candidateEntry, currentPrice)
	newZoneCount := a.perZone[zone] + 1
	zoneFraction := float64(newZoneCount) / float64(cons.MaxLevelsTotal) * 100
	if zoneFraction > cons.MaxExposurePerZonePct {
		return false, "price zone concentration exceeds maximum"
	}

	a.levels = append(a.levels, candidate)
	if level.ID.Side == types.SideLong {
		a.longCount++
	} else {
		a.shortCount++
	}
	a.perSymbol[level.Symbol]++
	a.perZone[zone] = newZoneCount
	return true, ""
}

func seedFromActive(candidates []types.ScoredLevel, active []types.LevelID) *acceptedSet {
	a := newAcceptedSet()
	activeSet := make(map[types.LevelID]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := activeSet[c.Level.ID]; ok {
			a.levels = append(a.levels, c)
			if c.Level.ID.Side == types.SideLong {
				a.longCount++
			} else {
				a.shortCount++
			}
			a.perSymbol[c.Level.Symbol]++
		}
	}
	return a
}

func (o *Optimizer) runGreedy(candidates []types.ScoredLevel, active []types.LevelID, cons Constraints, currentPrice decimal.Decimal, strategy Strategy) Result {
	sorted := append([]types.ScoredLevel(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Total.GreaterThan(sorted[j].Total) })
	return o.accumulate(sorted, active, cons, currentPrice, strategy)
}

func (o *Optimizer) runBalanced(candidates []types.ScoredLevel, active []types.LevelID, cons Constraints, currentPrice decimal.Decimal, strategy Strategy) Result {
	var longs, shorts []types.ScoredLevel
	for _, c := range candidates {
		if c.Level.ID.Side == types.SideLong {
			longs = append(longs, c)
		} else {
			shorts = append(shorts, c)
		}
	}
	sort.Slice(longs, func(i, j int) bool { return longs[i].Total.GreaterThan(longs[j].Total) })
	sort.Slice(shorts, func(i, j int) bool { return shorts[i].Total.GreaterThan(shorts[j].Total) })

	var interleaved []types.ScoredLevel
	i, j := 0, 0
	for i < len(longs) || j < len(shorts) {
		if i < len(longs) {
			interleaved = append(interleaved, longs[i])
			i++
		}
		if j < len(shorts) {
			interleaved = append(interleaved, shorts[j])
			j++
		}
	}
	return o.accumulate(interleaved, active, cons, currentPrice, strategy)
}

func (o *Optimizer) accumulate(ordered []types.ScoredLevel, active []types.LevelID, cons Constraints, currentPrice decimal.Decimal, strategy Strategy) Result {
	accepted := seedFromActive(ordered, active)
	activeSet := make(map[types.LevelID]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}

	var rejected []Rejection
	for _, c := range ordered {
		if _, already := activeSet[c.Level.ID]; already {
			continue
		}
		if ok, reason := accepted.tryAccept(c, cons, currentPrice); !ok {
			rejected = append(rejected, Rejection{LevelID: c.Level.ID, Reason: reason})
		}
	}

	return Result{Strategy: strategy, Selected: accepted.levels, Rejected: rejected}
}

// Changes is the delta between an optimization result and the currently
// active levels, by identity.
type Changes struct {
	ToAdd    []types.LevelID
	ToRemove []types.LevelID
}

// SuggestChanges computes (to_add = optimal \ active, to_remove = active \ optimal).
func SuggestChanges(optimal []types.ScoredLevel, active []types.LevelID) Changes {
	optimalSet := make(map[types.LevelID]struct{}, len(optimal))
	for _, c := range optimal {
		optimalSet[c.Level.ID] = struct{}{}
	}
	activeSet := make(map[types.LevelID]struct{}, len(active))
	for _, id := range active {
		activeSet[id] = struct{}{}
	}

	var changes Changes
	for id := range optimalSet {
		if _, ok := activeSet[id]; !ok {
			changes.ToAdd = append(changes.ToAdd, id)
		}
	}
	for id := range activeSet {
		if _, ok := optimalSet[id]; !ok {
			changes.ToRemove = append(changes.ToRemove, id)
		}
	}
	return changes
}

// String renders a rejection for logging.
func (r Rejection) String() string {
	return fmt.Sprintf("%+v: %s", r.LevelID, r.Reason)
}
