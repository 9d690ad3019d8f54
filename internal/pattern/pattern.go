// Package pattern stores situation fingerprints and their subsequent
// outcomes, and answers nearest-neighbor similarity queries.
package pattern

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the Pattern Matcher.
type Config struct {
	HistoryCap        int
	LookbackDays      int
	SimilarityThreshold float64
	MaxMatches        int
	MinMatches        int
	OutcomeMatchWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap:          1000,
		LookbackDays:        30,
		SimilarityThreshold: 0.75,
		MaxMatches:          20,
		MinMatches:          5,
		OutcomeMatchWindow:  60 * time.Second,
	}
}

// Matcher is the Pattern Matcher (C5).
type Matcher struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	history map[string][]types.HistoricalOutcome
}

// New creates a Pattern Matcher.
func New(logger *zap.Logger, config Config) *Matcher {
	return &Matcher{
		logger:  logger.Named("pattern"),
		config:  config,
		history: make(map[string][]types.HistoricalOutcome),
	}
}

// Record appends an outcome (or a placeholder awaiting UpdateOutcome) for a
// fingerprint.
func (m *Matcher) Record(fingerprint types.SituationFingerprint, outcome *types.HistoricalOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := types.HistoricalOutcome{Fingerprint: fingerprint, RecordedAt: fingerprint.Timestamp}
	if outcome != nil {
		rec = *outcome
		rec.Fingerprint = fingerprint
		rec.Completed = true
		if rec.RecordedAt.IsZero() {
			rec.RecordedAt = fingerprint.Timestamp
		}
		if rec.Pattern == "" {
			rec.Pattern = classifyPattern(rec.Change5m, rec.Change15m, rec.MaxUp5m, rec.MaxDown5m)
		}
	}

	list := m.history[fingerprint.Symbol]
	list = append(list, rec)
	if len(list) > m.config.HistoryCap {
		list = list[len(list)-m.config.HistoryCap:]
	}
	m.history[fingerprint.Symbol] = list
}

// UpdateOutcome completes the most recent placeholder for a symbol whose
// fingerprint timestamp is within ±60s of the given timestamp.
func (m *Matcher) UpdateOutcome(symbol string, at time.Time, change5m, change15m, change30m, maxUp5, maxDown5, maxUp15, maxDown15 float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.history[symbol]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Completed {
			continue
		}
		diff := list[i].Fingerprint.Timestamp.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff <= m.config.OutcomeMatchWindow {
			list[i].Change5m = change5m
			list[i].Change15m = change15m
			list[i].Change30m = change30m
			list[i].MaxUp5m = maxUp5
			list[i].MaxDown5m = maxDown5
			list[i].MaxUp15m = maxUp15
			list[i].MaxDown15m = maxDown15
			list[i].Pattern = classifyPattern(change5m, change15m, maxUp5, maxDown5)
			list[i].Completed = true
			return true
		}
	}
	return false
}

func similarity(weights [8]float64, a, b [8]float64) float64 {
	var weightedSq, weightSum float64
	for i := range a {
		diff := a[i] - b[i]
		weightedSq += weights[i] * diff * diff
		weightSum += weights[i]
	}
	if weightSum == 0 {
		return 0
	}
	sim := 1 - math.Sqrt(weightedSq)/math.Sqrt(weightSum)
	return utils.Clamp(sim, 0, 1)
}

// FindSimilar returns the nearest-neighbor weighted prediction for the
// given current fingerprint.
func (m *Matcher) FindSimilar(current types.SituationFingerprint) types.PatternMatchResult {
	m.mu.RLock()
	candidates := append([]types.HistoricalOutcome(nil), m.history[current.Symbol]...)
	m.mu.RUnlock()

	cutoff := current.Timestamp.Add(-time.Duration(m.config.LookbackDays) * 24 * time.Hour)
	currentVec := current.Vector()

	type scored struct {
		outcome types.HistoricalOutcome
		sim     float64
	}
	var matches []scored
	for _, c := range candidates {
		if !c.Completed || !c.HasRealChange() {
			continue
		}
		if c.RecordedAt.Before(cutoff) {
			continue
		}
		sim := similarity(types.FingerprintWeights, currentVec, c.Fingerprint.Vector())
		if sim >= m.config.SimilarityThreshold {
			matches = append(matches, scored{outcome: c, sim: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > m.config.MaxMatches {
		matches = matches[:m.config.MaxMatches]
	}

	if len(matches) == 0 {
		return types.PatternMatchResult{DominantPattern: types.PatternUnknown}
	}

	var changes5, changes15, changes30, maxUps, maxDowns []float64
	upCount := 0
	patternCounts := make(map[types.Pattern]int)
	for _, mm := range matches {
		o := mm.outcome
		changes5 = append(changes5, o.Change5m)
		changes15 = append(changes15, o.Change15m)
		changes30 = append(changes30, o.Change30m)
		maxUps = append(maxUps, o.MaxUp5m)
		maxDowns = append(maxDowns, o.MaxDown5m)
		if o.Change15m > 0 {
			upCount++
		}
		patternCounts[o.Pattern]++
	}

	dominant := types.PatternUnknown
	bestCount := -1
	for p, count := range patternCounts {
		if count > bestCount {
			dominant = p
			bestCount = count
		}
	}

	n := len(matches)
	var confidence float64
	if n >= m.config.MinMatches {
		sd := utils.StdDev(changes15)
		confidence = 0.6*(1/(1+sd)) + 0.4*math.Min(1, float64(n)/float64(2*m.config.MinMatches))
	} else {
		confidence = 0.5 * float64(n) / float64(m.config.MinMatches)
	}
	confidence = utils.Clamp(confidence, 0, 1)

	return types.PatternMatchResult{
		MatchCount:        n,
		ExpectedChange5m:  utils.Mean(changes5),
		ExpectedChange15m: utils.Mean(changes15),
		ExpectedChange30m: utils.Mean(changes30),
		ProbUp:            float64(upCount) / float64(n),
		ExpectedMaxUp:     utils.Mean(maxUps),
		ExpectedMaxDown:   utils.Mean(maxDowns),
		DominantPattern:   dominant,
		Confidence:        confidence,
	}
}

// classifyPattern classifies an outcome's aggregate changes into a pattern.
func classifyPattern(change5, change15, maxUp, maxDown float64) types.Pattern {
	switch {
	case maxUp > 1.5 && maxDown > 1.5:
		return types.PatternHighVolatility
	case change5 > 0.8 && change15 > 1.0:
		return types.PatternBreakoutUp
	case change5 < -0.8 && change15 < -1.0:
		return types.PatternBreakoutDown
	case change5 > 0.3 && change15 > 0.5:
		return types.PatternTrendUp
	case change5 < -0.3 && change15 < -0.5:
		return types.PatternTrendDown
	case change5 < -0.3 && change15 > 0.2:
		return types.PatternReversalUp
	case change5 > 0.3 && change15 < -0.2:
		return types.PatternReversalDown
	case math.Abs(change15) < 0.3:
		return types.PatternConsolidation
	default:
		return types.PatternUnknown
	}
}

// ClassifyAggregate classifies a PatternMatchResult's own aggregates, for
// callers that only have the matcher's output (not raw outcomes).
func ClassifyAggregate(r types.PatternMatchResult) types.Pattern {
	return classifyPattern(r.ExpectedChange5m, r.ExpectedChange15m, r.ExpectedMaxUp, r.ExpectedMaxDown)
}
