// Package volume maintains rolling per-symbol volume history and
// classifies current volume against its moving averages.
package volume

import (
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/pkg/utils"
	"go.uber.org/zap"
)

// Config configures the Volume Analyzer.
type Config struct {
	BufferSize   int
	MAShortPeriod int
	MALongPeriod  int
	CorrelationWindow int

	SpikeThreshold float64

	ConditionExtreme, ConditionSpike, ConditionHigh, ConditionNormal, ConditionLow float64

	ConsecutiveHighPauseCount int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:        100,
		MAShortPeriod:      20,
		MALongPeriod:       50,
		CorrelationWindow:  20,
		SpikeThreshold:     2.0,
		ConditionExtreme:   3.0,
		ConditionSpike:     2.0,
		ConditionHigh:      1.2,
		ConditionNormal:    0.8,
		ConditionLow:       0.5,
		ConsecutiveHighPauseCount: 5,
	}
}

type sample struct {
	timestamp  time.Time
	volume     float64
	priceChangePct float64
}

type symbolState struct {
	samples         []sample
	dailyTotal      float64
	dailyDate       string
	consecutiveHigh int
}

// Analyzer is the Volume Analyzer (C3).
type Analyzer struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// New creates a Volume Analyzer.
func New(logger *zap.Logger, config Config) *Analyzer {
	return &Analyzer{
		logger:  logger.Named("volume"),
		config:  config,
		symbols: make(map[string]*symbolState),
	}
}

// Append pushes a new volume observation and returns the updated snapshot.
func (a *Analyzer) Append(symbol string, volume, priceChangePct float64, at time.Time) types.VolumeSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.symbols[symbol]
	if !ok {
		s = &symbolState{}
		a.symbols[symbol] = s
	}

	day := at.Format("2006-01-02")
	if s.dailyDate != day {
		s.dailyDate = day
		s.dailyTotal = 0
	}
	s.dailyTotal += volume

	s.samples = append(s.samples, sample{timestamp: at, volume: volume, priceChangePct: priceChangePct})
	if len(s.samples) > a.config.BufferSize {
		s.samples = s.samples[len(s.samples)-a.config.BufferSize:]
	}

	_, condition := ratioAndCondition(a.config, s.samples)
	if isHighish(condition) {
		s.consecutiveHigh++
	} else {
		s.consecutiveHigh = 0
	}

	return a.computeSnapshot(symbol, s)
}

// Snapshot returns the current snapshot for a symbol without appending.
func (a *Analyzer) Snapshot(symbol string) (types.VolumeSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.symbols[symbol]
	if !ok || len(s.samples) == 0 {
		return types.VolumeSnapshot{}, false
	}
	return a.computeSnapshot(symbol, s), true
}

func volumesOf(samples []sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.volume
	}
	return out
}

func maOverLast(samples []sample, period int) float64 {
	n := period
	if n > len(samples) {
		n = len(samples)
	}
	if n == 0 {
		return 0
	}
	window := samples[len(samples)-n:]
	return utils.Mean(volumesOf(window))
}

func classifyCondition(cfg Config, ratio float64) types.VolumeCondition {
	switch {
	case ratio >= cfg.ConditionExtreme:
		return types.VolumeExtreme
	case ratio >= cfg.ConditionSpike:
		return types.VolumeSpike
	case ratio >= cfg.ConditionHigh:
		return types.VolumeHigh
	case ratio >= cfg.ConditionNormal:
		return types.VolumeNormal
	case ratio >= cfg.ConditionLow:
		return types.VolumeLow
	default:
		return types.VolumeVeryLow
	}
}

func isHighish(c types.VolumeCondition) bool {
	return c == types.VolumeHigh || c == types.VolumeSpike || c == types.VolumeExtreme
}

// ratioAndCondition is a pure function of the sample buffer: it mutates
// no state, so it is safe to call under a read lock.
func ratioAndCondition(cfg Config, samples []sample) (float64, types.VolumeCondition) {
	last := samples[len(samples)-1]
	maShort := maOverLast(samples, cfg.MAShortPeriod)

	ratio := 1.0
	if maShort != 0 {
		ratio = last.volume / maShort
	}
	return ratio, classifyCondition(cfg, ratio)
}

// computeSnapshot derives a VolumeSnapshot from the current sample buffer.
// It is read-only: consecutiveHigh is advanced only by Append, under the
// write lock, never here.
func (a *Analyzer) computeSnapshot(symbol string, s *symbolState) types.VolumeSnapshot {
	last := s.samples[len(s.samples)-1]

	maShort := maOverLast(s.samples, a.config.MAShortPeriod)
	maLong := maOverLast(s.samples, a.config.MALongPeriod)

	ratio, condition := ratioAndCondition(a.config, s.samples)

	trend := types.VolumeStable
	if len(s.samples) >= 10 {
		recent := s.samples[len(s.samples)-5:]
		previous := s.samples[len(s.samples)-10 : len(s.samples)-5]
		recentMean := utils.Mean(volumesOf(recent))
		prevMean := utils.Mean(volumesOf(previous))
		if prevMean != 0 {
			change := (recentMean - prevMean) / prevMean
			if change > 0.2 {
				trend = types.VolumeIncreasing
			} else if change < -0.2 {
				trend = types.VolumeDecreasing
			}
		}
	}

	percentile := utils.Percentile(volumesOf(s.samples), last.volume)

	corrWindow := s.samples
	if len(corrWindow) > a.config.CorrelationWindow {
		corrWindow = corrWindow[len(corrWindow)-a.config.CorrelationWindow:]
	}
	vols := make([]float64, len(corrWindow))
	changes := make([]float64, len(corrWindow))
	for i, smp := range corrWindow {
		vols[i] = smp.volume
		changes[i] = smp.priceChangePct
	}
	corr := utils.PearsonCorr(vols, changes)

	last5m := sumSince(s.samples, last.timestamp, 5*time.Minute)
	last15m := sumSince(s.samples, last.timestamp, 15*time.Minute)

	return types.VolumeSnapshot{
		Symbol:               symbol,
		Timestamp:            last.timestamp,
		Current:              last.volume,
		Last5Min:             last5m,
		Last15Min:            last15m,
		Today:                s.dailyTotal,
		MAShort:              maShort,
		MALong:               maLong,
		Ratio:                ratio,
		Condition:            condition,
		Trend:                trend,
		ConsecutiveHighCount: s.consecutiveHigh,
		Percentile:           percentile,
		PriceVolumeCorr:      corr,
	}
}

func sumSince(samples []sample, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	total := 0.0
	for _, s := range samples {
		if !s.timestamp.Before(cutoff) {
			total += s.volume
		}
	}
	return total
}

// ShouldPauseTrading reports whether volume conditions call for pausing
// new trades on a symbol, with a human-readable reason.
func (a *Analyzer) ShouldPauseTrading(symbol string) (bool, string) {
	snap, ok := a.Snapshot(symbol)
	if !ok {
		return false, ""
	}
	if snap.Condition == types.VolumeExtreme {
		return true, "volume condition is EXTREME"
	}
	if snap.ConsecutiveHighCount >= a.config.ConsecutiveHighPauseCount {
		return true, "sustained high volume"
	}
	return false, ""
}
