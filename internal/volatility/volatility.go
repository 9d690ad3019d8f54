// Package volatility maintains rolling per-symbol OHLCV history and
// derives ATR-based volatility snapshots and regime classification.
package volatility

import (
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the Volatility Monitor.
type Config struct {
	CandleBufferSize int
	TickBufferSize   int

	ATRShortPeriod  int
	ATRMediumPeriod int
	ATRLongPeriod   int

	// Regime thresholds.
	ATRHighPct, ATRMediumPct             float64
	AvgRangeHighPct, AvgRangeMediumPct   float64
	PriceChange5mHighPct, PriceChange5mMediumPct float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CandleBufferSize: 100,
		TickBufferSize:   1000,

		ATRShortPeriod:  5,
		ATRMediumPeriod: 14,
		ATRLongPeriod:   50,

		ATRHighPct:   1.5,
		ATRMediumPct: 0.5,

		AvgRangeHighPct:   2.0,
		AvgRangeMediumPct: 0.8,

		PriceChange5mHighPct:   1.0,
		PriceChange5mMediumPct: 0.3,
	}
}

type tick struct {
	price     decimal.Decimal
	timestamp time.Time
}

type symbolState struct {
	candles    []types.Candle
	trueRanges []float64
	ticks      []tick
}

// Monitor is the Volatility Monitor (C2).
type Monitor struct {
	logger *zap.Logger
	config Config

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

// New creates a Volatility Monitor.
func New(logger *zap.Logger, config Config) *Monitor {
	return &Monitor{
		logger:  logger.Named("volatility"),
		config:  config,
		symbols: make(map[string]*symbolState),
	}
}

func (m *Monitor) stateFor(symbol string) *symbolState {
	s, ok := m.symbols[symbol]
	if !ok {
		s = &symbolState{}
		m.symbols[symbol] = s
	}
	return s
}

// AppendCandle pushes a candle, recomputes the true range buffer, and
// returns the new snapshot.
func (m *Monitor) AppendCandle(symbol string, c types.Candle) types.VolatilitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(symbol)

	var tr float64
	rangeF := toF(c.High.Sub(c.Low))
	if len(s.candles) == 0 {
		tr = rangeF
	} else {
		prevClose := s.candles[len(s.candles)-1].Close
		tr = max3(
			rangeF,
			abs(toF(c.High.Sub(prevClose))),
			abs(toF(c.Low.Sub(prevClose))),
		)
	}

	s.candles = append(s.candles, c)
	if len(s.candles) > m.config.CandleBufferSize {
		s.candles = s.candles[len(s.candles)-m.config.CandleBufferSize:]
	}
	s.trueRanges = append(s.trueRanges, tr)
	if len(s.trueRanges) > m.config.CandleBufferSize {
		s.trueRanges = s.trueRanges[len(s.trueRanges)-m.config.CandleBufferSize:]
	}

	return m.computeSnapshot(symbol, s)
}

// AppendTick pushes into the tick buffer only; it does not recompute the
// candle-derived snapshot.
func (m *Monitor) AppendTick(symbol string, price decimal.Decimal, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(symbol)
	s.ticks = append(s.ticks, tick{price: price, timestamp: at})
	if len(s.ticks) > m.config.TickBufferSize {
		s.ticks = s.ticks[len(s.ticks)-m.config.TickBufferSize:]
	}
}

// Snapshot returns the current volatility snapshot for a symbol, or false
// if no candle has ever been appended.
func (m *Monitor) Snapshot(symbol string) (types.VolatilitySnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.symbols[symbol]
	if !ok || len(s.candles) == 0 {
		return types.VolatilitySnapshot{}, false
	}
	return m.computeSnapshot(symbol, s), true
}

// Regime returns just the regime classification for a symbol.
func (m *Monitor) Regime(symbol string) types.Regime {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return types.RegimeUnknown
	}
	return snap.Regime
}

func atrOverLast(trueRanges []float64, period int) float64 {
	if len(trueRanges) == 0 {
		return 0
	}
	n := period
	if n > len(trueRanges) {
		n = len(trueRanges)
	}
	window := trueRanges[len(trueRanges)-n:]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

func (m *Monitor) computeSnapshot(symbol string, s *symbolState) types.VolatilitySnapshot {
	last := s.candles[len(s.candles)-1]
	price := toF(last.Close)
	if price == 0 {
		price = 1
	}

	atrShort := atrOverLast(s.trueRanges, m.config.ATRShortPeriod)
	atrMedium := atrOverLast(s.trueRanges, m.config.ATRMediumPeriod)
	atrLong := atrOverLast(s.trueRanges, m.config.ATRLongPeriod)

	atrShortPct := atrShort / price * 100
	atrMediumPct := atrMedium / price * 100
	atrLongPct := atrLong / price * 100

	var rangePcts []float64
	for _, c := range s.candles {
		rangePcts = append(rangePcts, toF(c.RangePct())*100)
	}
	avgRangePct := utils.Mean(rangePcts)
	maxRangePct, minRangePct := rangePcts[0], rangePcts[0]
	for _, r := range rangePcts {
		if r > maxRangePct {
			maxRangePct = r
		}
		if r < minRangePct {
			minRangePct = r
		}
	}

	change1m := priceChangeOverWindow(s.ticks, last.Timestamp, time.Minute)
	change5m := priceChangeOverWindow(s.ticks, last.Timestamp, 5*time.Minute)
	change15m := priceChangeOverWindow(s.ticks, last.Timestamp, 15*time.Minute)

	regime, confidence := classifyRegime(m.config, atrMediumPct, avgRangePct, change5m)

	snap := types.VolatilitySnapshot{
		Symbol:            symbol,
		Timestamp:         last.Timestamp,
		ATRShortPct:       atrShortPct,
		ATRMediumPct:      atrMediumPct,
		ATRLongPct:        atrLongPct,
		AvgRangePct:       avgRangePct,
		MaxRangePct:       maxRangePct,
		MinRangePct:       minRangePct,
		PriceChange1mPct:  change1m,
		PriceChange5mPct:  change5m,
		PriceChange15mPct: change15m,
		Regime:            regime,
		RegimeConfidence:  confidence,
		Expanding:         atrShortPct > atrMediumPct && atrMediumPct > atrLongPct,
		Contracting:       atrShortPct < atrMediumPct && atrMediumPct < atrLongPct,
	}
	return snap
}

// classifyRegime is additive scoring across three factors, returning the
// winning regime and its confidence (winner_score / total_score).
func classifyRegime(cfg Config, atrPct, avgRangePct, priceChange5m float64) (types.Regime, float64) {
	scores := map[types.Regime]float64{
		types.RegimeHigh:   0,
		types.RegimeMedium: 0,
		types.RegimeLow:    0,
	}

	switch {
	case atrPct >= cfg.ATRHighPct:
		scores[types.RegimeHigh]++
	case atrPct >= cfg.ATRMediumPct:
		scores[types.RegimeMedium]++
	default:
		scores[types.RegimeLow]++
	}

	switch {
	case avgRangePct >= cfg.AvgRangeHighPct:
		scores[types.RegimeHigh]++
	case avgRangePct >= cfg.AvgRangeMediumPct:
		scores[types.RegimeMedium]++
	default:
		scores[types.RegimeLow]++
	}

	absChange := abs(priceChange5m)
	switch {
	case absChange >= cfg.PriceChange5mHighPct:
		scores[types.RegimeHigh]++
	case absChange >= cfg.PriceChange5mMediumPct:
		scores[types.RegimeMedium]++
	default:
		scores[types.RegimeLow]++
	}

	total := scores[types.RegimeHigh] + scores[types.RegimeMedium] + scores[types.RegimeLow]
	winner := types.RegimeLow
	winnerScore := scores[types.RegimeLow]
	if scores[types.RegimeMedium] > winnerScore {
		winner = types.RegimeMedium
		winnerScore = scores[types.RegimeMedium]
	}
	if scores[types.RegimeHigh] > winnerScore {
		winner = types.RegimeHigh
		winnerScore = scores[types.RegimeHigh]
	}
	if total == 0 {
		return types.RegimeUnknown, 0
	}
	return winner, winnerScore / total
}

// RecommendedStepRange returns (min%, max%) step size recommendations for
// a symbol's current regime.
func (m *Monitor) RecommendedStepRange(symbol string) (decimal.Decimal, decimal.Decimal) {
	snap, ok := m.Snapshot(symbol)
	if !ok {
		return decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.8)
	}
	atr := snap.ATRMediumPct
	switch snap.Regime {
	case types.RegimeHigh:
		return decimal.NewFromFloat(maxF(0.5, atr*0.5)), decimal.NewFromFloat(maxF(1.5, atr*1.2))
	case types.RegimeMedium:
		return decimal.NewFromFloat(maxF(0.3, atr*0.4)), decimal.NewFromFloat(maxF(0.8, atr*0.8))
	case types.RegimeLow:
		return decimal.NewFromFloat(0.15), decimal.NewFromFloat(maxF(0.4, atr*0.6))
	default:
		return decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.8)
	}
}

func priceChangeOverWindow(ticks []tick, now time.Time, window time.Duration) float64 {
	if len(ticks) == 0 {
		return 0
	}
	cutoff := now.Add(-window)
	var oldest *tick
	for i := range ticks {
		if !ticks[i].timestamp.Before(cutoff) {
			oldest = &ticks[i]
			break
		}
	}
	if oldest == nil {
		oldest = &ticks[0]
	}
	latest := ticks[len(ticks)-1]
	if oldest.price.IsZero() {
		return 0
	}
	return toF(latest.price.Sub(oldest.price).Div(oldest.price)) * 100
}

func toF(d decimal.Decimal) float64 { return d.InexactFloat64() }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
