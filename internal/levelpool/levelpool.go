// Package levelpool is the canonical registry of all candidate levels: a
// single indexed store with secondary indexes by symbol, scenario and
// status, serialized behind one lock.
package levelpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the Level Pool.
type Config struct {
	CooldownSeconds int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{CooldownSeconds: 300}
}

// Pool is the Level Pool (C6).
type Pool struct {
	logger *zap.Logger
	config Config

	mu       sync.RWMutex
	levels   map[types.LevelID]*types.Level
	bySymbol map[string]map[types.LevelID]struct{}
	byScenario map[string]map[types.LevelID]struct{}
	byStatus map[types.LevelStatus]map[types.LevelID]struct{}
}

// New creates an empty Level Pool.
func New(logger *zap.Logger, config Config) *Pool {
	return &Pool{
		logger:     logger.Named("levelpool"),
		config:     config,
		levels:     make(map[types.LevelID]*types.Level),
		bySymbol:   make(map[string]map[types.LevelID]struct{}),
		byScenario: make(map[string]map[types.LevelID]struct{}),
		byStatus:   make(map[types.LevelStatus]map[types.LevelID]struct{}),
	}
}

func indexAdd(idx map[string]map[types.LevelID]struct{}, key string, id types.LevelID) {
	set, ok := idx[key]
	if !ok {
		set = make(map[types.LevelID]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func indexRemove(idx map[string]map[types.LevelID]struct{}, key string, id types.LevelID) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

func statusIndexAdd(idx map[types.LevelStatus]map[types.LevelID]struct{}, status types.LevelStatus, id types.LevelID) {
	set, ok := idx[status]
	if !ok {
		set = make(map[types.LevelID]struct{})
		idx[status] = set
	}
	set[id] = struct{}{}
}

func statusIndexRemove(idx map[types.LevelStatus]map[types.LevelID]struct{}, status types.LevelStatus, id types.LevelID) {
	if set, ok := idx[status]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, status)
		}
	}
}

// Add inserts a new level into the pool and its indexes.
func (p *Pool) Add(level types.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.levels[level.ID]; exists {
		return fmt.Errorf("level %+v already exists", level.ID)
	}
	if level.Status == "" {
		level.Status = types.StatusAvailable
	}

	stored := level
	p.levels[level.ID] = &stored
	indexAdd(p.bySymbol, level.Symbol, level.ID)
	indexAdd(p.byScenario, level.ID.ScenarioID, level.ID)
	statusIndexAdd(p.byStatus, stored.Status, level.ID)
	return nil
}

// Remove deletes a level and all its index entries.
func (p *Pool) Remove(id types.LevelID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	level, ok := p.levels[id]
	if !ok {
		return false
	}
	delete(p.levels, id)
	indexRemove(p.bySymbol, level.Symbol, id)
	indexRemove(p.byScenario, id.ScenarioID, id)
	statusIndexRemove(p.byStatus, level.Status, id)
	return true
}

// Get returns a copy of the level, if present.
func (p *Pool) Get(id types.LevelID) (types.Level, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	level, ok := p.levels[id]
	if !ok {
		return types.Level{}, false
	}
	return *level, true
}

func (p *Pool) changeStatus(id types.LevelID, newStatus types.LevelStatus) (*types.Level, error) {
	level, ok := p.levels[id]
	if !ok {
		return nil, fmt.Errorf("level %+v not found", id)
	}
	statusIndexRemove(p.byStatus, level.Status, id)
	level.Status = newStatus
	statusIndexAdd(p.byStatus, newStatus, id)
	return level, nil
}

// ByStatus returns copies of all levels with the given status.
func (p *Pool) ByStatus(status types.LevelStatus) []types.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.byStatus[status])
}

// BySymbol returns copies of all levels for a symbol.
func (p *Pool) BySymbol(symbol string) []types.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.bySymbol[symbol])
}

// ByScenario returns copies of all levels for a scenario.
func (p *Pool) ByScenario(scenarioID string) []types.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collect(p.byScenario[scenarioID])
}

func (p *Pool) collect(ids map[types.LevelID]struct{}) []types.Level {
	out := make([]types.Level, 0, len(ids))
	for id := range ids {
		out = append(out, *p.levels[id])
	}
	return out
}

// Filter is a predicate-based query over the whole pool.
type Filter struct {
	Symbol   string
	Side     *types.Side
	Status   *types.LevelStatus
	MinProfitPct *decimal.Decimal
	MinStepPct   *decimal.Decimal
	MaxStepPct   *decimal.Decimal
	RequiredTags []string
}

// Available returns levels matching a filter, restricted to AVAILABLE
// status; a level in COOLDOWN is never returned (invariant I3).
func (p *Pool) Available(f Filter) []types.Level {
	status := types.StatusAvailable
	f.Status = &status
	return p.Query(f)
}

// Query returns copies of all levels matching the filter.
func (p *Pool) Query(f Filter) []types.Level {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates map[types.LevelID]struct{}
	switch {
	case f.Symbol != "":
		candidates = p.bySymbol[f.Symbol]
	case f.Status != nil:
		candidates = p.byStatus[*f.Status]
	default:
		candidates = nil
	}

	var out []types.Level
	check := func(level types.Level) bool {
		if f.Status != nil && level.Status != *f.Status {
			return false
		}
		if f.Side != nil {
			if level.ID.Side != *f.Side {
				return false
			}
		}
		if f.Symbol != "" && level.Symbol != f.Symbol {
			return false
		}
		step := level.StepPct().Abs().Mul(decimal.NewFromInt(100))
		if f.MinStepPct != nil && step.LessThan(*f.MinStepPct) {
			return false
		}
		if f.MaxStepPct != nil && step.GreaterThan(*f.MaxStepPct) {
			return false
		}
		if f.MinProfitPct != nil {
			profit := level.ExitPct.Sub(level.EntryPct).Abs().Mul(decimal.NewFromInt(100))
			if profit.LessThan(*f.MinProfitPct) {
				return false
			}
		}
		for _, tag := range f.RequiredTags {
			if !level.HasTag(tag) {
				return false
			}
		}
		return true
	}

	if candidates != nil {
		for id := range candidates {
			level := *p.levels[id]
			if check(level) {
				out = append(out, level)
			}
		}
		return out
	}

	for _, level := range p.levels {
		if check(*level) {
			out = append(out, *level)
		}
	}
	return out
}

// ImportFromScenarios adds every level from each scenario not already
// present, deriving volatility tags from step size.
func (p *Pool) ImportFromScenarios(scenarios []types.Scenario) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, scenario := range scenarios {
		for _, sl := range scenario.Levels {
			id := types.LevelID{ScenarioID: scenario.ID, LevelNum: sl.LevelNum, Side: sl.Side}
			if _, exists := p.levels[id]; exists {
				continue
			}

			level := &types.Level{
				ID:          id,
				Symbol:      scenario.Symbol,
				Shares:      sl.Shares,
				EntryPct:    sl.EntryPct,
				ExitPct:     sl.ExitPct,
				GuardianPct: sl.GuardianPct,
				Status:      types.StatusAvailable,
				Tags:        make(map[string]struct{}),
			}
			for _, tag := range sl.Tags {
				level.AddTag(tag)
			}
			stepPct := level.StepPct().Abs().Mul(decimal.NewFromInt(100)).InexactFloat64()
			switch {
			case stepPct > 0.8:
				level.AddTag("high_volatility")
			case stepPct > 0.4:
				level.AddTag("medium_volatility")
			default:
				level.AddTag("low_volatility")
			}

			p.levels[id] = level
			indexAdd(p.bySymbol, level.Symbol, id)
			indexAdd(p.byScenario, scenario.ID, id)
			statusIndexAdd(p.byStatus, level.Status, id)
			added++
		}
	}
	return added
}

// CheckCooldowns returns any level in COOLDOWN whose deactivated_at is
// older than the configured threshold to AVAILABLE.
func (p *Pool) CheckCooldowns(now time.Time) []types.LevelID {
	p.mu.Lock()
	defer p.mu.Unlock()

	threshold := time.Duration(p.config.CooldownSeconds) * time.Second
	var restored []types.LevelID
	for id := range p.byStatus[types.StatusCooldown] {
		level := p.levels[id]
		if now.Sub(level.DeactivatedAt) >= threshold {
			p.changeStatus(id, types.StatusAvailable)
			restored = append(restored, id)
		}
	}
	return restored
}

// MarkActivated transitions a level to ACTIVE and records activation
// bookkeeping.
func (p *Pool) MarkActivated(id types.LevelID, score decimal.Decimal, basePrice, entryPrice, exitPrice, guardianPrice decimal.Decimal, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	level, err := p.changeStatus(id, types.StatusActive)
	if err != nil {
		return err
	}
	level.ActivatedAt = at
	level.BasePrice = basePrice
	level.EntryPrice = entryPrice
	level.ExitPrice = exitPrice
	level.GuardianPrice = guardianPrice
	level.Stats.ActivationCount++
	level.Stats.LastScore = score
	return nil
}

// MarkDeactivated transitions a level to COOLDOWN, records hold time and
// updates the running success/fail counters.
func (p *Pool) MarkDeactivated(id types.LevelID, success bool, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	level, err := p.changeStatus(id, types.StatusCooldown)
	if err != nil {
		return err
	}
	level.DeactivatedAt = at

	holdTime := at.Sub(level.ActivatedAt)
	n := level.Stats.ActivationCount
	if n <= 0 {
		n = 1
	}
	prevTotal := time.Duration(n-1) * level.Stats.AvgHoldTime
	level.Stats.AvgHoldTime = (prevTotal + holdTime) / time.Duration(n)

	if success {
		level.Stats.SuccessCount++
	} else {
		level.Stats.FailCount++
	}
	return nil
}

// Statistics is the aggregate totals rollup over the whole pool.
type Statistics struct {
	TotalLevels    int
	PerStatus      map[types.LevelStatus]int
	PerSymbol      map[string]int
	AggregateSuccessRate decimal.Decimal
	HasAggregateSuccessRate bool
}

// Stats computes totals per status/symbol and the aggregate success rate.
func (p *Pool) Stats() Statistics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Statistics{
		PerStatus: make(map[types.LevelStatus]int),
		PerSymbol: make(map[string]int),
	}

	var successes, total int
	for _, level := range p.levels {
		stats.TotalLevels++
		stats.PerStatus[level.Status]++
		stats.PerSymbol[level.Symbol]++
		successes += level.Stats.SuccessCount
		total += level.Stats.SuccessCount + level.Stats.FailCount
	}
	if total > 0 {
		stats.AggregateSuccessRate = decimal.NewFromInt(int64(successes)).Div(decimal.NewFromInt(int64(total)))
		stats.HasAggregateSuccessRate = true
	}
	return stats
}

// Performance is the session-level performance rollup (supplemented from
// the original testing/performance_tracker module).
type Performance struct {
	TotalActivations int
	AggregateSuccessRate decimal.Decimal
	HasAggregateSuccessRate bool
	BestLevel  *types.LevelID
	BestRate   decimal.Decimal
	WorstLevel *types.LevelID
	WorstRate  decimal.Decimal
}

// PerformanceRollup ranks levels by decided success rate.
func (p *Pool) PerformanceRollup() Performance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var perf Performance
	var bestRate, worstRate decimal.Decimal
	haveBest, haveWorst := false, false

	for id, level := range p.levels {
		perf.TotalActivations += level.Stats.ActivationCount
		rate, ok := level.Stats.SuccessRate()
		if !ok {
			continue
		}
		if !haveBest || rate.GreaterThan(bestRate) {
			bestRate = rate
			idCopy := id
			perf.BestLevel = &idCopy
			haveBest = true
		}
		if !haveWorst || rate.LessThan(worstRate) {
			worstRate = rate
			idCopy := id
			perf.WorstLevel = &idCopy
			haveWorst = true
		}
	}
	perf.BestRate = bestRate
	perf.WorstRate = worstRate

	stats := p.statsLocked()
	perf.AggregateSuccessRate = stats.AggregateSuccessRate
	perf.HasAggregateSuccessRate = stats.HasAggregateSuccessRate
	return perf
}

func (p *Pool) statsLocked() Statistics {
	stats := Statistics{PerStatus: make(map[types.LevelStatus]int), PerSymbol: make(map[string]int)}
	var successes, total int
	for _, level := range p.levels {
		stats.TotalLevels++
		stats.PerStatus[level.Status]++
		stats.PerSymbol[level.Symbol]++
		successes += level.Stats.SuccessCount
		total += level.Stats.SuccessCount + level.Stats.FailCount
	}
	if total > 0 {
		stats.AggregateSuccessRate = decimal.NewFromInt(int64(successes)).Div(decimal.NewFromInt(int64(total)))
		stats.HasAggregateSuccessRate = true
	}
	return stats
}

// snapshotFile is the on-disk, versioned level pool snapshot.
type snapshotFile struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"saved_at"`
	Levels  []types.Level `json:"levels"`
}

const snapshotVersion = 1

// Save writes the pool to path atomically (temp file + rename).
func (p *Pool) Save(path string) error {
	p.mu.RLock()
	levels := make([]types.Level, 0, len(p.levels))
	for _, level := range p.levels {
		levels = append(levels, *level)
	}
	p.mu.RUnlock()

	sort.Slice(levels, func(i, j int) bool {
		if levels[i].ID.ScenarioID != levels[j].ID.ScenarioID {
			return levels[i].ID.ScenarioID < levels[j].ID.ScenarioID
		}
		return levels[i].ID.LevelNum < levels[j].ID.LevelNum
	})

	snap := snapshotFile{Version: snapshotVersion, SavedAt: time.Now(), Levels: levels}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal level pool snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, strings.ReplaceAll(filepath.Base(path), ".", "-tmp-*."))
	if err != nil {
		return fmt.Errorf("create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp snapshot file: %w", err)
	}
	return nil
}

// Load restores the pool from path. A missing or corrupted file is treated
// as empty, matching the "corrupt blobs are not fatal" persistence policy.
func (p *Pool) Load(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		p.logger.Warn("corrupt level pool snapshot, starting empty", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.levels = make(map[types.LevelID]*types.Level)
	p.bySymbol = make(map[string]map[types.LevelID]struct{})
	p.byScenario = make(map[string]map[types.LevelID]struct{})
	p.byStatus = make(map[types.LevelStatus]map[types.LevelID]struct{})

	for i := range snap.Levels {
		level := snap.Levels[i]
		p.levels[level.ID] = &level
		indexAdd(p.bySymbol, level.Symbol, level.ID)
		indexAdd(p.byScenario, level.ID.ScenarioID, level.ID)
		statusIndexAdd(p.byStatus, level.Status, level.ID)
	}
}
