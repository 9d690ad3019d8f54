// Package levelpool_test provides tests for the Level Pool registry.
package levelpool_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/levelpool"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// scenario builds levels from step sizes expressed in percent (e.g. 1.2
// means a 1.2% entry distance); EntryPct/ExitPct are stored as fractions,
// so the percent values are converted here.
func scenario(id, symbol string, steps ...float64) types.Scenario {
	s := types.Scenario{ID: id, Symbol: symbol}
	for i, step := range steps {
		s.Levels = append(s.Levels, types.ScenarioLevel{
			LevelNum: i + 1,
			Side:     types.SideLong,
			Shares:   100,
			EntryPct: decimal.NewFromFloat(-step / 100),
			ExitPct:  decimal.NewFromFloat(step / 100),
		})
	}
	return s
}

func TestImportFromScenariosTagsByStep(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	added := p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.2, 0.6, 0.2)})
	if added != 3 {
		t.Fatalf("expected 3 levels imported, got %d", added)
	}

	levels := p.ByScenario("S1")
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels in scenario index, got %d", len(levels))
	}

	var highTagged, medTagged, lowTagged bool
	for _, l := range levels {
		switch {
		case l.HasTag("high_volatility"):
			highTagged = true
		case l.HasTag("medium_volatility"):
			medTagged = true
		case l.HasTag("low_volatility"):
			lowTagged = true
		}
	}
	if !highTagged || !medTagged || !lowTagged {
		t.Fatalf("expected one level tagged at each volatility tier, got high=%v med=%v low=%v", highTagged, medTagged, lowTagged)
	}
}

func TestImportFromScenariosSkipsExisting(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	sc := scenario("S1", "ACME", 1.0)
	p.ImportFromScenarios([]types.Scenario{sc})
	added := p.ImportFromScenarios([]types.Scenario{sc})
	if added != 0 {
		t.Fatalf("expected re-import to add nothing, got %d", added)
	}
}

func TestMarkActivatedAndDeactivatedLifecycle(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.0)})
	id := types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}

	activatedAt := time.Now()
	if err := p.MarkActivated(id, decimal.NewFromFloat(0.8), decimal.NewFromFloat(100), decimal.NewFromFloat(99), decimal.NewFromFloat(101), decimal.Zero, activatedAt); err != nil {
		t.Fatalf("MarkActivated failed: %v", err)
	}
	level, ok := p.Get(id)
	if !ok || level.Status != types.StatusActive {
		t.Fatalf("expected level ACTIVE, got %+v ok=%v", level, ok)
	}

	deactivatedAt := activatedAt.Add(5 * time.Minute)
	if err := p.MarkDeactivated(id, true, deactivatedAt); err != nil {
		t.Fatalf("MarkDeactivated failed: %v", err)
	}
	level, _ = p.Get(id)
	if level.Status != types.StatusCooldown {
		t.Fatalf("expected level COOLDOWN after deactivation, got %s", level.Status)
	}
	if level.Stats.SuccessCount != 1 {
		t.Fatalf("expected success count 1, got %d", level.Stats.SuccessCount)
	}
	if level.Stats.AvgHoldTime != 5*time.Minute {
		t.Fatalf("expected avg hold time 5m, got %s", level.Stats.AvgHoldTime)
	}

	// Still within cooldown window: must not be restored.
	restored := p.CheckCooldowns(deactivatedAt.Add(1 * time.Second))
	if len(restored) != 0 {
		t.Fatalf("expected no levels restored before cooldown elapses, got %d", len(restored))
	}

	// Past the cooldown window: must be restored to AVAILABLE.
	restored = p.CheckCooldowns(deactivatedAt.Add(time.Duration(levelpool.DefaultConfig().CooldownSeconds+1) * time.Second))
	if len(restored) != 1 {
		t.Fatalf("expected 1 level restored after cooldown elapses, got %d", len(restored))
	}
	level, _ = p.Get(id)
	if level.Status != types.StatusAvailable {
		t.Fatalf("expected level AVAILABLE after cooldown, got %s", level.Status)
	}
}

func TestAvailableExcludesCooldown(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.0)})
	id := types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}
	p.MarkActivated(id, decimal.Zero, decimal.NewFromFloat(100), decimal.NewFromFloat(99), decimal.NewFromFloat(101), decimal.Zero, time.Now())
	p.MarkDeactivated(id, false, time.Now())

	avail := p.Available(levelpool.Filter{Symbol: "ACME"})
	if len(avail) != 0 {
		t.Fatalf("expected no available levels while in cooldown, got %d", len(avail))
	}
}

func TestQueryFiltersByTagAndStep(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.2, 0.2)})

	minStep := decimal.NewFromFloat(1.0)
	matches := p.Query(levelpool.Filter{Symbol: "ACME", MinStepPct: &minStep})
	if len(matches) != 1 {
		t.Fatalf("expected 1 level with step >= 1.0, got %d", len(matches))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.0, 0.5)})

	path := filepath.Join(t.TempDir(), "levels.json")
	if err := p.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	restored.Load(path)
	if len(restored.BySymbol("ACME")) != 2 {
		t.Fatalf("expected 2 levels restored from snapshot, got %d", len(restored.BySymbol("ACME")))
	}
}

func TestLoadCorruptSnapshotFallsBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "levels.json")
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.Load(path) // missing file: must not panic, pool stays empty

	stats := p.Stats()
	if stats.TotalLevels != 0 {
		t.Fatalf("expected empty pool after loading missing snapshot, got %d levels", stats.TotalLevels)
	}
}

func TestPerformanceRollupRanksLevels(t *testing.T) {
	p := levelpool.New(zap.NewNop(), levelpool.DefaultConfig())
	p.ImportFromScenarios([]types.Scenario{scenario("S1", "ACME", 1.0, 0.5)})

	good := types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}
	bad := types.LevelID{ScenarioID: "S1", LevelNum: 2, Side: types.SideLong}

	p.MarkActivated(good, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, time.Now())
	p.MarkDeactivated(good, true, time.Now())
	p.MarkActivated(bad, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, time.Now())
	p.MarkDeactivated(bad, false, time.Now())

	perf := p.PerformanceRollup()
	if perf.BestLevel == nil || *perf.BestLevel != good {
		t.Fatalf("expected best level to be %+v, got %+v", good, perf.BestLevel)
	}
	if perf.WorstLevel == nil || *perf.WorstLevel != bad {
		t.Fatalf("expected worst level to be %+v, got %+v", bad, perf.WorstLevel)
	}
}
