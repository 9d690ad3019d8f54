// Package optimizer_test provides tests for the Optimizer.
package optimizer_test

import (
	"testing"

	"github.com/gridtrader/ki-controller/internal/optimizer"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// scored takes entryPct/exitPct expressed in percent; EntryPct/ExitPct
// are stored as fractions, so they're divided by 100 here.
func scored(id types.LevelID, symbol string, entryPct, exitPct, total float64) types.ScoredLevel {
	level := types.Level{
		ID:       id,
		Symbol:   symbol,
		Shares:   100,
		EntryPct: decimal.NewFromFloat(entryPct / 100),
		ExitPct:  decimal.NewFromFloat(exitPct / 100),
	}
	return types.ScoredLevel{Level: &level, Total: decimal.NewFromFloat(total)}
}

func TestLongOnlyPoolRejectsSecondLevelOnRatio(t *testing.T) {
	o := optimizer.New(zap.NewNop(), optimizer.DefaultConfig())

	l1 := scored(types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}, "ACME", -0.3, 0.5, 90)
	l2 := scored(types.LevelID{ScenarioID: "S1", LevelNum: 2, Side: types.SideLong}, "ACME", -0.6, 0.5, 80)

	result := o.Optimize([]types.ScoredLevel{l1, l2}, nil, optimizer.StrategyBalanced, decimal.NewFromFloat(100))

	if len(result.Selected) != 1 {
		t.Fatalf("expected exactly 1 level selected, got %d", len(result.Selected))
	}
	if result.Selected[0].Level.ID != l1.Level.ID {
		t.Fatalf("expected L1 (higher score) to be selected, got %+v", result.Selected[0].Level.ID)
	}
	if len(result.Rejected) != 1 || result.Rejected[0].LevelID != l2.Level.ID {
		t.Fatalf("expected L2 rejected, got %+v", result.Rejected)
	}
}

func TestGreedySortsByScoreDescending(t *testing.T) {
	o := optimizer.New(zap.NewNop(), optimizer.DefaultConfig())
	long1 := scored(types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}, "A", -0.3, 0.5, 60)
	short1 := scored(types.LevelID{ScenarioID: "S1", LevelNum: 2, Side: types.SideShort}, "A", 0.3, -0.5, 90)

	result := o.Optimize([]types.ScoredLevel{long1, short1}, nil, optimizer.StrategyGreedy, decimal.NewFromFloat(100))
	if len(result.Selected) == 0 || result.Selected[0].Level.ID != short1.Level.ID {
		t.Fatalf("expected highest-scoring candidate selected first, got %+v", result.Selected)
	}
}

func TestConservativeHalvesMaxLevels(t *testing.T) {
	cfg := optimizer.DefaultConfig()
	cfg.Constraints.MaxLevelsTotal = 6
	o := optimizer.New(zap.NewNop(), cfg)

	var candidates []types.ScoredLevel
	for i := 0; i < 8; i++ {
		side := types.SideLong
		entry := -0.3 - float64(i)*0.5
		if i%2 == 1 {
			side = types.SideShort
			entry = 0.3 + float64(i)*0.5
		}
		candidates = append(candidates, scored(types.LevelID{ScenarioID: "S1", LevelNum: i + 1, Side: side}, "A", entry, -entry, 100-float64(i)))
	}

	result := o.Optimize(candidates, nil, optimizer.StrategyConservative, decimal.NewFromFloat(100))
	if len(result.Selected) > 3 {
		t.Fatalf("expected CONSERVATIVE to cap selection at max_levels_total/2 = 3, got %d", len(result.Selected))
	}
}

func TestSuggestChangesComputesAddAndRemove(t *testing.T) {
	keepID := types.LevelID{ScenarioID: "S1", LevelNum: 1, Side: types.SideLong}
	addID := types.LevelID{ScenarioID: "S1", LevelNum: 2, Side: types.SideLong}
	removeID := types.LevelID{ScenarioID: "S1", LevelNum: 3, Side: types.SideLong}

	optimal := []types.ScoredLevel{
		{Level: &types.Level{ID: keepID}},
		{Level: &types.Level{ID: addID}},
	}
	active := []types.LevelID{keepID, removeID}

	changes := optimizer.SuggestChanges(optimal, active)
	if len(changes.ToAdd) != 1 || changes.ToAdd[0] != addID {
		t.Fatalf("expected to_add=[%+v], got %+v", addID, changes.ToAdd)
	}
	if len(changes.ToRemove) != 1 || changes.ToRemove[0] != removeID {
		t.Fatalf("expected to_remove=[%+v], got %+v", removeID, changes.ToRemove)
	}
}
