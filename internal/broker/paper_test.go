package broker_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/types"
)

func newTestLevel(symbol string, side types.Side, shares int64) types.Level {
	return types.Level{
		ID:        types.LevelID{ScenarioID: "s1", LevelNum: 1, Side: side},
		Symbol:    symbol,
		Shares:    shares,
		ExitPrice: decimal.NewFromInt(105),
	}
}

// alwaysFillConfig is DefaultPaperConfig with the random entry rejection
// turned off, so every activation with market data fills.
func alwaysFillConfig() broker.PaperConfig {
	cfg := broker.DefaultPaperConfig()
	cfg.FillProbability = 1
	return cfg
}

func TestActivateLevelFillsAndTracksPosition(t *testing.T) {
	p := broker.NewPaper(zap.NewNop(), alwaysFillConfig())
	ctx := context.Background()
	p.SetPrice("ACME", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(100))

	lvl := newTestLevel("ACME", types.SideLong, 10)
	if err := p.ActivateLevel(ctx, broker.LevelActivation{Level: lvl, BasePrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("unexpected error activating level: %v", err)
	}

	positions, err := p.OpenPositions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(positions) != 1 || positions[0].Symbol != "ACME" {
		t.Fatalf("expected one ACME position, got %+v", positions)
	}

	active, err := p.ActiveLevels(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected one active level, got %+v err=%v", active, err)
	}
}

func TestActivateLevelFailsWithoutMarketData(t *testing.T) {
	p := broker.NewPaper(zap.NewNop(), broker.DefaultPaperConfig())
	lvl := newTestLevel("ACME", types.SideLong, 10)
	err := p.ActivateLevel(context.Background(), broker.LevelActivation{Level: lvl, BasePrice: decimal.NewFromInt(100)})
	if err == nil {
		t.Fatal("expected an error activating a level with no market data")
	}
}

func TestDeactivateLevelRealizesPnL(t *testing.T) {
	p := broker.NewPaper(zap.NewNop(), alwaysFillConfig())
	ctx := context.Background()
	p.SetPrice("ACME", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(100))

	lvl := newTestLevel("ACME", types.SideLong, 10)
	if err := p.ActivateLevel(ctx, broker.LevelActivation{Level: lvl, BasePrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.SetPrice("ACME", decimal.NewFromInt(110), decimal.NewFromInt(110), decimal.NewFromInt(110), decimal.Zero, decimal.NewFromInt(110), decimal.NewFromInt(110))

	before, _ := p.AccountInfo(ctx)
	if err := p.DeactivateLevel(ctx, lvl.ID); err != nil {
		t.Fatalf("unexpected error deactivating: %v", err)
	}
	after, _ := p.AccountInfo(ctx)

	if !after.Cash.GreaterThan(before.Cash) {
		t.Fatalf("expected cash to increase from a profitable long close, before=%s after=%s", before.Cash, after.Cash)
	}

	positions, _ := p.OpenPositions(ctx)
	if len(positions) != 0 {
		t.Fatalf("expected no open positions after deactivation, got %+v", positions)
	}
}

func TestDeactivateLevelKeepPositionCreatesOrphan(t *testing.T) {
	p := broker.NewPaper(zap.NewNop(), alwaysFillConfig())
	ctx := context.Background()
	p.SetPrice("ACME", decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.NewFromInt(100), decimal.Zero, decimal.NewFromInt(100), decimal.NewFromInt(100))

	lvl := newTestLevel("ACME", types.SideLong, 10)
	if err := p.ActivateLevel(ctx, broker.LevelActivation{Level: lvl, BasePrice: decimal.NewFromInt(100)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.DeactivateLevelKeepPosition(ctx, lvl.ID, "test orphaning"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	orphans, err := p.OrphanPositions(ctx)
	if err != nil || len(orphans) != 1 {
		t.Fatalf("expected one orphan, got %+v err=%v", orphans, err)
	}
	if orphans[0].Reason != "test orphaning" {
		t.Fatalf("expected orphan reason to be recorded, got %q", orphans[0].Reason)
	}

	positions, _ := p.OpenPositions(ctx)
	if len(positions) != 0 {
		t.Fatal("expected the position to be removed from the open-position set once orphaned")
	}
}

func TestShouldCloseOrphanUsesMinProfitThreshold(t *testing.T) {
	orphan := broker.Orphan{
		Side:         types.SideLong,
		EntryPrice:   decimal.NewFromInt(100),
		CurrentPrice: decimal.NewFromFloat(100.5),
	}
	if !broker.ShouldCloseOrphan(orphan, decimal.NewFromFloat(0.4)) {
		t.Fatal("expected orphan with 0.5 profit/share to clear a 0.4 threshold")
	}
	if broker.ShouldCloseOrphan(orphan, decimal.NewFromFloat(0.6)) {
		t.Fatal("expected orphan with 0.5 profit/share to miss a 0.6 threshold")
	}
}
