// Package risk_test provides tests for the Risk Manager.
package risk_test

import (
	"testing"

	"github.com/gridtrader/ki-controller/internal/risk"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestCheckRisksNormalWhenWithinLimits(t *testing.T) {
	m := risk.New(zap.NewNop(), risk.DefaultConfig())
	snap := m.CheckRisks(decimal.NewFromInt(10), decimal.Zero, nil, 0)
	if snap.RiskLevel != types.RiskNormal {
		t.Fatalf("expected NORMAL risk level, got %s", snap.RiskLevel)
	}
}

func TestCheckRisksCriticalOnHardBreach(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxDailyLoss = decimal.NewFromInt(100)
	m := risk.New(zap.NewNop(), cfg)

	snap := m.CheckRisks(decimal.NewFromInt(-200), decimal.Zero, nil, 0)
	if snap.RiskLevel != types.RiskCritical {
		t.Fatalf("expected CRITICAL risk level on hard daily-loss breach, got %s", snap.RiskLevel)
	}
	found := false
	for _, l := range snap.BreachedLimits {
		if l == types.LimitDailyLoss {
			found = true
		}
	}
	if !found {
		t.Fatal("expected DAILY_LOSS in breached limits")
	}
}

func TestCheckRisksWarningOnSoftBreach(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxDailyLoss = decimal.NewFromInt(100)
	m := risk.New(zap.NewNop(), cfg)

	// 85% of the hard limit: above the 80% soft threshold, below hard.
	snap := m.CheckRisks(decimal.NewFromInt(-85), decimal.Zero, nil, 0)
	if snap.RiskLevel != types.RiskElevated {
		t.Fatalf("expected ELEVATED risk level on soft breach, got %s", snap.RiskLevel)
	}
}

func TestDrawdownTracksPeakMonotonically(t *testing.T) {
	m := risk.New(zap.NewNop(), risk.DefaultConfig())
	m.CheckRisks(decimal.NewFromInt(100), decimal.Zero, nil, 0)
	snap := m.CheckRisks(decimal.NewFromInt(50), decimal.Zero, nil, 0)
	if !snap.CurrentDrawdown.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected drawdown of 50 from peak, got %s", snap.CurrentDrawdown)
	}
	if !snap.PeakPnL.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected peak to remain 100, got %s", snap.PeakPnL)
	}
}

func TestBlackSwanTriggersEmergency(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.SuddenDropThreshold = decimal.NewFromInt(5)
	m := risk.New(zap.NewNop(), cfg)

	for i := 0; i < 59; i++ {
		m.RecordPrice("ACME", decimal.NewFromFloat(50.00))
	}
	active, _ := m.IsEmergency()
	if active {
		t.Fatal("expected no emergency before the sudden move")
	}

	m.RecordPrice("ACME", decimal.NewFromFloat(45.00))
	active, reason := m.IsEmergency()
	if !active {
		t.Fatal("expected emergency to trigger after a 10% drop")
	}
	if reason == "" {
		t.Fatal("expected a non-empty emergency reason")
	}
}

func TestResetEmergencyRequiresMatchingReason(t *testing.T) {
	m := risk.New(zap.NewNop(), risk.DefaultConfig())
	m.TriggerEmergency("manual test trigger")

	if err := m.ResetEmergency("wrong reason"); err == nil {
		t.Fatal("expected reset to fail with a non-matching reason")
	}
	active, _ := m.IsEmergency()
	if !active {
		t.Fatal("expected emergency to remain active after a failed reset")
	}

	if err := m.ResetEmergency("manual test trigger"); err != nil {
		t.Fatalf("expected reset to succeed with matching reason: %v", err)
	}
	active, _ = m.IsEmergency()
	if active {
		t.Fatal("expected emergency to clear after a matching reset")
	}
}

func TestCanOpenNewTradeBlockedDuringEmergency(t *testing.T) {
	m := risk.New(zap.NewNop(), risk.DefaultConfig())
	m.TriggerEmergency("test")

	ok, reason := m.CanOpenNewTrade("ACME", nil, decimal.Zero, types.RiskNormal, decimal.NewFromInt(10), decimal.NewFromInt(100))
	if ok || reason == "" {
		t.Fatalf("expected trade to be blocked during emergency, got ok=%v reason=%q", ok, reason)
	}
}

func TestCanOpenNewTradeBlockedOverSymbolExposure(t *testing.T) {
	cfg := risk.DefaultConfig()
	cfg.MaxExposurePerSymbol = decimal.NewFromInt(1000)
	m := risk.New(zap.NewNop(), cfg)

	existing := map[string]decimal.Decimal{"ACME": decimal.NewFromInt(900)}
	ok, _ := m.CanOpenNewTrade("ACME", existing, decimal.NewFromInt(900), types.RiskNormal, decimal.NewFromInt(10), decimal.NewFromInt(50))
	if ok {
		t.Fatal("expected trade to be blocked once per-symbol exposure would exceed the hard limit")
	}
}
