// Package executionmgr_test provides tests for the Execution Manager.
package executionmgr_test

import (
	"testing"

	"github.com/gridtrader/ki-controller/internal/executionmgr"
	"github.com/gridtrader/ki-controller/internal/types"
	"go.uber.org/zap"
)

func TestHigherPriorityDispatchedFirst(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())

	var order []string
	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		order = append(order, payload.(string))
		return true, "ok"
	})

	m.Enqueue(types.CommandActivateLevel, types.PriorityLow, "low")
	m.Enqueue(types.CommandActivateLevel, types.PriorityCritical, "critical")
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "normal")

	for i := 0; i < 3; i++ {
		m.ProcessNext()
	}

	if len(order) != 3 || order[0] != "critical" || order[1] != "normal" || order[2] != "low" {
		t.Fatalf("expected critical,normal,low dispatch order, got %v", order)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())

	var order []string
	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		order = append(order, payload.(string))
		return true, "ok"
	})

	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "first")
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "second")
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "third")

	m.ProcessNext()
	m.ProcessNext()
	m.ProcessNext()

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("expected FIFO order within priority, got %v", order)
	}
}

func TestMissingHandlerFails(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())
	m.Enqueue(types.CommandDeactivateLevel, types.PriorityNormal, nil)
	m.ProcessNext()

	hist := m.History()
	if len(hist) != 1 || hist[0].Status != types.CommandFailed {
		t.Fatalf("expected a FAILED command with no handler, got %+v", hist)
	}
}

func TestRetryThenFail(t *testing.T) {
	cfg := executionmgr.DefaultConfig()
	cfg.MaxAttempts = 2
	m := executionmgr.New(zap.NewNop(), cfg)

	attempts := 0
	m.RegisterHandler(types.CommandModifyLevel, func(payload interface{}) (bool, string) {
		attempts++
		return false, "simulated failure"
	})

	m.Enqueue(types.CommandModifyLevel, types.PriorityNormal, nil)

	// First attempt fails and is requeued (attempt 1 < max 2).
	m.ProcessNext()
	if m.QueueLength() != 1 {
		t.Fatalf("expected command requeued after first failure, queue length %d", m.QueueLength())
	}

	// Second attempt fails and exhausts attempts.
	m.ProcessNext()
	if m.QueueLength() != 0 {
		t.Fatal("expected queue empty after exhausting attempts")
	}
	if attempts != 2 {
		t.Fatalf("expected handler invoked twice, got %d", attempts)
	}

	hist := m.History()
	if len(hist) != 1 || hist[0].Status != types.CommandFailed || hist[0].Attempt != 2 {
		t.Fatalf("expected one FAILED record with attempt=2, got %+v", hist)
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())

	attempts := 0
	m.RegisterHandler(types.CommandModifyLevel, func(payload interface{}) (bool, string) {
		attempts++
		if attempts < 2 {
			return false, "not yet"
		}
		return true, "ok"
	})

	m.Enqueue(types.CommandModifyLevel, types.PriorityNormal, nil)
	m.ProcessNext()
	m.ProcessNext()

	hist := m.History()
	if len(hist) != 1 || hist[0].Status != types.CommandCompleted {
		t.Fatalf("expected COMPLETED after a successful retry, got %+v", hist)
	}
}

func TestQueueFullEvictsLowPriority(t *testing.T) {
	cfg := executionmgr.DefaultConfig()
	cfg.QueueCapacity = 2
	m := executionmgr.New(zap.NewNop(), cfg)

	m.Enqueue(types.CommandActivateLevel, types.PriorityLow, "evict-me")
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "keep")

	id, err := m.Enqueue(types.CommandActivateLevel, types.PriorityHigh, "new")
	if err != nil {
		t.Fatalf("expected eviction to make room, got error: %v", err)
	}
	if id == "" {
		t.Fatal("expected a command id on successful enqueue")
	}
	if m.QueueLength() != 2 {
		t.Fatalf("expected queue length to stay at capacity 2, got %d", m.QueueLength())
	}
}

func TestQueueFullRejectsWithoutLowPriority(t *testing.T) {
	cfg := executionmgr.DefaultConfig()
	cfg.QueueCapacity = 1
	m := executionmgr.New(zap.NewNop(), cfg)

	m.Enqueue(types.CommandActivateLevel, types.PriorityCritical, "first")
	_, err := m.Enqueue(types.CommandActivateLevel, types.PriorityCritical, "second")
	if err == nil {
		t.Fatal("expected enqueue to fail with no LOW priority command to evict")
	}
}

func TestEmergencyModeOnlyPopsEmergencyStop(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())

	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		return true, "ok"
	})
	m.RegisterHandler(types.CommandEmergencyStop, func(payload interface{}) (bool, string) {
		return true, "stopped"
	})

	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "normal")
	m.EnqueueEmergency("halt")

	if !m.IsEmergencyMode() {
		t.Fatal("expected emergency mode to be active after EnqueueEmergency")
	}

	// Only the EMERGENCY_STOP command should be popped while in emergency mode.
	processed := m.ProcessNext()
	if !processed {
		t.Fatal("expected the emergency command to be processed")
	}

	hist := m.History()
	if len(hist) != 1 || hist[0].Type != types.CommandEmergencyStop {
		t.Fatalf("expected only the emergency command to have been dispatched, got %+v", hist)
	}

	// Emergency mode clears once the EMERGENCY_STOP command finishes.
	if m.IsEmergencyMode() {
		t.Fatal("expected emergency mode to clear after the emergency command completes")
	}

	if processed2 := m.ProcessNext(); !processed2 {
		t.Fatal("expected the normal command to process once emergency mode cleared")
	}
}

func TestClearNonCriticalDropsLowerPriority(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())
	m.Enqueue(types.CommandActivateLevel, types.PriorityLow, "l")
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, "n")
	m.Enqueue(types.CommandActivateLevel, types.PriorityCritical, "c")

	dropped := m.ClearNonCritical()
	if dropped != 2 {
		t.Fatalf("expected 2 non-critical commands dropped, got %d", dropped)
	}
	if m.QueueLength() != 1 {
		t.Fatalf("expected 1 command remaining, got %d", m.QueueLength())
	}
}

func TestPauseBlocksDispatch(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())
	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		return true, "ok"
	})
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, nil)
	m.Pause()

	if processed := m.ProcessNext(); processed {
		t.Fatal("expected paused manager to not process any command")
	}

	m.Resume()
	if processed := m.ProcessNext(); !processed {
		t.Fatal("expected resumed manager to process the queued command")
	}
}

func TestStatsTrackCompletionCounts(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())
	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		return true, "ok"
	})
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, nil)
	m.ProcessNext()

	stats := m.GetStats()
	if stats.TotalCompleted != 1 {
		t.Fatalf("expected 1 completed command, got %d", stats.TotalCompleted)
	}
	if stats.CommandsPerMinute != 1 {
		t.Fatalf("expected commands-per-minute of 1 within the sliding window, got %f", stats.CommandsPerMinute)
	}
}

func TestPanickingHandlerRecordsFailure(t *testing.T) {
	m := executionmgr.New(zap.NewNop(), executionmgr.DefaultConfig())
	m.RegisterHandler(types.CommandActivateLevel, func(payload interface{}) (bool, string) {
		panic("boom")
	})
	m.Enqueue(types.CommandActivateLevel, types.PriorityNormal, nil)
	m.ProcessNext()

	hist := m.History()
	if len(hist) != 1 || hist[0].Status != types.CommandFailed {
		t.Fatalf("expected a FAILED record after a handler panic, got %+v", hist)
	}
}
