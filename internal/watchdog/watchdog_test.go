// Package watchdog_test provides tests for the Watchdog.
package watchdog_test

import (
	"context"
	"testing"
	"time"

	"github.com/gridtrader/ki-controller/internal/watchdog"
	"go.uber.org/zap"
)

func testConfig() watchdog.Config {
	return watchdog.Config{
		HeartbeatInterval:   10 * time.Millisecond,
		HeartbeatTimeout:    30 * time.Millisecond,
		HealthCheckInterval: 10 * time.Millisecond,
		MaxRecoveryAttempts: 2,
		HealthCheckTimeout:  20 * time.Millisecond,
	}
}

func TestStartEntersMonitoring(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	if w.Status() != watchdog.StatusMonitoring {
		t.Fatalf("expected MONITORING after start, got %s", w.Status())
	}
}

func TestReceiveHeartbeatKeepsMonitoring(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.ReceiveHeartbeat()
		time.Sleep(5 * time.Millisecond)
	}

	if w.Status() != watchdog.StatusMonitoring {
		t.Fatalf("expected MONITORING with steady heartbeats, got %s", w.Status())
	}
}

func TestMissedHeartbeatsEscalateToWarning(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	// Never send another heartbeat; once its age passes the timeout, each
	// check tick counts one miss: WARNING at the 2nd miss, recovery at the 3rd.
	time.Sleep(70 * time.Millisecond)
	status := w.Status()
	if status != watchdog.StatusWarning && status != watchdog.StatusAlert && status != watchdog.StatusTriggered {
		t.Fatalf("expected escalation past MONITORING, got %s", status)
	}
}

func TestRecoverySuccessRestoresMonitoring(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	w.OnRecoveryNeeded(func(ctx context.Context) bool {
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	// Let several heartbeat-check ticks pass with no ReceiveHeartbeat call,
	// enough to trigger at least one recovery attempt.
	time.Sleep(150 * time.Millisecond)

	status := w.Status()
	if status == watchdog.StatusTriggered {
		t.Fatalf("expected recovery to prevent TRIGGERED, got %s", status)
	}
}

func TestExhaustedRecoveryTriggersEmergency(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	var emergencyReason string
	w.OnRecoveryNeeded(func(ctx context.Context) bool {
		return false
	})
	w.OnEmergency(func(reason string) {
		emergencyReason = reason
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if w.Status() == watchdog.StatusTriggered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if w.Status() != watchdog.StatusTriggered {
		t.Fatalf("expected TRIGGERED after exhausting recovery attempts, got %s", w.Status())
	}
	if emergencyReason == "" {
		t.Fatal("expected a non-empty emergency reason")
	}
}

func TestResetClearsTriggered(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	w.OnRecoveryNeeded(func(ctx context.Context) bool { return false })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if w.Status() == watchdog.StatusTriggered {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if w.Status() != watchdog.StatusTriggered {
		t.Fatal("expected watchdog to reach TRIGGERED before testing reset")
	}

	w.Reset()
	if w.Status() != watchdog.StatusMonitoring {
		t.Fatalf("expected MONITORING after reset, got %s", w.Status())
	}
}

func TestFailedHealthCheckDowngradesToWarning(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	w.RegisterHealthCheck("always-fails", func(ctx context.Context) watchdog.HealthResult {
		return watchdog.HealthFailed
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	defer w.Stop()

	// Keep heartbeats alive so only the health check can cause escalation.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		w.ReceiveHeartbeat()
		time.Sleep(5 * time.Millisecond)
	}

	if w.Status() != watchdog.StatusWarning {
		t.Fatalf("expected WARNING from a failed health check, got %s", w.Status())
	}
}

func TestStopReturnsToInactive(t *testing.T) {
	w := watchdog.New(zap.NewNop(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	w.Stop()

	if w.Status() != watchdog.StatusInactive {
		t.Fatalf("expected INACTIVE after stop, got %s", w.Status())
	}
}
