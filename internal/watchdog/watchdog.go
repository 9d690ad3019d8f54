// Package watchdog is a fail-safe layer over the Controller: it tracks
// heartbeats and registered health checks and escalates through a small
// state machine up to a terminal TRIGGERED state.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the Watchdog's own state.
type Status string

const (
	StatusInactive   Status = "INACTIVE"
	StatusMonitoring Status = "MONITORING"
	StatusWarning    Status = "WARNING"
	StatusAlert      Status = "ALERT"
	StatusTriggered  Status = "TRIGGERED"
)

// HealthResult is the outcome of a single registered health check.
type HealthResult string

const (
	HealthOK      HealthResult = "OK"
	HealthWarning HealthResult = "WARNING"
	HealthFailed  HealthResult = "FAILED"
)

// HealthCheckFunc is a registered health check closure.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Config configures the Watchdog.
type Config struct {
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	HealthCheckInterval time.Duration
	MaxRecoveryAttempts int
	HealthCheckTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   5 * time.Second,
		HeartbeatTimeout:    15 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxRecoveryAttempts: 3,
		HealthCheckTimeout:  5 * time.Second,
	}
}

type namedCheck struct {
	name string
	fn   HealthCheckFunc
}

// Watchdog is the Watchdog (C11).
type Watchdog struct {
	logger *zap.Logger
	config Config

	mu               sync.Mutex
	status           Status
	lastHeartbeat    time.Time
	missedHeartbeats int
	recoveryAttempts int
	healthChecks     []namedCheck

	onRecoveryNeeded func(ctx context.Context) bool
	onEmergency      func(reason string)

	stopChan chan struct{}
	running  bool
}

// New creates a Watchdog.
func New(logger *zap.Logger, config Config) *Watchdog {
	return &Watchdog{
		logger: logger.Named("watchdog"),
		config: config,
		status: StatusInactive,
	}
}

// OnRecoveryNeeded registers the recovery handler invoked after 3 missed
// heartbeats. It must return true on successful recovery.
func (w *Watchdog) OnRecoveryNeeded(fn func(ctx context.Context) bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onRecoveryNeeded = fn
}

// OnEmergency registers the handler invoked when recovery attempts are
// exhausted and the watchdog transitions to TRIGGERED.
func (w *Watchdog) OnEmergency(fn func(reason string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onEmergency = fn
}

// RegisterHealthCheck adds a named health check invoked on every health
// check tick.
func (w *Watchdog) RegisterHealthCheck(name string, fn HealthCheckFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.healthChecks = append(w.healthChecks, namedCheck{name: name, fn: fn})
}

// ReceiveHeartbeat records a heartbeat from the monitored Controller.
func (w *Watchdog) ReceiveHeartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
	if w.status == StatusWarning {
		w.status = StatusMonitoring
		w.missedHeartbeats = 0
		w.recoveryAttempts = 0
	}
}

// Status returns the current watchdog state.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Start begins the heartbeat and health-check tick loops.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.status = StatusMonitoring
	w.lastHeartbeat = time.Now()
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	go w.heartbeatLoop(ctx)
	go w.healthCheckLoop(ctx)
}

// Stop halts the watchdog's loops and returns it to INACTIVE.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	close(w.stopChan)
	w.status = StatusInactive
}

// Reset clears a TRIGGERED state back to MONITORING. It is a no-op in any
// other state.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusTriggered {
		return
	}
	w.status = StatusMonitoring
	w.missedHeartbeats = 0
	w.recoveryAttempts = 0
	w.lastHeartbeat = time.Now()
}

func (w *Watchdog) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.checkHeartbeat(ctx)
		}
	}
}

func (w *Watchdog) checkHeartbeat(ctx context.Context) {
	w.mu.Lock()
	if w.status == StatusTriggered || w.status == StatusInactive {
		w.mu.Unlock()
		return
	}

	age := time.Since(w.lastHeartbeat)
	if age <= w.config.HeartbeatTimeout {
		w.mu.Unlock()
		return
	}

	w.missedHeartbeats++
	missed := w.missedHeartbeats
	recoveryFn := w.onRecoveryNeeded
	emergencyFn := w.onEmergency

	switch {
	case missed >= 3:
		w.mu.Unlock()
		var recovered bool
		if recoveryFn != nil {
			recovered = recoveryFn(ctx)
		}
		w.mu.Lock()
		if recovered {
			w.status = StatusMonitoring
			w.missedHeartbeats = 0
			w.recoveryAttempts = 0
			w.mu.Unlock()
			return
		}
		w.recoveryAttempts++
		if w.recoveryAttempts >= w.config.MaxRecoveryAttempts {
			w.status = StatusTriggered
			reason := "heartbeat recovery attempts exhausted"
			w.mu.Unlock()
			if emergencyFn != nil {
				emergencyFn(reason)
			}
			return
		}
		w.status = StatusAlert
		w.mu.Unlock()
	case missed == 2:
		w.status = StatusWarning
		w.mu.Unlock()
	default:
		w.mu.Unlock()
	}
}

func (w *Watchdog) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.runHealthChecks(ctx)
		}
	}
}

func (w *Watchdog) runHealthChecks(ctx context.Context) {
	w.mu.Lock()
	checks := append([]namedCheck(nil), w.healthChecks...)
	timeout := w.config.HealthCheckTimeout
	w.mu.Unlock()

	anyFailed := false
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		result := c.fn(checkCtx)
		cancel()
		if result == HealthFailed {
			anyFailed = true
			w.logger.Warn("health check failed", zap.String("check", c.name))
		}
	}

	if anyFailed {
		w.mu.Lock()
		if w.status == StatusMonitoring {
			w.status = StatusWarning
		}
		w.mu.Unlock()
	}
}
