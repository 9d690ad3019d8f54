// Package controller is the Controller (C13): the single cooperative
// worker that ties the analysis stack, the decision stack and the
// execution/risk/watchdog layers together into one reevaluation cycle.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/executionmgr"
	"github.com/gridtrader/ki-controller/internal/levelpool"
	"github.com/gridtrader/ki-controller/internal/optimizer"
	"github.com/gridtrader/ki-controller/internal/pattern"
	"github.com/gridtrader/ki-controller/internal/predictor"
	"github.com/gridtrader/ki-controller/internal/risk"
	"github.com/gridtrader/ki-controller/internal/scoring"
	"github.com/gridtrader/ki-controller/internal/timeprofile"
	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/gridtrader/ki-controller/internal/volatility"
	"github.com/gridtrader/ki-controller/internal/volume"
	"github.com/gridtrader/ki-controller/internal/watchdog"
)

// Config configures the Controller.
type Config struct {
	Symbols []string

	DefaultMode          Mode
	ReevaluationInterval time.Duration
	PersistInterval      time.Duration
	StatePath            string

	IgnoreTradingHours bool
	IgnoreWeekends     bool

	StaleDataThreshold time.Duration
	MinProfitPerShare  decimal.Decimal

	OptimizerStrategy optimizer.Strategy

	Decision DecisionConfig
	Alerts   AlertConfig

	DecisionHistorySize int
}

// DefaultConfig returns sensible defaults, named after spec.md section 6's
// configuration surface.
func DefaultConfig() Config {
	return Config{
		DefaultMode:          ModeOff,
		ReevaluationInterval: 30 * time.Second,
		PersistInterval:      60 * time.Second,
		StatePath:            "controller_state.json",

		StaleDataThreshold: 2 * time.Minute,
		MinProfitPerShare:  decimal.NewFromFloat(0.01),

		OptimizerStrategy: optimizer.StrategyBalanced,

		Decision: DecisionConfig{
			MaxLevelsPerDecision:   10,
			MinLevelDistancePct:    decimal.NewFromFloat(0.1),
			LongShortRatioMin:      0.3,
			LongShortRatioMax:      0.7,
			MinLevelHoldTime:       60 * time.Second,
			MinCombinationHoldTime: 300 * time.Second,
			MaxChangesPerHour:      10,
			AssumedSlippagePct:     decimal.NewFromFloat(0.05),
			MinProfitMarginPct:     decimal.NewFromFloat(0.1),
		},

		Alerts: AlertConfig{
			ConfirmActivateLevel:   false,
			ConfirmDeactivateLevel: false,
			ConfirmStopTrade:       true,
			ConfirmClosePosition:   true,
			ConfirmEmergencyStop:   false,
			ConfirmationTimeout:    60 * time.Second,
		},

		DecisionHistorySize: 100,
	}
}

// Deps bundles every collaborator the Controller wires together. All
// fields are required; New panics if one is nil since a partially wired
// Controller cannot run a cycle.
type Deps struct {
	Broker     broker.Broker
	Volatility *volatility.Monitor
	Volume     *volume.Analyzer
	Time       *timeprofile.Profile
	Pattern    *pattern.Matcher
	Pool       *levelpool.Pool
	Scorer     *scoring.Scorer
	Optimizer  *optimizer.Optimizer
	Predictor  *predictor.Predictor
	Risk       *risk.Manager
	Watchdog   *watchdog.Watchdog
	Execution  *executionmgr.Manager
}

// Controller is the Controller (C13).
type Controller struct {
	logger *zap.Logger
	config Config
	deps   Deps

	mu          sync.Mutex
	mode        Mode
	running     bool
	paused      bool
	sessionID   string
	startedAt   time.Time
	lastCycleAt time.Time
	cycleCount  int64
	lastPersist time.Time

	marketStates  map[string]*MarketState
	decisions     []Decision
	pendingAlerts map[string]*PendingAlert
	lastRisk      types.RiskSnapshot

	stopChan chan struct{}
}

// New creates a Controller wired to every collaborator in deps, and
// registers the Execution Manager handlers that bridge queued commands to
// the broker.
func New(logger *zap.Logger, config Config, deps Deps) *Controller {
	mustDep(deps.Broker != nil, "broker")
	mustDep(deps.Volatility != nil, "volatility monitor")
	mustDep(deps.Volume != nil, "volume analyzer")
	mustDep(deps.Time != nil, "time profile")
	mustDep(deps.Pattern != nil, "pattern matcher")
	mustDep(deps.Pool != nil, "level pool")
	mustDep(deps.Scorer != nil, "scorer")
	mustDep(deps.Optimizer != nil, "optimizer")
	mustDep(deps.Predictor != nil, "predictor")
	mustDep(deps.Risk != nil, "risk manager")
	mustDep(deps.Watchdog != nil, "watchdog")
	mustDep(deps.Execution != nil, "execution manager")

	c := &Controller{
		logger:        logger.Named("controller"),
		config:        config,
		deps:          deps,
		mode:          config.DefaultMode,
		marketStates:  make(map[string]*MarketState),
		pendingAlerts: make(map[string]*PendingAlert),
	}

	c.registerHandlers()
	deps.Watchdog.OnRecoveryNeeded(c.attemptBrokerRecovery)
	deps.Watchdog.OnEmergency(func(reason string) { c.triggerEmergencyStop(context.Background(), reason) })
	deps.Watchdog.RegisterHealthCheck("market-data-freshness", c.marketDataHealthCheck)

	return c
}

func mustDep(ok bool, name string) {
	if !ok {
		panic(fmt.Sprintf("controller: missing required dependency %q", name))
	}
}

// SetMode changes the operating mode. Switching away from AUTONOMOUS does
// not cancel in-flight commands; switching to OFF only stops new cycles
// from doing work, it does not stop the worker itself.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Start begins the periodic reevaluation cycle and the watchdog.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("controller already running")
	}
	c.running = true
	c.paused = false
	c.sessionID = uuid.NewString()
	c.startedAt = time.Now()
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	if err := c.deps.Broker.Connect(ctx); err != nil {
		c.logger.Warn("broker connect failed at startup, continuing in degraded state", zap.Error(err))
	}

	c.deps.Watchdog.Start(ctx)
	go c.mainLoop(ctx)
	go c.executionLoop(ctx)

	c.logger.Info("controller started", zap.String("sessionId", c.sessionID), zap.String("mode", string(c.mode)))
	return nil
}

// Stop halts the cycle loop and the watchdog. In-flight execution
// commands run to completion; no new ones are popped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()

	c.deps.Watchdog.Stop()
	c.persist()
	c.logger.Info("controller stopped")
}

// Pause suspends new decision-making; the current cycle's in-flight work
// still completes. Checked cooperatively at the top of each tick.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume clears a Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// GetStatus returns a point-in-time readout.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:          c.mode,
		Running:       c.running,
		Paused:        c.paused,
		SessionID:     c.sessionID,
		StartedAt:     c.startedAt,
		LastCycleAt:   c.lastCycleAt,
		CycleCount:    c.cycleCount,
		WatchdogState: string(c.deps.Watchdog.Status()),
		QueueLength:   c.deps.Execution.QueueLength(),
		EmergencyMode: c.deps.Execution.IsEmergencyMode(),
		PendingAlerts: len(c.pendingAlerts),
	}
}

// Decisions returns a bounded, most-recent-last snapshot of the decision
// history.
func (c *Controller) Decisions() []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Decision, len(c.decisions))
	copy(out, c.decisions)
	return out
}

// RiskSnapshot returns the most recent risk readout computed during a
// cycle's risk check step.
func (c *Controller) RiskSnapshot() types.RiskSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRisk
}

// ActiveLevels returns the broker's current view of armed levels. The
// Controller holds no long-lived copy of its own (spec.md section 9,
// Ownership) — it is always read straight from the broker collaborator.
func (c *Controller) ActiveLevels(ctx context.Context) ([]types.ActiveLevelRecord, error) {
	return c.deps.Broker.ActiveLevels(ctx)
}

// PendingAlerts returns a snapshot of outstanding alerts.
func (c *Controller) PendingAlerts() []PendingAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingAlert, 0, len(c.pendingAlerts))
	for _, a := range c.pendingAlerts {
		out = append(out, *a)
	}
	return out
}

// ConfirmAlert marks a pending alert confirmed and dispatches its decision
// for execution.
func (c *Controller) ConfirmAlert(ctx context.Context, id string) error {
	c.mu.Lock()
	alert, ok := c.pendingAlerts[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no pending alert with id %s", id)
	}
	if alert.Status != AlertPending {
		c.mu.Unlock()
		return fmt.Errorf("alert %s is no longer pending (status %s)", id, alert.Status)
	}
	alert.Status = AlertConfirmed
	delete(c.pendingAlerts, id)
	decision := alert.Decision
	c.mu.Unlock()

	return c.enqueueDecision(decision)
}

// RejectAlert marks a pending alert rejected without dispatching it.
func (c *Controller) RejectAlert(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	alert, ok := c.pendingAlerts[id]
	if !ok {
		return fmt.Errorf("no pending alert with id %s", id)
	}
	alert.Status = AlertRejected
	delete(c.pendingAlerts, id)
	return nil
}

// EmergencyStop forces an immediate emergency stop, the same path the
// Watchdog and Risk Manager trigger automatically.
func (c *Controller) EmergencyStop(ctx context.Context, reason string) {
	c.triggerEmergencyStop(ctx, reason)
}

// ResetEmergency clears emergency mode given a confirm token that must
// echo the trigger reason (spec.md's Open Question resolution).
func (c *Controller) ResetEmergency(confirmReason string) error {
	if err := c.deps.Risk.ResetEmergency(confirmReason); err != nil {
		return err
	}
	c.deps.Execution.ExitEmergencyMode()
	c.deps.Watchdog.Reset()
	return nil
}

// RunCycleOnce runs a single reevaluation cycle synchronously, bypassing
// the reevaluation-interval ticker. Exposed for manual triggering and for
// deterministic tests.
func (c *Controller) RunCycleOnce(ctx context.Context) {
	c.runCycle(ctx)
}

func (c *Controller) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ReevaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// executionLoop is the "one execution worker draining the command queue"
// the concurrency model names: it pops and dispatches commands as fast as
// they arrive without the controller tick ever blocking on a broker call.
func (c *Controller) executionLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			for c.deps.Execution.ProcessNext() {
			}
		}
	}
}

func (c *Controller) attemptBrokerRecovery(ctx context.Context) bool {
	if c.deps.Broker.IsConnected() {
		return true
	}
	if err := c.deps.Broker.Connect(ctx); err != nil {
		c.logger.Warn("broker recovery attempt failed", zap.Error(err))
		return false
	}
	return true
}

func (c *Controller) marketDataHealthCheck(ctx context.Context) watchdog.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.marketStates {
		if s.Stale {
			return watchdog.HealthFailed
		}
	}
	if !c.deps.Broker.IsConnected() {
		return watchdog.HealthWarning
	}
	return watchdog.HealthOK
}

func (c *Controller) persist() {
	c.mu.Lock()
	snapshot := struct {
		Version     int
		SessionID   string
		Mode        Mode
		StartedAt   time.Time
		CycleCount  int64
		Decisions   []Decision
		SavedAt     time.Time
	}{
		Version:    1,
		SessionID:  c.sessionID,
		Mode:       c.mode,
		StartedAt:  c.startedAt,
		CycleCount: c.cycleCount,
		Decisions:  append([]Decision(nil), c.decisions...),
		SavedAt:    time.Now(),
	}
	c.lastPersist = snapshot.SavedAt
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		c.logger.Error("failed to marshal controller state", zap.Error(err))
		return
	}
	tmpPath := c.config.StatePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		c.logger.Error("failed to persist controller state", zap.Error(err), zap.String("path", tmpPath))
		return
	}
	if err := os.Rename(tmpPath, c.config.StatePath); err != nil {
		c.logger.Error("failed to persist controller state", zap.Error(err), zap.String("path", c.config.StatePath))
	}
}
