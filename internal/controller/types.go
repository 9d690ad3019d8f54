package controller

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrader/ki-controller/internal/types"
)

// Mode is the Controller's operating mode.
type Mode string

const (
	ModeOff        Mode = "OFF"
	ModeAlert      Mode = "ALERT"
	ModeAutonomous Mode = "AUTONOMOUS"
)

// DecisionStatus tracks what happened to a Decision after it was made.
type DecisionStatus string

const (
	DecisionDispatched    DecisionStatus = "DISPATCHED"
	DecisionPendingAlert  DecisionStatus = "PENDING_ALERT"
	DecisionRejected      DecisionStatus = "REJECTED"
	DecisionGateSuppressed DecisionStatus = "GATE_SUPPRESSED"
)

// Decision is a single ACTIVATE_LEVEL/DEACTIVATE_LEVEL/STOP_TRADE/
// CLOSE_POSITION call the Controller made during a cycle.
type Decision struct {
	ID        string
	Symbol    string
	LevelID   types.LevelID
	Type      types.CommandType
	Priority  types.CommandPriority
	Reason    string
	Score     decimal.Decimal
	CreatedAt time.Time
	Status    DecisionStatus
}

// AlertStatus is the lifecycle state of a PendingAlert.
type AlertStatus string

const (
	AlertPending   AlertStatus = "PENDING"
	AlertConfirmed AlertStatus = "CONFIRMED"
	AlertRejected  AlertStatus = "REJECTED"
	AlertExpired   AlertStatus = "EXPIRED"
)

// PendingAlert is a Decision awaiting operator confirmation in ALERT mode.
type PendingAlert struct {
	ID        string
	Decision  Decision
	CreatedAt time.Time
	Deadline  time.Time
	Status    AlertStatus
}

// MarketState is the Controller's own per-symbol working state, refreshed
// from the broker every cycle and fed into the analysis stack.
type MarketState struct {
	Symbol string

	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	UpdatedAt time.Time

	PrevPrice decimal.Decimal
	Stale     bool

	LastRegime      types.Regime
	LastSituationAt time.Time
	LastFingerprint types.SituationFingerprint

	LastChangeAt    time.Time
	ChangeTimestamps []time.Time
}

// pruneChanges drops change timestamps older than one hour, returning the
// count that survive (the hourly change-cap gate).
func (s *MarketState) pruneChanges(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(s.ChangeTimestamps) && s.ChangeTimestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.ChangeTimestamps = s.ChangeTimestamps[i:]
	}
	return len(s.ChangeTimestamps)
}

// Status is a point-in-time readout of the Controller for the status API.
type Status struct {
	Mode          Mode
	Running       bool
	Paused        bool
	SessionID     string
	StartedAt     time.Time
	LastCycleAt   time.Time
	CycleCount    int64
	WatchdogState string
	QueueLength   int
	EmergencyMode bool
	PendingAlerts int
}

// DecisionConfig bounds and gates per-cycle level selection.
type DecisionConfig struct {
	MaxLevelsPerDecision     int
	MinLevelDistancePct      decimal.Decimal
	LongShortRatioMin        float64
	LongShortRatioMax        float64
	MinLevelHoldTime         time.Duration
	MinCombinationHoldTime   time.Duration
	MaxChangesPerHour        int
	AssumedSlippagePct       decimal.Decimal
	MinProfitMarginPct       decimal.Decimal
}

// AlertConfig names which decision types require operator confirmation in
// ALERT mode, and how long a pending alert survives unconfirmed.
type AlertConfig struct {
	ConfirmActivateLevel   bool
	ConfirmDeactivateLevel bool
	ConfirmStopTrade       bool
	ConfirmClosePosition   bool
	ConfirmEmergencyStop   bool
	ConfirmationTimeout    time.Duration
}

// requiresConfirm reports whether a command type needs a PendingAlert in
// ALERT mode.
func (a AlertConfig) requiresConfirm(cmdType types.CommandType) bool {
	switch cmdType {
	case types.CommandActivateLevel:
		return a.ConfirmActivateLevel
	case types.CommandDeactivateLevel:
		return a.ConfirmDeactivateLevel
	case types.CommandStopTrade:
		return a.ConfirmStopTrade
	case types.CommandClosePosition:
		return a.ConfirmClosePosition
	case types.CommandEmergencyStop:
		return a.ConfirmEmergencyStop
	default:
		return false
	}
}
