// Package risk tracks running exposure/PnL counters, compares them
// against soft/hard limits, and owns the one-shot emergency flag.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/gridtrader/ki-controller/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config configures the Risk Manager.
type Config struct {
	MaxDailyLoss         decimal.Decimal `json:"maxDailyLoss"`
	MaxTotalExposure     decimal.Decimal `json:"maxTotalExposure"`
	MaxExposurePerSymbol decimal.Decimal `json:"maxExposurePerSymbol"`
	MaxOpenPositions     int             `json:"maxOpenPositions"`
	MaxActiveLevels      int             `json:"maxActiveLevels"`
	MaxDrawdown          decimal.Decimal `json:"maxDrawdown"`

	SoftLimitThreshold decimal.Decimal `json:"softLimitThreshold"`

	SuddenDropThreshold decimal.Decimal `json:"suddenDropThreshold"`
	PriceWindowSize     int             `json:"priceWindowSize"`

	ViolationHistorySize int
	EventHistorySize     int
	EventChannelSize     int
}

// DefaultConfig returns the named defaults from the risk_limits section.
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:         decimal.NewFromInt(500),
		MaxOpenPositions:     2000,
		MaxExposurePerSymbol: decimal.NewFromInt(10000),
		// No separate "total exposure" default is named upstream; a book
		// aggregated across several symbols is sized as a multiple of the
		// per-symbol cap rather than invented out of nothing.
		MaxTotalExposure:     decimal.NewFromInt(50000),
		MaxActiveLevels:      20,
		MaxDrawdown:          decimal.NewFromInt(1000),
		SoftLimitThreshold:   decimal.NewFromFloat(0.8),
		SuddenDropThreshold:  decimal.NewFromFloat(5.0),
		PriceWindowSize:      60,
		ViolationHistorySize: 500,
		EventHistorySize:     500,
		EventChannelSize:     64,
	}
}

// Violation records one breach or warning against a limit.
type Violation struct {
	Limit     types.LimitName
	Hard      bool
	Value     decimal.Decimal
	Threshold decimal.Decimal
	Message   string
	Timestamp time.Time
}

// Event is an advisory event the Controller consumes to decide how to act.
type Event struct {
	Type      string
	Limit     types.LimitName
	Action    types.LimitAction
	Message   string
	Timestamp time.Time
}

type symbolPriceWindow struct {
	prices []decimal.Decimal
}

// Manager is the Risk Manager (C10).
type Manager struct {
	logger *zap.Logger
	config Config

	mu sync.RWMutex

	peakPnL          decimal.Decimal
	maxDrawdownToday decimal.Decimal

	violations []Violation
	events     chan Event
	eventLog   []Event

	emergencyActive bool
	emergencyReason string

	priceWindows map[string]*symbolPriceWindow
}

// New creates a Risk Manager.
func New(logger *zap.Logger, config Config) *Manager {
	return &Manager{
		logger:       logger.Named("risk"),
		config:       config,
		events:       make(chan Event, config.EventChannelSize),
		priceWindows: make(map[string]*symbolPriceWindow),
	}
}

// Events returns the channel of advisory risk events.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) sendEvent(event Event) {
	m.eventLog = append(m.eventLog, event)
	if len(m.eventLog) > m.config.EventHistorySize {
		m.eventLog = m.eventLog[len(m.eventLog)-m.config.EventHistorySize:]
	}
	select {
	case m.events <- event:
	default:
		m.logger.Warn("risk event channel full, dropping event", zap.String("type", event.Type))
	}
}

// PositionExposure is one open position's signed notional, keyed by symbol.
type PositionExposure struct {
	Symbol string
	Side   types.Side
	Size   decimal.Decimal
	Price  decimal.Decimal
}

func (p PositionExposure) notional() decimal.Decimal {
	return p.Size.Mul(p.Price).Abs()
}

// CheckRisks computes the current snapshot, updates drawdown bookkeeping
// and records any soft/hard limit crossings as events.
func (m *Manager) CheckRisks(realizedPnL, unrealizedPnL decimal.Decimal, positions []PositionExposure, activeLevelCount int) types.RiskSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var longExposure, shortExposure decimal.Decimal
	bySymbol := make(map[string]decimal.Decimal)
	for _, p := range positions {
		n := p.notional()
		bySymbol[p.Symbol] = bySymbol[p.Symbol].Add(n)
		if p.Side == types.SideLong {
			longExposure = longExposure.Add(n)
		} else {
			shortExposure = shortExposure.Add(n)
		}
	}
	totalExposure := longExposure.Add(shortExposure)
	netExposure := longExposure.Sub(shortExposure)
	totalPnL := realizedPnL.Add(unrealizedPnL)

	if totalPnL.GreaterThan(m.peakPnL) {
		m.peakPnL = totalPnL
	}
	drawdown := m.peakPnL.Sub(totalPnL)
	if drawdown.LessThan(decimal.Zero) {
		drawdown = decimal.Zero
	}
	if drawdown.GreaterThan(m.maxDrawdownToday) {
		m.maxDrawdownToday = drawdown
	}

	now := time.Now()
	var breached, warnings []types.LimitName

	checkLimit := func(name types.LimitName, value decimal.Decimal, hardLimit decimal.Decimal, action types.LimitAction) {
		if hardLimit.LessThanOrEqual(decimal.Zero) {
			return
		}
		soft := hardLimit.Mul(m.config.SoftLimitThreshold)
		switch {
		case value.GreaterThanOrEqual(hardLimit):
			breached = append(breached, name)
			m.record(Violation{Limit: name, Hard: true, Value: value, Threshold: hardLimit, Message: fmt.Sprintf("%s breached hard limit", name), Timestamp: now})
			m.sendEvent(Event{Type: "breach", Limit: name, Action: action, Message: fmt.Sprintf("%s at %s exceeds hard limit %s", name, value, hardLimit), Timestamp: now})
		case value.GreaterThanOrEqual(soft):
			warnings = append(warnings, name)
			m.record(Violation{Limit: name, Hard: false, Value: value, Threshold: soft, Message: fmt.Sprintf("%s breached soft limit", name), Timestamp: now})
			m.sendEvent(Event{Type: "warning", Limit: name, Action: types.ActionLogOnly, Message: fmt.Sprintf("%s at %s exceeds soft limit %s", name, value, soft), Timestamp: now})
		}
	}

	dailyLoss := realizedPnL.Add(unrealizedPnL)
	if dailyLoss.LessThan(decimal.Zero) {
		checkLimit(types.LimitDailyLoss, dailyLoss.Neg(), m.config.MaxDailyLoss, types.ActionStopNewTrades)
	}
	checkLimit(types.LimitTotalExposure, totalExposure, m.config.MaxTotalExposure, types.ActionReduceActivity)
	for symbol, exposure := range bySymbol {
		if exposure.GreaterThanOrEqual(m.config.MaxExposurePerSymbol) {
			breached = append(breached, types.LimitSymbolExposure)
			m.record(Violation{Limit: types.LimitSymbolExposure, Hard: true, Value: exposure, Threshold: m.config.MaxExposurePerSymbol, Message: fmt.Sprintf("symbol %s exposure breached hard limit", symbol), Timestamp: now})
			m.sendEvent(Event{Type: "breach", Limit: types.LimitSymbolExposure, Action: types.ActionCloseLosers, Message: fmt.Sprintf("%s exposure %s exceeds %s", symbol, exposure, m.config.MaxExposurePerSymbol), Timestamp: now})
		}
	}
	checkLimit(types.LimitPositionCount, decimal.NewFromInt(int64(len(positions))), decimal.NewFromInt(int64(m.config.MaxOpenPositions)), types.ActionStopNewTrades)
	checkLimit(types.LimitLevelCount, decimal.NewFromInt(int64(activeLevelCount)), decimal.NewFromInt(int64(m.config.MaxActiveLevels)), types.ActionStopNewTrades)
	checkLimit(types.LimitDrawdown, drawdown, m.config.MaxDrawdown, types.ActionCloseAll)

	level := types.RiskNormal
	switch {
	case m.emergencyActive:
		level = types.RiskEmergency
	case len(breached) > 0:
		level = types.RiskCritical
	case len(warnings) >= 3:
		level = types.RiskWarning
	case len(warnings) > 0:
		level = types.RiskElevated
	}

	return types.RiskSnapshot{
		Timestamp:        now,
		RiskLevel:        level,
		RealizedPnL:      realizedPnL,
		UnrealizedPnL:    unrealizedPnL,
		TotalPnL:         totalPnL,
		DailyLoss:        dailyLoss,
		LongExposure:     longExposure,
		ShortExposure:    shortExposure,
		TotalExposure:    totalExposure,
		NetExposure:      netExposure,
		PositionCount:    len(positions),
		ActiveLevelCount: activeLevelCount,
		BreachedLimits:   breached,
		ActiveWarnings:   warnings,
		PeakPnL:          m.peakPnL,
		CurrentDrawdown:  drawdown,
		MaxDrawdownToday: m.maxDrawdownToday,
	}
}

func (m *Manager) record(v Violation) {
	m.violations = append(m.violations, v)
	if len(m.violations) > m.config.ViolationHistorySize {
		m.violations = m.violations[len(m.violations)-m.config.ViolationHistorySize:]
	}
}

// Violations returns the most recent recorded violations, newest last.
func (m *Manager) Violations(limit int) []Violation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.violations) {
		limit = len(m.violations)
	}
	return append([]Violation(nil), m.violations[len(m.violations)-limit:]...)
}

// CanOpenNewTrade reports whether a prospective trade should be allowed.
func (m *Manager) CanOpenNewTrade(symbol string, currentExposureBySymbol map[string]decimal.Decimal, totalExposure decimal.Decimal, riskLevel types.RiskLevel, prospectiveSize, entryPrice decimal.Decimal) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.emergencyActive {
		return false, "emergency stop is active"
	}
	if riskLevel == types.RiskCritical || riskLevel == types.RiskEmergency {
		return false, "risk level is " + string(riskLevel)
	}

	prospectiveNotional := prospectiveSize.Mul(entryPrice).Abs()
	existingSymbolExposure := currentExposureBySymbol[symbol]
	if existingSymbolExposure.Add(prospectiveNotional).GreaterThan(m.config.MaxExposurePerSymbol) {
		return false, "prospective trade would exceed per-symbol exposure limit"
	}
	if totalExposure.Add(prospectiveNotional).GreaterThan(m.config.MaxTotalExposure) {
		return false, "prospective trade would exceed total exposure limit"
	}
	return true, ""
}

// RecordPrice feeds the black-swan detector a new price observation for a
// symbol, triggering emergency if the window's total move exceeds the
// sudden-drop threshold.
func (m *Manager) RecordPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.priceWindows[symbol]
	if !ok {
		w = &symbolPriceWindow{}
		m.priceWindows[symbol] = w
	}
	w.prices = append(w.prices, price)
	if len(w.prices) > m.config.PriceWindowSize {
		w.prices = w.prices[len(w.prices)-m.config.PriceWindowSize:]
	}
	if len(w.prices) < 2 {
		return
	}

	oldest := w.prices[0]
	last := w.prices[len(w.prices)-1]
	if oldest.IsZero() {
		return
	}
	changePct := last.Sub(oldest).Abs().Div(oldest).Mul(decimal.NewFromInt(100))
	if changePct.GreaterThanOrEqual(m.config.SuddenDropThreshold) && !m.emergencyActive {
		reason := fmt.Sprintf("sudden move on %s: %s%% over %d samples", symbol, changePct.StringFixed(2), len(w.prices))
		m.triggerEmergencyLocked(reason)
	}
}

func (m *Manager) triggerEmergencyLocked(reason string) {
	m.emergencyActive = true
	m.emergencyReason = reason
	m.sendEvent(Event{Type: "emergency", Action: types.ActionEmergencyStop, Message: reason, Timestamp: time.Now()})
	m.logger.Error("emergency stop triggered", zap.String("reason", reason))
}

// TriggerEmergency sets the one-shot emergency flag explicitly (e.g. on
// manual operator command), independent of the black-swan detector.
func (m *Manager) TriggerEmergency(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emergencyActive {
		return
	}
	m.triggerEmergencyLocked(reason)
}

// IsEmergency reports whether the one-shot emergency flag is set, and why.
func (m *Manager) IsEmergency() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergencyActive, m.emergencyReason
}

// ResetEmergency clears the one-shot emergency flag. It must echo the
// original trigger reason, so a reset can't be issued blind.
func (m *Manager) ResetEmergency(confirmReason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.emergencyActive {
		return nil
	}
	if confirmReason != m.emergencyReason {
		return fmt.Errorf("confirmation reason does not match trigger reason")
	}
	m.emergencyActive = false
	m.emergencyReason = ""
	return nil
}

// ResetDaily clears the daily-scoped counters (peak PnL, max drawdown
// today). It does not clear the emergency flag.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peakPnL = decimal.Zero
	m.maxDrawdownToday = decimal.Zero
}
