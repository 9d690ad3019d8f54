package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/types"
)

// commandTimeout is the default execution command deadline named in
// spec.md section 5.
const commandTimeout = 30 * time.Second

type activatePayload struct {
	Level     types.Level
	BasePrice decimal.Decimal
}

type levelIDPayload struct {
	ID types.LevelID
}

type closePositionPayload struct {
	Symbol    string
	Qty       decimal.Decimal
	OrderType broker.CloseOrderType
}

type closeOrphanPayload struct {
	ID string
}

type emergencyPayload struct {
	Reason string
}

// registerHandlers binds every CommandType the Controller issues to a
// handler that bridges the Execution Manager's queue to the broker.
func (c *Controller) registerHandlers() {
	c.deps.Execution.RegisterHandler(types.CommandActivateLevel, c.handleActivate)
	c.deps.Execution.RegisterHandler(types.CommandDeactivateLevel, c.handleDeactivate)
	c.deps.Execution.RegisterHandler(types.CommandStopTrade, c.handleStopTrade)
	c.deps.Execution.RegisterHandler(types.CommandClosePosition, c.handleClosePosition)
	c.deps.Execution.RegisterHandler(types.CommandEmergencyStop, c.handleEmergencyStop)
}

func (c *Controller) handleActivate(payload interface{}) (bool, string) {
	p, ok := payload.(activatePayload)
	if !ok {
		return false, "invalid payload for ACTIVATE_LEVEL"
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := c.deps.Broker.ActivateLevel(ctx, broker.LevelActivation{Level: p.Level, BasePrice: p.BasePrice}); err != nil {
		// The level was never marked activated in the pool, so it is
		// already back in the AVAILABLE set; nothing further to restore.
		return false, (&TransientBrokerError{Op: "ACTIVATE_LEVEL", Err: err}).Error()
	}
	if err := c.deps.Pool.MarkActivated(p.Level.ID, p.Level.Stats.LastScore, p.BasePrice, p.Level.EntryPrice, p.Level.ExitPrice, p.Level.GuardianPrice, time.Now()); err != nil {
		c.logger.Warn("activated in broker but pool state update failed", zap.Error(err), zap.Any("levelId", p.Level.ID))
	}
	return true, "activated"
}

func (c *Controller) handleDeactivate(payload interface{}) (bool, string) {
	p, ok := payload.(levelIDPayload)
	if !ok {
		return false, "invalid payload for DEACTIVATE_LEVEL"
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := c.deps.Broker.DeactivateLevel(ctx, p.ID); err != nil {
		return false, (&TransientBrokerError{Op: "DEACTIVATE_LEVEL", Err: err}).Error()
	}
	if err := c.deps.Pool.MarkDeactivated(p.ID, true, time.Now()); err != nil {
		c.logger.Warn("deactivated in broker but pool state update failed", zap.Error(err), zap.Any("levelId", p.ID))
	}
	return true, "deactivated"
}

func (c *Controller) handleStopTrade(payload interface{}) (bool, string) {
	p, ok := payload.(levelIDPayload)
	if !ok {
		return false, "invalid payload for STOP_TRADE"
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := c.deps.Broker.StopTrade(ctx, p.ID); err != nil {
		return false, fmt.Sprintf("stop trade rejected: %v", err)
	}
	return true, "stopped"
}

func (c *Controller) handleClosePosition(payload interface{}) (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch p := payload.(type) {
	case closePositionPayload:
		if err := c.deps.Broker.ClosePosition(ctx, p.Symbol, p.Qty, p.OrderType); err != nil {
			return false, fmt.Sprintf("close position rejected: %v", err)
		}
		return true, "closed"
	case closeOrphanPayload:
		if err := c.deps.Broker.CloseOrphan(ctx, p.ID); err != nil {
			return false, fmt.Sprintf("close orphan rejected: %v", err)
		}
		return true, "orphan closed"
	default:
		return false, "invalid payload for CLOSE_POSITION"
	}
}

func (c *Controller) handleEmergencyStop(payload interface{}) (bool, string) {
	p, _ := payload.(emergencyPayload)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := c.deps.Broker.EmergencyStop(ctx); err != nil {
		return false, fmt.Sprintf("emergency stop rejected: %v", err)
	}
	c.logger.Error("emergency stop executed", zap.String("reason", p.Reason))
	return true, "emergency stop executed"
}

// enqueueDecision dispatches a confirmed/direct decision into the
// Execution Manager, converting it into the right command payload.
func (c *Controller) enqueueDecision(d Decision) error {
	var payload interface{}
	switch d.Type {
	case types.CommandActivateLevel:
		level, ok := c.deps.Pool.Get(d.LevelID)
		if !ok {
			return fmt.Errorf("level %+v no longer in pool", d.LevelID)
		}
		c.mu.Lock()
		state, haveState := c.marketStates[level.Symbol]
		c.mu.Unlock()
		if !haveState || state.Price.IsZero() {
			return fmt.Errorf("no current price for %s, cannot activate level", level.Symbol)
		}
		level = level.ComputeActivationPrices(state.Price)
		payload = activatePayload{Level: level, BasePrice: level.BasePrice}
	case types.CommandDeactivateLevel, types.CommandStopTrade:
		payload = levelIDPayload{ID: d.LevelID}
	default:
		return fmt.Errorf("unsupported decision type %s", d.Type)
	}

	_, err := c.deps.Execution.Enqueue(d.Type, d.Priority, payload)
	return err
}

// triggerEmergencyStop enqueues an EMERGENCY_STOP command (bypassing the
// normal queue), clears all non-critical queued work and sets the Risk
// Manager's own emergency flag so dashboards agree on why.
func (c *Controller) triggerEmergencyStop(ctx context.Context, reason string) {
	c.deps.Risk.TriggerEmergency(reason)
	c.deps.Execution.EnqueueEmergency(emergencyPayload{Reason: reason})
	dropped := c.deps.Execution.ClearNonCritical()
	c.logger.Error("emergency stop triggered", zap.String("reason", reason), zap.Int("droppedCommands", dropped))
}
