package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/levelpool"
	"github.com/gridtrader/ki-controller/internal/risk"
	"github.com/gridtrader/ki-controller/internal/types"
)

// runCycle is one full reevaluation pass: steps 1-10 of spec.md section
// 4.12. It never holds the Controller's own mutex across a broker call.
func (c *Controller) runCycle(ctx context.Context) {
	// 1. Heartbeat.
	c.deps.Watchdog.ReceiveHeartbeat()

	c.mu.Lock()
	paused := c.paused
	mode := c.mode
	c.mu.Unlock()

	if paused || mode == ModeOff {
		return
	}

	now := time.Now()

	// 2. Market hours.
	timeSnap := c.deps.Time.Snapshot(now)
	marketOpen := c.config.IgnoreTradingHours ||
		(timeSnap.Phase != types.PhasePreMarket && timeSnap.Phase != types.PhaseAfterHours)
	if !marketOpen {
		c.mu.Lock()
		c.lastCycleAt = now
		c.cycleCount++
		c.mu.Unlock()
		return
	}

	for _, symbol := range c.config.Symbols {
		c.refreshMarketData(ctx, symbol)
		c.analyzeSymbol(symbol, timeSnap, now)
		c.decideSymbol(ctx, symbol, mode, timeSnap, now)
	}

	c.checkRisk(ctx, now)
	c.drainRiskEvents()
	c.expireAlerts(now)
	c.handleOrphans(ctx, now)

	c.mu.Lock()
	c.lastCycleAt = now
	c.cycleCount++
	needsPersist := now.Sub(c.lastPersist) >= c.config.PersistInterval
	c.mu.Unlock()

	if needsPersist {
		c.persist()
	}
}

// refreshMarketData pulls the latest quote for a symbol and pushes it
// into the analysis stack (step 3).
func (c *Controller) refreshMarketData(ctx context.Context, symbol string) {
	data, ok, err := c.deps.Broker.MarketDataFor(ctx, symbol)
	if err != nil {
		c.logger.Warn("market data fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	c.mu.Lock()
	state, exists := c.marketStates[symbol]
	if !exists {
		state = &MarketState{Symbol: symbol}
		c.marketStates[symbol] = state
	}
	if !ok {
		state.Stale = time.Since(state.UpdatedAt) > c.config.StaleDataThreshold
		c.mu.Unlock()
		return
	}

	prevPrice := state.Price
	state.PrevPrice = prevPrice
	state.Price = data.Price
	state.Bid = data.Bid
	state.Ask = data.Ask
	state.Volume = data.Volume
	state.High = data.High
	state.Low = data.Low
	state.UpdatedAt = data.Timestamp
	state.Stale = time.Since(data.Timestamp) > c.config.StaleDataThreshold
	c.mu.Unlock()

	c.deps.Volatility.AppendTick(symbol, data.Price, data.Timestamp)

	priceChangePct := 0.0
	if !prevPrice.IsZero() {
		priceChangePct, _ = data.Price.Sub(prevPrice).Div(prevPrice).Mul(decimal.NewFromInt(100)).Float64()
	}
	volumeF, _ := data.Volume.Float64()
	c.deps.Volume.Append(symbol, volumeF, priceChangePct, data.Timestamp)
}

// analyzeSymbol reads the analysis stack's snapshots, detects regime
// changes, builds a fingerprint and samples a situation record (step 4).
func (c *Controller) analyzeSymbol(symbol string, timeSnap types.TimeSnapshot, now time.Time) {
	c.mu.Lock()
	state, ok := c.marketStates[symbol]
	c.mu.Unlock()
	if !ok {
		return
	}
	if state.Stale {
		c.logger.Debug("skipping analysis", zap.Error(&StaleDataError{Symbol: symbol, Age: time.Since(state.UpdatedAt).String()}))
		return
	}

	volSnap, haveVol := c.deps.Volatility.Snapshot(symbol)
	volumeSnap, haveVolume := c.deps.Volume.Snapshot(symbol)
	if !haveVol || !haveVolume {
		return
	}

	c.deps.Time.UpdateSymbolStats(symbol, volSnap.ATRShortPct, volSnap.AvgRangePct)

	c.mu.Lock()
	if state.LastRegime != "" && state.LastRegime != volSnap.Regime {
		c.logger.Info("volatility regime changed",
			zap.String("symbol", symbol),
			zap.String("from", string(state.LastRegime)),
			zap.String("to", string(volSnap.Regime)))
	}
	state.LastRegime = volSnap.Regime
	sample := now.Sub(state.LastSituationAt) >= 60*time.Second
	if sample {
		state.LastSituationAt = now
	}
	c.mu.Unlock()

	fingerprint := buildFingerprint(symbol, volSnap, volumeSnap, timeSnap, now)

	c.mu.Lock()
	state.LastFingerprint = fingerprint
	c.mu.Unlock()

	c.deps.Pattern.FindSimilar(fingerprint)

	if sample {
		c.deps.Pattern.Record(fingerprint, nil)
	}
}

// buildFingerprint constructs the SituationFingerprint (spec.md section 3)
// shared by analyzeSymbol's pattern recording and decideSymbol's scoring
// query, so both see the same characterization of the current situation.
func buildFingerprint(symbol string, volSnap types.VolatilitySnapshot, volumeSnap types.VolumeSnapshot, timeSnap types.TimeSnapshot, now time.Time) types.SituationFingerprint {
	fingerprint := types.SituationFingerprint{
		Timestamp:          now,
		Symbol:             symbol,
		ATRPct:             volSnap.ATRShortPct,
		VolatilityRegime:   volSnap.Regime,
		VolumeRatio:        volumeSnap.Ratio,
		VolumeCondition:    volumeSnap.Condition,
		ShortTrendPct:      volSnap.PriceChange5mPct,
		MediumTrendPct:     volSnap.PriceChange15mPct,
		Phase:              timeSnap.Phase,
		MinutesSinceOpen:   timeSnap.MinutesSinceOpen,
		LastCandleBodyPct:  0,
		LastCandleRangePct: volSnap.AvgRangePct,
	}
	if timeSnap.MinutesSinceOpen > 0 && timeSnap.MinutesUntilClose > 0 {
		total := timeSnap.MinutesSinceOpen + timeSnap.MinutesUntilClose
		if total > 0 {
			fingerprint.PricePositionInDayRange = 100 * timeSnap.MinutesSinceOpen / total
		}
	}
	return fingerprint
}

// decideSymbol scores the pool, optimizes the active set and turns the
// diff into Decisions, gated by the anti-overtrading rules (step 5).
func (c *Controller) decideSymbol(ctx context.Context, symbol string, mode Mode, timeSnap types.TimeSnapshot, now time.Time) {
	c.mu.Lock()
	state, ok := c.marketStates[symbol]
	c.mu.Unlock()
	if !ok || state.Price.IsZero() {
		return
	}
	if state.Stale {
		c.logger.Debug("skipping decision", zap.Error(&StaleDataError{Symbol: symbol, Age: time.Since(state.UpdatedAt).String()}))
		return
	}

	c.mu.Lock()
	changesThisHour := state.pruneChanges(now)
	sinceLastChange := now.Sub(state.LastChangeAt)
	c.mu.Unlock()

	if changesThisHour >= c.config.Decision.MaxChangesPerHour {
		return
	}
	if !state.LastChangeAt.IsZero() && sinceLastChange < c.config.Decision.MinLevelHoldTime {
		return
	}

	volSnap, _ := c.deps.Volatility.Snapshot(symbol)
	volumeSnap, _ := c.deps.Volume.Snapshot(symbol)

	c.mu.Lock()
	fingerprint := state.LastFingerprint
	c.mu.Unlock()
	if fingerprint.Symbol == "" {
		fingerprint = buildFingerprint(symbol, volSnap, volumeSnap, timeSnap, now)
	}
	patternResult := c.deps.Pattern.FindSimilar(fingerprint)

	marketCtx := types.MarketContext{
		Symbol:        symbol,
		CurrentPrice:  state.Price,
		Timestamp:     now,
		Volatility:    volSnap,
		Volume:        volumeSnap,
		Time:          timeSnap,
		HasPattern:    patternResult.MatchCount > 0,
		PatternResult: patternResult,
	}

	c.deps.Predictor.Predict(marketCtx)

	candidates := c.deps.Pool.Available(levelpool.Filter{Symbol: symbol})
	scored := make([]types.ScoredLevel, 0, len(candidates))
	for _, level := range candidates {
		scored = append(scored, c.deps.Scorer.Score(level, marketCtx, now))
	}

	active, err := c.deps.Broker.ActiveLevels(ctx)
	if err != nil {
		c.logger.Warn("active levels fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	activeBySymbol := make(map[types.LevelID]types.ActiveLevelRecord)
	var activeIDs []types.LevelID
	for _, rec := range active {
		if rec.Symbol != symbol {
			continue
		}
		activeBySymbol[rec.ID] = rec
		activeIDs = append(activeIDs, rec.ID)
	}

	result := c.deps.Optimizer.Optimize(scored, activeIDs, c.config.OptimizerStrategy, state.Price)

	selected := make(map[types.LevelID]types.ScoredLevel)
	for _, sl := range result.Selected {
		selected[sl.Level.ID] = sl
	}

	var changed bool
	for id, sl := range selected {
		if _, already := activeBySymbol[id]; already {
			continue
		}
		c.recordDecision(Decision{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			LevelID:   id,
			Type:      types.CommandActivateLevel,
			Priority:  types.PriorityNormal,
			Reason:    "selected by optimizer",
			Score:     sl.Total,
			CreatedAt: now,
		}, mode)
		changed = true
	}

	for id, rec := range activeBySymbol {
		if _, stillSelected := selected[id]; stillSelected {
			continue
		}
		if now.Sub(rec.ActivatedAt) < c.config.Decision.MinLevelHoldTime {
			continue
		}
		c.recordDecision(Decision{
			ID:        uuid.NewString(),
			Symbol:    symbol,
			LevelID:   id,
			Type:      types.CommandDeactivateLevel,
			Priority:  types.PriorityHigh,
			Reason:    "dropped by optimizer",
			CreatedAt: now,
		}, mode)
		changed = true
	}

	if changed {
		c.mu.Lock()
		state.LastChangeAt = now
		state.ChangeTimestamps = append(state.ChangeTimestamps, now)
		c.mu.Unlock()
	}
}

// recordDecision appends a Decision to the bounded history and dispatches
// it per the current mode (step 6).
func (c *Controller) recordDecision(d Decision, mode Mode) {
	switch mode {
	case ModeAutonomous:
		if err := c.enqueueDecision(d); err != nil {
			d.Status = DecisionRejected
			c.logger.Warn("decision dispatch failed", zap.Error(err), zap.String("decisionId", d.ID))
		} else {
			d.Status = DecisionDispatched
		}
	case ModeAlert:
		if c.config.Alerts.requiresConfirm(d.Type) {
			d.Status = DecisionPendingAlert
			c.mu.Lock()
			c.pendingAlerts[d.ID] = &PendingAlert{
				ID:        d.ID,
				Decision:  d,
				CreatedAt: d.CreatedAt,
				Deadline:  d.CreatedAt.Add(c.config.Alerts.ConfirmationTimeout),
				Status:    AlertPending,
			}
			c.mu.Unlock()
		} else if err := c.enqueueDecision(d); err != nil {
			d.Status = DecisionRejected
			c.logger.Warn("decision dispatch failed", zap.Error(err), zap.String("decisionId", d.ID))
		} else {
			d.Status = DecisionDispatched
		}
	default:
		d.Status = DecisionGateSuppressed
	}

	c.mu.Lock()
	c.decisions = append(c.decisions, d)
	if len(c.decisions) > c.config.DecisionHistorySize {
		c.decisions = c.decisions[len(c.decisions)-c.config.DecisionHistorySize:]
	}
	c.mu.Unlock()
}

// checkRisk gathers current exposure from the broker and feeds it to the
// Risk Manager (step 7).
func (c *Controller) checkRisk(ctx context.Context, now time.Time) {
	account, err := c.deps.Broker.AccountInfo(ctx)
	if err != nil {
		c.logger.Warn("account info fetch failed", zap.Error(err))
		return
	}
	positions, err := c.deps.Broker.OpenPositions(ctx)
	if err != nil {
		c.logger.Warn("open positions fetch failed", zap.Error(err))
		return
	}

	var unrealized decimal.Decimal
	exposures := make([]risk.PositionExposure, 0, len(positions))
	for _, p := range positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
		exposures = append(exposures, risk.PositionExposure{
			Symbol: p.Symbol,
			Side:   p.Side,
			Size:   p.Quantity,
			Price:  p.CurrentPrice,
		})
	}

	active, _ := c.deps.Broker.ActiveLevels(ctx)

	snapshot := c.deps.Risk.CheckRisks(account.DayPnL, unrealized, exposures, len(active))

	c.mu.Lock()
	c.lastRisk = snapshot
	c.mu.Unlock()

	if snapshot.RiskLevel == types.RiskEmergency {
		c.triggerEmergencyStop(ctx, "risk manager reported EMERGENCY risk level")
	}
}

// drainRiskEvents consumes pending risk advisory events non-blockingly and
// acts on hard limit breaches.
func (c *Controller) drainRiskEvents() {
	for {
		select {
		case ev := <-c.deps.Risk.Events():
			if ev.Action == types.ActionEmergencyStop {
				c.triggerEmergencyStop(context.Background(), ev.Message)
			}
			if ev.Action == types.ActionStopNewTrades || ev.Action == types.ActionCloseAll {
				c.logger.Warn("risk advisory action",
					zap.String("action", string(ev.Action)),
					zap.Error(&LimitBreachError{Limit: string(ev.Limit), Message: ev.Message}))
			}
		default:
			return
		}
	}
}

// expireAlerts marks pending alerts past their confirmation deadline as
// expired (step 8).
func (c *Controller) expireAlerts(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, alert := range c.pendingAlerts {
		if alert.Status == AlertPending && now.After(alert.Deadline) {
			alert.Status = AlertExpired
			delete(c.pendingAlerts, id)
		}
	}
}

// handleOrphans updates tracked prices for orphaned positions and
// auto-closes any that have cleared the minimum profit threshold (step 9).
func (c *Controller) handleOrphans(ctx context.Context, now time.Time) {
	orphans, err := c.deps.Broker.OrphanPositions(ctx)
	if err != nil {
		c.logger.Warn("orphan positions fetch failed", zap.Error(err))
		return
	}
	if len(orphans) == 0 {
		return
	}

	c.mu.Lock()
	prices := make(map[string]decimal.Decimal, len(c.marketStates))
	for sym, s := range c.marketStates {
		prices[sym] = s.Price
	}
	c.mu.Unlock()

	if err := c.deps.Broker.UpdateOrphanPrices(ctx, prices); err != nil {
		c.logger.Warn("orphan price update failed", zap.Error(err))
	}

	orphans, err = c.deps.Broker.OrphanPositions(ctx)
	if err != nil {
		return
	}
	for _, o := range orphans {
		if !broker.ShouldCloseOrphan(o, c.config.MinProfitPerShare) {
			continue
		}
		if _, err := c.deps.Execution.Enqueue(types.CommandClosePosition, types.PriorityHigh, closeOrphanPayload{ID: o.ID}); err != nil {
			c.logger.Warn("failed to enqueue orphan close", zap.String("orphanId", o.ID), zap.Error(err))
		}
	}
}
