package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridtrader/ki-controller/internal/types"

	"go.uber.org/zap"
)

// PaperConfig configures the paper-trading broker.
type PaperConfig struct {
	Slippage        decimal.Decimal
	Commission      decimal.Decimal
	FillProbability float64
	InitialCash     decimal.Decimal
}

// DefaultPaperConfig returns sensible defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Slippage:        decimal.NewFromFloat(0.0005),
		Commission:      decimal.NewFromFloat(0.0004),
		FillProbability: 0.97,
		InitialCash:     decimal.NewFromInt(100000),
	}
}

// Paper is a simulation adapter satisfying Broker: it fills entry/exit
// orders immediately against the last known price, applying slippage and
// commission, with no connection to any real exchange. An entry is
// rejected at random with probability 1 - FillProbability.
type Paper struct {
	logger *zap.Logger
	config PaperConfig
	rng    *rand.Rand

	mu            sync.RWMutex
	connected     bool
	prices        map[string]MarketData
	catalog       map[types.LevelID]types.Level
	activeLevels  map[types.LevelID]*types.ActiveLevelRecord
	positions     map[types.LevelID]*OpenPosition
	orphans       map[string]*Orphan
	pendingOrders map[string]*PendingOrder
	cash          decimal.Decimal
	dayPnL        decimal.Decimal
}

var _ Broker = (*Paper)(nil)

// NewPaper creates a paper-trading broker.
func NewPaper(logger *zap.Logger, config PaperConfig) *Paper {
	return &Paper{
		logger:        logger.Named("broker-paper"),
		config:        config,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:        make(map[string]MarketData),
		catalog:       make(map[types.LevelID]types.Level),
		activeLevels:  make(map[types.LevelID]*types.ActiveLevelRecord),
		positions:     make(map[types.LevelID]*OpenPosition),
		orphans:       make(map[string]*Orphan),
		pendingOrders: make(map[string]*PendingOrder),
		cash:          config.InitialCash,
	}
}

// SeedCatalog loads the level catalog this adapter will report through
// AllAvailableLevels/LevelsForSymbol.
func (p *Paper) SeedCatalog(levels map[types.LevelID]types.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, lvl := range levels {
		p.catalog[id] = lvl
	}
}

// SetPrice feeds the adapter's last-known price for a symbol, driving
// fills and mark-to-market on open positions.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal, bid, ask, volume, high, low decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = MarketData{
		Symbol:    symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		High:      high,
		Low:       low,
		Timestamp: time.Now(),
	}
	for _, pos := range p.positions {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
			pos.UnrealizedPnL = p.unrealizedPnL(pos)
		}
	}
	for _, o := range p.orphans {
		if o.Symbol == symbol {
			o.CurrentPrice = price
		}
	}
}

func (p *Paper) unrealizedPnL(pos *OpenPosition) decimal.Decimal {
	if pos.Side == types.SideLong {
		return pos.CurrentPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	}
	return pos.EntryPrice.Sub(pos.CurrentPrice).Mul(pos.Quantity)
}

// IsConnected reports the adapter's connection state.
func (p *Paper) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Connect marks the adapter connected. There is nothing to dial.
func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect marks the adapter disconnected.
func (p *Paper) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// MarketDataFor returns the last price fed via SetPrice, if any.
func (p *Paper) MarketDataFor(ctx context.Context, symbol string) (*MarketData, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	md, ok := p.prices[symbol]
	if !ok {
		return nil, false, nil
	}
	out := md
	return &out, true, nil
}

// HistoricalBars is unsupported by the paper adapter: bar history is the
// caller's responsibility to seed into the analysis components directly.
func (p *Paper) HistoricalBars(ctx context.Context, symbol string, days int, timeframe Timeframe) ([]types.Candle, error) {
	return nil, fmt.Errorf("paper broker: historical bars not available, symbol=%s", symbol)
}

// AllAvailableLevels returns the seeded catalog.
func (p *Paper) AllAvailableLevels(ctx context.Context) (map[types.LevelID]types.Level, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.LevelID]types.Level, len(p.catalog))
	for id, lvl := range p.catalog {
		out[id] = lvl
	}
	return out, nil
}

// LevelsForSymbol filters the catalog by symbol.
func (p *Paper) LevelsForSymbol(ctx context.Context, symbol string) (map[types.LevelID]types.Level, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.LevelID]types.Level)
	for id, lvl := range p.catalog {
		if lvl.Symbol == symbol {
			out[id] = lvl
		}
	}
	return out, nil
}

// ActivateLevel places a simulated entry order, filling it immediately
// against the last known price with slippage and commission applied. The
// entry is rejected with an error at random with probability
// 1 - PaperConfig.FillProbability.
func (p *Paper) ActivateLevel(ctx context.Context, activation LevelActivation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lvl := activation.Level
	md, ok := p.prices[lvl.Symbol]
	if !ok {
		return fmt.Errorf("no market data for %s, cannot activate level", lvl.Symbol)
	}

	if p.rng.Float64() > p.config.FillProbability {
		return fmt.Errorf("simulated entry rejected for %s", lvl.Symbol)
	}

	fillPrice := p.applySlippage(md.Price, lvl.ID.Side)
	commission := fillPrice.Mul(decimal.NewFromInt(lvl.Shares)).Mul(p.config.Commission)
	p.cash = p.cash.Sub(commission)

	p.activeLevels[lvl.ID] = &types.ActiveLevelRecord{
		ID:                lvl.ID,
		Symbol:            lvl.Symbol,
		Side:              lvl.ID.Side,
		Shares:            lvl.Shares,
		EntryPrice:        fillPrice,
		ExitPrice:         lvl.ExitPrice,
		ActivatedAt:       time.Now(),
		IsActive:          true,
		HasEntryOrder:     false,
		EntryFilled:       true,
		PositionQty:       decimal.NewFromInt(lvl.Shares),
		ScoreAtActivation: lvl.Stats.LastScore,
	}

	p.positions[lvl.ID] = &OpenPosition{
		Symbol:       lvl.Symbol,
		Side:         lvl.ID.Side,
		Quantity:     decimal.NewFromInt(lvl.Shares),
		EntryPrice:   fillPrice,
		CurrentPrice: md.Price,
		LevelID:      &lvl.ID,
		OpenedAt:     time.Now(),
	}

	p.logger.Info("paper entry filled",
		zap.String("symbol", lvl.Symbol),
		zap.String("side", string(lvl.ID.Side)),
		zap.String("fillPrice", fillPrice.String()))

	return nil
}

func (p *Paper) applySlippage(price decimal.Decimal, side types.Side) decimal.Decimal {
	if side == types.SideLong {
		return price.Mul(decimal.NewFromInt(1).Add(p.config.Slippage))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(p.config.Slippage))
}

// DeactivateLevel closes the tracked position for a level, if any, at the
// current simulated price with slippage and commission applied.
// DeactivateLevelKeepPosition is the separate call that leaves the
// position open as an orphan.
func (p *Paper) DeactivateLevel(ctx context.Context, id types.LevelID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.activeLevels[id]
	if !ok {
		return fmt.Errorf("no active level %+v", id)
	}

	pos, hasPos := p.positions[id]
	if hasPos {
		md := p.prices[rec.Symbol]
		fillPrice := p.applySlippage(md.Price, rec.Side.Opposite())
		commission := fillPrice.Mul(pos.Quantity).Mul(p.config.Commission)
		pnl := p.unrealizedPnL(pos)
		p.cash = p.cash.Add(pnl).Sub(commission)
		p.dayPnL = p.dayPnL.Add(pnl).Sub(commission)
		delete(p.positions, id)
	}

	delete(p.activeLevels, id)
	return nil
}

// ActiveLevels returns the adapter's own view of armed levels.
func (p *Paper) ActiveLevels(ctx context.Context) ([]types.ActiveLevelRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.ActiveLevelRecord, 0, len(p.activeLevels))
	for _, rec := range p.activeLevels {
		out = append(out, *rec)
	}
	return out, nil
}

// StopTrade cancels any pending order associated with a level without
// touching an already-filled position.
func (p *Paper) StopTrade(ctx context.Context, id types.LevelID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for orderID, order := range p.pendingOrders {
		if order.LevelID != nil && *order.LevelID == id {
			delete(p.pendingOrders, orderID)
		}
	}
	return nil
}

// ClosePosition closes out quantity of a symbol's aggregate position at
// the current simulated price.
func (p *Paper) ClosePosition(ctx context.Context, symbol string, qty decimal.Decimal, orderType CloseOrderType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	md, ok := p.prices[symbol]
	if !ok {
		return fmt.Errorf("no market data for %s", symbol)
	}

	remaining := qty
	for id, pos := range p.positions {
		if pos.Symbol != symbol || remaining.LessThanOrEqual(decimal.Zero) {
			continue
		}
		closeQty := decimal.Min(remaining, pos.Quantity)
		fillPrice := p.applySlippage(md.Price, pos.Side.Opposite())
		commission := fillPrice.Mul(closeQty).Mul(p.config.Commission)

		var pnl decimal.Decimal
		if pos.Side == types.SideLong {
			pnl = fillPrice.Sub(pos.EntryPrice).Mul(closeQty)
		} else {
			pnl = pos.EntryPrice.Sub(fillPrice).Mul(closeQty)
		}
		p.cash = p.cash.Add(pnl).Sub(commission)
		p.dayPnL = p.dayPnL.Add(pnl).Sub(commission)

		pos.Quantity = pos.Quantity.Sub(closeQty)
		remaining = remaining.Sub(closeQty)
		if pos.Quantity.LessThanOrEqual(decimal.Zero) {
			delete(p.positions, id)
		}
	}

	return nil
}

// OpenPositions returns a snapshot of all tracked positions.
func (p *Paper) OpenPositions(ctx context.Context) ([]OpenPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OpenPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// PendingOrders returns a snapshot of pending orders. The paper adapter
// fills entries synchronously, so this is typically empty.
func (p *Paper) PendingOrders(ctx context.Context) ([]PendingOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingOrder, 0, len(p.pendingOrders))
	for _, o := range p.pendingOrders {
		out = append(out, *o)
	}
	return out, nil
}

// CancelOrder removes a pending order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pendingOrders, orderID)
	return nil
}

// CancelAllOrders removes all pending orders, optionally scoped to a symbol.
func (p *Paper) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.pendingOrders {
		if symbol == "" || o.Symbol == symbol {
			delete(p.pendingOrders, id)
		}
	}
	return nil
}

// EmergencyStop cancels every pending order and clears tracked state that
// would otherwise keep generating activity; it does not force-close
// positions, matching the real broker's typical emergency semantics
// (stop new activity, leave existing fills for a human/Controller to
// wind down deliberately).
func (p *Paper) EmergencyStop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingOrders = make(map[string]*PendingOrder)
	p.logger.Error("paper broker emergency stop: all pending orders cleared")
	return nil
}

// OrphanPositions returns tracked orphans.
func (p *Paper) OrphanPositions(ctx context.Context) ([]Orphan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Orphan, 0, len(p.orphans))
	for _, o := range p.orphans {
		out = append(out, *o)
	}
	return out, nil
}

// CloseOrphan closes an orphan position at the current simulated price.
func (p *Paper) CloseOrphan(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orphans[id]
	if !ok {
		return fmt.Errorf("orphan %s not found", id)
	}

	commission := o.CurrentPrice.Mul(o.Quantity).Mul(p.config.Commission)
	pnl := o.ProfitPerShare().Mul(o.Quantity)
	p.cash = p.cash.Add(pnl).Sub(commission)
	p.dayPnL = p.dayPnL.Add(pnl).Sub(commission)

	delete(p.orphans, id)
	return nil
}

// DeactivateLevelKeepPosition deactivates a level but keeps its filled
// position open as a tracked orphan.
func (p *Paper) DeactivateLevelKeepPosition(ctx context.Context, id types.LevelID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.activeLevels[id]; !ok {
		return fmt.Errorf("no active level %+v", id)
	}

	pos, hasPos := p.positions[id]
	if hasPos {
		orphanID := uuid.NewString()
		p.orphans[orphanID] = &Orphan{
			ID:           orphanID,
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			Quantity:     pos.Quantity,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: pos.CurrentPrice,
			Reason:       reason,
			CreatedAt:    time.Now(),
		}
		delete(p.positions, id)
	}

	delete(p.activeLevels, id)
	return nil
}

// ShouldCloseOrphan applies the shared default rule.
func (p *Paper) ShouldCloseOrphan(orphan Orphan, minProfitPerShare decimal.Decimal) bool {
	return ShouldCloseOrphan(orphan, minProfitPerShare)
}

// UpdateOrphanPrices marks-to-market every tracked orphan.
func (p *Paper) UpdateOrphanPrices(ctx context.Context, prices map[string]decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orphans {
		if price, ok := prices[o.Symbol]; ok {
			o.CurrentPrice = price
		}
	}
	return nil
}

// AccountInfo reports the adapter's simulated cash/equity state.
func (p *Paper) AccountInfo(ctx context.Context) (Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	totalValue := p.cash
	for _, pos := range p.positions {
		totalValue = totalValue.Add(p.unrealizedPnL(pos))
	}

	return Account{
		BuyingPower: p.cash,
		Cash:        p.cash,
		TotalValue:  totalValue,
		DayPnL:      p.dayPnL,
	}, nil
}
