// Package broker defines the inbound dependency the Controller consumes
// for market data and trade/level lifecycle, plus a paper-trading
// implementation of that port.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gridtrader/ki-controller/internal/types"
)

// MarketData is a cached-recent read of a symbol's current state.
type MarketData struct {
	Symbol    string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Timestamp time.Time
}

// Timeframe identifies a historical bar resolution.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// CloseOrderType distinguishes market vs. limit closes.
type CloseOrderType string

const (
	CloseMarket CloseOrderType = "MARKET"
	CloseLimit  CloseOrderType = "LIMIT"
)

// OpenPosition is a live position the broker is carrying for a symbol.
type OpenPosition struct {
	Symbol        string
	Side          types.Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LevelID       *types.LevelID
	OpenedAt      time.Time
}

// PendingOrder is a broker-side order not yet filled or cancelled.
type PendingOrder struct {
	ID        string
	Symbol    string
	Side      types.Side
	Type      CloseOrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	LevelID   *types.LevelID
	CreatedAt time.Time
}

// Orphan is a position left open after its owning level was deactivated.
type Orphan struct {
	ID           string
	Symbol       string
	Side         types.Side
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	Reason       string
	CreatedAt    time.Time
}

// ProfitPerShare returns the signed per-share profit of the orphan at its
// current tracked price.
func (o Orphan) ProfitPerShare() decimal.Decimal {
	if o.Side == types.SideLong {
		return o.CurrentPrice.Sub(o.EntryPrice)
	}
	return o.EntryPrice.Sub(o.CurrentPrice)
}

// Account summarizes broker-reported account state.
type Account struct {
	BuyingPower decimal.Decimal
	Cash        decimal.Decimal
	TotalValue  decimal.Decimal
	DayPnL      decimal.Decimal
}

// LevelActivation carries what the broker needs to place an entry order
// for a level being armed.
type LevelActivation struct {
	Level     types.Level
	BasePrice decimal.Decimal
}

// Broker is the inbound dependency the Controller consumes for market
// data and trade/level lifecycle. A concrete exchange client is out of
// scope (spec Non-goal); this repo ships only the port and a paper
// adapter that satisfies it end to end.
type Broker interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Disconnect() error

	MarketDataFor(ctx context.Context, symbol string) (*MarketData, bool, error)
	HistoricalBars(ctx context.Context, symbol string, days int, timeframe Timeframe) ([]types.Candle, error)

	AllAvailableLevels(ctx context.Context) (map[types.LevelID]types.Level, error)
	LevelsForSymbol(ctx context.Context, symbol string) (map[types.LevelID]types.Level, error)

	ActivateLevel(ctx context.Context, activation LevelActivation) error
	DeactivateLevel(ctx context.Context, id types.LevelID) error
	ActiveLevels(ctx context.Context) ([]types.ActiveLevelRecord, error)

	StopTrade(ctx context.Context, id types.LevelID) error
	ClosePosition(ctx context.Context, symbol string, qty decimal.Decimal, orderType CloseOrderType) error
	OpenPositions(ctx context.Context) ([]OpenPosition, error)
	PendingOrders(ctx context.Context) ([]PendingOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	EmergencyStop(ctx context.Context) error

	OrphanPositions(ctx context.Context) ([]Orphan, error)
	CloseOrphan(ctx context.Context, id string) error
	DeactivateLevelKeepPosition(ctx context.Context, id types.LevelID, reason string) error
	ShouldCloseOrphan(orphan Orphan, minProfitPerShare decimal.Decimal) bool
	UpdateOrphanPrices(ctx context.Context, prices map[string]decimal.Decimal) error

	AccountInfo(ctx context.Context) (Account, error)
}

// ShouldCloseOrphan is the default orphan auto-close rule shared by every
// Broker implementation: close once profit per share clears the
// configured minimum.
func ShouldCloseOrphan(orphan Orphan, minProfitPerShare decimal.Decimal) bool {
	return orphan.ProfitPerShare().GreaterThanOrEqual(minProfitPerShare)
}
