// Package types provides the shared domain model for the grid controller:
// symbols, candles, levels and the lifecycle/statistics attached to them.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies a level's directional bias.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// LevelStatus is the lifecycle state of a Level in the pool.
type LevelStatus string

const (
	StatusAvailable  LevelStatus = "AVAILABLE"
	StatusActive     LevelStatus = "ACTIVE"
	StatusWaiting    LevelStatus = "WAITING"
	StatusInPosition LevelStatus = "IN_POSITION"
	StatusCooldown   LevelStatus = "COOLDOWN"
)

// LevelID is the structured identity of a Level: (scenario, level number, side).
// Kept as a struct rather than a concatenated string so scenario names
// containing separators can never collide or be mis-parsed.
type LevelID struct {
	ScenarioID string
	LevelNum   int
	Side       Side
}

// Candle is an immutable OHLCV bar. Derived quantities (Body, Range,
// RangePct) are computed on demand, never stored, so a Candle can never
// go stale relative to its own fields.
type Candle struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Body returns close - open.
func (c Candle) Body() decimal.Decimal { return c.Close.Sub(c.Open) }

// Range returns high - low.
func (c Candle) Range() decimal.Decimal { return c.High.Sub(c.Low) }

// RangePct returns range / open, or zero if open is zero.
func (c Candle) RangePct() decimal.Decimal {
	if c.Open.IsZero() {
		return decimal.Zero
	}
	return c.Range().Div(c.Open)
}

// BodyPct returns body / open, or zero if open is zero.
func (c Candle) BodyPct() decimal.Decimal {
	if c.Open.IsZero() {
		return decimal.Zero
	}
	return c.Body().Div(c.Open)
}

// Level is a canonical pool entry: a pre-defined entry/exit price pair,
// side and share size. It is the atomic unit of the grid strategy.
type Level struct {
	ID     LevelID
	Symbol string
	Shares int64

	// Percent distances relative to a base price, signed.
	EntryPct decimal.Decimal
	ExitPct  decimal.Decimal

	// GuardianPct is an optional protective stop, expressed the same way.
	GuardianPct *decimal.Decimal

	Tags map[string]struct{}

	Status       LevelStatus
	ActivatedAt  time.Time
	DeactivatedAt time.Time

	// Computed on activation.
	BasePrice     decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.Decimal
	GuardianPrice decimal.Decimal

	Stats LevelStats
}

// LevelStats is the running per-level performance record.
type LevelStats struct {
	ActivationCount int
	SuccessCount    int
	FailCount       int
	LastScore       decimal.Decimal
	AvgHoldTime     time.Duration
}

// SuccessRate returns the success ratio, and false if no outcome has
// been decided yet (success rate is undefined until then).
func (s LevelStats) SuccessRate() (decimal.Decimal, bool) {
	total := s.SuccessCount + s.FailCount
	if total == 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromInt(int64(s.SuccessCount)).Div(decimal.NewFromInt(int64(total))), true
}

// HasTag reports whether a tag is present.
func (l *Level) HasTag(tag string) bool {
	_, ok := l.Tags[tag]
	return ok
}

// AddTag adds a tag, creating the tag set if necessary.
func (l *Level) AddTag(tag string) {
	if l.Tags == nil {
		l.Tags = make(map[string]struct{})
	}
	l.Tags[tag] = struct{}{}
}

// StepPct returns the absolute distance between entry and zero (the grid
// "step size" for tagging/scoring purposes).
func (l *Level) StepPct() decimal.Decimal {
	return l.EntryPct.Abs()
}

// ComputeActivationPrices derives base_price/entry_price/exit_price/
// guardian_price from the level's signed percent distances against a
// base price (spec.md section 3: "Computed on activation"). It mutates
// a copy, never the pool's own record directly.
func (l Level) ComputeActivationPrices(basePrice decimal.Decimal) Level {
	one := decimal.NewFromInt(1)
	l.BasePrice = basePrice
	l.EntryPrice = basePrice.Mul(one.Add(l.EntryPct))
	l.ExitPrice = basePrice.Mul(one.Add(l.ExitPct))
	if l.GuardianPct != nil {
		l.GuardianPrice = basePrice.Mul(one.Add(*l.GuardianPct))
	}
	return l
}

// ActiveLevelRecord is the Controller's own view of an armed level: it
// holds only what the Controller needs plus the identity, and never a
// long-lived pointer into the Level Pool (spec.md section 9, Ownership).
type ActiveLevelRecord struct {
	ID       LevelID
	Symbol   string
	Side     Side
	Shares   int64

	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal

	ActivatedAt time.Time
	IsActive    bool

	HasEntryOrder bool
	HasExitOrder  bool
	EntryFilled   bool
	PositionQty   decimal.Decimal

	ScoreAtActivation decimal.Decimal
	ActivationReason  string

	// Orphan bookkeeping: set when the level is deactivated while its
	// position remains open.
	IsOrphan bool
}

// Scenario is a pre-computed grid template producing N levels for a
// symbol. It is an external input (the scenario generator is out of
// scope); the controller only consumes it via ImportFromScenarios.
type Scenario struct {
	ID     string
	Symbol string
	Levels []ScenarioLevel
}

// ScenarioLevel is a single level description inside a Scenario, before
// it has been assigned pool-level identity and tags.
type ScenarioLevel struct {
	LevelNum int
	Side     Side
	Shares   int64
	EntryPct decimal.Decimal
	ExitPct  decimal.Decimal
	GuardianPct *decimal.Decimal
	Tags     []string
}
