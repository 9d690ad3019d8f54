package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketContext is the per-symbol, per-cycle snapshot the Controller
// assembles from the analysis stack and hands to the Scorer, Optimizer
// and Predictor. It is a value: none of its fields are live references
// into a component's rolling buffers.
type MarketContext struct {
	Symbol       string
	CurrentPrice decimal.Decimal
	Timestamp    time.Time

	Volatility VolatilitySnapshot
	Volume     VolumeSnapshot
	Time       TimeSnapshot

	HasPattern      bool
	PatternResult   PatternMatchResult
}

// PatternMatchResult is the aggregated output of a Pattern Matcher query.
type PatternMatchResult struct {
	MatchCount        int
	ExpectedChange5m  float64
	ExpectedChange15m float64
	ExpectedChange30m float64
	ProbUp            float64
	ExpectedMaxUp     float64
	ExpectedMaxDown   float64
	DominantPattern   Pattern
	Confidence        float64
}

// ScoreCategory names one of the eight weighted scoring categories.
type ScoreCategory string

const (
	CategoryPriceProximity  ScoreCategory = "price_proximity"
	CategoryVolatilityFit   ScoreCategory = "volatility_fit"
	CategoryProfitPotential ScoreCategory = "profit_potential"
	CategoryRiskReward      ScoreCategory = "risk_reward"
	CategoryPatternMatch    ScoreCategory = "pattern_match"
	CategoryTimeSuitability ScoreCategory = "time_suitability"
	CategoryVolumeContext   ScoreCategory = "volume_context"
	CategoryTrendAlignment  ScoreCategory = "trend_alignment"
)

// ScoreBreakdown is the per-category raw score and weight contribution.
type ScoreBreakdown struct {
	Category ScoreCategory
	Raw      decimal.Decimal
	Weight   decimal.Decimal
}

// Contribution returns raw * weight.
func (b ScoreBreakdown) Contribution() decimal.Decimal {
	return b.Raw.Mul(b.Weight)
}

// ScoredLevel is a Level scored against a MarketContext.
type ScoredLevel struct {
	Level *Level

	Total       decimal.Decimal
	Breakdown   []ScoreBreakdown
	DistancePct decimal.Decimal
	ProfitPct   decimal.Decimal

	Recommended      bool
	RejectionReasons []string

	ScoredAt time.Time
}

// RiskLevel is the Risk Manager's aggregate assessment.
type RiskLevel string

const (
	RiskNormal    RiskLevel = "NORMAL"
	RiskElevated  RiskLevel = "ELEVATED"
	RiskWarning   RiskLevel = "WARNING"
	RiskCritical  RiskLevel = "CRITICAL"
	RiskEmergency RiskLevel = "EMERGENCY"
)

// LimitName identifies a configured risk limit.
type LimitName string

const (
	LimitDailyLoss      LimitName = "DAILY_LOSS"
	LimitTotalExposure  LimitName = "TOTAL_EXPOSURE"
	LimitSymbolExposure LimitName = "SYMBOL_EXPOSURE"
	LimitPositionCount  LimitName = "POSITION_COUNT"
	LimitLevelCount     LimitName = "LEVEL_COUNT"
	LimitDrawdown       LimitName = "DRAWDOWN"
)

// LimitAction is the advisory action attached to a breached/warned limit.
type LimitAction string

const (
	ActionLogOnly         LimitAction = "LOG_ONLY"
	ActionReduceActivity  LimitAction = "REDUCE_ACTIVITY"
	ActionStopNewTrades   LimitAction = "STOP_NEW_TRADES"
	ActionCloseLosers     LimitAction = "CLOSE_LOSERS"
	ActionCloseAll        LimitAction = "CLOSE_ALL"
	ActionEmergencyStop   LimitAction = "EMERGENCY_STOP"
)

// RiskSnapshot is the Risk Manager's point-in-time assessment.
type RiskSnapshot struct {
	Timestamp time.Time
	RiskLevel RiskLevel

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalPnL      decimal.Decimal
	DailyLoss     decimal.Decimal

	LongExposure  decimal.Decimal
	ShortExposure decimal.Decimal
	TotalExposure decimal.Decimal
	NetExposure   decimal.Decimal

	PositionCount    int
	ActiveLevelCount int

	BreachedLimits []LimitName
	ActiveWarnings []LimitName

	PeakPnL          decimal.Decimal
	CurrentDrawdown  decimal.Decimal
	MaxDrawdownToday decimal.Decimal
}

// CommandType identifies the kind of work a Pending Command requests.
type CommandType string

const (
	CommandActivateLevel   CommandType = "ACTIVATE_LEVEL"
	CommandDeactivateLevel CommandType = "DEACTIVATE_LEVEL"
	CommandStopTrade       CommandType = "STOP_TRADE"
	CommandClosePosition   CommandType = "CLOSE_POSITION"
	CommandModifyLevel     CommandType = "MODIFY_LEVEL"
	CommandEmergencyStop   CommandType = "EMERGENCY_STOP"
)

// CommandPriority orders commands in the execution queue.
type CommandPriority int

const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p CommandPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// CommandStatus tracks a Pending Command's lifecycle.
type CommandStatus string

const (
	CommandQueued    CommandStatus = "QUEUED"
	CommandExecuting CommandStatus = "EXECUTING"
	CommandRetrying  CommandStatus = "RETRYING"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandFailed    CommandStatus = "FAILED"
)

// PredictionDirection buckets a fused signal into a directional call.
type PredictionDirection string

const (
	DirectionStrongUp   PredictionDirection = "STRONG_UP"
	DirectionUp         PredictionDirection = "UP"
	DirectionNeutral    PredictionDirection = "NEUTRAL"
	DirectionDown       PredictionDirection = "DOWN"
	DirectionStrongDown PredictionDirection = "STRONG_DOWN"
)

// SuggestedAction is the Predictor's summary recommendation.
type SuggestedAction string

const (
	ActionBuy  SuggestedAction = "BUY"
	ActionSell SuggestedAction = "SELL"
	ActionHold SuggestedAction = "HOLD"
)

// HorizonPrediction is a single-horizon directional prediction.
type HorizonPrediction struct {
	HorizonMinutes int
	Direction      PredictionDirection
	ExpectedChange float64
	Confidence     float64
	RangeLow       float64
	RangeHigh      float64

	PatternSignal  float64
	MomentumSignal float64
	VolumeSignal   float64
	TimeSignal     float64
}

// PredictionSummary fuses all horizons into one recommendation.
type PredictionSummary struct {
	Horizons        []HorizonPrediction
	DominantDirection PredictionDirection
	AvgConfidence     float64
	SuggestedAction   SuggestedAction
}
