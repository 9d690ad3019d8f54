// Package config loads the configuration surface named in spec.md section
// 6 from a human-readable YAML file via viper, applying a Default*Config
// builder per component and logging (never failing) invalid fields,
// mirroring the teacher's DefaultRiskConfig/DefaultAgentConfig/
// DefaultExecutorConfig pattern consolidated into one load path.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gridtrader/ki-controller/internal/broker"
	"github.com/gridtrader/ki-controller/internal/controller"
	"github.com/gridtrader/ki-controller/internal/executionmgr"
	"github.com/gridtrader/ki-controller/internal/levelpool"
	"github.com/gridtrader/ki-controller/internal/optimizer"
	"github.com/gridtrader/ki-controller/internal/pattern"
	"github.com/gridtrader/ki-controller/internal/predictor"
	"github.com/gridtrader/ki-controller/internal/risk"
	"github.com/gridtrader/ki-controller/internal/scoring"
	"github.com/gridtrader/ki-controller/internal/timeprofile"
	"github.com/gridtrader/ki-controller/internal/volatility"
	"github.com/gridtrader/ki-controller/internal/volume"
	"github.com/gridtrader/ki-controller/internal/watchdog"
)

// APIConfig configures the HTTP/WS status surface. Metrics are served on
// the same router at /metrics, so there is no separate metrics address.
type APIConfig struct {
	Addr               string
	CORSAllowedOrigins []string
}

// Config is the fully resolved configuration surface: one Default*Config
// (or loaded override) per component, matching spec.md section 6 exactly
// (mode, risk_limits, trading_hours, analysis, decision, alerts, watchdog,
// logging) plus the scaffolding (paper broker, API) spec.md's own
// component list never needed to name.
type Config struct {
	Controller controller.Config
	Volatility volatility.Config
	Volume     volume.Config
	Time       timeprofile.Config
	Pattern    pattern.Config
	Pool       levelpool.Config
	Scoring    scoring.Config
	Optimizer  optimizer.Config
	Predictor  predictor.Config
	Risk       risk.Config
	Watchdog   watchdog.Config
	Execution  executionmgr.Config
	Paper      broker.PaperConfig
	API        APIConfig

	LogAllDecisions    bool
	LogAnalysisDetails bool
}

// Default returns every component's Default*Config, the configuration a
// ConfigError falls back to for any field that failed to load.
func Default() Config {
	return Config{
		Controller: controller.DefaultConfig(),
		Volatility: volatility.DefaultConfig(),
		Volume:     volume.DefaultConfig(),
		Time:       timeprofile.DefaultConfig(),
		Pattern:    pattern.DefaultConfig(),
		Pool:       levelpool.DefaultConfig(),
		Scoring:    scoring.DefaultConfig(),
		Optimizer:  optimizer.DefaultConfig(),
		Predictor:  predictor.DefaultConfig(),
		Risk:       risk.DefaultConfig(),
		Watchdog:   watchdog.DefaultConfig(),
		Execution:  executionmgr.DefaultConfig(),
		Paper:      broker.DefaultPaperConfig(),
		API: APIConfig{
			Addr:               ":8080",
			CORSAllowedOrigins: []string{"*"},
		},

		LogAllDecisions:    true,
		LogAnalysisDetails: false,
	}
}

// Load reads a YAML file at path via viper and overlays it onto Default().
// A missing file is not a ConfigError: it is the normal "run with defaults"
// path. Each field that fails to parse is logged and left at its default;
// the whole load never fails (spec.md section 7, ConfigError policy).
func Load(logger *zap.Logger, path string) Config {
	cfg := Default()
	if path == "" {
		return cfg
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, os.ErrNotExist) {
			logger.Info("no config file found, using defaults", zap.String("path", path))
			return cfg
		}
		logger.Warn("config error: failed to read config file, using defaults", zap.String("path", path), zap.Error(err))
		return cfg
	}

	applyStringSlice(logger, v, "symbols", func(s []string) { cfg.Controller.Symbols = s })

	applyString(logger, v, "mode", func(m string) {
		switch m {
		case "OFF", "ALERT", "AUTONOMOUS":
			cfg.Controller.DefaultMode = controller.Mode(m)
		default:
			logger.Warn("config error: invalid mode, keeping default", zap.String("value", m))
		}
	})

	applyDuration(logger, v, "analysis.reevaluation_interval", func(d time.Duration) { cfg.Controller.ReevaluationInterval = d })
	applyInt(logger, v, "analysis.atr_period_short", func(n int) { cfg.Volatility.ATRShortPeriod = n })
	applyInt(logger, v, "analysis.atr_period_medium", func(n int) { cfg.Volatility.ATRMediumPeriod = n })
	applyInt(logger, v, "analysis.atr_period_long", func(n int) { cfg.Volatility.ATRLongPeriod = n })
	applyInt(logger, v, "analysis.volume_ma_period", func(n int) { cfg.Volume.MAShortPeriod = n })
	applyFloat(logger, v, "analysis.volume_spike_threshold", func(f float64) { cfg.Volume.SpikeThreshold = f })
	applyInt(logger, v, "analysis.pattern_lookback_days", func(n int) { cfg.Pattern.LookbackDays = n })
	applyFloat(logger, v, "analysis.pattern_similarity_threshold", func(f float64) { cfg.Pattern.SimilarityThreshold = f })

	applyInt(logger, v, "decision.max_levels_per_decision", func(n int) { cfg.Controller.Decision.MaxLevelsPerDecision = n })
	applyDecimal(logger, v, "decision.min_level_distance_pct", func(d decimal.Decimal) { cfg.Controller.Decision.MinLevelDistancePct = d })
	applyFloat(logger, v, "decision.long_short_ratio_min", func(f float64) { cfg.Controller.Decision.LongShortRatioMin = f })
	applyFloat(logger, v, "decision.long_short_ratio_max", func(f float64) { cfg.Controller.Decision.LongShortRatioMax = f })
	applyDuration(logger, v, "decision.min_level_hold_time_sec", func(d time.Duration) { cfg.Controller.Decision.MinLevelHoldTime = d })
	applyDuration(logger, v, "decision.min_combination_hold_time_sec", func(d time.Duration) { cfg.Controller.Decision.MinCombinationHoldTime = d })
	applyInt(logger, v, "decision.max_changes_per_hour", func(n int) { cfg.Controller.Decision.MaxChangesPerHour = n })
	applyDecimal(logger, v, "decision.assumed_slippage_pct", func(d decimal.Decimal) { cfg.Controller.Decision.AssumedSlippagePct = d })
	applyDecimal(logger, v, "decision.min_profit_margin_pct", func(d decimal.Decimal) { cfg.Controller.Decision.MinProfitMarginPct = d })

	applyDecimal(logger, v, "risk_limits.max_daily_loss", func(d decimal.Decimal) { cfg.Risk.MaxDailyLoss = d })
	applyInt(logger, v, "risk_limits.max_open_positions", func(n int) { cfg.Risk.MaxOpenPositions = n })
	applyDecimal(logger, v, "risk_limits.max_exposure_per_symbol", func(d decimal.Decimal) { cfg.Risk.MaxExposurePerSymbol = d })
	applyInt(logger, v, "risk_limits.max_active_levels", func(n int) { cfg.Risk.MaxActiveLevels = n })
	applyDecimal(logger, v, "risk_limits.soft_limit_threshold", func(d decimal.Decimal) { cfg.Risk.SoftLimitThreshold = d })
	applyDecimal(logger, v, "risk_limits.emergency_loss_threshold", func(d decimal.Decimal) { cfg.Risk.MaxDrawdown = d })
	applyDecimal(logger, v, "risk_limits.sudden_drop_threshold", func(d decimal.Decimal) { cfg.Risk.SuddenDropThreshold = d })

	applyBool(logger, v, "trading_hours.ignore_trading_hours", func(b bool) { cfg.Controller.IgnoreTradingHours = b })
	applyBool(logger, v, "trading_hours.ignore_weekends", func(b bool) { cfg.Controller.IgnoreWeekends = b })

	applyBool(logger, v, "alerts.confirm_activate_level", func(b bool) { cfg.Controller.Alerts.ConfirmActivateLevel = b })
	applyBool(logger, v, "alerts.confirm_deactivate_level", func(b bool) { cfg.Controller.Alerts.ConfirmDeactivateLevel = b })
	applyBool(logger, v, "alerts.confirm_stop_trade", func(b bool) { cfg.Controller.Alerts.ConfirmStopTrade = b })
	applyBool(logger, v, "alerts.confirm_close_position", func(b bool) { cfg.Controller.Alerts.ConfirmClosePosition = b })
	applyBool(logger, v, "alerts.confirm_emergency_stop", func(b bool) { cfg.Controller.Alerts.ConfirmEmergencyStop = b })
	applyDuration(logger, v, "alerts.confirmation_timeout", func(d time.Duration) { cfg.Controller.Alerts.ConfirmationTimeout = d })

	applyDuration(logger, v, "watchdog.heartbeat_interval_sec", func(d time.Duration) { cfg.Watchdog.HeartbeatInterval = d })
	applyDuration(logger, v, "watchdog.heartbeat_timeout_sec", func(d time.Duration) { cfg.Watchdog.HeartbeatTimeout = d })

	applyBool(logger, v, "logging.log_all_decisions", func(b bool) { cfg.LogAllDecisions = b })
	applyBool(logger, v, "logging.log_analysis_details", func(b bool) { cfg.LogAnalysisDetails = b })

	applyString(logger, v, "api.addr", func(s string) { cfg.API.Addr = s })

	return cfg
}

func applyString(logger *zap.Logger, v *viper.Viper, key string, set func(string)) {
	if !v.IsSet(key) {
		return
	}
	set(v.GetString(key))
}

func applyBool(logger *zap.Logger, v *viper.Viper, key string, set func(bool)) {
	if !v.IsSet(key) {
		return
	}
	set(v.GetBool(key))
}

func applyInt(logger *zap.Logger, v *viper.Viper, key string, set func(int)) {
	if !v.IsSet(key) {
		return
	}
	set(v.GetInt(key))
}

func applyFloat(logger *zap.Logger, v *viper.Viper, key string, set func(float64)) {
	if !v.IsSet(key) {
		return
	}
	set(v.GetFloat64(key))
}

func applyDuration(logger *zap.Logger, v *viper.Viper, key string, set func(time.Duration)) {
	if !v.IsSet(key) {
		return
	}
	raw := v.Get(key)
	switch n := raw.(type) {
	case int, int64, float64:
		set(time.Duration(v.GetFloat64(key)) * time.Second)
	default:
		d := v.GetDuration(key)
		if d == 0 {
			logger.Warn("config error: invalid duration, keeping default", zap.String("key", key), zap.Any("value", n))
			return
		}
		set(d)
	}
}

func applyDecimal(logger *zap.Logger, v *viper.Viper, key string, set func(decimal.Decimal)) {
	if !v.IsSet(key) {
		return
	}
	d, err := decimal.NewFromString(fmt.Sprintf("%v", v.Get(key)))
	if err != nil {
		logger.Warn("config error: invalid decimal, keeping default", zap.String("key", key), zap.Error(err))
		return
	}
	set(d)
}

// applyStringSlice applies a []string override.
func applyStringSlice(logger *zap.Logger, v *viper.Viper, key string, set func([]string)) {
	if !v.IsSet(key) {
		return
	}
	set(v.GetStringSlice(key))
}
