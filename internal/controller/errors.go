package controller

import "fmt"

// TransientBrokerError wraps a broker-side failure expected to clear on
// retry. The Execution Manager's attempt-count retry is the mechanism that
// actually retries it; this type only marks it as such for logging/metrics.
type TransientBrokerError struct {
	Op  string
	Err error
}

func (e *TransientBrokerError) Error() string {
	return fmt.Sprintf("transient broker error during %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error { return e.Err }

// StaleDataError marks market data older than the freshness window the
// Controller is willing to decide against. It downgrades the Watchdog
// to WARNING (via a registered health check) and suppresses new decisions
// for the affected symbol until fresh data arrives.
type StaleDataError struct {
	Symbol string
	Age    string
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale market data for %s (age %s)", e.Symbol, e.Age)
}

// LimitBreachError marks a hard risk-limit breach. The Controller attaches
// it to the warning it logs for a STOP_NEW_TRADES or CLOSE_ALL risk event;
// it does not block new activations or enqueue deactivations for such an
// event. An EMERGENCY_STOP risk event triggers the emergency stop instead.
type LimitBreachError struct {
	Limit   string
	Message string
}

func (e *LimitBreachError) Error() string {
	return fmt.Sprintf("risk limit breached (%s): %s", e.Limit, e.Message)
}
