package types

import "errors"

// Engine error taxonomy. Per-strategy errors (sizing, allocation) are caught
// and logged at the coordinator without affecting other strategies; system-wide
// errors (regime unavailable, recovery incomplete) halt new entries but never
// halt exit processing.
var (
	// ErrRegimeUnavailable means volatility data is missing, non-positive or
	// stale. Fatal for new entries; never defaulted.
	ErrRegimeUnavailable = errors.New("volatility regime unavailable")

	// ErrInvalidMarginEstimate means a sizing input was unusable. Fails that
	// entry attempt only.
	ErrInvalidMarginEstimate = errors.New("invalid margin estimate")

	// ErrAllocationDenied is expected control flow: a correlation or
	// concentration limit was reached. Terminal for the tick.
	ErrAllocationDenied = errors.New("allocation denied")

	// ErrBreakerTripped means a portfolio circuit breaker suspended entries.
	// Auto-clears after the cooldown.
	ErrBreakerTripped = errors.New("circuit breaker tripped")

	// ErrRecoveryIncomplete means a ledger entry could not be reconciled
	// against broker state at startup. Blocks all trading until resolved.
	ErrRecoveryIncomplete = errors.New("order recovery incomplete")

	// ErrStaleData means a market data reading exceeded the staleness
	// threshold and is treated as unavailable.
	ErrStaleData = errors.New("market data stale")
)
