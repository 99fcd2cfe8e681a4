package core

import "errors"

// Error kinds from spec.md §7. Call sites use errors.Is against these
// sentinels; wrapped variants (fmt.Errorf("...: %w", ErrTimeout)) keep the
// kind discoverable.
var (
	// ErrInsufficientSignals is returned by the decision engine when fewer
	// than min_active_signals readings have non-zero confidence.
	ErrInsufficientSignals = errors.New("decision: insufficient active signals")

	// ErrStaleSnapshot is returned when the registry snapshot version used
	// to build a decision no longer matches the capital snapshot's observed
	// version; the caller retries.
	ErrStaleSnapshot = errors.New("decision: stale registry snapshot")

	// ErrInsufficientCapital is returned by CapitalController.TryReserve.
	ErrInsufficientCapital = errors.New("capital: insufficient free capital")

	// ErrTooManyPositions is returned by CapitalController.TryReserve when
	// max_concurrent would be exceeded.
	ErrTooManyPositions = errors.New("capital: max concurrent positions reached")

	// ErrOverPositionCap is returned when a requested size exceeds
	// max_position_size.
	ErrOverPositionCap = errors.New("capital: size exceeds max position cap")

	// ErrOverRiskBudget is returned when a requested size would exceed the
	// risk budget net of capital already at risk.
	ErrOverRiskBudget = errors.New("capital: size exceeds risk budget")

	// ErrLiquidityTooLow marks a candidate/token as untradeable for a
	// cooldown window.
	ErrLiquidityTooLow = errors.New("decision: liquidity too low")

	// ErrInvalidState marks a programming error: an operation attempted on
	// a position in a state that cannot accept it (e.g. exit on Closed).
	ErrInvalidState = errors.New("position: invalid state transition")

	// ErrCancelled marks a cancelled suspension point (swap submission,
	// confirmation wait, price subscription, journal write). Callers must
	// compensate (e.g. release a reservation) and exit cleanly.
	ErrCancelled = errors.New("operation cancelled")

	// ErrTimeout is a retryable transient error from a SwapExecutor call.
	ErrTimeout = errors.New("swap: timeout")

	// ErrRPCUnavailable is a retryable transient error from a SwapExecutor
	// or PriceOracle call.
	ErrRPCUnavailable = errors.New("rpc: unavailable")

	// ErrRejected is a non-retryable SwapExecutor rejection.
	ErrRejected = errors.New("swap: rejected")

	// ErrInsufficientLiquidity is a non-retryable SwapExecutor error.
	ErrInsufficientLiquidity = errors.New("swap: insufficient liquidity")

	// ErrReservationAlreadyResolved guards against double commit/release.
	ErrReservationAlreadyResolved = errors.New("capital: reservation already committed or released")
)
