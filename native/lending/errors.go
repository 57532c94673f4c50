package lending

import (
	"errors"
	"fmt"
)

// The four error classes every operation failure resolves to. Specific
// failure sentinels below wrap one of these so callers can branch on the
// class with errors.Is while still matching the exact condition.
var (
	ErrValidation = errors.New("lending: validation failed")
	ErrRisk       = errors.New("lending: risk check failed")
	ErrOracle     = errors.New("lending: oracle unavailable")
	ErrPermission = errors.New("lending: permission denied")
)

var (
	errInvalidAmount       = fmt.Errorf("%w: amount must be positive", ErrValidation)
	errMarketNotListed     = fmt.Errorf("%w: market not listed", ErrValidation)
	errMarketInactive      = fmt.Errorf("%w: market inactive", ErrValidation)
	errMarketFrozen        = fmt.Errorf("%w: market frozen", ErrValidation)
	errSupplyCapExceeded   = fmt.Errorf("%w: supply cap exceeded", ErrValidation)
	errBorrowCapExceeded   = fmt.Errorf("%w: borrow cap exceeded", ErrValidation)
	errInsufficientShares  = fmt.Errorf("%w: insufficient shares", ErrValidation)
	errInsufficientBalance = fmt.Errorf("%w: insufficient balance", ErrValidation)
	errInsufficientLiquid  = fmt.Errorf("%w: insufficient market liquidity", ErrValidation)
	errNoDebtToRepay       = fmt.Errorf("%w: no outstanding debt", ErrValidation)
	errHealthTooLow        = fmt.Errorf("%w: health factor below minimum", ErrRisk)
	errNotLiquidatable     = fmt.Errorf("%w: position not liquidatable", ErrRisk)
	errLiquidationTooSmall = fmt.Errorf("%w: liquidation below minimum size", ErrRisk)
	errLiquidationTooLarge = fmt.Errorf("%w: liquidation exceeds allowed ratio", ErrRisk)
	errLiquidationDisabled = fmt.Errorf("%w: liquidation disabled for asset", ErrRisk)
	errLiquidationHalted   = fmt.Errorf("%w: liquidation kill switch engaged", ErrRisk)
	errPriceInvalid        = fmt.Errorf("%w: price missing or invalid", ErrOracle)
	errPriceStale          = fmt.Errorf("%w: price stale", ErrOracle)
	errPriceBreakerTripped = fmt.Errorf("%w: price circuit breaker tripped", ErrOracle)
	errNotAuthorized       = fmt.Errorf("%w: capability missing", ErrPermission)
)

// Exported aliases for the conditions external callers key retry and alerting
// logic on.
var (
	ErrInvalidAmount      = errInvalidAmount
	ErrMarketNotListed    = errMarketNotListed
	ErrSupplyCapExceeded  = errSupplyCapExceeded
	ErrBorrowCapExceeded  = errBorrowCapExceeded
	ErrInsufficientShares = errInsufficientShares
	ErrNotLiquidatable    = errNotLiquidatable
	ErrHealthTooLow       = errHealthTooLow
)
