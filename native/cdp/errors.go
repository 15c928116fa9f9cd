package cdp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount           = errors.New("cdp engine: amount must be positive")
	ErrAssetNotAllowed         = errors.New("cdp engine: collateral asset not allowed")
	ErrTransferFailed          = errors.New("cdp engine: transfer failed")
	ErrMintFailed              = errors.New("cdp engine: debt mint failed")
	ErrBurnFailed              = errors.New("cdp engine: debt burn failed")
	ErrInsufficientBalance     = errors.New("cdp engine: insufficient balance")
	ErrHealthFactorBroken      = errors.New("cdp engine: health factor below minimum")
	ErrHealthFactorOK          = errors.New("cdp engine: health factor ok, account not liquidatable")
	ErrHealthFactorNotImproved = errors.New("cdp engine: liquidation did not improve health factor")
	ErrReentrantCall           = errors.New("cdp engine: reentrant call")
	ErrConfigMismatch          = errors.New("cdp engine: token and price feed lists differ in length")
	ErrInvalidConfig           = errors.New("cdp engine: invalid configuration")
	ErrInvalidPrice            = errors.New("cdp engine: price must be positive")
	ErrPriceUnavailable        = errors.New("cdp engine: price source unavailable")
	ErrOverflow                = errors.New("cdp engine: arithmetic overflow")
	ErrDivisionByZero          = errors.New("cdp engine: division by zero")
	ErrCommitFailed            = errors.New("cdp engine: state commit failed")
)

// HealthFactorBrokenError carries the offending health factor. It matches
// ErrHealthFactorBroken under errors.Is.
type HealthFactorBrokenError struct {
	Value Amount
}

func (e *HealthFactorBrokenError) Error() string {
	return fmt.Sprintf("%s: %s", ErrHealthFactorBroken, e.Value)
}

func (e *HealthFactorBrokenError) Is(target error) bool {
	return target == ErrHealthFactorBroken
}
