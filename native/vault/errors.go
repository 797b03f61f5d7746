package vault

import (
	"errors"

	nativecommon "xusd/native/common"
	"xusd/native/rebasing"
)

// Error categories. Every rejection returned by the engine matches exactly one
// of these through errors.Is, plus any more specific sentinel below.
var (
	ErrPolicyViolation     = errors.New("vault: policy violation")
	ErrInvalidAsset        = errors.New("vault: invalid asset")
	ErrInvalidStrategy     = errors.New("vault: invalid strategy")
	ErrSlippageExceeded    = errors.New("vault: Slippage error")
	ErrInvalidAmount       = errors.New("vault: amount must be positive")
	ErrLiquidity           = errors.New("vault: insufficient liquidity")
	ErrNotConfigured       = errors.New("vault: engine not configured")
	ErrInsufficientBalance = rebasing.ErrInsufficientBalance
	ErrSupplyBoundExceeded = rebasing.ErrSupplyBoundExceeded
)

// categorised errors carry their own message while matching one or more
// categories.
type vaultError struct {
	msg   string
	kinds []error
}

func (e *vaultError) Error() string   { return e.msg }
func (e *vaultError) Unwrap() []error { return e.kinds }

func newError(msg string, kinds ...error) error {
	return &vaultError{msg: msg, kinds: kinds}
}

var (
	ErrCallerNotGovernor   = newError("vault: caller is not the governor", ErrPolicyViolation)
	ErrCallerNotStrategist = newError("vault: caller is not the strategist or governor", ErrPolicyViolation)
	ErrCapitalPaused       = newError("vault: capital paused", ErrPolicyViolation, nativecommon.ErrModulePaused)
	ErrRebasePaused        = newError("vault: rebase paused", ErrPolicyViolation, nativecommon.ErrModulePaused)
	ErrReentrantCall       = newError("vault: reentrant call", ErrPolicyViolation, nativecommon.ErrReentrantCall)

	ErrAssetNotSupported     = newError("vault: asset is not supported", ErrInvalidAsset)
	ErrAssetAlreadySupported = newError("vault: asset already supported", ErrInvalidAsset)
	ErrUnsupportedAsset      = newError("vault: strategy does not support asset", ErrInvalidAsset)
	ErrSupportedCollateral   = newError("vault: only unsupported assets can be recovered", ErrInvalidAsset)

	ErrStrategyNotApproved     = newError("vault: strategy not approved", ErrInvalidStrategy)
	ErrStrategyAlreadyApproved = newError("vault: strategy already approved", ErrInvalidStrategy)
	ErrInvalidFromStrategy     = newError("vault: invalid from strategy", ErrInvalidStrategy)
	ErrInvalidToStrategy       = newError("vault: invalid to strategy", ErrInvalidStrategy)

	ErrBelowMinimum = newError("vault: redeem output below minimum", ErrSlippageExceeded)
)
