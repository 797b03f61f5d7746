package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"xusd/core/amount"
	nativecommon "xusd/native/common"
	"xusd/native/oracle"
	"xusd/native/rebasing"
	"xusd/native/vault"
	"xusd/services/vaultd/runtime"
)

// requestError flags malformed input detected before reaching the engine.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps engine and ledger error categories onto HTTP statuses.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrPolicyViolation), errors.Is(err, rebasing.ErrCallerNotVault):
		return http.StatusForbidden
	case errors.Is(err, runtime.ErrFaucetDisabled):
		return http.StatusNotFound
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded), errors.Is(err, nativecommon.ErrQuotaValueCapExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, vault.ErrSupplyBoundExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrSlippageExceeded), errors.Is(err, vault.ErrLiquidity):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrNoFreshQuote), errors.Is(err, oracle.ErrInvalidRate):
		return http.StatusServiceUnavailable
	case errors.Is(err, vault.ErrInvalidAsset),
		errors.Is(err, vault.ErrInvalidStrategy),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, rebasing.ErrInvalidAmount),
		errors.Is(err, rebasing.ErrInvalidAccount),
		errors.Is(err, rebasing.ErrInsufficientBalance),
		errors.Is(err, rebasing.ErrInsufficientAllowance),
		errors.Is(err, rebasing.ErrAlreadyOptedIn),
		errors.Is(err, rebasing.ErrAlreadyOptedOut),
		errors.Is(err, rebasing.ErrInvalidRebase),
		errors.Is(err, runtime.ErrUnknownStrategy),
		errors.Is(err, amount.ErrNegative),
		errors.Is(err, amount.ErrPrecision):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func failureReason(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusForbidden:
		return "policy"
	case http.StatusNotFound:
		return "disabled"
	case http.StatusTooManyRequests:
		return "quota"
	case http.StatusUnprocessableEntity:
		return "supply_bound"
	case http.StatusConflict:
		return "slippage"
	case http.StatusServiceUnavailable:
		return "oracle"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
