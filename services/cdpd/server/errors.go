package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"stablevault/native/cdp"
	nativecommon "stablevault/native/common"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeEngineError maps an engine failure onto an HTTP status and a stable
// error code.
func writeEngineError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, cdp.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, cdp.ErrAssetNotAllowed):
		return http.StatusBadRequest, "asset_not_allowed"
	case errors.Is(err, cdp.ErrHealthFactorBroken):
		return http.StatusUnprocessableEntity, "health_factor_broken"
	case errors.Is(err, cdp.ErrHealthFactorOK):
		return http.StatusUnprocessableEntity, "health_factor_ok"
	case errors.Is(err, cdp.ErrHealthFactorNotImproved):
		return http.StatusUnprocessableEntity, "health_factor_not_improved"
	case errors.Is(err, cdp.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, cdp.ErrTransferFailed), errors.Is(err, cdp.ErrMintFailed), errors.Is(err, cdp.ErrBurnFailed):
		return http.StatusUnprocessableEntity, "token_call_failed"
	case errors.Is(err, cdp.ErrReentrantCall):
		return http.StatusConflict, "reentrant_call"
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable, "module_paused"
	case errors.Is(err, cdp.ErrPriceUnavailable), errors.Is(err, cdp.ErrInvalidPrice):
		return http.StatusServiceUnavailable, "price_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSequencerStopped):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, cdp.ErrOverflow):
		return http.StatusBadRequest, "overflow"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
