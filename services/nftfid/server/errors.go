package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"nftlend/native/nftfi"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps domain sentinels onto HTTP status codes and stable error
// codes for API consumers.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, nftfi.ErrLoanNotFound):
		return http.StatusNotFound, "loan_not_found"
	case errors.Is(err, nftfi.ErrUnknownCollateralClass):
		return http.StatusBadRequest, "unknown_collateral_class"
	case errors.Is(err, nftfi.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, nftfi.ErrInvalidCollateralValue):
		return http.StatusBadRequest, "invalid_collateral_value"
	case errors.Is(err, nftfi.ErrExceedsMaxLTV):
		return http.StatusUnprocessableEntity, "exceeds_max_ltv"
	case errors.Is(err, nftfi.ErrCollateralAlreadyPledged):
		return http.StatusConflict, "collateral_already_pledged"
	case errors.Is(err, nftfi.ErrLoanNotActive):
		return http.StatusConflict, "loan_not_active"
	case errors.Is(err, nftfi.ErrNotEligible):
		return http.StatusConflict, "not_eligible"
	case errors.Is(err, nftfi.ErrStaleValuation):
		return http.StatusUnprocessableEntity, "stale_valuation"
	case errors.Is(err, nftfi.ErrSettlementFailed):
		return http.StatusBadGateway, "settlement_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorPayload{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
