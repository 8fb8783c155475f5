package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/calculator"
	"github.com/flowra/ramarket/pkg/rental"
	"github.com/flowra/ramarket/pkg/store"
)

// errorBody is the error envelope returned on every non-2xx response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message},
	})
}

// respondWithDomainError maps a service error onto the wire taxonomy.
func respondWithDomainError(w http.ResponseWriter, err error) {
	if pe, ok := billing.AsPaymentError(err); ok {
		respondWithError(w, paymentErrorStatus(pe.Code), string(pe.Code), pe.Error())
		return
	}
	switch {
	case errors.Is(err, calculator.ErrInvalidInput):
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, rental.ErrSelfRental):
		respondWithError(w, http.StatusBadRequest, "SELF_RENTAL", err.Error())
	case errors.Is(err, rental.ErrOfferUnavailable):
		respondWithError(w, http.StatusNotFound, "OFFER_UNAVAILABLE", err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, rental.ErrAccessDenied):
		respondWithError(w, http.StatusForbidden, "ACCESS_DENIED", err.Error())
	case errors.Is(err, rental.ErrNotCancellable):
		respondWithError(w, http.StatusConflict, "NOT_CANCELLABLE", err.Error())
	case errors.Is(err, billing.ErrProviderUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "billing provider unavailable")
	default:
		zap.L().Error("unhandled request error", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func paymentErrorStatus(code billing.Code) int {
	switch code {
	case billing.CodeInvalidProof:
		return http.StatusBadRequest
	case billing.CodeAuthorizationFailed:
		return http.StatusPaymentRequired
	case billing.CodeAlreadyProcessed:
		return http.StatusConflict
	case billing.CodeExpired:
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}
