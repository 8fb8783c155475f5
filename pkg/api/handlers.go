package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/money"
	"github.com/flowra/ramarket/pkg/rental"
	"github.com/flowra/ramarket/pkg/store"
)

// rentalView is the wire representation of a rental. Access fields are
// omitted until activation.
type rentalView struct {
	ID              string     `json:"id"`
	OfferID         string     `json:"offerId"`
	Status          string     `json:"status"`
	ResourceType    string     `json:"resourceType"`
	Amount          string     `json:"amount"`
	DurationMinutes int64      `json:"durationMinutes"`
	UnitPrice       string     `json:"unitPrice"`
	TotalPrice      string     `json:"totalPrice"`
	PlatformFee     string     `json:"platformFee"`
	Currency        string     `json:"currency"`
	AccessToken     string     `json:"accessToken,omitempty"`
	AccessURL       string     `json:"accessUrl,omitempty"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func viewRental(r *store.Rental) rentalView {
	return rentalView{
		ID:              r.ID,
		OfferID:         r.OfferID,
		Status:          string(r.Status),
		ResourceType:    string(r.ResourceType),
		Amount:          r.Amount.String(),
		DurationMinutes: r.DurationMinutes,
		UnitPrice:       money.Format(r.UnitPrice),
		TotalPrice:      money.Format(r.TotalPrice),
		PlatformFee:     money.Format(r.PlatformFee),
		Currency:        r.Currency,
		AccessToken:     r.AccessToken,
		AccessURL:       r.AccessURL,
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		CreatedAt:       r.CreatedAt,
	}
}

type createRentalRequest struct {
	OfferID         string `json:"offerId"`
	Amount          string `json:"amount"`
	DurationMinutes int64  `json:"durationMinutes"`
	StartNow        bool   `json:"startNow"`
}

// paymentRequiredBody is the 402 envelope: the challenge and a rental stub,
// never access credentials.
type paymentRequiredBody struct {
	Error   errorBody               `json:"error"`
	Payment *billing.PaymentRequest `json:"payment"`
	Rental  struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"rental"`
}

func (s *Server) handleCreateRental(w http.ResponseWriter, req *http.Request) {
	caller, ok := principal(w, req)
	if !ok {
		return
	}

	var in createRentalRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if in.OfferID == "" {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "offerId is required")
		return
	}
	amount, err := money.Parse(in.Amount)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "amount must be a non-negative decimal")
		return
	}

	res, err := s.rentals.Create(req.Context(), rental.CreateParams{
		OfferID:         in.OfferID,
		RequesterID:     caller,
		Amount:          amount,
		DurationMinutes: in.DurationMinutes,
		StartNow:        in.StartNow,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	rentalsCreated.Inc()

	body := paymentRequiredBody{
		Error: errorBody{
			Code:    "PAYMENT_REQUIRED",
			Message: "payment required before access is granted",
		},
		Payment: res.Payment,
	}
	body.Rental.ID = res.Rental.ID
	body.Rental.Status = string(res.Rental.Status)

	w.Header().Set("X-402-Payment-Required", "true")
	w.Header().Set("X-402-Payment-Id", res.Payment.Challenge.PaymentID)
	respondWithJSON(w, http.StatusPaymentRequired, body)
}

type completePaymentRequest struct {
	PaymentID string `json:"paymentId"`
	Proof     string `json:"proof"`
}

type completePaymentResponse struct {
	Payment struct {
		ID        string     `json:"id"`
		Status    string     `json:"status"`
		SettledAt *time.Time `json:"settledAt,omitempty"`
	} `json:"payment"`
	Rental rentalView `json:"rental"`
}

func (s *Server) handleCompletePayment(w http.ResponseWriter, req *http.Request) {
	caller, ok := principal(w, req)
	if !ok {
		return
	}

	var in completePaymentRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if in.PaymentID == "" || in.Proof == "" {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "paymentId and proof are required")
		return
	}

	res, err := s.rentals.CompletePayment(req.Context(), rental.CompleteParams{
		PaymentID:   in.PaymentID,
		Proof:       in.Proof,
		RequesterID: caller,
	})
	if err != nil {
		if pe, isPayment := billing.AsPaymentError(err); isPayment {
			paymentFailures.WithLabelValues(string(pe.Code)).Inc()
		}
		respondWithDomainError(w, err)
		return
	}
	paymentsSettled.Inc()

	var out completePaymentResponse
	out.Payment.ID = res.Payment.ID
	out.Payment.Status = string(res.Payment.Status)
	out.Payment.SettledAt = res.Payment.SettledAt
	out.Rental = viewRental(res.Rental)
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRental(w http.ResponseWriter, req *http.Request) {
	caller, ok := principal(w, req)
	if !ok {
		return
	}
	r, err := s.rentals.Get(req.Context(), mux.Vars(req)["id"], caller)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]rentalView{"rental": viewRental(r)})
}

func (s *Server) handleListRentals(w http.ResponseWriter, req *http.Request) {
	caller, ok := principal(w, req)
	if !ok {
		return
	}

	status := store.RentalStatus(req.URL.Query().Get("status"))
	switch status {
	case "", store.RentalPending, store.RentalActive, store.RentalCompleted, store.RentalCancelled:
	default:
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown rental status filter")
		return
	}

	rentals, err := s.rentals.List(req.Context(), caller, status)
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	views := make([]rentalView, 0, len(rentals))
	for _, r := range rentals {
		views = append(views, viewRental(r))
	}
	respondWithJSON(w, http.StatusOK, map[string][]rentalView{"rentals": views})
}

func (s *Server) handleCancelRental(w http.ResponseWriter, req *http.Request) {
	caller, ok := principal(w, req)
	if !ok {
		return
	}
	if err := s.rentals.Cancel(req.Context(), mux.Vars(req)["id"], caller); err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": string(store.RentalCancelled)})
}

type quoteRequest struct {
	RentalID string `json:"rentalId"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (s *Server) handleQuote(w http.ResponseWriter, req *http.Request) {
	if _, ok := principal(w, req); !ok {
		return
	}

	var in quoteRequest
	if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	amount, err := money.Parse(in.Amount)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", "amount must be a non-negative decimal")
		return
	}

	q, err := s.rentals.Quote(req.Context(), rental.QuoteParams{
		RentalID: in.RentalID,
		Amount:   amount,
		Currency: in.Currency,
	})
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]*billing.Quote{"quote": q})
}

// handleSweep is the scheduler-facing trigger for the expiry sweep. Safe to
// invoke more often than necessary.
func (s *Server) handleSweep(w http.ResponseWriter, req *http.Request) {
	if !s.authorizeCron(req) {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid cron secret")
		return
	}

	completed, err := s.sweeper.Sweep(req.Context())
	sweepCompleted.Add(float64(completed))
	if err != nil {
		zap.L().Error("triggered sweep", zap.Int("completed", completed), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "INTERNAL", "sweep finished with errors")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"completed": completed})
}
