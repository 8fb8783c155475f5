package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/calculator"
	"github.com/flowra/ramarket/pkg/config"
	"github.com/flowra/ramarket/pkg/metering"
	"github.com/flowra/ramarket/pkg/rental"
	"github.com/flowra/ramarket/pkg/store"
)

func newTestRouter(t *testing.T) (*mux.Router, *store.Memory) {
	t.Helper()
	cfg := &config.Config{CronSecret: "cron-secret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	mem := store.NewMemory()
	provider := billing.NewMockProvider()
	err := mem.PutOffer(context.Background(), &store.Offer{
		ID:                 "offer-1",
		OwnerID:            "provider-1",
		ResourceType:       calculator.ResourceRAM,
		UnitPrice:          decimal.RequireFromString("0.01"),
		Currency:           "USDC",
		Published:          true,
		Active:             true,
		MinDurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("PutOffer: %v", err)
	}

	svc := rental.NewService(mem, provider, cfg)
	sweeper := metering.NewSweeper(mem, provider, time.Minute, time.Minute)
	return NewServer(svc, sweeper, cfg).Router(), mem
}

func doJSON(t *testing.T, router *mux.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set(principalHeader, userID)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error.Code
}

func createRentalReq(t *testing.T, router *mux.Router) (rentalID, paymentID string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/v1/rentals", "consumer-1", map[string]any{
		"offerId":         "offer-1",
		"amount":          "10",
		"durationMinutes": 60,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body paymentRequiredBody
	decode(t, rec, &body)
	return body.Rental.ID, body.Payment.Challenge.PaymentID
}

func TestCreateRental_Returns402Challenge(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/rentals", "consumer-1", map[string]any{
		"offerId":         "offer-1",
		"amount":          "10",
		"durationMinutes": 60,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("X-402-Payment-Required") != "true" {
		t.Fatal("missing X-402-Payment-Required header")
	}
	var body paymentRequiredBody
	decode(t, rec, &body)
	if body.Error.Code != "PAYMENT_REQUIRED" {
		t.Fatalf("error code = %q", body.Error.Code)
	}
	if body.Rental.Status != "PENDING" {
		t.Fatalf("rental status = %q, want PENDING", body.Rental.Status)
	}
	if body.Payment == nil || body.Payment.Challenge.PaymentID == "" {
		t.Fatal("missing payment challenge")
	}
	if got := rec.Header().Get("X-402-Payment-Id"); got != body.Payment.Challenge.PaymentID {
		t.Fatalf("X-402-Payment-Id = %q, want %q", got, body.Payment.Challenge.PaymentID)
	}
	if body.Payment.Challenge.Amount != "0.105000" {
		t.Fatalf("challenge amount = %q, want 0.105000", body.Payment.Challenge.Amount)
	}
}

func TestCreateRental_RequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/rentals", "", map[string]any{
		"offerId": "offer-1", "amount": "10", "durationMinutes": 60,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateRental_RejectsBadInput(t *testing.T) {
	router, _ := newTestRouter(t)
	for name, body := range map[string]map[string]any{
		"missing offer":   {"amount": "10", "durationMinutes": 60},
		"negative amount": {"offerId": "offer-1", "amount": "-1", "durationMinutes": 60},
		"bad amount":      {"offerId": "offer-1", "amount": "ten", "durationMinutes": 60},
	} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/rentals", "consumer-1", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, rec.Code)
		}
		if code := errorCode(t, rec); code != "INVALID_INPUT" {
			t.Fatalf("%s: error code = %q", name, code)
		}
	}
}

func TestCompletePayment_EndToEnd(t *testing.T) {
	router, _ := newTestRouter(t)
	before := time.Now()
	_, paymentID := createRentalReq(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/complete", "consumer-1", map[string]string{
		"paymentId": paymentID,
		"proof":     "mock_proof_" + paymentID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body completePaymentResponse
	decode(t, rec, &body)
	if body.Payment.Status != "SETTLED" || body.Payment.SettledAt == nil {
		t.Fatalf("payment = %+v, want SETTLED", body.Payment)
	}
	if body.Rental.Status != "ACTIVE" {
		t.Fatalf("rental status = %q, want ACTIVE", body.Rental.Status)
	}
	if body.Rental.AccessToken == "" || body.Rental.AccessURL == "" {
		t.Fatal("activation must issue access credentials")
	}
	if body.Rental.EndTime == nil {
		t.Fatal("missing endTime")
	}
	wantEnd := before.Add(60 * time.Minute)
	if body.Rental.EndTime.Before(wantEnd.Add(-time.Minute)) || body.Rental.EndTime.After(wantEnd.Add(time.Minute)) {
		t.Fatalf("endTime = %v, want about %v", body.Rental.EndTime, wantEnd)
	}

	// Replaying the settled payment is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/payments/complete", "consumer-1", map[string]string{
		"paymentId": paymentID,
		"proof":     "mock_proof_" + paymentID,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec.Code)
	}
	if code := errorCode(t, rec); code != "ALREADY_PROCESSED" {
		t.Fatalf("replay error code = %q", code)
	}
}

func TestCompletePayment_InvalidProof(t *testing.T) {
	router, _ := newTestRouter(t)
	_, paymentID := createRentalReq(t, router)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/complete", "consumer-1", map[string]string{
		"paymentId": paymentID,
		"proof":     "garbage",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_PROOF" {
		t.Fatalf("error code = %q", code)
	}
}

func TestGetRental_AccessControl(t *testing.T) {
	router, _ := newTestRouter(t)
	rentalID, _ := createRentalReq(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/rentals/"+rentalID, "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("requester read status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/rentals/"+rentalID, "stranger", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger read status = %d, want 403", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/rentals/unknown", "consumer-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown rental status = %d, want 404", rec.Code)
	}
}

func TestListRentals(t *testing.T) {
	router, _ := newTestRouter(t)
	createRentalReq(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/rentals?status=PENDING", "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Rentals []rentalView `json:"rentals"`
	}
	decode(t, rec, &body)
	if len(body.Rentals) != 1 {
		t.Fatalf("rentals = %d, want 1", len(body.Rentals))
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/rentals?status=BOGUS", "consumer-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus filter status = %d, want 400", rec.Code)
	}
}

func TestCancelRental(t *testing.T) {
	router, mem := newTestRouter(t)
	rentalID, _ := createRentalReq(t, router)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/rentals/"+rentalID, "consumer-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}
	r, err := mem.GetRental(context.Background(), rentalID)
	if err != nil {
		t.Fatalf("GetRental: %v", err)
	}
	if r.Status != store.RentalCancelled {
		t.Fatalf("status = %q, want CANCELLED", r.Status)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/rentals/"+rentalID, "consumer-1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", rec.Code)
	}
}

func TestQuote(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/v1/payments/quote", "consumer-1", map[string]string{
		"rentalId": "r1",
		"amount":   "10",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Quote billing.Quote `json:"quote"`
	}
	decode(t, rec, &body)
	if body.Quote.Total != "10.100000" {
		t.Fatalf("quote total = %q, want 10.100000", body.Quote.Total)
	}
}

func TestSweepTrigger(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/sweep", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no secret status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/sweep", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/sweep", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Completed int `json:"completed"`
	}
	decode(t, rec, &body)
	if body.Completed != 0 {
		t.Fatalf("completed = %d, want 0", body.Completed)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
