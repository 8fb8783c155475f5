package billing

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newChallenge(t *testing.T, m *MockProvider, amount string) *PaymentRequest {
	t.Helper()
	req, err := m.CreatePaymentChallenge(context.Background(), ChallengeParams{
		Amount:   decimal.RequireFromString(amount),
		Currency: "USDC",
	})
	if err != nil {
		t.Fatalf("CreatePaymentChallenge: %v", err)
	}
	return req
}

func verifyOK(t *testing.T, m *MockProvider, paymentID string) {
	t.Helper()
	res, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: paymentID,
		Proof:     "mock_proof_" + paymentID,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid proof for %s", paymentID)
	}
}

func TestCreateQuote(t *testing.T) {
	m := NewMockProvider()
	q, err := m.CreateQuote(context.Background(), QuoteParams{
		Amount:   decimal.RequireFromString("10.5"),
		Currency: "USDC",
	})
	if err != nil {
		t.Fatalf("CreateQuote: %v", err)
	}
	if q.Amount != "10.500000" {
		t.Fatalf("Amount = %q", q.Amount)
	}
	if q.EstimatedFee != "0.105000" {
		t.Fatalf("EstimatedFee = %q", q.EstimatedFee)
	}
	if q.Total != "10.605000" {
		t.Fatalf("Total = %q", q.Total)
	}
	if !q.ExpiresAt.After(time.Now()) {
		t.Fatal("quote must carry a future expiry")
	}
}

func TestCreatePaymentChallenge(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")

	if !strings.HasPrefix(req.Challenge.PaymentID, "mock_") {
		t.Fatalf("PaymentID = %q", req.Challenge.PaymentID)
	}
	if req.Challenge.Amount != "10.500000" {
		t.Fatalf("Amount = %q", req.Challenge.Amount)
	}
	if !strings.Contains(req.PaymentURL, "/payments/complete") {
		t.Fatalf("PaymentURL = %q", req.PaymentURL)
	}
	if !req.Challenge.ExpiresAt.After(time.Now().Add(14 * time.Minute)) {
		t.Fatalf("expiry too soon: %v", req.Challenge.ExpiresAt)
	}
}

func TestVerifyPayment_UnknownID(t *testing.T) {
	m := NewMockProvider()
	res, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: "mock_missing",
		Proof:     "mock_proof_whatever",
	})
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if res.Valid {
		t.Fatal("unknown payment id must not verify")
	}
	if res.Amount != "0.000000" {
		t.Fatalf("Amount = %q, want zero", res.Amount)
	}
}

func TestVerifyPayment_MalformedProof(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")

	res, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: req.Challenge.PaymentID,
		Proof:     "invalid_proof",
	})
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if res.Valid {
		t.Fatal("malformed proof must not verify")
	}

	// The failed verification must not block a later valid proof.
	verifyOK(t, m, req.Challenge.PaymentID)
}

func TestVerifyPayment_StoredProofWins(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")
	id := req.Challenge.PaymentID
	verifyOK(t, m, id)

	res, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: id,
		Proof:     "mock_proof_somebody_else",
	})
	if err != nil {
		t.Fatalf("VerifyPayment: %v", err)
	}
	if res.Valid {
		t.Fatal("a differing proof after the first must not verify")
	}

	// Replaying the original proof stays valid.
	verifyOK(t, m, id)
}

func TestVerifyPayment_Expired(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")

	m.now = func() time.Time { return time.Now().Add(ChallengeTTL + time.Second) }

	_, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: req.Challenge.PaymentID,
		Proof:     "mock_proof_" + req.Challenge.PaymentID,
	})
	pe, ok := AsPaymentError(err)
	if !ok || pe.Code != CodeExpired {
		t.Fatalf("expected EXPIRED payment error, got %v", err)
	}
}

func TestVerifyPayment_ExpiredAfterAuthorization(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")
	id := req.Challenge.PaymentID

	// First valid proof moves the payment to authorized.
	verifyOK(t, m, id)

	m.now = func() time.Time { return time.Now().Add(ChallengeTTL + time.Minute) }

	// Re-verification past the challenge window must fail even though the
	// stored proof would otherwise validate.
	_, err := m.VerifyPayment(context.Background(), Proof{
		PaymentID: id,
		Proof:     "mock_proof_" + id,
	})
	pe, ok := AsPaymentError(err)
	if !ok || pe.Code != CodeExpired {
		t.Fatalf("expected EXPIRED payment error, got %v", err)
	}

	// And no settlement may move funds on the dead challenge.
	_, err = m.SettlePayment(context.Background(), SettleParams{
		PaymentID: id,
		Amount:    decimal.RequireFromString("10.5"),
		Currency:  "USDC",
	})
	if err == nil {
		t.Fatal("settle after expiry must fail")
	}
}

func TestAuthorizePayment_AmountTolerance(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.50")
	id := req.Challenge.PaymentID

	// Off by more than 0.01: refused, state untouched.
	auth, err := m.AuthorizePayment(context.Background(), AuthorizeParams{
		PaymentID: id,
		Amount:    decimal.RequireFromString("10.52"),
		Currency:  "USDC",
	})
	if err != nil {
		t.Fatalf("AuthorizePayment: %v", err)
	}
	if auth.Authorized {
		t.Fatal("amount outside tolerance must not authorize")
	}

	// Within 0.01: accepted.
	auth, err = m.AuthorizePayment(context.Background(), AuthorizeParams{
		PaymentID: id,
		Amount:    decimal.RequireFromString("10.51"),
		Currency:  "USDC",
	})
	if err != nil {
		t.Fatalf("AuthorizePayment: %v", err)
	}
	if !auth.Authorized {
		t.Fatal("amount within tolerance must authorize")
	}
	if !strings.HasPrefix(auth.AuthorizationID, "auth_") {
		t.Fatalf("AuthorizationID = %q", auth.AuthorizationID)
	}
}

func TestAuthorizePayment_AfterVerify(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")
	id := req.Challenge.PaymentID
	verifyOK(t, m, id)

	auth, err := m.AuthorizePayment(context.Background(), AuthorizeParams{
		PaymentID: id,
		Amount:    decimal.RequireFromString("10.5"),
		Currency:  "USDC",
	})
	if err != nil {
		t.Fatalf("AuthorizePayment: %v", err)
	}
	if !auth.Authorized {
		t.Fatal("verified payment must still authorize")
	}
}

func TestSettlePayment_RequiresAuthorization(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")

	_, err := m.SettlePayment(context.Background(), SettleParams{
		PaymentID: req.Challenge.PaymentID,
		Amount:    decimal.RequireFromString("10.5"),
		Currency:  "USDC",
	})
	if err != ErrNotAuthorized {
		t.Fatalf("settle from pending: got %v, want ErrNotAuthorized", err)
	}
}

func TestSettlePayment_HappyPathThenAlreadyProcessed(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")
	id := req.Challenge.PaymentID
	verifyOK(t, m, id)

	params := SettleParams{
		PaymentID: id,
		Amount:    decimal.RequireFromString("10.5"),
		Currency:  "USDC",
	}
	s, err := m.SettlePayment(context.Background(), params)
	if err != nil {
		t.Fatalf("SettlePayment: %v", err)
	}
	if s.Status != SettlementCompleted {
		t.Fatalf("Status = %q", s.Status)
	}
	if s.Amount != "10.500000" {
		t.Fatalf("Amount = %q", s.Amount)
	}
	if !strings.HasPrefix(s.TransactionHash, "mock_tx_") {
		t.Fatalf("TransactionHash = %q", s.TransactionHash)
	}

	_, err = m.SettlePayment(context.Background(), params)
	pe, ok := AsPaymentError(err)
	if !ok || pe.Code != CodeAlreadyProcessed {
		t.Fatalf("second settle: got %v, want ALREADY_PROCESSED", err)
	}
}

func TestSettlePayment_ConcurrentExactlyOnce(t *testing.T) {
	m := NewMockProvider()
	req := newChallenge(t, m, "10.5")
	id := req.Challenge.PaymentID
	verifyOK(t, m, id)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SettlePayment(context.Background(), SettleParams{
				PaymentID: id,
				Amount:    decimal.RequireFromString("10.5"),
				Currency:  "USDC",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, alreadyProcessed int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if pe, ok := AsPaymentError(err); ok && pe.Code == CodeAlreadyProcessed {
			alreadyProcessed++
			continue
		}
		t.Fatalf("unexpected settle error: %v", err)
	}
	if successes != 1 {
		t.Fatalf("settles succeeded %d times, want exactly 1", successes)
	}
	if alreadyProcessed != attempts-1 {
		t.Fatalf("ALREADY_PROCESSED count = %d, want %d", alreadyProcessed, attempts-1)
	}
}

func TestProcessSettlement_SumsBatch(t *testing.T) {
	m := NewMockProvider()
	now := time.Now()
	records := []MeteringRecord{
		{RentalID: "r1", StartTime: now.Add(-2 * time.Minute), EndTime: now.Add(-time.Minute), DurationSeconds: 60, Amount: "64", Cost: "2.500000"},
		{RentalID: "r1", StartTime: now.Add(-time.Minute), EndTime: now, DurationSeconds: 60, Amount: "64", Cost: "2.500000"},
	}
	s, err := m.ProcessSettlement(context.Background(), "r1", records)
	if err != nil {
		t.Fatalf("ProcessSettlement: %v", err)
	}
	if s.Amount != "5.000000" {
		t.Fatalf("Amount = %q, want 5.000000", s.Amount)
	}
	if !strings.HasPrefix(s.PaymentID, "settle_") {
		t.Fatalf("PaymentID = %q", s.PaymentID)
	}
	if !strings.HasPrefix(s.TransactionHash, "mock_settle_tx_") {
		t.Fatalf("TransactionHash = %q", s.TransactionHash)
	}
}
