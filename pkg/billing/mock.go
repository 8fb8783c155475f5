package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/money"
)

const (
	// ChallengeTTL is how long a payment challenge stays payable.
	ChallengeTTL = 15 * time.Minute

	// ProofPrefix is the shape a well-formed mock proof must start with. A
	// real provider checks a cryptographic signature at this point instead.
	ProofPrefix = "mock_proof_"

	// quoteFeePercent is the flat estimate applied by CreateQuote.
	quoteFeePercent = 1
)

// authorizeTolerance is the absolute amount slack accepted during
// pre-authorization, in currency units. It is deliberately absolute, not
// relative; large amounts get no proportional slack.
var authorizeTolerance = decimal.RequireFromString("0.01")

type paymentState string

const (
	statePending    paymentState = "pending"
	stateAuthorized paymentState = "authorized"
	stateSettled    paymentState = "settled"
	stateFailed     paymentState = "failed"
)

// mockPayment is the provider-side record for one payment id. Transitions are
// monotonic: pending -> authorized -> settled, with failed reachable before
// settled. The proof is set once and never rewritten.
type mockPayment struct {
	amount    decimal.Decimal
	currency  string
	status    paymentState
	proof     string
	createdAt time.Time
	expiresAt time.Time
}

// MockProvider is the in-process reference implementation of Provider. It
// keeps payment state in a mutex-guarded map; every state transition happens
// under the lock, so verify/authorize/settle for one payment id are mutually
// exclusive and concurrent settles yield exactly one success.
type MockProvider struct {
	mu       sync.Mutex
	payments map[string]*mockPayment
	now      func() time.Time
}

// NewMockProvider returns an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		payments: make(map[string]*mockPayment),
		now:      time.Now,
	}
}

// CreateQuote returns an estimate with a flat fee and a 15-minute expiry.
func (m *MockProvider) CreateQuote(_ context.Context, p QuoteParams) (*Quote, error) {
	fee := p.Amount.Mul(decimal.NewFromInt(quoteFeePercent)).Div(decimal.NewFromInt(100))
	return &Quote{
		Amount:       money.Format(p.Amount),
		Currency:     p.Currency,
		EstimatedFee: money.Format(fee),
		Total:        money.Format(p.Amount.Add(fee)),
		ExpiresAt:    m.now().Add(ChallengeTTL),
	}, nil
}

// CreatePaymentChallenge allocates a fresh payment id and stores it pending.
func (m *MockProvider) CreatePaymentChallenge(_ context.Context, p ChallengeParams) (*PaymentRequest, error) {
	paymentID := "mock_" + randomHex(16)
	now := m.now()
	expiresAt := now.Add(ChallengeTTL)

	m.mu.Lock()
	m.payments[paymentID] = &mockPayment{
		amount:    p.Amount,
		currency:  p.Currency,
		status:    statePending,
		createdAt: now,
		expiresAt: expiresAt,
	}
	m.mu.Unlock()

	zap.L().Debug("payment challenge created",
		zap.String("payment_id", paymentID),
		zap.String("amount", money.Format(p.Amount)))

	return &PaymentRequest{
		Challenge: Challenge{
			PaymentID:   paymentID,
			Amount:      money.Format(p.Amount),
			Currency:    p.Currency,
			Destination: "mock_destination_address",
			Description: p.Description,
			ExpiresAt:   expiresAt,
			Metadata:    p.Metadata,
		},
		PaymentURL: "/api/v1/payments/complete?paymentId=" + paymentID,
	}, nil
}

// VerifyPayment checks the proof against the stored payment. It fails closed
// for unknown ids, returns a CodeExpired payment error past the challenge
// expiry, and on the first valid proof while pending transitions the payment
// to authorized and pins the proof.
func (m *MockProvider) VerifyPayment(_ context.Context, proof Proof) (*VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[proof.PaymentID]
	if !ok {
		return &VerifyResult{
			Valid:     false,
			PaymentID: proof.PaymentID,
			Amount:    money.Format(decimal.Zero),
			Currency:  money.DefaultCurrency,
		}, nil
	}

	// Expiry fails closed for anything not yet settled, even a payment a
	// valid proof already moved to authorized. No funds may move on a dead
	// challenge.
	if m.now().After(p.expiresAt) && p.status != stateSettled {
		p.status = stateFailed
		return nil, NewPaymentError(CodeExpired, "payment challenge %s expired at %s",
			proof.PaymentID, p.expiresAt.UTC().Format(time.RFC3339))
	}

	valid := strings.HasPrefix(proof.Proof, ProofPrefix)
	if valid && p.proof != "" && p.proof != proof.Proof {
		// The first recorded proof wins; a differing replay is not valid.
		valid = false
	}
	if valid && p.status == statePending {
		p.status = stateAuthorized
		p.proof = proof.Proof
	}

	return &VerifyResult{
		Valid:     valid,
		PaymentID: proof.PaymentID,
		Amount:    money.Format(p.amount),
		Currency:  p.currency,
	}, nil
}

// AuthorizePayment mints an authorization id when the supplied amount matches
// the challenged amount within the fixed tolerance. Payments already moved to
// authorized by a valid proof re-authorize idempotently; settled or failed
// payments do not.
func (m *MockProvider) AuthorizePayment(_ context.Context, p AuthorizeParams) (*Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pay, ok := m.payments[p.PaymentID]
	if !ok || (pay.status != statePending && pay.status != stateAuthorized) {
		return &Authorization{}, nil
	}
	if !money.WithinTolerance(pay.amount, p.Amount, authorizeTolerance) {
		return &Authorization{}, nil
	}

	pay.status = stateAuthorized
	return &Authorization{
		Authorized:      true,
		AuthorizationID: "auth_" + randomHex(16),
	}, nil
}

// SettlePayment moves an authorized payment to settled and mints the
// transaction reference. Exactly one settle per payment id can succeed.
func (m *MockProvider) SettlePayment(_ context.Context, p SettleParams) (*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pay, ok := m.payments[p.PaymentID]
	if !ok {
		return nil, ErrNotAuthorized
	}
	switch pay.status {
	case stateSettled:
		return nil, NewPaymentError(CodeAlreadyProcessed, "payment %s already settled", p.PaymentID)
	case stateAuthorized:
		// fall through to settle
	default:
		return nil, ErrNotAuthorized
	}

	pay.status = stateSettled
	settledAt := m.now()

	zap.L().Info("payment settled",
		zap.String("payment_id", p.PaymentID),
		zap.String("amount", money.Format(p.Amount)))

	return &Settlement{
		PaymentID:       p.PaymentID,
		Amount:          money.Format(p.Amount),
		Currency:        p.Currency,
		Status:          SettlementCompleted,
		SettledAt:       settledAt,
		TransactionHash: "mock_tx_" + randomHex(16),
	}, nil
}

// RecordUsage only logs in the mock; a real provider forwards the record to
// its metering pipeline.
func (m *MockProvider) RecordUsage(_ context.Context, rec MeteringRecord) error {
	zap.L().Debug("usage recorded",
		zap.String("rental_id", rec.RentalID),
		zap.Int64("duration_seconds", rec.DurationSeconds),
		zap.String("cost", rec.Cost))
	return nil
}

// ProcessSettlement sums the cost of the given usage records and returns one
// completed Settlement covering the batch.
func (m *MockProvider) ProcessSettlement(_ context.Context, rentalID string, records []MeteringRecord) (*Settlement, error) {
	total := decimal.Zero
	for _, rec := range records {
		cost, err := money.Parse(rec.Cost)
		if err != nil {
			return nil, fmt.Errorf("usage record for rental %s has bad cost %q: %w", rentalID, rec.Cost, err)
		}
		total = total.Add(cost)
	}

	zap.L().Info("usage batch settled",
		zap.String("rental_id", rentalID),
		zap.Int("records", len(records)),
		zap.String("total", money.Format(total)))

	return &Settlement{
		PaymentID:       "settle_" + randomHex(16),
		Amount:          money.Format(total),
		Currency:        money.DefaultCurrency,
		Status:          SettlementCompleted,
		SettledAt:       m.now(),
		TransactionHash: "mock_settle_tx_" + randomHex(16),
	}, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b)
}
