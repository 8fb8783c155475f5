// Package billing defines the capability contract between the rental broker
// and a settlement backend (the billing provider), together with the wire
// types exchanged across that boundary. The broker core is polymorphic over
// Provider: the in-process mock and a real settlement-network implementation
// are interchangeable, selected by configuration at construction time.
//
// All monetary amounts cross this boundary as fixed-point decimal strings with
// six fractional digits (see the money package).
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Challenge is the payload returned to a payer describing what must be paid
// and how. It is generated when a payment is required (HTTP 402).
type Challenge struct {
	PaymentID   string            `json:"paymentId"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Description string            `json:"description,omitempty"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentRequest couples a challenge with the URL where the proof is to be
// submitted.
type PaymentRequest struct {
	Challenge  Challenge `json:"challenge"`
	PaymentURL string    `json:"paymentUrl"`
}

// Proof is payer-supplied evidence that payment was made, checked by
// Provider.VerifyPayment.
type Proof struct {
	PaymentID string    `json:"paymentId"`
	Proof     string    `json:"proof"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
}

// Quote is a non-binding fee estimate for a prospective payment.
type Quote struct {
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	EstimatedFee string    `json:"estimatedFee"`
	Total        string    `json:"total"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SettlementStatus is the provider-reported state of a settlement.
// Completed is the only terminal success state the broker models.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementCompleted  SettlementStatus = "completed"
	SettlementFailed     SettlementStatus = "failed"
)

// Settlement records funds having actually moved, for a single payment or a
// batch of usage records. Settlements are append-only; the broker never
// mutates one after creation.
type Settlement struct {
	PaymentID       string           `json:"paymentId"`
	Amount          string           `json:"amount"`
	Currency        string           `json:"currency"`
	Status          SettlementStatus `json:"status"`
	SettledAt       time.Time        `json:"settledAt"`
	TransactionHash string           `json:"transactionHash,omitempty"`
}

// MeteringRecord is one time-bounded slice of metered consumption forwarded
// to the provider for bookkeeping.
type MeteringRecord struct {
	RentalID        string    `json:"rentalId"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationSeconds int64     `json:"durationSeconds"`
	Amount          string    `json:"amount"`
	Cost            string    `json:"cost"`
}

// VerifyResult reports the outcome of proof verification. Unknown payment ids
// fail closed: Valid is false and Amount is zero, never an error.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	PaymentID string `json:"paymentId"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// Authorization reports the outcome of a pre-authorization attempt.
type Authorization struct {
	Authorized      bool   `json:"authorized"`
	AuthorizationID string `json:"authorizationId"`
}

// QuoteParams are the inputs to Provider.CreateQuote.
type QuoteParams struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// ChallengeParams are the inputs to Provider.CreatePaymentChallenge.
type ChallengeParams struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
}

// AuthorizeParams are the inputs to Provider.AuthorizePayment. Amount must
// match the challenged amount within the provider's tolerance.
type AuthorizeParams struct {
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
}

// SettleParams are the inputs to Provider.SettlePayment.
type SettleParams struct {
	PaymentID string
	Amount    decimal.Decimal
	Currency  string
}
