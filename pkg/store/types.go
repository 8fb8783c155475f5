// Package store defines the broker's persisted entities and the keyed Store
// interface over them. Every mutation that guards an invariant (activate a
// rental, settle a payment, settle usage records) is a conditional update:
// the store applies it only when the row is still in the expected state and
// reports ErrConflict otherwise. Callers never do read-then-unconditional-write.
package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flowra/ramarket/pkg/calculator"
)

// RentalStatus is the lifecycle state of a rental.
type RentalStatus string

const (
	RentalPending   RentalStatus = "PENDING"
	RentalActive    RentalStatus = "ACTIVE"
	RentalCompleted RentalStatus = "COMPLETED"
	RentalCancelled RentalStatus = "CANCELLED"
)

// PaymentStatus mirrors the provider-side payment state machine. Transitions
// are monotonic: PENDING -> AUTHORIZED -> SETTLED, with FAILED reachable any
// time before SETTLED.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentAuthorized PaymentStatus = "AUTHORIZED"
	PaymentSettled    PaymentStatus = "SETTLED"
	PaymentFailed     PaymentStatus = "FAILED"
)

// InvoiceStatus tracks whether a rental's invoice has been paid.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "PENDING"
	InvoicePaid    InvoiceStatus = "PAID"
)

// Offer is the pricing/resource source a rental references. Catalog CRUD
// lives outside the broker; the store only needs enough of an offer to
// validate and price rentals against it.
type Offer struct {
	ID                 string
	OwnerID            string
	ResourceType       calculator.ResourceType
	UnitPrice          decimal.Decimal
	Currency           string
	Published          bool
	Active             bool
	MinDurationMinutes int64
	MaxDurationMinutes int64 // zero means unbounded
}

// Rental is one paid-access term against an offer. StartTime/EndTime stay nil
// and the access credential empty until activation; activation happens at
// most once, and EndTime is immutable once set.
type Rental struct {
	ID              string
	OfferID         string
	RequesterID     string
	ResourceType    calculator.ResourceType
	Amount          decimal.Decimal
	DurationMinutes int64
	UnitPrice       decimal.Decimal
	TotalPrice      decimal.Decimal
	PlatformFee     decimal.Decimal
	Currency        string
	Status          RentalStatus
	// StartNow pins the term start to the creation time instead of the
	// settlement time. Access is still withheld until the payment settles.
	StartNow    bool
	StartTime   *time.Time
	EndTime     *time.Time
	AccessToken string
	AccessURL   string
	CreatedAt   time.Time
}

// Payment is the broker-side record of a provider payment, owned 1:1 by a
// rental. ProviderPaymentID is the provider-assigned opaque identifier the
// payer quotes back when submitting a proof.
type Payment struct {
	ID                string
	RentalID          string
	RequesterID       string
	ProviderPaymentID string
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	Proof             string
	Challenge         string // serialized challenge payload, provider-defined
	CreatedAt         time.Time
	SettledAt         *time.Time
}

// Invoice mirrors a rental's financial summary. Created atomically with the
// rental; flips to PAID exactly when the rental's payment settles.
type Invoice struct {
	ID          string
	RentalID    string
	RequesterID string
	ProviderID  string
	Subtotal    decimal.Decimal
	Fee         decimal.Decimal
	Total       decimal.Decimal
	Currency    string
	Status      InvoiceStatus
	PaidAt      *time.Time
}

// UsageRecord is an immutable consumption slice of an active rental. Settled
// flips exactly once, by the settlement sweep, and is never reverted.
type UsageRecord struct {
	ID              string
	RentalID        string
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int64
	Amount          decimal.Decimal
	Cost            decimal.Decimal
	Settled         bool
	SettledAt       *time.Time
	CreatedAt       time.Time
}

// Settlement records funds having moved, for a payment or a usage batch.
// Append-only; never mutated after creation.
type Settlement struct {
	ID              string
	RentalID        string
	PaymentID       string // broker payment row id; empty for usage batches
	Amount          decimal.Decimal
	Currency        string
	Status          string
	TransactionHash string
	SettledAt       time.Time
}
