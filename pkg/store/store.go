package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional update finds the entity in a
// state other than the expected one. The caller lost the race or is replaying
// an already-applied transition.
var ErrConflict = errors.New("conflicting state transition")

// Store is the keyed persistence boundary shared by the rental service and
// the metering jobs. Implementations must make the conditional updates atomic
// per entity so concurrent callers cannot both apply the same transition.
type Store interface {
	// PutOffer upserts an offer. Offers are owned by the external catalog;
	// the broker only caches what it needs for validation and pricing.
	PutOffer(ctx context.Context, o *Offer) error
	// GetOffer returns the offer or ErrNotFound.
	GetOffer(ctx context.Context, id string) (*Offer, error)

	// CreateRentalBundle persists a rental with its payment and invoice
	// atomically. All three are stored or none is.
	CreateRentalBundle(ctx context.Context, r *Rental, p *Payment, inv *Invoice) error
	// GetRental returns the rental or ErrNotFound.
	GetRental(ctx context.Context, id string) (*Rental, error)
	// ListRentalsByRequester returns the requester's rentals, newest first.
	// An empty status means all statuses.
	ListRentalsByRequester(ctx context.Context, requesterID string, status RentalStatus) ([]*Rental, error)
	// ListActiveRentals returns all rentals currently in the ACTIVE state.
	ListActiveRentals(ctx context.Context) ([]*Rental, error)
	// ListExpiredActiveRentals returns ACTIVE rentals whose end time is at or
	// before now.
	ListExpiredActiveRentals(ctx context.Context, now time.Time) ([]*Rental, error)

	// ActivateRental transitions the rental to ACTIVE, sets its term and
	// access credential — but only if it is still PENDING. ErrConflict
	// otherwise. This is the guard that makes activation exactly-once.
	ActivateRental(ctx context.Context, rentalID string, start, end time.Time, accessToken, accessURL string) error
	// CompleteRental transitions ACTIVE -> COMPLETED; ErrConflict otherwise.
	CompleteRental(ctx context.Context, rentalID string) error
	// CancelRental transitions PENDING -> CANCELLED; ErrConflict otherwise.
	CancelRental(ctx context.Context, rentalID string) error

	// GetPaymentByProviderID looks a payment up by the provider-assigned id.
	GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*Payment, error)
	// SettlePaymentRecord transitions the payment row to SETTLED and pins the
	// proof — but only if it is still PENDING. ErrConflict otherwise.
	SettlePaymentRecord(ctx context.Context, paymentID, proof string, settledAt time.Time) error
	// FailPaymentRecord transitions the payment row to FAILED unless it has
	// already settled.
	FailPaymentRecord(ctx context.Context, paymentID string) error

	// GetInvoiceByRental returns the rental's invoice or ErrNotFound.
	GetInvoiceByRental(ctx context.Context, rentalID string) (*Invoice, error)
	// MarkInvoicePaid transitions the invoice to PAID if still PENDING.
	MarkInvoicePaid(ctx context.Context, rentalID string, paidAt time.Time) error

	// CreateUsageRecord appends one usage record.
	CreateUsageRecord(ctx context.Context, rec *UsageRecord) error
	// LatestUsageEnd returns the end time of the rental's newest usage record,
	// or nil when none has been recorded yet.
	LatestUsageEnd(ctx context.Context, rentalID string) (*time.Time, error)
	// ListUnsettledUsage returns the rental's unsettled records, oldest first.
	ListUnsettledUsage(ctx context.Context, rentalID string) ([]*UsageRecord, error)
	// SettleUsageRecords flips the given records to settled, skipping any
	// that already are. Returns how many records this call settled.
	SettleUsageRecords(ctx context.Context, ids []string, settledAt time.Time) (int, error)

	// CreateSettlement appends a settlement record.
	CreateSettlement(ctx context.Context, s *Settlement) error
	// ListSettlementsByRental returns settlements recorded for the rental.
	ListSettlementsByRental(ctx context.Context, rentalID string) ([]*Settlement, error)
}
