// Package rental implements the rental lifecycle: creation against a
// published offer (answered with a payment challenge, never access), payment
// completion driving verify -> authorize -> settle, cancellation, and reads.
// The central contract is that creating a rental never grants access; only a
// settled payment does, and activation happens at most once per rental.
package rental

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/calculator"
	"github.com/flowra/ramarket/pkg/config"
	"github.com/flowra/ramarket/pkg/store"
)

var (
	// ErrOfferUnavailable is returned when the offer does not exist or is not
	// published and active.
	ErrOfferUnavailable = errors.New("offer not found or not available")
	// ErrSelfRental rejects renting one's own offer.
	ErrSelfRental = errors.New("cannot rent your own offer")
	// ErrAccessDenied is returned when the caller does not own the resource.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotCancellable is returned when a rental is past the point where
	// cancellation is allowed (anything but PENDING).
	ErrNotCancellable = errors.New("rental can no longer be cancelled")
)

// Service drives rentals between pending, active, and completed in lockstep
// with their payment and invoice. All provider and store access is injected
// at construction; there is no global provider state.
type Service struct {
	store    store.Store
	provider billing.Provider
	cfg      *config.Config
	now      func() time.Time
}

// NewService builds a rental service on the given store and billing provider.
func NewService(st store.Store, provider billing.Provider, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	OfferID         string
	RequesterID     string
	Amount          decimal.Decimal
	DurationMinutes int64
	// StartNow pins the term start to the creation time rather than the
	// settlement time. Access is never granted before settlement either way.
	StartNow bool
}

// CreateResult is the payment-required response to a rental creation.
type CreateResult struct {
	Rental  *store.Rental
	Payment *billing.PaymentRequest
}

// Create validates the offer, prices the rental, persists it PENDING together
// with its payment and invoice, and returns the provider's payment challenge.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	offer, err := s.store.GetOffer(ctx, p.OfferID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOfferUnavailable
		}
		return nil, fmt.Errorf("load offer: %w", err)
	}
	if !offer.Published || !offer.Active {
		return nil, ErrOfferUnavailable
	}
	if offer.OwnerID == p.RequesterID {
		return nil, ErrSelfRental
	}
	if p.DurationMinutes < offer.MinDurationMinutes {
		return nil, fmt.Errorf("%w: duration below offer minimum of %d minutes",
			calculator.ErrInvalidInput, offer.MinDurationMinutes)
	}
	if offer.MaxDurationMinutes > 0 && p.DurationMinutes > offer.MaxDurationMinutes {
		return nil, fmt.Errorf("%w: duration above offer maximum of %d minutes",
			calculator.ErrInvalidInput, offer.MaxDurationMinutes)
	}

	cost, err := calculator.Compute(calculator.CostInput{
		ResourceType:    offer.ResourceType,
		Amount:          p.Amount,
		DurationMinutes: p.DurationMinutes,
		UnitPrice:       offer.UnitPrice,
		FeePercent:      decimal.NewFromFloat(s.cfg.PlatformFeePercent),
		Currency:        offer.Currency,
	})
	if err != nil {
		return nil, err
	}

	rentalID := uuid.NewString()
	description := fmt.Sprintf("Rental payment for %s %s for %d minutes",
		p.Amount.String(), offer.ResourceType, p.DurationMinutes)

	payReq, err := s.provider.CreatePaymentChallenge(ctx, billing.ChallengeParams{
		Amount:      cost.Total,
		Currency:    cost.Currency,
		Description: description,
		Metadata: map[string]string{
			"rentalId": rentalID,
			"offerId":  offer.ID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}

	challengeJSON, err := json.Marshal(payReq.Challenge)
	if err != nil {
		return nil, fmt.Errorf("encode challenge: %w", err)
	}

	now := s.now()
	rental := &store.Rental{
		ID:              rentalID,
		OfferID:         offer.ID,
		RequesterID:     p.RequesterID,
		ResourceType:    offer.ResourceType,
		Amount:          p.Amount,
		DurationMinutes: p.DurationMinutes,
		UnitPrice:       offer.UnitPrice,
		TotalPrice:      cost.Total,
		PlatformFee:     cost.Fee,
		Currency:        cost.Currency,
		Status:          store.RentalPending,
		StartNow:        p.StartNow,
		CreatedAt:       now,
	}
	payment := &store.Payment{
		ID:                uuid.NewString(),
		RentalID:          rentalID,
		RequesterID:       p.RequesterID,
		ProviderPaymentID: payReq.Challenge.PaymentID,
		Amount:            cost.Total,
		Currency:          cost.Currency,
		Status:            store.PaymentPending,
		Challenge:         string(challengeJSON),
		CreatedAt:         now,
	}
	invoice := &store.Invoice{
		ID:          uuid.NewString(),
		RentalID:    rentalID,
		RequesterID: p.RequesterID,
		ProviderID:  offer.OwnerID,
		Subtotal:    cost.Subtotal,
		Fee:         cost.Fee,
		Total:       cost.Total,
		Currency:    cost.Currency,
		Status:      store.InvoicePending,
	}

	if err := s.store.CreateRentalBundle(ctx, rental, payment, invoice); err != nil {
		return nil, fmt.Errorf("persist rental: %w", err)
	}

	zap.L().Info("rental created, payment required",
		zap.String("rental_id", rentalID),
		zap.String("payment_id", payReq.Challenge.PaymentID),
		zap.String("total", cost.Total.String()))

	return &CreateResult{Rental: rental, Payment: payReq}, nil
}

// CompleteParams are the inputs to CompletePayment.
type CompleteParams struct {
	PaymentID   string // provider-assigned payment id from the challenge
	Proof       string
	RequesterID string
}

// CompleteResult reports the settled payment and the activated rental.
type CompleteResult struct {
	Payment *store.Payment
	Rental  *store.Rental
}

// CompletePayment runs verify -> authorize -> settle for the payment and, on
// success, activates the rental and marks its invoice paid. Any failure leg
// aborts the sequence with no rental state change. Replays of an already
// settled payment fail with ALREADY_PROCESSED; concurrent calls for the same
// rental activate it exactly once.
func (s *Service) CompletePayment(ctx context.Context, p CompleteParams) (*CompleteResult, error) {
	payment, err := s.store.GetPaymentByProviderID(ctx, p.PaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if payment.RequesterID != p.RequesterID {
		return nil, ErrAccessDenied
	}
	switch payment.Status {
	case store.PaymentPending:
	case store.PaymentFailed:
		// The challenge died before settlement; the caller must create a
		// fresh rental, not believe this one already paid.
		return nil, billing.NewPaymentError(billing.CodeExpired,
			"payment %s expired; create a new rental", p.PaymentID)
	default:
		return nil, billing.NewPaymentError(billing.CodeAlreadyProcessed,
			"payment %s already processed", p.PaymentID)
	}

	verification, err := s.provider.VerifyPayment(ctx, billing.Proof{
		PaymentID: p.PaymentID,
		Proof:     p.Proof,
		Timestamp: s.now(),
	})
	if err != nil {
		if pe, ok := billing.AsPaymentError(err); ok && pe.Code == billing.CodeExpired {
			// The challenge is dead; the row fails so a fresh rental (and
			// challenge) must be created. Best effort, the provider already
			// rejected it.
			if ferr := s.store.FailPaymentRecord(ctx, payment.ID); ferr != nil && !errors.Is(ferr, store.ErrConflict) {
				zap.L().Warn("failed to mark expired payment", zap.String("payment_id", payment.ID), zap.Error(ferr))
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}
	if !verification.Valid {
		return nil, billing.NewPaymentError(billing.CodeInvalidProof, "invalid payment proof")
	}

	auth, err := s.provider.AuthorizePayment(ctx, billing.AuthorizeParams{
		PaymentID: p.PaymentID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}
	if !auth.Authorized {
		return nil, billing.NewPaymentError(billing.CodeAuthorizationFailed, "payment authorization failed")
	}

	settlement, err := s.provider.SettlePayment(ctx, billing.SettleParams{
		PaymentID: p.PaymentID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	})
	if err != nil {
		if _, ok := billing.AsPaymentError(err); ok {
			return nil, err
		}
		if errors.Is(err, billing.ErrNotAuthorized) {
			return nil, billing.NewPaymentError(billing.CodeAuthorizationFailed, "payment not authorized")
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}

	settledAt := settlement.SettledAt
	if err := s.store.SettlePaymentRecord(ctx, payment.ID, p.Proof, settledAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, billing.NewPaymentError(billing.CodeAlreadyProcessed,
				"payment %s already processed", p.PaymentID)
		}
		return nil, fmt.Errorf("settle payment record: %w", err)
	}

	settleAmount, err := decimal.NewFromString(settlement.Amount)
	if err != nil {
		return nil, fmt.Errorf("settlement amount %q: %w", settlement.Amount, err)
	}
	if err := s.store.CreateSettlement(ctx, &store.Settlement{
		ID:              uuid.NewString(),
		RentalID:        payment.RentalID,
		PaymentID:       payment.ID,
		Amount:          settleAmount,
		Currency:        settlement.Currency,
		Status:          string(settlement.Status),
		TransactionHash: settlement.TransactionHash,
		SettledAt:       settledAt,
	}); err != nil {
		return nil, fmt.Errorf("record settlement: %w", err)
	}

	rental, err := s.store.GetRental(ctx, payment.RentalID)
	if err != nil {
		return nil, fmt.Errorf("load rental: %w", err)
	}
	if rental.Status == store.RentalPending {
		start := s.now()
		if rental.StartNow {
			// The requester asked for the term to start at creation; the paid
			// window covers creation-to-end even when settlement came later.
			start = rental.CreatedAt
		}
		end := start.Add(time.Duration(rental.DurationMinutes) * time.Minute)
		token := "token_" + randomHex(32)
		accessURL := fmt.Sprintf("%s/access/%s", s.cfg.AccessBaseURL, rental.OfferID)

		err := s.store.ActivateRental(ctx, rental.ID, start, end, token, accessURL)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrConflict):
			// Lost an activation race; the rental is already live.
		default:
			return nil, fmt.Errorf("activate rental: %w", err)
		}

		if err := s.store.MarkInvoicePaid(ctx, rental.ID, settledAt); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("mark invoice paid: %w", err)
		}

		if rental, err = s.store.GetRental(ctx, rental.ID); err != nil {
			return nil, fmt.Errorf("reload rental: %w", err)
		}
	}

	payment.Status = store.PaymentSettled
	payment.Proof = p.Proof
	payment.SettledAt = &settledAt

	zap.L().Info("payment settled, rental activated",
		zap.String("rental_id", rental.ID),
		zap.String("payment_id", p.PaymentID),
		zap.String("tx", settlement.TransactionHash))

	return &CompleteResult{Payment: payment, Rental: rental}, nil
}

// Get returns a rental readable by the caller: its requester or the offer
// owner.
func (s *Service) Get(ctx context.Context, rentalID, callerID string) (*store.Rental, error) {
	r, err := s.store.GetRental(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if r.RequesterID != callerID {
		offer, oerr := s.store.GetOffer(ctx, r.OfferID)
		if oerr != nil || offer.OwnerID != callerID {
			return nil, ErrAccessDenied
		}
	}
	return r, nil
}

// List returns the caller's rentals, optionally filtered by status.
func (s *Service) List(ctx context.Context, callerID string, status store.RentalStatus) ([]*store.Rental, error) {
	return s.store.ListRentalsByRequester(ctx, callerID, status)
}

// Cancel transitions the caller's PENDING rental to CANCELLED.
func (s *Service) Cancel(ctx context.Context, rentalID, callerID string) error {
	r, err := s.store.GetRental(ctx, rentalID)
	if err != nil {
		return err
	}
	if r.RequesterID != callerID {
		return ErrAccessDenied
	}
	if err := s.store.CancelRental(ctx, rentalID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ErrNotCancellable
		}
		return err
	}
	zap.L().Info("rental cancelled", zap.String("rental_id", rentalID))
	return nil
}

// QuoteParams are the inputs to Quote.
type QuoteParams struct {
	RentalID string
	Amount   decimal.Decimal
	Currency string
}

// Quote returns the provider's fee estimate for paying the given amount. The
// estimate uses the provider's own fee schedule and is illustrative only.
func (s *Service) Quote(ctx context.Context, p QuoteParams) (*billing.Quote, error) {
	currency := p.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	q, err := s.provider.CreateQuote(ctx, billing.QuoteParams{
		Amount:      p.Amount,
		Currency:    currency,
		Description: fmt.Sprintf("Rental payment for rental %s", p.RentalID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}
	return q, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
