package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/flowra/ramarket/pkg/calculator"
)

// Postgres is the durable Store. Every guarded transition is a single
// conditional UPDATE (… WHERE status = expected), so the compare-and-swap
// semantics hold across service instances and restarts.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to the given source and verifies connectivity.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) PutOffer(ctx context.Context, o *Offer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO offers (id, owner_id, resource_type, unit_price, currency, published, active, min_duration_minutes, max_duration_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			resource_type = EXCLUDED.resource_type,
			unit_price = EXCLUDED.unit_price,
			currency = EXCLUDED.currency,
			published = EXCLUDED.published,
			active = EXCLUDED.active,
			min_duration_minutes = EXCLUDED.min_duration_minutes,
			max_duration_minutes = EXCLUDED.max_duration_minutes`,
		o.ID, o.OwnerID, string(o.ResourceType), o.UnitPrice.String(), o.Currency,
		o.Published, o.Active, o.MinDurationMinutes, o.MaxDurationMinutes)
	return err
}

func (s *Postgres) GetOffer(ctx context.Context, id string) (*Offer, error) {
	var o Offer
	var rt, unitPrice string
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, resource_type, unit_price::text, currency, published, active, min_duration_minutes, max_duration_minutes
		FROM offers WHERE id = $1`, id).
		Scan(&o.ID, &o.OwnerID, &rt, &unitPrice, &o.Currency, &o.Published, &o.Active, &o.MinDurationMinutes, &o.MaxDurationMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	o.ResourceType = resourceType(rt)
	if o.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return nil, fmt.Errorf("offer %s unit price: %w", id, err)
	}
	return &o, nil
}

func (s *Postgres) CreateRentalBundle(ctx context.Context, r *Rental, p *Payment, inv *Invoice) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rentals (id, offer_id, requester_id, resource_type, amount, duration_minutes,
			unit_price, total_price, platform_fee, currency, status, start_now, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.OfferID, r.RequesterID, string(r.ResourceType), r.Amount.String(), r.DurationMinutes,
		r.UnitPrice.String(), r.TotalPrice.String(), r.PlatformFee.String(), r.Currency, string(r.Status), r.StartNow, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rental: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, rental_id, requester_id, provider_payment_id, amount, currency, status, challenge, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.RentalID, p.RequesterID, p.ProviderPaymentID, p.Amount.String(), p.Currency, string(p.Status), p.Challenge, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO invoices (id, rental_id, requester_id, provider_id, subtotal, fee, total, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.RentalID, inv.RequesterID, inv.ProviderID, inv.Subtotal.String(), inv.Fee.String(),
		inv.Total.String(), inv.Currency, string(inv.Status))
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	return tx.Commit(ctx)
}

const rentalColumns = `id, offer_id, requester_id, resource_type, amount::text, duration_minutes,
	unit_price::text, total_price::text, platform_fee::text, currency, status, start_now,
	start_time, end_time, access_token, access_url, created_at`

func scanRental(row pgx.Row) (*Rental, error) {
	var r Rental
	var rt, amount, unitPrice, totalPrice, platformFee, status string
	var accessToken, accessURL *string
	err := row.Scan(&r.ID, &r.OfferID, &r.RequesterID, &rt, &amount, &r.DurationMinutes,
		&unitPrice, &totalPrice, &platformFee, &r.Currency, &status, &r.StartNow,
		&r.StartTime, &r.EndTime, &accessToken, &accessURL, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ResourceType = resourceType(rt)
	r.Status = RentalStatus(status)
	if accessToken != nil {
		r.AccessToken = *accessToken
	}
	if accessURL != nil {
		r.AccessURL = *accessURL
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&r.Amount, amount}, {&r.UnitPrice, unitPrice}, {&r.TotalPrice, totalPrice}, {&r.PlatformFee, platformFee}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("rental %s amount field: %w", r.ID, err)
		}
		*f.dst = d
	}
	return &r, nil
}

func (s *Postgres) GetRental(ctx context.Context, id string) (*Rental, error) {
	r, err := scanRental(s.pool.QueryRow(ctx, `SELECT `+rentalColumns+` FROM rentals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Postgres) listRentals(ctx context.Context, query string, args ...any) ([]*Rental, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) ListRentalsByRequester(ctx context.Context, requesterID string, status RentalStatus) ([]*Rental, error) {
	if status == "" {
		return s.listRentals(ctx, `SELECT `+rentalColumns+` FROM rentals
			WHERE requester_id = $1 ORDER BY created_at DESC`, requesterID)
	}
	return s.listRentals(ctx, `SELECT `+rentalColumns+` FROM rentals
		WHERE requester_id = $1 AND status = $2 ORDER BY created_at DESC`, requesterID, string(status))
}

func (s *Postgres) ListActiveRentals(ctx context.Context) ([]*Rental, error) {
	return s.listRentals(ctx, `SELECT `+rentalColumns+` FROM rentals
		WHERE status = 'ACTIVE' ORDER BY created_at`)
}

func (s *Postgres) ListExpiredActiveRentals(ctx context.Context, now time.Time) ([]*Rental, error) {
	return s.listRentals(ctx, `SELECT `+rentalColumns+` FROM rentals
		WHERE status = 'ACTIVE' AND end_time <= $1 ORDER BY created_at`, now)
}

// conditionalUpdate runs an UPDATE that must affect exactly one row. When no
// row changes, the entity either does not exist (ErrNotFound) or is not in
// the expected state (ErrConflict).
func (s *Postgres) conditionalUpdate(ctx context.Context, update string, updateArgs []any, existsQuery string, existsArgs ...any) error {
	tag, err := s.pool.Exec(ctx, update, updateArgs...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, existsQuery, existsArgs...).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *Postgres) ActivateRental(ctx context.Context, rentalID string, start, end time.Time, accessToken, accessURL string) error {
	return s.conditionalUpdate(ctx,
		`UPDATE rentals SET status = 'ACTIVE', start_time = $2, end_time = $3, access_token = $4, access_url = $5
		 WHERE id = $1 AND status = 'PENDING'`,
		[]any{rentalID, start, end, accessToken, accessURL},
		`SELECT EXISTS(SELECT 1 FROM rentals WHERE id = $1)`, rentalID)
}

func (s *Postgres) CompleteRental(ctx context.Context, rentalID string) error {
	return s.conditionalUpdate(ctx,
		`UPDATE rentals SET status = 'COMPLETED' WHERE id = $1 AND status = 'ACTIVE'`,
		[]any{rentalID},
		`SELECT EXISTS(SELECT 1 FROM rentals WHERE id = $1)`, rentalID)
}

func (s *Postgres) CancelRental(ctx context.Context, rentalID string) error {
	return s.conditionalUpdate(ctx,
		`UPDATE rentals SET status = 'CANCELLED' WHERE id = $1 AND status = 'PENDING'`,
		[]any{rentalID},
		`SELECT EXISTS(SELECT 1 FROM rentals WHERE id = $1)`, rentalID)
}

func (s *Postgres) GetPaymentByProviderID(ctx context.Context, providerPaymentID string) (*Payment, error) {
	var p Payment
	var amount, status string
	var proof *string
	err := s.pool.QueryRow(ctx, `
		SELECT id, rental_id, requester_id, provider_payment_id, amount::text, currency, status, proof, challenge, created_at, settled_at
		FROM payments WHERE provider_payment_id = $1`, providerPaymentID).
		Scan(&p.ID, &p.RentalID, &p.RequesterID, &p.ProviderPaymentID, &amount, &p.Currency, &status, &proof, &p.Challenge, &p.CreatedAt, &p.SettledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = PaymentStatus(status)
	if proof != nil {
		p.Proof = *proof
	}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	return &p, nil
}

func (s *Postgres) SettlePaymentRecord(ctx context.Context, paymentID, proof string, settledAt time.Time) error {
	return s.conditionalUpdate(ctx,
		`UPDATE payments SET status = 'SETTLED', proof = $2, settled_at = $3
		 WHERE id = $1 AND status = 'PENDING'`,
		[]any{paymentID, proof, settledAt},
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, paymentID)
}

func (s *Postgres) FailPaymentRecord(ctx context.Context, paymentID string) error {
	return s.conditionalUpdate(ctx,
		`UPDATE payments SET status = 'FAILED' WHERE id = $1 AND status <> 'SETTLED'`,
		[]any{paymentID},
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, paymentID)
}

func (s *Postgres) GetInvoiceByRental(ctx context.Context, rentalID string) (*Invoice, error) {
	var inv Invoice
	var subtotal, fee, total, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, rental_id, requester_id, provider_id, subtotal::text, fee::text, total::text, currency, status, paid_at
		FROM invoices WHERE rental_id = $1`, rentalID).
		Scan(&inv.ID, &inv.RentalID, &inv.RequesterID, &inv.ProviderID, &subtotal, &fee, &total, &inv.Currency, &status, &inv.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	inv.Status = InvoiceStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&inv.Subtotal, subtotal}, {&inv.Fee, fee}, {&inv.Total, total}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("invoice %s amount field: %w", inv.ID, err)
		}
		*f.dst = d
	}
	return &inv, nil
}

func (s *Postgres) MarkInvoicePaid(ctx context.Context, rentalID string, paidAt time.Time) error {
	return s.conditionalUpdate(ctx,
		`UPDATE invoices SET status = 'PAID', paid_at = $2 WHERE rental_id = $1 AND status = 'PENDING'`,
		[]any{rentalID, paidAt},
		`SELECT EXISTS(SELECT 1 FROM invoices WHERE rental_id = $1)`, rentalID)
}

func (s *Postgres) CreateUsageRecord(ctx context.Context, rec *UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (id, rental_id, start_time, end_time, duration_seconds, amount, cost, settled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)`,
		rec.ID, rec.RentalID, rec.StartTime, rec.EndTime, rec.DurationSeconds,
		rec.Amount.String(), rec.Cost.String(), rec.CreatedAt)
	return err
}

func (s *Postgres) LatestUsageEnd(ctx context.Context, rentalID string) (*time.Time, error) {
	var end *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT max(end_time) FROM usage_records WHERE rental_id = $1`, rentalID).Scan(&end)
	if err != nil {
		return nil, err
	}
	return end, nil
}

func (s *Postgres) ListUnsettledUsage(ctx context.Context, rentalID string) ([]*UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rental_id, start_time, end_time, duration_seconds, amount::text, cost::text, settled, settled_at, created_at
		FROM usage_records WHERE rental_id = $1 AND settled = false ORDER BY start_time`, rentalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var amount, cost string
		if err := rows.Scan(&rec.ID, &rec.RentalID, &rec.StartTime, &rec.EndTime, &rec.DurationSeconds,
			&amount, &cost, &rec.Settled, &rec.SettledAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("usage record %s amount: %w", rec.ID, err)
		}
		if rec.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("usage record %s cost: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Postgres) SettleUsageRecords(ctx context.Context, ids []string, settledAt time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE usage_records SET settled = true, settled_at = $2
		WHERE id = ANY($1) AND settled = false`, ids, settledAt)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CreateSettlement(ctx context.Context, set *Settlement) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlements (id, rental_id, payment_id, amount, currency, status, transaction_hash, settled_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)`,
		set.ID, set.RentalID, set.PaymentID, set.Amount.String(), set.Currency,
		set.Status, set.TransactionHash, set.SettledAt)
	return err
}

func (s *Postgres) ListSettlementsByRental(ctx context.Context, rentalID string) ([]*Settlement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, rental_id, COALESCE(payment_id, ''), amount::text, currency, status, transaction_hash, settled_at
		FROM settlements WHERE rental_id = $1 ORDER BY settled_at`, rentalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Settlement
	for rows.Next() {
		var set Settlement
		var amount string
		if err := rows.Scan(&set.ID, &set.RentalID, &set.PaymentID, &amount, &set.Currency,
			&set.Status, &set.TransactionHash, &set.SettledAt); err != nil {
			return nil, err
		}
		if set.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("settlement %s amount: %w", set.ID, err)
		}
		out = append(out, &set)
	}
	return out, rows.Err()
}

func resourceType(s string) calculator.ResourceType {
	return calculator.ResourceType(s)
}

var _ Store = (*Postgres)(nil)
