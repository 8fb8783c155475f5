// Package metering runs the broker's two background jobs: the usage meter,
// which records consumption slices for active rentals at a fixed cadence, and
// the expiry sweeper, which settles accumulated usage for rentals whose term
// has ended and completes them. Both jobs isolate per-rental failures so one
// bad rental never stalls the rest of the batch.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flowra/ramarket/pkg/billing"
	"github.com/flowra/ramarket/pkg/money"
	"github.com/flowra/ramarket/pkg/store"
)

var secondsPerMinute = decimal.NewFromInt(60)

// perSecondRate is the rental's total price spread evenly across its term.
func perSecondRate(r *store.Rental) decimal.Decimal {
	seconds := decimal.NewFromInt(r.DurationMinutes).Mul(secondsPerMinute)
	if seconds.IsZero() {
		return decimal.Zero
	}
	return r.TotalPrice.Div(seconds)
}

// Meter records usage slices for every active rental once per interval.
type Meter struct {
	store    store.Store
	provider billing.Provider
	interval time.Duration
	now      func() time.Time
}

// NewMeter builds a usage meter ticking at the given interval.
func NewMeter(st store.Store, provider billing.Provider, interval time.Duration) *Meter {
	return &Meter{store: st, provider: provider, interval: interval, now: time.Now}
}

// Tick records one usage slice per active rental, clipped to the rental's
// term. A failing rental is logged and skipped; Tick reports an error only
// when the batch itself could not be listed or some rentals failed.
func (m *Meter) Tick(ctx context.Context) error {
	now := m.now()
	rentals, err := m.store.ListActiveRentals(ctx)
	if err != nil {
		return fmt.Errorf("list active rentals: %w", err)
	}

	var failed int
	for _, r := range rentals {
		if err := m.meterRental(ctx, r, now); err != nil {
			zap.L().Warn("usage metering failed for rental",
				zap.String("rental_id", r.ID), zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("usage metering failed for %d of %d rentals", failed, len(rentals))
	}
	return nil
}

// meterRental records the usage slice between the rental's last recorded
// usage and now, clipped to the rental term. Slicing from the last record
// keeps ticks gapless across missed runs and never double-counts the tail of
// an expired rental awaiting its sweep.
func (m *Meter) meterRental(ctx context.Context, r *store.Rental, now time.Time) error {
	if r.StartTime == nil || r.EndTime == nil {
		return fmt.Errorf("active rental %s has no term", r.ID)
	}

	sliceEnd := now
	if sliceEnd.After(*r.EndTime) {
		sliceEnd = *r.EndTime
	}
	sliceStart := *r.StartTime
	last, err := m.store.LatestUsageEnd(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("latest usage end: %w", err)
	}
	if last != nil && last.After(sliceStart) {
		sliceStart = *last
	}
	if !sliceEnd.After(sliceStart) {
		return nil
	}

	seconds := int64(sliceEnd.Sub(sliceStart).Seconds())
	cost := perSecondRate(r).Mul(decimal.NewFromInt(seconds))

	rec := &store.UsageRecord{
		ID:              uuid.NewString(),
		RentalID:        r.ID,
		StartTime:       sliceStart,
		EndTime:         sliceEnd,
		DurationSeconds: seconds,
		Amount:          r.Amount,
		Cost:            cost,
		CreatedAt:       now,
	}
	if err := m.store.CreateUsageRecord(ctx, rec); err != nil {
		return fmt.Errorf("create usage record: %w", err)
	}

	// Provider-side bookkeeping. The record is already persisted; a failed
	// forward does not lose the usage, so it only warns.
	err = m.provider.RecordUsage(ctx, billing.MeteringRecord{
		RentalID:        r.ID,
		StartTime:       sliceStart,
		EndTime:         sliceEnd,
		DurationSeconds: seconds,
		Amount:          money.Format(r.Amount),
		Cost:            money.Format(cost),
	})
	if err != nil {
		zap.L().Warn("provider usage forward failed",
			zap.String("rental_id", r.ID), zap.Error(err))
	}
	return nil
}

// Run ticks until the context is cancelled.
func (m *Meter) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	zap.L().Info("usage meter started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("usage meter stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				zap.L().Error("usage meter tick", zap.Error(err))
			}
		}
	}
}

// Sweeper settles and completes rentals whose term has expired.
type Sweeper struct {
	store    store.Store
	provider billing.Provider
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewSweeper builds an expiry sweeper running at the given cadence, with each
// sweep bounded by timeout.
func NewSweeper(st store.Store, provider billing.Provider, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{store: st, provider: provider, interval: interval, timeout: timeout, now: time.Now}
}

// Sweep settles the unsettled usage of every expired active rental and
// transitions it to COMPLETED. Rentals already swept by a concurrent run are
// skipped without error, so rerunning a sweep is a no-op. Returns the number
// of rentals completed by this call.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ListExpiredActiveRentals(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired rentals: %w", err)
	}

	var completed, failed int
	for _, r := range expired {
		done, err := s.sweepRental(ctx, r)
		if err != nil {
			zap.L().Warn("sweep failed for rental",
				zap.String("rental_id", r.ID), zap.Error(err))
			failed++
			continue
		}
		if done {
			completed++
		}
	}
	if failed > 0 {
		return completed, fmt.Errorf("sweep failed for %d of %d rentals", failed, len(expired))
	}
	return completed, nil
}

func (s *Sweeper) sweepRental(ctx context.Context, r *store.Rental) (bool, error) {
	records, err := s.store.ListUnsettledUsage(ctx, r.ID)
	if err != nil {
		return false, fmt.Errorf("list unsettled usage: %w", err)
	}

	if len(records) > 0 {
		mrecs := make([]billing.MeteringRecord, 0, len(records))
		ids := make([]string, 0, len(records))
		for _, rec := range records {
			mrecs = append(mrecs, billing.MeteringRecord{
				RentalID:        rec.RentalID,
				StartTime:       rec.StartTime,
				EndTime:         rec.EndTime,
				DurationSeconds: rec.DurationSeconds,
				Amount:          money.Format(rec.Amount),
				Cost:            money.Format(rec.Cost),
			})
			ids = append(ids, rec.ID)
		}

		settlement, err := s.provider.ProcessSettlement(ctx, r.ID, mrecs)
		if err != nil {
			return false, fmt.Errorf("process settlement: %w", err)
		}

		n, err := s.store.SettleUsageRecords(ctx, ids, settlement.SettledAt)
		if err != nil {
			return false, fmt.Errorf("settle usage records: %w", err)
		}
		// n == 0 means a concurrent sweep already flipped these records and
		// recorded the settlement; only the flipping call appends one.
		if n > 0 {
			amount, err := decimal.NewFromString(settlement.Amount)
			if err != nil {
				return false, fmt.Errorf("settlement amount %q: %w", settlement.Amount, err)
			}
			if err := s.store.CreateSettlement(ctx, &store.Settlement{
				ID:              uuid.NewString(),
				RentalID:        r.ID,
				Amount:          amount,
				Currency:        settlement.Currency,
				Status:          string(settlement.Status),
				TransactionHash: settlement.TransactionHash,
				SettledAt:       settlement.SettledAt,
			}); err != nil {
				return false, fmt.Errorf("record settlement: %w", err)
			}
			zap.L().Info("usage settled",
				zap.String("rental_id", r.ID),
				zap.Int("records", n),
				zap.String("amount", settlement.Amount))
		}
	}

	if err := s.store.CompleteRental(ctx, r.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("complete rental: %w", err)
	}
	zap.L().Info("rental completed", zap.String("rental_id", r.ID))
	return true, nil
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	zap.L().Info("expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, s.timeout)
			if _, err := s.Sweep(sctx); err != nil {
				zap.L().Error("expiry sweep", zap.Error(err))
			}
			cancel()
		}
	}
}
