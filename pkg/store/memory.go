package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store used in development and tests.
// Conditional updates happen under the lock, so the compare-and-swap
// guarantees hold within a single process. Production deployments use the
// Postgres store instead.
type Memory struct {
	mu          sync.Mutex
	offers      map[string]*Offer
	rentals     map[string]*Rental
	payments    map[string]*Payment // keyed by payment row id
	byProvider  map[string]string   // provider payment id -> payment row id
	invoices    map[string]*Invoice // keyed by rental id
	usage       map[string]*UsageRecord
	settlements []*Settlement
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		offers:     make(map[string]*Offer),
		rentals:    make(map[string]*Rental),
		payments:   make(map[string]*Payment),
		byProvider: make(map[string]string),
		invoices:   make(map[string]*Invoice),
		usage:      make(map[string]*UsageRecord),
	}
}

func (m *Memory) PutOffer(_ context.Context, o *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *Memory) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) CreateRentalBundle(_ context.Context, r *Rental, p *Payment, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, pc, ic := *r, *p, *inv
	m.rentals[r.ID] = &rc
	m.payments[p.ID] = &pc
	m.byProvider[p.ProviderPaymentID] = p.ID
	m.invoices[inv.RentalID] = &ic
	return nil
}

func (m *Memory) GetRental(_ context.Context, id string) (*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRentalsByRequester(_ context.Context, requesterID string, status RentalStatus) ([]*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rental
	for _, r := range m.rentals {
		if r.RequesterID != requesterID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveRentals(_ context.Context) ([]*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rental
	for _, r := range m.rentals {
		if r.Status == RentalActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListExpiredActiveRentals(_ context.Context, now time.Time) ([]*Rental, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Rental
	for _, r := range m.rentals {
		if r.Status == RentalActive && r.EndTime != nil && !r.EndTime.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ActivateRental(_ context.Context, rentalID string, start, end time.Time, accessToken, accessURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[rentalID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != RentalPending {
		return ErrConflict
	}
	r.Status = RentalActive
	r.StartTime = &start
	r.EndTime = &end
	r.AccessToken = accessToken
	r.AccessURL = accessURL
	return nil
}

func (m *Memory) CompleteRental(_ context.Context, rentalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[rentalID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != RentalActive {
		return ErrConflict
	}
	r.Status = RentalCompleted
	return nil
}

func (m *Memory) CancelRental(_ context.Context, rentalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rentals[rentalID]
	if !ok {
		return ErrNotFound
	}
	if r.Status != RentalPending {
		return ErrConflict
	}
	r.Status = RentalCancelled
	return nil
}

func (m *Memory) GetPaymentByProviderID(_ context.Context, providerPaymentID string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byProvider[providerPaymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.payments[id]
	return &cp, nil
}

func (m *Memory) SettlePaymentRecord(_ context.Context, paymentID, proof string, settledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != PaymentPending {
		return ErrConflict
	}
	p.Status = PaymentSettled
	p.Proof = proof
	p.SettledAt = &settledAt
	return nil
}

func (m *Memory) FailPaymentRecord(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	if p.Status == PaymentSettled {
		return ErrConflict
	}
	p.Status = PaymentFailed
	return nil
}

func (m *Memory) GetInvoiceByRental(_ context.Context, rentalID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[rentalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *Memory) MarkInvoicePaid(_ context.Context, rentalID string, paidAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[rentalID]
	if !ok {
		return ErrNotFound
	}
	if inv.Status != InvoicePending {
		return ErrConflict
	}
	inv.Status = InvoicePaid
	inv.PaidAt = &paidAt
	return nil
}

func (m *Memory) CreateUsageRecord(_ context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.usage[rec.ID] = &cp
	return nil
}

func (m *Memory) LatestUsageEnd(_ context.Context, rentalID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, rec := range m.usage {
		if rec.RentalID != rentalID {
			continue
		}
		if latest == nil || rec.EndTime.After(*latest) {
			end := rec.EndTime
			latest = &end
		}
	}
	return latest, nil
}

func (m *Memory) ListUnsettledUsage(_ context.Context, rentalID string) ([]*UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*UsageRecord
	for _, rec := range m.usage {
		if rec.RentalID == rentalID && !rec.Settled {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *Memory) SettleUsageRecords(_ context.Context, ids []string, settledAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settled := 0
	for _, id := range ids {
		rec, ok := m.usage[id]
		if !ok || rec.Settled {
			continue
		}
		rec.Settled = true
		rec.SettledAt = &settledAt
		settled++
	}
	return settled, nil
}

func (m *Memory) CreateSettlement(_ context.Context, s *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.settlements = append(m.settlements, &cp)
	return nil
}

func (m *Memory) ListSettlementsByRental(_ context.Context, rentalID string) ([]*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Settlement
	for _, s := range m.settlements {
		if s.RentalID == rentalID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
