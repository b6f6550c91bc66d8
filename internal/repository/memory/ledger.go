// Package memory is an in-process ledger with the same conditional-update
// semantics as the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Ledger struct {
	mu       sync.Mutex
	now      func() time.Time
	payments map[string]*entity.Payment
	escrows  map[string]*entity.Escrow // by payment id
	events   []*entity.PaymentEvent
	txs      []*entity.ChainTx
	payouts  []*entity.Payout
	leases   map[leaseKey]lease
}

var _ repository.LedgerRepository = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		now:      func() time.Time { return time.Now().UTC() },
		payments: make(map[string]*entity.Payment),
		escrows:  make(map[string]*entity.Escrow),
		leases:   make(map[leaseKey]lease),
	}
}

// SetClock replaces the clock used for timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// EditPayment applies a manual correction to a stored payment, the way an
// operator would fix beneficiary details in the database.
func (l *Ledger) EditPayment(paymentID string, fn func(p *entity.Payment)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return err
	}
	fn(p)
	p.UpdatedAt = l.now()
	return nil
}

func (l *Ledger) appendEvent(ev *entity.PaymentEvent) error {
	if ev == nil {
		return nil
	}
	if ev.Type == entity.EventPaymentCompleted {
		for _, e := range l.events {
			if e.PaymentID == ev.PaymentID && e.Type == entity.EventPaymentCompleted {
				return fmt.Errorf("%w: uniq_payment_completed", repository.ErrConflict)
			}
		}
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	cp := *ev
	l.events = append(l.events, &cp)
	return nil
}

func (l *Ledger) payment(id string) (*entity.Payment, error) {
	p, ok := l.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, repository.ErrNotFound)
	}
	return p, nil
}

func (l *Ledger) escrowByID(id string) (*entity.Escrow, error) {
	for _, e := range l.escrows {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("escrow %s: %w", id, repository.ErrNotFound)
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Payments

func (l *Ledger) CreatePayment(_ context.Context, p *entity.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := l.payments[p.ID]; ok {
		return fmt.Errorf("payment %s: %w", p.ID, repository.ErrConflict)
	}
	if p.Currency == "" {
		p.Currency = entity.CurrencyMXN
	}
	if p.Status == "" {
		p.Status = entity.StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = l.now()
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	l.payments[p.ID] = &cp
	return nil
}

func (l *Ledger) GetPaymentByID(_ context.Context, paymentID string) (*entity.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (l *Ledger) sortedPayments(keep func(*entity.Payment) bool, limit int) []*entity.Payment {
	var out []*entity.Payment
	for _, p := range l.payments {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (l *Ledger) ListPaymentsByStatus(_ context.Context, statuses []entity.PaymentStatus, limit int) ([]*entity.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedPayments(func(p *entity.Payment) bool { return containsStatus(statuses, p.Status) }, limit), nil
}

func (l *Ledger) ListAwaitingDeposit(_ context.Context, limit int) ([]*entity.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedPayments((*entity.Payment).AwaitingDeposit, limit), nil
}

func (l *Ledger) MarkDepositDetected(_ context.Context, paymentID, reference string, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return err
	}
	if p.Status != entity.StatusPending || (p.Reference != nil && *p.Reference != "") {
		return repository.ErrConflict
	}
	for _, other := range l.payments {
		if other.Reference != nil && *other.Reference == reference {
			return fmt.Errorf("%w: payment_reference_key", repository.ErrConflict)
		}
	}
	ref := reference
	p.Reference = &ref
	p.Status = entity.StatusDepositDetected
	p.UpdatedAt = l.now()
	return l.appendEvent(ev)
}

func (l *Ledger) transition(p *entity.Payment, from []entity.PaymentStatus, to entity.PaymentStatus) error {
	if !containsStatus(from, p.Status) {
		return repository.ErrConflict
	}
	p.Status = to
	p.UpdatedAt = l.now()
	return nil
}

func (l *Ledger) TransitionPayment(_ context.Context, paymentID string, from, to entity.PaymentStatus, ev *entity.PaymentEvent) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("payment transition %s -> %s not allowed: %w", from, to, repository.ErrConflict)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return err
	}
	prev := *p
	if err := l.transition(p, []entity.PaymentStatus{from}, to); err != nil {
		return err
	}
	if err := l.appendEvent(ev); err != nil {
		*p = prev
		return err
	}
	return nil
}

func (l *Ledger) CompletePayment(_ context.Context, paymentID string, releaseAmount decimal.Decimal, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return err
	}
	if p.Status != entity.StatusReleased {
		return repository.ErrConflict
	}
	if err := l.appendEvent(ev); err != nil {
		return err
	}
	p.Status = entity.StatusCompleted
	p.ReleaseAmount = releaseAmount
	p.UpdatedAt = l.now()
	if e, ok := l.escrows[paymentID]; ok && e.Status == entity.EscrowReleased {
		e.Status = entity.EscrowCompleted
		e.UpdatedAt = p.UpdatedAt
	}
	return nil
}

func (l *Ledger) SetApproval(_ context.Context, paymentID string, party entity.Party, at time.Time, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, err := l.payment(paymentID)
	if err != nil {
		return err
	}
	ts := at
	switch party {
	case entity.PartyPayer:
		if p.PayerApproval {
			return repository.ErrConflict
		}
		p.PayerApproval, p.PayerApprovalAt = true, &ts
	case entity.PartyPayee:
		if p.PayeeApproval {
			return repository.ErrConflict
		}
		p.PayeeApproval, p.PayeeApprovalAt = true, &ts
	default:
		return fmt.Errorf("unknown party %q", party)
	}
	p.UpdatedAt = l.now()
	return l.appendEvent(ev)
}
