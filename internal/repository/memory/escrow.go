package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
)

func (l *Ledger) CreateEscrow(_ context.Context, e *entity.Escrow) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.escrows[e.PaymentID]; ok {
		return fmt.Errorf("%w: escrow_payment_id_key", repository.ErrConflict)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = entity.EscrowPending
	}
	e.CreatedAt = l.now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	l.escrows[e.PaymentID] = &cp
	return nil
}

func (l *Ledger) GetEscrowByPaymentID(_ context.Context, paymentID string) (*entity.Escrow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[paymentID]
	if !ok {
		return nil, fmt.Errorf("escrow for payment %s: %w", paymentID, repository.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// apply runs a combined escrow/payment update and rolls both rows back when
// any step fails.
func (l *Ledger) apply(escrowID string, fn func(e *entity.Escrow, p *entity.Payment) error) (*entity.Escrow, error) {
	e, err := l.escrowByID(escrowID)
	if err != nil {
		return nil, err
	}
	p, err := l.payment(e.PaymentID)
	if err != nil {
		return nil, err
	}
	prevE, prevP := *e, *p
	if err := fn(e, p); err != nil {
		*e, *p = prevE, prevP
		return nil, err
	}
	e.UpdatedAt = l.now()
	p.UpdatedAt = e.UpdatedAt
	cp := *e
	return &cp, nil
}

func (l *Ledger) MarkEscrowCreated(_ context.Context, escrow *entity.Escrow, onchainID string, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	updated, err := l.apply(escrow.ID, func(e *entity.Escrow, p *entity.Payment) error {
		if e.Status != entity.EscrowPending {
			return repository.ErrConflict
		}
		id := onchainID
		e.Status = entity.EscrowCreated
		e.SmartContractEscrowID = &id
		p.EscrowID = &id
		return l.appendEvent(ev)
	})
	if err != nil {
		return err
	}
	*escrow = *updated
	return nil
}

func (l *Ledger) MarkEscrowFunded(_ context.Context, escrow *entity.Escrow, fundTxHash string, custodyStart time.Time, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	updated, err := l.apply(escrow.ID, func(e *entity.Escrow, p *entity.Payment) error {
		if e.Status != entity.EscrowCreated {
			return repository.ErrConflict
		}
		if err := l.transition(p, []entity.PaymentStatus{entity.StatusFunded}, entity.StatusEscrowed); err != nil {
			return err
		}
		hash, start := fundTxHash, custodyStart
		e.Status = entity.EscrowFunded
		e.BlockchainTxHash = &hash
		e.CustodyStart = &start
		return l.appendEvent(ev)
	})
	if err != nil {
		return err
	}
	*escrow = *updated
	return nil
}

func (l *Ledger) ClaimEscrowForRelease(ctx context.Context, escrowID string, staleBefore time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.escrowByID(escrowID)
	if err != nil {
		return false, err
	}
	if !e.Status.Releasable() && !(e.Status == entity.EscrowReleasing && e.UpdatedAt.Before(staleBefore)) {
		return false, nil
	}
	e.Status = entity.EscrowReleasing
	e.UpdatedAt = l.now()
	return true, nil
}

func (l *Ledger) ReleaseEscrowClaim(ctx context.Context, escrowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.escrowByID(escrowID)
	if err != nil {
		return err
	}
	if e.Status != entity.EscrowReleasing {
		return repository.ErrConflict
	}
	e.Status = entity.EscrowFunded
	e.UpdatedAt = l.now()
	return nil
}

func (l *Ledger) MarkEscrowReleased(_ context.Context, escrow *entity.Escrow, releaseTxHash string, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	updated, err := l.apply(escrow.ID, func(e *entity.Escrow, p *entity.Payment) error {
		if !e.Status.Releasable() && e.Status != entity.EscrowReleasing {
			return repository.ErrConflict
		}
		if err := l.transition(p, []entity.PaymentStatus{entity.StatusEscrowed}, entity.StatusReleased); err != nil {
			return err
		}
		hash := releaseTxHash
		e.Status = entity.EscrowReleased
		e.ReleaseTxHash = &hash
		return l.appendEvent(ev)
	})
	if err != nil {
		return err
	}
	*escrow = *updated
	return nil
}

func (l *Ledger) MarkEscrowDisputed(_ context.Context, escrow *entity.Escrow, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	updated, err := l.apply(escrow.ID, func(e *entity.Escrow, p *entity.Payment) error {
		switch e.Status {
		case entity.EscrowCreated, entity.EscrowFunded, entity.EscrowActive, entity.EscrowReleasing:
		default:
			return repository.ErrConflict
		}
		from := []entity.PaymentStatus{entity.StatusEscrowed, entity.StatusReleased}
		if err := l.transition(p, from, entity.StatusDisputed); err != nil {
			return err
		}
		e.Status = entity.EscrowDisputed
		return l.appendEvent(ev)
	})
	if err != nil {
		return err
	}
	*escrow = *updated
	return nil
}

func (l *Ledger) ResolveEscrowDispute(_ context.Context, escrow *entity.Escrow, sellerWins bool, txHash string, ev *entity.PaymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	updated, err := l.apply(escrow.ID, func(e *entity.Escrow, p *entity.Payment) error {
		if e.Status != entity.EscrowDisputed {
			return repository.ErrConflict
		}
		paymentTo := entity.StatusFailed
		if sellerWins {
			paymentTo = entity.StatusReleased
		}
		if err := l.transition(p, []entity.PaymentStatus{entity.StatusDisputed}, paymentTo); err != nil {
			return err
		}
		if sellerWins {
			hash := txHash
			e.Status = entity.EscrowReleased
			e.ReleaseTxHash = &hash
		} else {
			e.Status = entity.EscrowRefunded
		}
		return l.appendEvent(ev)
	})
	if err != nil {
		return err
	}
	*escrow = *updated
	return nil
}

func (l *Ledger) TransitionEscrow(_ context.Context, escrowID string, from []entity.EscrowStatus, to entity.EscrowStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.escrowByID(escrowID)
	if err != nil {
		return err
	}
	if !containsStatus(from, e.Status) {
		return repository.ErrConflict
	}
	e.Status = to
	e.UpdatedAt = l.now()
	return nil
}

func (l *Ledger) ListReleasable(_ context.Context, now, staleBefore time.Time, limit int) ([]*entity.ReleaseCandidate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entity.ReleaseCandidate
	for _, e := range l.escrows {
		p := l.payments[e.PaymentID]
		if p == nil || p.Status != entity.StatusEscrowed {
			continue
		}
		due := e.Status.Releasable() && entity.ReleaseDue(now, e, p)
		stale := e.Status == entity.EscrowReleasing && e.UpdatedAt.Before(staleBefore)
		if due || stale {
			out = append(out, &entity.ReleaseCandidate{Escrow: *e, Payment: *p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Escrow.CustodyEnd.Before(out[j].Escrow.CustodyEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
