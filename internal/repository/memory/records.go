package memory

import (
	"context"
	"fmt"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
)

// Events

func (l *Ledger) InsertEvent(ctx context.Context, ev *entity.PaymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendEvent(ev)
}

func (l *Ledger) ListEvents(_ context.Context, paymentID string) ([]*entity.PaymentEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entity.PaymentEvent
	for _, ev := range l.events {
		if ev.PaymentID == paymentID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *Ledger) LatestEvent(ctx context.Context, paymentID string) (*entity.PaymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].PaymentID == paymentID {
			cp := *l.events[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("latest event for %s: %w", paymentID, repository.ErrNotFound)
}

func (l *Ledger) HasEvent(_ context.Context, paymentID string, typ entity.EventType) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.PaymentID == paymentID && ev.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

// Chain transactions

func (l *Ledger) RecordChainTx(_ context.Context, tx *entity.ChainTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.Hash == tx.Hash {
			return fmt.Errorf("%w: chain_tx_pkey", repository.ErrConflict)
		}
	}
	if tx.Status == "" {
		tx.Status = entity.ChainTxSubmitted
	}
	tx.CreatedAt = l.now()
	tx.UpdatedAt = tx.CreatedAt
	cp := *tx
	l.txs = append(l.txs, &cp)
	return nil
}

func (l *Ledger) LatestChainTx(ctx context.Context, paymentID string, kind entity.ChainTxKind) (*entity.ChainTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.txs) - 1; i >= 0; i-- {
		if t := l.txs[i]; t.PaymentID == paymentID && t.Kind == kind {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("latest %s tx for %s: %w", kind, paymentID, repository.ErrNotFound)
}

func (l *Ledger) UpdateChainTxStatus(_ context.Context, hash string, status entity.ChainTxStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.txs {
		if t.Hash == hash {
			t.Status = status
			t.UpdatedAt = l.now()
			return nil
		}
	}
	return fmt.Errorf("chain tx %s: %w", hash, repository.ErrConflict)
}

// ChainTxs returns every recorded submission for a payment, oldest first.
func (l *Ledger) ChainTxs(paymentID string) []*entity.ChainTx {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entity.ChainTx
	for _, t := range l.txs {
		if t.PaymentID == paymentID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Payouts

func (l *Ledger) latestPayout(paymentID string, leg entity.PayoutLeg) *entity.Payout {
	var latest *entity.Payout
	for _, p := range l.payouts {
		if p.PaymentID == paymentID && p.Leg == leg && (latest == nil || p.Attempt > latest.Attempt) {
			latest = p
		}
	}
	return latest
}

func (l *Ledger) insertPayout(p *entity.Payout) {
	p.ID = uuid.New().String()
	p.OriginID = entity.OriginID(p.PaymentID, p.Leg, p.Attempt)
	p.Status = entity.PayoutPending
	p.CreatedAt = l.now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	l.payouts = append(l.payouts, &cp)
}

func (l *Ledger) EnsurePayout(_ context.Context, template *entity.Payout) (*entity.Payout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if latest := l.latestPayout(template.PaymentID, template.Leg); latest != nil {
		cp := *latest
		return &cp, nil
	}
	p := *template
	p.Attempt = 1
	l.insertPayout(&p)
	return &p, nil
}

func (l *Ledger) MarkPayoutResult(_ context.Context, payoutID string, status entity.PayoutStatus, providerID *string, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.payouts {
		if p.ID != payoutID {
			continue
		}
		if p.Status == entity.PayoutSucceeded {
			return repository.ErrConflict
		}
		p.Status = status
		if providerID != nil {
			id := *providerID
			p.ProviderID = &id
		}
		p.Detail = detail
		p.UpdatedAt = l.now()
		return nil
	}
	return fmt.Errorf("payout %s: %w", payoutID, repository.ErrConflict)
}

func (l *Ledger) RetryPayout(_ context.Context, template *entity.Payout) (*entity.Payout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := l.latestPayout(template.PaymentID, template.Leg)
	if last == nil {
		return nil, fmt.Errorf("%s payout for %s: %w", template.Leg, template.PaymentID, repository.ErrNotFound)
	}
	if last.Status != entity.PayoutRejected {
		return nil, fmt.Errorf("latest %s attempt is %s: %w", template.Leg, last.Status, repository.ErrConflict)
	}
	p := entity.Payout{
		PaymentID:   template.PaymentID,
		Leg:         template.Leg,
		Attempt:     last.Attempt + 1,
		Amount:      template.Amount,
		Clabe:       template.Clabe,
		Beneficiary: template.Beneficiary,
	}
	l.insertPayout(&p)
	return &p, nil
}

func (l *Ledger) ListPayouts(_ context.Context, paymentID string) ([]*entity.Payout, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*entity.Payout
	for _, p := range l.payouts {
		if p.PaymentID == paymentID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Leases

type leaseKey struct{ paymentID, scope string }

type lease struct {
	holder    string
	expiresAt time.Time
}

func (l *Ledger) AcquireLease(ctx context.Context, paymentID, scope, holder string, now, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := leaseKey{paymentID, scope}
	if cur, ok := l.leases[key]; ok && cur.holder != holder && cur.expiresAt.After(now) {
		return false, nil
	}
	l.leases[key] = lease{holder: holder, expiresAt: expiresAt}
	return true, nil
}

func (l *Ledger) ReleaseLease(ctx context.Context, paymentID, scope, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := leaseKey{paymentID, scope}
	if cur, ok := l.leases[key]; ok && cur.holder == holder {
		delete(l.leases, key)
	}
	return nil
}
