package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

var reconciledKinds = []entity.ChainTxKind{
	entity.TxCreateEscrow,
	entity.TxApprove,
	entity.TxFundEscrow,
	entity.TxRelease,
	entity.TxDispute,
	entity.TxResolveDispute,
	entity.TxBridgeTransfer,
}

// Reconciler re-derives a payment's escrow state from chain truth and the
// transaction ledger.
type Reconciler struct {
	repo   repository.LedgerRepository
	chain  Chain
	rec    *Recorder
	now    func() time.Time
	logger *zap.Logger
}

func NewReconciler(repo repository.LedgerRepository, chain Chain, rec *Recorder, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		repo:   repo,
		chain:  chain,
		rec:    rec,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "reconciler")),
	}
}

func (r *Reconciler) Reconcile(ctx context.Context, paymentID string) (*entity.ReconcileReport, error) {
	p, err := r.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	report := &entity.ReconcileReport{PaymentID: p.ID, PaymentBefore: p.Status, Actions: []string{}}

	if err := r.reconcile(ctx, p, report); err != nil {
		r.logger.Error("Reconciliation failed", zap.String("payment_id", p.ID), zap.Error(err))
		r.rec.Fail(ctx, p.ID, entity.EventReconciliationError, err)
		return report, err
	}

	if current, err := r.repo.GetPaymentByID(ctx, p.ID); err == nil {
		report.PaymentAfter = current.Status
	}
	summary := "no changes"
	if report.Changed() {
		summary = strings.Join(report.Actions, "; ")
	}
	ev := r.rec.Manual(p.ID, entity.EventPaymentReconciled, "reconciled against chain state %s: %s", report.ChainState, summary)
	if err := r.rec.Record(ctx, ev); err != nil {
		return report, err
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, p *entity.Payment, report *entity.ReconcileReport) error {
	receipts, err := r.refreshTxs(ctx, p.ID, report)
	if err != nil {
		return err
	}

	escrow, err := r.repo.GetEscrowByPaymentID(ctx, p.ID)
	if errors.Is(err, repository.ErrNotFound) {
		report.ChainState = "none"
		return nil
	}
	if err != nil {
		return err
	}
	report.EscrowBefore = escrow.Status
	defer func() { report.EscrowAfter = escrow.Status }()

	if escrow.Status == entity.EscrowPending {
		if rc, ok := receipts[entity.TxCreateEscrow]; ok {
			id, err := r.chain.EscrowIDFromReceipt(rc.receipt)
			if err != nil {
				return apperror.Wrap(apperror.Chain, apperror.CodeReverted, "mined create tx has no escrow id", err)
			}
			ev := r.rec.Manual(p.ID, entity.EventEscrowCreated, "escrow %s created in tx %s", id, rc.hash)
			if err := r.repo.MarkEscrowCreated(ctx, escrow, id.String(), ev); err != nil {
				return err
			}
			r.rec.Published(ctx, ev)
			report.Actions = append(report.Actions, "escrow created "+id.String())
		}
	}
	if escrow.Status == entity.EscrowPending {
		report.ChainState = "none"
		return nil
	}

	id, err := parseEscrowID(escrow)
	if err != nil {
		return err
	}
	state, err := r.chain.EscrowState(ctx, id)
	if err != nil {
		return apperror.Wrap(apperror.Chain, apperror.CodeTransport, "failed to read escrow state", err)
	}
	report.ChainState = state.String()

	if escrow.Status == entity.EscrowCreated && state != evm.StateCreated && state != evm.StateNone {
		if rc, ok := receipts[entity.TxFundEscrow]; ok {
			ev := r.rec.Manual(p.ID, entity.EventEscrowFunded, "escrow %s funded in tx %s", id, rc.hash)
			if err := r.repo.MarkEscrowFunded(ctx, escrow, rc.hash, r.now(), ev); err != nil {
				return err
			}
			r.rec.Published(ctx, ev)
			report.Actions = append(report.Actions, "escrow funded")
		}
	}

	switch state {
	case evm.StateActive:
		if escrow.Status == entity.EscrowFunded {
			from := []entity.EscrowStatus{entity.EscrowFunded}
			if err := r.repo.TransitionEscrow(ctx, escrow.ID, from, entity.EscrowActive); err != nil {
				return err
			}
			escrow.Status = entity.EscrowActive
			report.Actions = append(report.Actions, "escrow active")
		}
	case evm.StateReleased:
		if escrow.Status.Releasable() || escrow.Status == entity.EscrowReleasing {
			hash, err := r.chain.ReleaseTxHash(ctx, id)
			if err != nil {
				return err
			}
			ev := r.rec.Manual(p.ID, entity.EventEscrowReleased, "escrow %s released in tx %s", id, hash)
			if err := r.repo.MarkEscrowReleased(ctx, escrow, hash, ev); err != nil {
				return err
			}
			r.rec.Published(ctx, ev)
			report.Actions = append(report.Actions, "escrow released "+hash)
		}
	case evm.StateDisputed:
		switch escrow.Status {
		case entity.EscrowCreated, entity.EscrowFunded, entity.EscrowActive, entity.EscrowReleasing:
			ev := r.rec.Manual(p.ID, entity.EventEscrowDisputed, "escrow %s is disputed on chain", id)
			if err := r.repo.MarkEscrowDisputed(ctx, escrow, ev); err != nil {
				return err
			}
			r.rec.Published(ctx, ev)
			report.Actions = append(report.Actions, "escrow disputed")
		}
	case evm.StateRefunded:
		if escrow.Status == entity.EscrowDisputed {
			hash := ""
			if rc, ok := receipts[entity.TxResolveDispute]; ok {
				hash = rc.hash
			}
			ev := r.rec.Manual(p.ID, entity.EventDisputeResolved, "escrow %s refunded to buyer on chain", id)
			if err := r.repo.ResolveEscrowDispute(ctx, escrow, false, hash, ev); err != nil {
				return err
			}
			r.rec.Published(ctx, ev)
			report.Actions = append(report.Actions, "escrow refunded")
		}
	}
	return nil
}

type minedTx struct {
	hash    string
	receipt *types.Receipt
}

// refreshTxs settles the status of every submitted transaction and returns
// the receipts of those mined successfully.
func (r *Reconciler) refreshTxs(ctx context.Context, paymentID string, report *entity.ReconcileReport) (map[entity.ChainTxKind]minedTx, error) {
	mined := make(map[entity.ChainTxKind]minedTx)
	for _, kind := range reconciledKinds {
		tx, err := r.repo.LatestChainTx(ctx, paymentID, kind)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tx.Status != entity.ChainTxSubmitted && tx.Status != entity.ChainTxMined {
			continue
		}
		receipt, err := r.chain.Receipt(ctx, tx.Hash)
		if errors.Is(err, evm.ErrPending) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s receipt: %w", kind, err)
		}
		status := entity.ChainTxMined
		if receipt.Status != types.ReceiptStatusSuccessful {
			status = entity.ChainTxReverted
		}
		if status != tx.Status {
			if err := r.repo.UpdateChainTxStatus(ctx, tx.Hash, status); err != nil {
				return nil, err
			}
			report.Actions = append(report.Actions, fmt.Sprintf("%s tx %s %s", kind, tx.Hash, status))
		}
		if status == entity.ChainTxMined {
			mined[kind] = minedTx{hash: tx.Hash, receipt: receipt}
		}
	}
	return mined, nil
}
