package service

import (
	"context"
	"errors"
	"fmt"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/juno"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type bridge interface {
	TransferToOfframp(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error)
}

// PayoutGateway turns released custody back into MXN and pays the payee and
// the commission beneficiary. Every leg is written to the ledger before the
// provider call and keeps its origin id across retries.
type PayoutGateway struct {
	repo   repository.LedgerRepository
	rail   FiatRail
	bridge bridge
	rec    *Recorder
	leases *leaser
	logger *zap.Logger
}

func NewPayoutGateway(cfg *config.Config, repo repository.LedgerRepository, rail FiatRail, bridge *BridgeSettlement, rec *Recorder, logger *zap.Logger) *PayoutGateway {
	logger = logger.With(zap.String("component", "payout_gateway"))
	return &PayoutGateway{
		repo:   repo,
		rail:   rail,
		bridge: bridge,
		rec:    rec,
		leases: newLeaser(repo, cfg.Sweeps.PaymentTimeout, logger),
		logger: logger,
	}
}

// PayoutCandidates lists released payments and escrowed payments whose
// immediate leg is still outstanding.
func (g *PayoutGateway) PayoutCandidates(ctx context.Context, limit int) ([]*entity.Payment, error) {
	payments, err := g.repo.ListPaymentsByStatus(ctx, []entity.PaymentStatus{entity.StatusEscrowed, entity.StatusReleased}, limit)
	if err != nil {
		return nil, err
	}
	out := payments[:0]
	for _, p := range payments {
		if p.Status == entity.StatusReleased {
			out = append(out, p)
			continue
		}
		outstanding, err := g.immediateOutstanding(ctx, p)
		if err != nil {
			return nil, err
		}
		if outstanding {
			out = append(out, p)
		}
	}
	return out, nil
}

// ProcessPayout advances one candidate from PayoutCandidates.
func (g *PayoutGateway) ProcessPayout(ctx context.Context, p *entity.Payment) error {
	switch p.Status {
	case entity.StatusEscrowed:
		return g.PayImmediate(ctx, p)
	case entity.StatusReleased:
		_, err := g.RedeemAndPayout(ctx, p)
		return err
	}
	return apperror.New(apperror.Consistency, "", fmt.Sprintf("payment %s is %s, nothing to pay", p.ID, p.Status))
}

// ProcessPayouts runs every candidate in turn.
func (g *PayoutGateway) ProcessPayouts(ctx context.Context) (int, error) {
	payments, err := g.PayoutCandidates(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list payout candidates: %w", err)
	}
	done := 0
	var errs error
	for _, p := range payments {
		if err := g.ProcessPayout(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		done++
	}
	return done, errs
}

func (g *PayoutGateway) immediateOutstanding(ctx context.Context, p *entity.Payment) (bool, error) {
	if !p.ImmediateAmount().IsPositive() {
		return false, nil
	}
	payouts, err := g.repo.ListPayouts(ctx, p.ID)
	if err != nil {
		return false, err
	}
	var latest *entity.Payout
	for _, po := range payouts {
		if po.Leg == entity.LegImmediate && (latest == nil || po.Attempt > latest.Attempt) {
			latest = po
		}
	}
	return latest == nil || latest.Status == entity.PayoutPending || latest.Status == entity.PayoutSubmitted, nil
}

// PayImmediate pays the non-custodial part of a funded payment straight to
// the payee.
func (g *PayoutGateway) PayImmediate(ctx context.Context, p *entity.Payment) error {
	release, err := g.leases.acquire(ctx, p.ID, leasePayout)
	if err != nil {
		return err
	}
	defer release()
	return g.payImmediate(ctx, p)
}

func (g *PayoutGateway) payImmediate(ctx context.Context, p *entity.Payment) error {
	if !p.ImmediateAmount().IsPositive() {
		return nil
	}
	_, err := g.payLeg(ctx, p, entity.LegImmediate)
	return err
}

// RedeemAndPayout settles a released payment and completes it. It returns
// the provider id of the payee payout.
func (g *PayoutGateway) RedeemAndPayout(ctx context.Context, p *entity.Payment) (string, error) {
	logger := g.logger.With(zap.String("payment_id", p.ID))
	if p.Status != entity.StatusReleased {
		return "", apperror.New(apperror.Consistency, "", fmt.Sprintf("payment %s is %s, want released", p.ID, p.Status))
	}
	release, err := g.leases.acquire(ctx, p.ID, leasePayout)
	if err != nil {
		return "", err
	}
	defer release()

	escrow, err := g.repo.GetEscrowByPaymentID(ctx, p.ID)
	if err != nil {
		return "", err
	}
	custody := escrow.CustodyAmount

	if err := g.payImmediate(ctx, p); err != nil {
		return "", err
	}
	if _, err := g.bridge.TransferToOfframp(ctx, p.ID, custody); err != nil {
		return "", err
	}
	if _, err := g.redeem(ctx, p, custody); err != nil {
		return "", err
	}

	payee, err := g.payLeg(ctx, p, entity.LegPayee)
	if err != nil {
		return "", err
	}
	if p.HasCommission() && p.CommissionAmount().IsPositive() {
		if _, err := g.payLeg(ctx, p, entity.LegCommission); err != nil {
			return "", err
		}
	}

	ev := g.rec.Event(p.ID, entity.EventPaymentCompleted, "payment completed, %s MXN released to payee", custody.StringFixed(2))
	err = g.repo.CompletePayment(ctx, p.ID, custody, ev)
	switch {
	case errors.Is(err, repository.ErrConflict):
		current, gerr := g.repo.GetPaymentByID(ctx, p.ID)
		if gerr != nil || current.Status != entity.StatusCompleted {
			return "", fmt.Errorf("failed to complete payment: %w", err)
		}
		logger.Info("payment already completed")
	case err != nil:
		return "", fmt.Errorf("failed to complete payment: %w", err)
	default:
		g.rec.Published(ctx, ev)
		logger.Info("Payment completed", zap.String("release_amount", custody.StringFixed(2)))
	}

	providerID := ""
	if payee.ProviderID != nil {
		providerID = *payee.ProviderID
	}
	return providerID, nil
}

func (g *PayoutGateway) redeem(ctx context.Context, p *entity.Payment, amount decimal.Decimal) (*entity.Payout, error) {
	template := &entity.Payout{PaymentID: p.ID, Leg: entity.LegRedemption, Amount: amount}
	return g.settle(ctx, template, entity.EventRedemptionError, func(ctx context.Context, po *entity.Payout) (*juno.Receipt, error) {
		return g.rail.Redeem(ctx, po.Amount, po.OriginID)
	}, func(po *entity.Payout) *entity.PaymentEvent {
		return g.rec.Event(p.ID, entity.EventMXNBRedeemed, "redeemed %s MXNB, origin %s", po.Amount.StringFixed(2), po.OriginID)
	})
}

// legTemplate describes a fiat leg from the payment's current beneficiary
// details. Retries use it too, so a CLABE corrected after a rejection is
// what the next attempt sends.
func legTemplate(p *entity.Payment, leg entity.PayoutLeg) (*entity.Payout, string, error) {
	t := &entity.Payout{PaymentID: p.ID, Leg: leg}
	var rfc string
	switch leg {
	case entity.LegImmediate:
		t.Amount, t.Clabe, t.Beneficiary, rfc = p.ImmediateAmount(), p.PayoutClabe, p.PayeeName, p.PayeeRFC
	case entity.LegPayee:
		t.Amount, t.Clabe, t.Beneficiary, rfc = p.PayeeNetAmount(), p.PayoutClabe, p.PayeeName, p.PayeeRFC
	case entity.LegCommission:
		t.Amount, t.Clabe, t.Beneficiary, rfc = p.CommissionAmount(), p.CommissionClabe, p.CommissionName, p.CommissionRFC
	default:
		return nil, "", apperror.New(apperror.Consistency, "", fmt.Sprintf("%s is not a fiat payout leg", leg))
	}
	return t, rfc, nil
}

func (g *PayoutGateway) payLeg(ctx context.Context, p *entity.Payment, leg entity.PayoutLeg) (*entity.Payout, error) {
	template, rfc, err := legTemplate(p, leg)
	if err != nil {
		return nil, err
	}
	return g.settle(ctx, template, entity.EventPayoutError, func(ctx context.Context, po *entity.Payout) (*juno.Receipt, error) {
		return g.rail.Payout(ctx, juno.PayoutRequest{
			Amount:      po.Amount,
			Beneficiary: po.Beneficiary,
			Clabe:       po.Clabe,
			NotesRef:    entity.NotesRef(p.ID, leg),
			NumericRef:  entity.NumericRef(p.ID),
			RFC:         rfc,
			OriginID:    po.OriginID,
		})
	}, func(po *entity.Payout) *entity.PaymentEvent {
		return g.rec.Event(p.ID, entity.EventPayoutInitiated, "%s payout of %s MXN to %s, origin %s",
			leg, po.Amount.StringFixed(2), po.Clabe, po.OriginID)
	})
}

// settle runs one leg. A succeeded leg is skipped; a rejected one stops until
// an operator opens a new attempt.
func (g *PayoutGateway) settle(
	ctx context.Context,
	template *entity.Payout,
	errType entity.EventType,
	call func(context.Context, *entity.Payout) (*juno.Receipt, error),
	success func(*entity.Payout) *entity.PaymentEvent,
) (*entity.Payout, error) {
	po, err := g.repo.EnsurePayout(ctx, template)
	if err != nil {
		return nil, fmt.Errorf("failed to persist %s leg: %w", template.Leg, err)
	}
	logger := g.logger.With(
		zap.String("payment_id", po.PaymentID),
		zap.String("leg", string(po.Leg)),
		zap.String("origin_id", po.OriginID))

	switch po.Status {
	case entity.PayoutSucceeded:
		return po, nil
	case entity.PayoutRejected:
		err := apperror.New(apperror.Provider, apperror.CodeRejected,
			fmt.Sprintf("%s leg attempt %d was rejected, waiting for operator retry", po.Leg, po.Attempt))
		g.rec.Fail(ctx, po.PaymentID, errType, err)
		return nil, err
	}

	receipt, err := call(ctx, po)
	if err != nil {
		status := entity.PayoutSubmitted
		if apperror.Is(err, apperror.Provider, apperror.CodeRejected) {
			status = entity.PayoutRejected
		}
		if merr := g.repo.MarkPayoutResult(ctx, po.ID, status, nil, err.Error()); merr != nil {
			logger.Error("failed to record payout failure", zap.Error(merr))
		}
		logger.Error("Provider call failed", zap.String("status", string(status)), zap.Error(err))
		g.rec.Fail(ctx, po.PaymentID, errType, err)
		return nil, err
	}

	if err := g.repo.MarkPayoutResult(ctx, po.ID, entity.PayoutSucceeded, &receipt.ID, receipt.Status); err != nil {
		return nil, fmt.Errorf("failed to record %s leg result: %w", po.Leg, err)
	}
	po.Status = entity.PayoutSucceeded
	po.ProviderID = &receipt.ID
	po.Detail = receipt.Status
	if err := g.rec.Record(ctx, success(po)); err != nil {
		logger.Error("failed to record leg event", zap.Error(err))
	}
	logger.Info("Provider accepted leg", zap.String("provider_id", receipt.ID))
	return po, nil
}

// RetryPayout reopens a rejected leg under a fresh origin id, built from the
// payment's beneficiary details as they are now. The next payout sweep
// submits it.
func (g *PayoutGateway) RetryPayout(ctx context.Context, paymentID string, leg entity.PayoutLeg) (*entity.Payout, error) {
	if !leg.Valid() {
		return nil, apperror.New(apperror.Consistency, "", fmt.Sprintf("unknown payout leg %q", leg))
	}
	p, err := g.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	var template *entity.Payout
	if leg == entity.LegRedemption {
		escrow, err := g.repo.GetEscrowByPaymentID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		template = &entity.Payout{PaymentID: paymentID, Leg: leg, Amount: escrow.CustodyAmount}
	} else if template, _, err = legTemplate(p, leg); err != nil {
		return nil, err
	}

	po, err := g.repo.RetryPayout(ctx, template)
	if err != nil {
		return nil, err
	}
	g.logger.Info("Payout leg reopened",
		zap.String("payment_id", paymentID),
		zap.String("leg", string(leg)),
		zap.Int("attempt", po.Attempt),
		zap.String("origin_id", po.OriginID),
		zap.String("clabe", po.Clabe))
	return po, nil
}
