package service

import (
	"context"
	"fmt"
	"time"

	"escrowgo/internal/apperror"
	dto "escrowgo/internal/entity"
	"escrowgo/internal/repository"
	"escrowgo/internal/usecase"

	"go.uber.org/zap"
)

// PaymentService structure for the operator-facing service
type PaymentService struct {
	repo       repository.LedgerRepository
	escrows    *EscrowGateway
	payouts    *PayoutGateway
	reconciler *Reconciler
	rec        *Recorder
	logger     *zap.Logger
}

var _ usecase.Payment = (*PaymentService)(nil)

// NewPaymentService creates the service instance
func NewPaymentService(repo repository.LedgerRepository, escrows *EscrowGateway, payouts *PayoutGateway, reconciler *Reconciler, rec *Recorder, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		repo:       repo,
		escrows:    escrows,
		payouts:    payouts,
		reconciler: reconciler,
		rec:        rec,
		logger:     logger.With(zap.String("component", "payment_service")),
	}
}

func (s *PaymentService) GetPaymentByID(ctx context.Context, paymentID string) (*dto.Payment, error) {
	s.logger.Info("Getting payment by ID", zap.String("payment_id", paymentID))

	payment, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		s.logger.Error("Failed to get payment", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, err
	}
	return payment, nil
}

func (s *PaymentService) GetPaymentEvents(ctx context.Context, paymentID string) ([]*dto.PaymentEvent, error) {
	if _, err := s.repo.GetPaymentByID(ctx, paymentID); err != nil {
		return nil, err
	}
	events, err := s.repo.ListEvents(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// RecordApproval stores one party's consent to an early release.
func (s *PaymentService) RecordApproval(ctx context.Context, paymentID string, party dto.Party) error {
	s.logger.Info("Recording approval", zap.String("payment_id", paymentID), zap.String("party", string(party)))

	if party != dto.PartyPayer && party != dto.PartyPayee {
		return apperror.New(apperror.Consistency, "", fmt.Sprintf("unknown party %q", party))
	}
	payment, err := s.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Status.Terminal() {
		return apperror.New(apperror.Consistency, "", fmt.Sprintf("payment %s is %s", paymentID, payment.Status))
	}
	ev := s.rec.Manual(paymentID, dto.EventApprovalRecorded, "%s approved release", party)
	if err := s.repo.SetApproval(ctx, paymentID, party, time.Now().UTC(), ev); err != nil {
		s.logger.Error("Failed to record approval", zap.String("payment_id", paymentID), zap.Error(err))
		return fmt.Errorf("error recording %s approval: %w", party, err)
	}
	s.rec.Published(ctx, ev)
	return nil
}

func (s *PaymentService) RaiseDispute(ctx context.Context, paymentID, reason string) error {
	s.logger.Info("Raising dispute", zap.String("payment_id", paymentID))
	return s.escrows.RaiseDispute(ctx, paymentID, reason)
}

func (s *PaymentService) ResolveDispute(ctx context.Context, paymentID string, inFavorOfSeller bool) (string, error) {
	s.logger.Info("Resolving dispute", zap.String("payment_id", paymentID), zap.Bool("seller_wins", inFavorOfSeller))
	return s.escrows.ResolveDispute(ctx, paymentID, inFavorOfSeller)
}

func (s *PaymentService) RetryPayout(ctx context.Context, paymentID string, leg dto.PayoutLeg) (*dto.Payout, error) {
	return s.payouts.RetryPayout(ctx, paymentID, leg)
}

func (s *PaymentService) Reconcile(ctx context.Context, paymentID string) (*dto.ReconcileReport, error) {
	s.logger.Info("Reconciling payment", zap.String("payment_id", paymentID))
	return s.reconciler.Reconcile(ctx, paymentID)
}
