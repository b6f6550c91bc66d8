package usecase

import (
	"context"

	entity "escrowgo/internal/entity"
)

// Payment is the operator surface shared by the CLI and the ops HTTP server.
type Payment interface {
	GetPaymentByID(ctx context.Context, paymentID string) (*entity.Payment, error)
	GetPaymentEvents(ctx context.Context, paymentID string) ([]*entity.PaymentEvent, error)
	RecordApproval(ctx context.Context, paymentID string, party entity.Party) error
	RaiseDispute(ctx context.Context, paymentID, reason string) error
	ResolveDispute(ctx context.Context, paymentID string, inFavorOfSeller bool) (string, error)
	RetryPayout(ctx context.Context, paymentID string, leg entity.PayoutLeg) (*entity.Payout, error)
	Reconcile(ctx context.Context, paymentID string) (*entity.ReconcileReport, error)
}
