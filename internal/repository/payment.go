package repository

import (
	"context"
	"errors"
	"time"

	entity "escrowgo/internal/entity"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional update matched no row or a
	// unique key is already taken. Callers treat it as "another worker won".
	ErrConflict = errors.New("conflicting update")
)

type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *entity.Payment) error
	GetPaymentByID(ctx context.Context, paymentID string) (*entity.Payment, error)
	// List methods treat a limit of 0 as unbounded.
	ListPaymentsByStatus(ctx context.Context, statuses []entity.PaymentStatus, limit int) ([]*entity.Payment, error)
	ListAwaitingDeposit(ctx context.Context, limit int) ([]*entity.Payment, error)
	// MarkDepositDetected moves pending -> deposit_detected and stores the
	// provider reference together with the event.
	MarkDepositDetected(ctx context.Context, paymentID, reference string, event *entity.PaymentEvent) error
	// TransitionPayment applies from -> to only if the row is still in from.
	TransitionPayment(ctx context.Context, paymentID string, from, to entity.PaymentStatus, event *entity.PaymentEvent) error
	// CompletePayment moves released -> completed, sets release_amount and
	// closes the escrow in one transaction with the payment_completed event.
	CompletePayment(ctx context.Context, paymentID string, releaseAmount decimal.Decimal, event *entity.PaymentEvent) error
	SetApproval(ctx context.Context, paymentID string, party entity.Party, at time.Time, event *entity.PaymentEvent) error
}

type EscrowRepository interface {
	// CreateEscrow returns ErrConflict when the payment already has one.
	CreateEscrow(ctx context.Context, escrow *entity.Escrow) error
	GetEscrowByPaymentID(ctx context.Context, paymentID string) (*entity.Escrow, error)
	// MarkEscrowCreated moves pending -> created and records the on-chain id
	// on both the escrow and the payment. The escrow argument is updated in place
	// by this and the other Mark methods.
	MarkEscrowCreated(ctx context.Context, escrow *entity.Escrow, onchainID string, event *entity.PaymentEvent) error
	// MarkEscrowFunded moves the escrow created -> funded and the payment
	// funded -> escrowed atomically.
	MarkEscrowFunded(ctx context.Context, escrow *entity.Escrow, fundTxHash string, custodyStart time.Time, event *entity.PaymentEvent) error
	// ClaimEscrowForRelease takes funded/active escrows, or releasing ones
	// last touched before staleBefore, into releasing. False means lost race.
	ClaimEscrowForRelease(ctx context.Context, escrowID string, staleBefore time.Time) (bool, error)
	ReleaseEscrowClaim(ctx context.Context, escrowID string) error
	MarkEscrowReleased(ctx context.Context, escrow *entity.Escrow, releaseTxHash string, event *entity.PaymentEvent) error
	MarkEscrowDisputed(ctx context.Context, escrow *entity.Escrow, event *entity.PaymentEvent) error
	ResolveEscrowDispute(ctx context.Context, escrow *entity.Escrow, sellerWins bool, txHash string, event *entity.PaymentEvent) error
	TransitionEscrow(ctx context.Context, escrowID string, from []entity.EscrowStatus, to entity.EscrowStatus) error
	ListReleasable(ctx context.Context, now, staleBefore time.Time, limit int) ([]*entity.ReleaseCandidate, error)
}

type EventRepository interface {
	InsertEvent(ctx context.Context, event *entity.PaymentEvent) error
	ListEvents(ctx context.Context, paymentID string) ([]*entity.PaymentEvent, error)
	LatestEvent(ctx context.Context, paymentID string) (*entity.PaymentEvent, error)
	HasEvent(ctx context.Context, paymentID string, typ entity.EventType) (bool, error)
}

type ChainTxRepository interface {
	RecordChainTx(ctx context.Context, tx *entity.ChainTx) error
	LatestChainTx(ctx context.Context, paymentID string, kind entity.ChainTxKind) (*entity.ChainTx, error)
	UpdateChainTxStatus(ctx context.Context, hash string, status entity.ChainTxStatus) error
}

type PayoutRepository interface {
	// EnsurePayout returns the latest attempt for (payment, leg), inserting
	// attempt 1 from the template when none exists.
	EnsurePayout(ctx context.Context, template *entity.Payout) (*entity.Payout, error)
	MarkPayoutResult(ctx context.Context, payoutID string, status entity.PayoutStatus, providerID *string, detail string) error
	// RetryPayout opens attempt+1 of the template's leg with a fresh origin
	// id, taking amount, CLABE and beneficiary from the template. Only a
	// rejected latest attempt can be retried.
	RetryPayout(ctx context.Context, template *entity.Payout) (*entity.Payout, error)
	ListPayouts(ctx context.Context, paymentID string) ([]*entity.Payout, error)
}

// LeaseRepository serializes one step of a payment across workers and
// instances. A lease past its expiry can be taken over.
type LeaseRepository interface {
	// AcquireLease returns false when another holder's lease is still live at now.
	AcquireLease(ctx context.Context, paymentID, scope, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, paymentID, scope, holder string) error
}

// LedgerRepository is the whole ledger store.
type LedgerRepository interface {
	PaymentRepository
	EscrowRepository
	EventRepository
	ChainTxRepository
	PayoutRepository
	LeaseRepository
}
