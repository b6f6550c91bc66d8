package service

import (
	"context"
	"fmt"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lease scopes. Funding and disputes share the escrow scope because both
// sign escrow-contract calls for the same payment.
const (
	leaseEscrow = "escrow"
	leaseBridge = "bridge"
	leasePayout = "payout"
)

const cleanupTimeout = 5 * time.Second

// detached keeps ctx values but survives its cancellation, so bookkeeping
// after a per-payment timeout still reaches the ledger.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

// leaser takes ledger leases that keep two workers, possibly in different
// instances, from signing chain calls or provider calls for the same step.
type leaser struct {
	repo   repository.LeaseRepository
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func newLeaser(repo repository.LeaseRepository, ttl time.Duration, logger *zap.Logger) *leaser {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &leaser{repo: repo, ttl: ttl, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// acquire returns the release func for the lease or a CodeBusy error when
// another holder has it.
func (l *leaser) acquire(ctx context.Context, paymentID, scope string) (func(), error) {
	holder := uuid.New().String()
	now := l.now()
	ok, err := l.repo.AcquireLease(ctx, paymentID, scope, holder, now, now.Add(l.ttl))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.New(apperror.Consistency, apperror.CodeBusy,
			fmt.Sprintf("%s step of payment %s is held by another worker", scope, paymentID))
	}
	return func() {
		ctx, cancel := detached(ctx)
		defer cancel()
		if err := l.repo.ReleaseLease(ctx, paymentID, scope, holder); err != nil {
			l.logger.Warn("failed to release lease",
				zap.String("payment_id", paymentID),
				zap.String("scope", scope),
				zap.Error(err))
		}
	}, nil
}
