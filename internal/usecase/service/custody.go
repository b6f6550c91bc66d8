package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type releaser interface {
	Release(ctx context.Context, escrow *entity.Escrow) (string, error)
}

// CustodyScheduler releases escrows whose custody window ended or whose
// parties both approved an early release.
type CustodyScheduler struct {
	repo       repository.LedgerRepository
	escrows    releaser
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewCustodyScheduler(cfg *config.Config, repo repository.LedgerRepository, escrows *EscrowGateway, logger *zap.Logger) *CustodyScheduler {
	return &CustodyScheduler{
		repo:       repo,
		escrows:    escrows,
		staleAfter: cfg.Sweeps.PaymentTimeout,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(zap.String("component", "custody_scheduler")),
	}
}

// Candidates lists due escrows plus releasing claims abandoned for longer
// than the per-payment timeout.
func (s *CustodyScheduler) Candidates(ctx context.Context, limit int) ([]*entity.ReleaseCandidate, error) {
	now := s.now()
	return s.repo.ListReleasable(ctx, now, now.Add(-s.staleAfter), limit)
}

// ReleaseExpiredCustodies returns how many escrows were released.
func (s *CustodyScheduler) ReleaseExpiredCustodies(ctx context.Context) (int, error) {
	candidates, err := s.Candidates(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list releasable escrows: %w", err)
	}
	released := 0
	var errs error
	for _, c := range candidates {
		ok, err := s.ReleaseOne(ctx, c)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", c.Payment.ID, err))
		}
		if ok {
			released++
		}
	}
	return released, errs
}

// ReleaseOne claims and releases one candidate. False with a nil error means
// another worker holds the claim.
func (s *CustodyScheduler) ReleaseOne(ctx context.Context, c *entity.ReleaseCandidate) (bool, error) {
	escrow := c.Escrow
	logger := s.logger.With(zap.String("payment_id", c.Payment.ID), zap.String("escrow_id", escrow.ID))

	claimed, err := s.repo.ClaimEscrowForRelease(ctx, escrow.ID, s.now().Add(-s.staleAfter))
	if err != nil {
		return false, fmt.Errorf("failed to claim escrow: %w", err)
	}
	if !claimed {
		logger.Debug("escrow claimed elsewhere")
		return false, nil
	}
	escrow.Status = entity.EscrowReleasing

	hash, err := s.escrows.Release(ctx, &escrow)
	if err != nil {
		// ctx may be the expired per-payment deadline.
		cleanup, cancel := detached(ctx)
		defer cancel()
		if s.broadcast(cleanup, c.Payment.ID) {
			logger.Warn("release in flight, keeping claim", zap.Error(err))
			return false, err
		}
		if rerr := s.repo.ReleaseEscrowClaim(cleanup, escrow.ID); rerr != nil {
			logger.Error("failed to return release claim", zap.Error(rerr))
		}
		return false, err
	}
	logger.Info("Custody released", zap.String("tx_hash", hash))
	return true, nil
}

// broadcast reports whether a release transaction may already be on the wire.
func (s *CustodyScheduler) broadcast(ctx context.Context, paymentID string) bool {
	tx, err := s.repo.LatestChainTx(ctx, paymentID, entity.TxRelease)
	if errors.Is(err, repository.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return tx.Status == entity.ChainTxSubmitted || tx.Status == entity.ChainTxMined
}
