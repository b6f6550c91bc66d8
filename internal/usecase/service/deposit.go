package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/juno"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DepositWatcher matches incoming SPEI deposits to pending payments.
type DepositWatcher struct {
	repo       repository.LedgerRepository
	rail       FiatRail
	claims     Cache
	rec        *Recorder
	feedSize   int
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

func NewDepositWatcher(cfg *config.Config, repo repository.LedgerRepository, rail FiatRail, claims Cache, rec *Recorder, logger *zap.Logger) *DepositWatcher {
	return &DepositWatcher{
		repo:       repo,
		rail:       rail,
		claims:     claims,
		rec:        rec,
		feedSize:   cfg.Sweeps.FeedSize,
		staleAfter: cfg.Sweeps.StaleDepositAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(zap.String("component", "deposit_watcher")),
	}
}

// ProcessNewDeposits returns how many payments were moved to funded.
func (w *DepositWatcher) ProcessNewDeposits(ctx context.Context) (int, error) {
	advanced, errs := w.advanceDetected(ctx)

	payments, err := w.repo.ListAwaitingDeposit(ctx, 0)
	if err != nil {
		return advanced, multierr.Append(errs, fmt.Errorf("failed to list awaiting payments: %w", err))
	}
	if len(payments) == 0 {
		return advanced, errs
	}

	deposits, err := w.rail.RecentDeposits(ctx, w.feedSize)
	if err != nil {
		w.logger.Error("Failed to fetch deposits", zap.Error(err))
		return advanced, multierr.Append(errs, fmt.Errorf("failed to fetch deposits: %w", err))
	}
	byClabe := make(map[string][]juno.Deposit)
	for _, d := range deposits {
		if d.Status == juno.DepositComplete {
			byClabe[d.ReceiverClabe] = append(byClabe[d.ReceiverClabe], d)
		}
	}

	matched := 0
	for _, p := range payments {
		ok, err := w.match(ctx, p, byClabe[p.DepositClabe])
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
		}
		if ok {
			matched++
		}
	}
	w.logger.Info("Deposit sweep done",
		zap.Int("awaiting", len(payments)),
		zap.Int("feed", len(deposits)),
		zap.Int("matched", matched))
	return advanced + matched, errs
}

// advanceDetected finishes payments left in deposit_detected by a crash.
func (w *DepositWatcher) advanceDetected(ctx context.Context) (int, error) {
	stuck, err := w.repo.ListPaymentsByStatus(ctx, []entity.PaymentStatus{entity.StatusDepositDetected}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list detected payments: %w", err)
	}
	n := 0
	var errs error
	for _, p := range stuck {
		err := w.repo.TransitionPayment(ctx, p.ID, entity.StatusDepositDetected, entity.StatusFunded, nil)
		switch {
		case err == nil:
			n++
		case !errors.Is(err, repository.ErrConflict):
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
		}
	}
	return n, errs
}

func (w *DepositWatcher) match(ctx context.Context, p *entity.Payment, sameClabe []juno.Deposit) (bool, error) {
	logger := w.logger.With(zap.String("payment_id", p.ID))

	var candidates []juno.Deposit
	for _, d := range sameClabe {
		if d.Amount.Equal(p.Amount) {
			candidates = append(candidates, d)
		}
	}

	switch len(candidates) {
	case 0:
		if w.now().Sub(p.CreatedAt) > w.staleAfter {
			w.rec.Fail(ctx, p.ID, entity.EventDepositError, apperror.New(apperror.Matching, "stale",
				fmt.Sprintf("no deposit of %s MXN to %s after %s", p.Amount.StringFixed(2), p.DepositClabe, w.staleAfter)))
		}
		return false, nil
	case 1:
	default:
		ids := make([]string, len(candidates))
		for i, d := range candidates {
			ids[i] = d.ID
		}
		err := apperror.New(apperror.Matching, "ambiguous",
			fmt.Sprintf("%d deposits of %s MXN match: %s", len(candidates), p.Amount.StringFixed(2), strings.Join(ids, ", ")))
		logger.Warn("Ambiguous deposit match", zap.Strings("references", ids))
		w.rec.Fail(ctx, p.ID, entity.EventDepositError, err)
		return false, nil
	}

	d := candidates[0]
	claimed, err := w.claims.ClaimDeposit(ctx, d.ID, p.ID)
	if err != nil {
		return false, err
	}
	if !claimed {
		w.rec.Fail(ctx, p.ID, entity.EventDepositError, apperror.New(apperror.Matching, "claimed",
			fmt.Sprintf("deposit %s is already claimed by another payment", d.ID)))
		return false, nil
	}

	ev := w.rec.Event(p.ID, entity.EventDepositDetected, "deposit %s of %s MXN from %s received on %s",
		d.ID, d.Amount.StringFixed(2), d.SenderName, d.ReceiverClabe)
	if err := w.repo.MarkDepositDetected(ctx, p.ID, d.ID, ev); err != nil {
		if rerr := w.claims.ReleaseDeposit(ctx, d.ID, p.ID); rerr != nil {
			logger.Warn("failed to release deposit claim", zap.Error(rerr))
		}
		if errors.Is(err, repository.ErrConflict) {
			w.rec.Fail(ctx, p.ID, entity.EventDepositError, apperror.Wrap(apperror.Matching, "conflict",
				fmt.Sprintf("deposit %s could not be attached", d.ID), err))
			return false, nil
		}
		return false, err
	}
	w.rec.Published(ctx, ev)

	if err := w.repo.TransitionPayment(ctx, p.ID, entity.StatusDepositDetected, entity.StatusFunded, nil); err != nil {
		// The next sweep's advanceDetected picks it up.
		return false, fmt.Errorf("failed to mark payment funded: %w", err)
	}
	logger.Info("Deposit matched", zap.String("reference", d.ID), zap.String("amount", d.Amount.StringFixed(2)))
	return true, nil
}
