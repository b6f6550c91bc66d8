package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EscrowGateway moves escrows through their on-chain lifecycle and mirrors
// every confirmed step into the ledger.
type EscrowGateway struct {
	repo   repository.LedgerRepository
	chain  Chain
	scale  *tokenScale
	txs    *txRunner
	rec    *Recorder
	leases *leaser
	now    func() time.Time
	logger *zap.Logger

	// approve and fundEscrow share one allowance slot on the token.
	fundMu sync.Mutex
}

func NewEscrowGateway(cfg *config.Config, repo repository.LedgerRepository, chain Chain, cache Cache, rec *Recorder, logger *zap.Logger) *EscrowGateway {
	logger = logger.With(zap.String("component", "escrow_gateway"))
	return &EscrowGateway{
		repo:   repo,
		chain:  chain,
		scale:  &tokenScale{chain: chain, cache: cache, expected: cfg.Chain.TokenDecimals},
		txs:    newTxRunner(repo, chain, cfg.Chain.MaxTxAttempts, cfg.Chain.RetryBackoff, logger),
		rec:    rec,
		leases: newLeaser(repo, cfg.Sweeps.PaymentTimeout, logger),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func parseEscrowID(e *entity.Escrow) (*big.Int, error) {
	if e.SmartContractEscrowID == nil {
		return nil, apperror.New(apperror.Consistency, "", "escrow "+e.ID+" has no on-chain id")
	}
	id, ok := new(big.Int).SetString(*e.SmartContractEscrowID, 10)
	if !ok {
		return nil, apperror.New(apperror.Consistency, "", "malformed on-chain escrow id "+*e.SmartContractEscrowID)
	}
	return id, nil
}

// FundingCandidates lists payments whose deposit is matched but whose escrow
// is not funded yet.
func (g *EscrowGateway) FundingCandidates(ctx context.Context, limit int) ([]*entity.Payment, error) {
	return g.repo.ListPaymentsByStatus(ctx, []entity.PaymentStatus{entity.StatusFunded}, limit)
}

// FundEscrows runs CreateAndFundEscrow over every funded payment in turn.
func (g *EscrowGateway) FundEscrows(ctx context.Context) (int, error) {
	payments, err := g.FundingCandidates(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list funded payments: %w", err)
	}
	var (
		done int
		errs error
	)
	for _, p := range payments {
		if _, err := g.CreateAndFundEscrow(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		done++
	}
	return done, errs
}

// CreateAndFundEscrow takes a funded payment to escrowed. Each step resumes
// from whatever the ledger already holds, so calling it again after a crash
// neither creates a second escrow nor funds twice. A concurrent call for the
// same payment fails with CodeBusy without touching the chain.
func (g *EscrowGateway) CreateAndFundEscrow(ctx context.Context, p *entity.Payment) (*entity.Escrow, error) {
	logger := g.logger.With(zap.String("payment_id", p.ID))
	if p.Status != entity.StatusFunded {
		return nil, apperror.New(apperror.Consistency, "", fmt.Sprintf("payment %s is %s, want funded", p.ID, p.Status))
	}
	release, err := g.leases.acquire(ctx, p.ID, leaseEscrow)
	if err != nil {
		return nil, err
	}
	defer release()
	custody := p.CustodyAmount()
	if !custody.IsPositive() {
		err := apperror.New(apperror.Config, "", "payment has no custody amount to escrow")
		g.rec.Fail(ctx, p.ID, entity.EventEscrowError, err)
		return nil, err
	}

	escrow, err := g.ensureEscrow(ctx, p)
	if err != nil {
		return nil, err
	}
	units, err := g.scale.units(ctx, escrow.CustodyAmount)
	if err != nil {
		g.rec.Fail(ctx, p.ID, entity.EventEscrowError, err)
		return nil, err
	}

	if escrow.Status == entity.EscrowPending {
		if err := g.createEscrow(ctx, p, escrow, units); err != nil {
			logger.Error("Failed to create escrow", zap.Error(err))
			g.rec.Fail(ctx, p.ID, entity.EventEscrowError, err)
			return nil, err
		}
	}
	if escrow.Status == entity.EscrowCreated {
		if err := g.fundEscrow(ctx, p, escrow, units); err != nil {
			logger.Error("Failed to fund escrow", zap.Error(err))
			g.rec.Fail(ctx, p.ID, entity.EventEscrowError, err)
			return nil, err
		}
	}
	if escrow.Status != entity.EscrowFunded {
		return nil, apperror.New(apperror.Consistency, "", fmt.Sprintf("escrow is %s while payment is funded", escrow.Status))
	}
	logger.Info("Escrow funded",
		zap.String("escrow_id", *escrow.SmartContractEscrowID),
		zap.String("custody_amount", escrow.CustodyAmount.StringFixed(2)))
	return escrow, nil
}

func (g *EscrowGateway) ensureEscrow(ctx context.Context, p *entity.Payment) (*entity.Escrow, error) {
	escrow, err := g.repo.GetEscrowByPaymentID(ctx, p.ID)
	if err == nil {
		return escrow, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	escrow = &entity.Escrow{
		PaymentID:     p.ID,
		Status:        entity.EscrowPending,
		CustodyAmount: p.CustodyAmount(),
		CustodyEnd:    g.now().AddDate(0, 0, p.CustodyDays),
	}
	err = g.repo.CreateEscrow(ctx, escrow)
	if errors.Is(err, repository.ErrConflict) {
		return g.repo.GetEscrowByPaymentID(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow row: %w", err)
	}
	return escrow, nil
}

func (g *EscrowGateway) createEscrow(ctx context.Context, p *entity.Payment, escrow *entity.Escrow, units *big.Int) error {
	bridge := g.chain.BridgeAddress()
	receipt, hash, err := g.txs.run(ctx, p.ID, entity.TxCreateEscrow, true, func(ctx context.Context) (evm.Call, error) {
		if err := g.scale.ensureBalance(ctx, units); err != nil {
			return evm.Call{}, err
		}
		return evm.CreateEscrowCall(evm.CreateEscrowParams{
			Payer:      bridge,
			Payee:      bridge,
			Amount:     units,
			Deadline:   big.NewInt(escrow.CustodyEnd.Unix()),
			Vertical:   p.PaymentType,
			Clabe:      p.PayoutClabe,
			Conditions: fmt.Sprintf("custody_days=%d;early_release=%t", p.CustodyDays, p.AllowEarlyRelease),
			Token:      g.chain.TokenAddress(),
		}), nil
	})
	if err != nil {
		return err
	}
	id, err := g.chain.EscrowIDFromReceipt(receipt)
	if err != nil {
		return apperror.Wrap(apperror.Chain, apperror.CodeReverted, "create receipt without escrow id", err)
	}
	ev := g.rec.Event(p.ID, entity.EventEscrowCreated, "escrow %s created in tx %s", id, hash)
	if err := g.repo.MarkEscrowCreated(ctx, escrow, id.String(), ev); err != nil {
		return fmt.Errorf("failed to persist escrow id %s: %w", id, err)
	}
	g.rec.Published(ctx, ev)
	return nil
}

func (g *EscrowGateway) fundEscrow(ctx context.Context, p *entity.Payment, escrow *entity.Escrow, units *big.Int) error {
	id, err := parseEscrowID(escrow)
	if err != nil {
		return err
	}

	g.fundMu.Lock()
	defer g.fundMu.Unlock()

	bridge, spender := g.chain.BridgeAddress(), g.chain.EscrowAddress()
	allowance, err := g.chain.Allowance(ctx, bridge, spender)
	if err != nil {
		return apperror.Wrap(apperror.Chain, apperror.CodeTransport, "failed to read allowance", err)
	}
	if allowance.Cmp(units) < 0 {
		_, _, err := g.txs.run(ctx, p.ID, entity.TxApprove, false, func(ctx context.Context) (evm.Call, error) {
			if err := g.scale.ensureBalance(ctx, units); err != nil {
				return evm.Call{}, err
			}
			return evm.ApproveCall(spender, units), nil
		})
		if err != nil {
			return err
		}
	}

	_, hash, err := g.txs.run(ctx, p.ID, entity.TxFundEscrow, true, func(ctx context.Context) (evm.Call, error) {
		return evm.FundEscrowCall(id), nil
	})
	if err != nil {
		return err
	}
	ev := g.rec.Event(p.ID, entity.EventEscrowFunded, "escrow %s funded with %s MXN in tx %s",
		id, escrow.CustodyAmount.StringFixed(2), hash)
	if err := g.repo.MarkEscrowFunded(ctx, escrow, hash, g.now(), ev); err != nil {
		return fmt.Errorf("failed to persist funding of escrow %s: %w", id, err)
	}
	g.rec.Published(ctx, ev)
	return nil
}

// Release pays the custody out of the contract once the release condition
// holds. An escrow already released on chain is only mirrored locally.
func (g *EscrowGateway) Release(ctx context.Context, escrow *entity.Escrow) (string, error) {
	p, err := g.repo.GetPaymentByID(ctx, escrow.PaymentID)
	if err != nil {
		return "", err
	}
	hash, err := g.release(ctx, p, escrow)
	if err != nil {
		g.logger.Error("Failed to release escrow",
			zap.String("payment_id", p.ID),
			zap.String("escrow_id", escrow.ID),
			zap.Error(err))
		g.rec.Fail(ctx, p.ID, entity.EventReleaseError, err)
		return "", err
	}
	return hash, nil
}

func (g *EscrowGateway) release(ctx context.Context, p *entity.Payment, escrow *entity.Escrow) (string, error) {
	if !entity.ReleaseDue(g.now(), escrow, p) {
		return "", apperror.New(apperror.Consistency, "",
			fmt.Sprintf("custody runs until %s and release is not approved", escrow.CustodyEnd.Format(time.RFC3339)))
	}
	id, err := parseEscrowID(escrow)
	if err != nil {
		return "", err
	}
	state, err := g.chain.EscrowState(ctx, id)
	if err != nil {
		return "", apperror.Wrap(apperror.Chain, apperror.CodeTransport, "failed to read escrow state", err)
	}

	var hash string
	switch state {
	case evm.StateReleased:
		hash, err = g.chain.ReleaseTxHash(ctx, id)
		if err != nil {
			return "", err
		}
		g.logger.Info("escrow already released on chain",
			zap.String("payment_id", p.ID),
			zap.String("escrow_id", id.String()),
			zap.String("tx_hash", hash))
	case evm.StateFunded, evm.StateActive:
		_, hash, err = g.txs.run(ctx, p.ID, entity.TxRelease, true, func(ctx context.Context) (evm.Call, error) {
			return evm.ReleaseCall(id), nil
		})
		if err != nil {
			return "", err
		}
	default:
		return "", apperror.New(apperror.Consistency, "", fmt.Sprintf("on-chain escrow %s is %s", id, state))
	}

	ev := g.rec.Event(p.ID, entity.EventEscrowReleased, "escrow %s released %s MXN in tx %s",
		id, escrow.CustodyAmount.StringFixed(2), hash)
	if err := g.repo.MarkEscrowReleased(ctx, escrow, hash, ev); err != nil {
		return "", fmt.Errorf("failed to persist release of escrow %s: %w", id, err)
	}
	g.rec.Published(ctx, ev)
	return hash, nil
}

// RaiseDispute freezes the escrow on chain and in the ledger.
func (g *EscrowGateway) RaiseDispute(ctx context.Context, paymentID, reason string) error {
	p, err := g.repo.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return err
	}
	if !p.Status.CanTransition(entity.StatusDisputed) {
		return apperror.New(apperror.Consistency, "", fmt.Sprintf("payment %s is %s and cannot be disputed", p.ID, p.Status))
	}
	escrow, err := g.repo.GetEscrowByPaymentID(ctx, paymentID)
	if err != nil {
		return err
	}
	switch escrow.Status {
	case entity.EscrowCreated, entity.EscrowFunded, entity.EscrowActive, entity.EscrowReleasing:
	default:
		return apperror.New(apperror.Consistency, "", fmt.Sprintf("escrow is %s and cannot be disputed", escrow.Status))
	}
	id, err := parseEscrowID(escrow)
	if err != nil {
		return err
	}
	reason = g.rec.Sanitize(reason)

	release, err := g.leases.acquire(ctx, p.ID, leaseEscrow)
	if err != nil {
		return err
	}
	defer release()

	_, hash, err := g.txs.run(ctx, p.ID, entity.TxDispute, true, func(ctx context.Context) (evm.Call, error) {
		return evm.DisputeCall(id, reason), nil
	})
	if err != nil {
		g.rec.Fail(ctx, p.ID, entity.EventEscrowError, err)
		return err
	}
	ev := g.rec.Manual(p.ID, entity.EventEscrowDisputed, "dispute raised in tx %s: %s", hash, reason)
	if err := g.repo.MarkEscrowDisputed(ctx, escrow, ev); err != nil {
		return fmt.Errorf("failed to persist dispute: %w", err)
	}
	g.rec.Published(ctx, ev)
	return nil
}

// ResolveDispute settles a disputed escrow. The seller winning releases the
// custody and lets the payout continue; the buyer winning refunds it and
// fails the payment.
func (g *EscrowGateway) ResolveDispute(ctx context.Context, paymentID string, inFavorOfSeller bool) (string, error) {
	escrow, err := g.repo.GetEscrowByPaymentID(ctx, paymentID)
	if err != nil {
		return "", err
	}
	if escrow.Status != entity.EscrowDisputed {
		return "", apperror.New(apperror.Consistency, "", fmt.Sprintf("escrow is %s, not disputed", escrow.Status))
	}
	id, err := parseEscrowID(escrow)
	if err != nil {
		return "", err
	}
	release, err := g.leases.acquire(ctx, paymentID, leaseEscrow)
	if err != nil {
		return "", err
	}
	defer release()

	_, hash, err := g.txs.run(ctx, paymentID, entity.TxResolveDispute, true, func(ctx context.Context) (evm.Call, error) {
		return evm.ResolveDisputeCall(id, inFavorOfSeller), nil
	})
	if err != nil {
		g.rec.Fail(ctx, paymentID, entity.EventEscrowError, err)
		return "", err
	}
	winner := "buyer"
	if inFavorOfSeller {
		winner = "seller"
	}
	ev := g.rec.Manual(paymentID, entity.EventDisputeResolved, "dispute resolved in favor of %s in tx %s", winner, hash)
	if err := g.repo.ResolveEscrowDispute(ctx, escrow, inFavorOfSeller, hash, ev); err != nil {
		return "", fmt.Errorf("failed to persist dispute resolution: %w", err)
	}
	g.rec.Published(ctx, ev)
	return hash, nil
}
