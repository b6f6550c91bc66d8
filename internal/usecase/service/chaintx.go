package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// txRunner drives one chain step per (payment, kind). Every signed
// transaction is written to the ledger before broadcast, so a later call
// resumes the in-flight transaction instead of sending a second one.
type txRunner struct {
	repo        repository.ChainTxRepository
	chain       Chain
	maxAttempts uint64
	backoff     time.Duration
	logger      *zap.Logger
}

func newTxRunner(repo repository.ChainTxRepository, chain Chain, maxAttempts uint64, backoff time.Duration, logger *zap.Logger) *txRunner {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &txRunner{repo: repo, chain: chain, maxAttempts: maxAttempts, backoff: backoff, logger: logger}
}

// run returns the successful receipt for the step. build is only called when
// a fresh transaction is needed and may fail with a fatal error. A mined
// transaction of the same kind is reused unless reuseMined is false.
//
// A failed send is ambiguous: the node may have accepted the transaction
// before the error came back. Once signed and recorded, a transaction is
// only ever rebroadcast; a replacement with a new nonce is signed only after
// the recorded one reverted or its nonce went to another transaction.
func (t *txRunner) run(ctx context.Context, paymentID string, kind entity.ChainTxKind, reuseMined bool, build func(ctx context.Context) (evm.Call, error)) (*types.Receipt, string, error) {
	var inflight *entity.ChainTx
	prev, err := t.repo.LatestChainTx(ctx, paymentID, kind)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, "", err
	case prev.Status == entity.ChainTxMined && reuseMined:
		r, err := t.chain.Receipt(ctx, prev.Hash)
		if err != nil {
			return nil, "", err
		}
		return r, prev.Hash, nil
	case prev.Status == entity.ChainTxSubmitted:
		inflight = prev
	}

	var (
		receipt *types.Receipt
		hash    string
	)
	backoff := retry.WithMaxRetries(t.maxAttempts-1, retry.NewExponential(t.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if inflight != nil {
			r, err := t.resume(ctx, inflight)
			switch {
			case err == nil:
				receipt, hash = r, inflight.Hash
				return nil
			case errors.Is(err, evm.ErrNonceUsed), r != nil:
				// dropped or reverted, sign a replacement below
				inflight = nil
			case apperror.Is(err, apperror.Chain, apperror.CodeSend):
				return retry.RetryableError(err)
			default:
				return err
			}
		}

		call, err := build(ctx)
		if err != nil {
			return err
		}
		signed, err := t.chain.Submit(ctx, call, func(s *evm.SignedTx) error {
			return t.repo.RecordChainTx(ctx, &entity.ChainTx{
				Hash:      s.Hash,
				PaymentID: paymentID,
				Kind:      kind,
				Nonce:     s.Nonce,
				Raw:       s.Raw,
			})
		})
		if err != nil {
			if signed != nil {
				t.logger.Warn("send failed after signing, resuming by hash",
					zap.String("payment_id", paymentID),
					zap.String("kind", string(kind)),
					zap.String("tx_hash", signed.Hash),
					zap.Error(err))
				inflight = &entity.ChainTx{
					Hash:      signed.Hash,
					PaymentID: paymentID,
					Kind:      kind,
					Nonce:     signed.Nonce,
					Raw:       signed.Raw,
					Status:    entity.ChainTxSubmitted,
				}
			}
			if apperror.KindOf(err) == apperror.Chain && apperror.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		r, err := t.chain.WaitReceipt(ctx, signed.Hash)
		switch {
		case err == nil:
			t.mark(ctx, signed.Hash, entity.ChainTxMined)
			receipt, hash = r, signed.Hash
			return nil
		case r != nil:
			t.mark(ctx, signed.Hash, entity.ChainTxReverted)
			t.logger.Warn("transaction reverted",
				zap.String("payment_id", paymentID),
				zap.String("kind", string(kind)),
				zap.String("tx_hash", signed.Hash))
			return retry.RetryableError(err)
		default:
			// Still pending; the next call resumes it by hash.
			return err
		}
	})
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", kind, err)
	}
	return receipt, hash, nil
}

// resume waits for a transaction recorded by an earlier attempt,
// rebroadcasting its raw bytes when the node does not know it. It is marked
// dropped only when its nonce is spent and no receipt exists for it.
func (t *txRunner) resume(ctx context.Context, prev *entity.ChainTx) (*types.Receipt, error) {
	r, err := t.chain.Receipt(ctx, prev.Hash)
	if errors.Is(err, evm.ErrPending) {
		t.logger.Info("resuming in-flight transaction",
			zap.String("payment_id", prev.PaymentID),
			zap.String("kind", string(prev.Kind)),
			zap.String("tx_hash", prev.Hash))
		err = t.chain.Rebroadcast(ctx, prev.Raw)
		switch {
		case err == nil:
			r, err = t.chain.WaitReceipt(ctx, prev.Hash)
		case errors.Is(err, evm.ErrNonceUsed):
			// The nonce may have gone to this very transaction.
			if r, err = t.chain.Receipt(ctx, prev.Hash); err != nil {
				t.mark(ctx, prev.Hash, entity.ChainTxDropped)
				return nil, fmt.Errorf("%s: %w", prev.Hash, evm.ErrNonceUsed)
			}
		default:
			return nil, err
		}
	}
	if err == nil && r.Status != types.ReceiptStatusSuccessful {
		err = apperror.New(apperror.Chain, apperror.CodeReverted, "transaction "+prev.Hash+" reverted")
	}
	switch {
	case err == nil:
		t.mark(ctx, prev.Hash, entity.ChainTxMined)
	case r != nil:
		t.mark(ctx, prev.Hash, entity.ChainTxReverted)
	}
	return r, err
}

func (t *txRunner) mark(ctx context.Context, hash string, status entity.ChainTxStatus) {
	if err := t.repo.UpdateChainTxStatus(ctx, hash, status); err != nil {
		t.logger.Error("failed to update chain tx status",
			zap.String("tx_hash", hash),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// tokenScale converts MXN amounts to token base units using the decimals the
// token contract reports.
type tokenScale struct {
	chain    Chain
	cache    Cache
	expected uint8
}

func (s *tokenScale) decimals(ctx context.Context) (uint8, error) {
	d, err := s.cache.Decimals(ctx, s.chain.TokenAddress().Hex(), s.chain.Decimals)
	if err != nil {
		return 0, apperror.Wrap(apperror.Chain, apperror.CodeTransport, "failed to read token decimals", err)
	}
	if d != s.expected {
		return 0, apperror.New(apperror.Config, apperror.CodeDecimals,
			fmt.Sprintf("token reports %d decimals, configured %d", d, s.expected))
	}
	return d, nil
}

func (s *tokenScale) units(ctx context.Context, amount decimal.Decimal) (*big.Int, error) {
	d, err := s.decimals(ctx)
	if err != nil {
		return nil, err
	}
	u, err := entity.ToTokenUnits(amount, d)
	if err != nil {
		return nil, apperror.Wrap(apperror.Config, apperror.CodeDecimals, "amount does not fit token precision", err)
	}
	return u, nil
}

// ensureBalance fails with a fatal error when the bridge wallet holds less than units.
func (s *tokenScale) ensureBalance(ctx context.Context, units *big.Int) error {
	bal, err := s.chain.BalanceOf(ctx, s.chain.BridgeAddress())
	if err != nil {
		return apperror.Wrap(apperror.Chain, apperror.CodeTransport, "failed to read bridge balance", err)
	}
	if bal.Cmp(units) < 0 {
		return apperror.New(apperror.Chain, apperror.CodeInsufficient,
			fmt.Sprintf("bridge balance %s below required %s", bal, units))
	}
	return nil
}
