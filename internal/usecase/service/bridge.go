package service

import (
	"context"
	"errors"
	"fmt"

	"escrowgo/internal/apperror"
	"escrowgo/internal/cmd/evm"
	"escrowgo/internal/config"
	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BridgeSettlement moves released tokens from the bridge wallet to the
// off-ramp address the fiat rail redeems from.
type BridgeSettlement struct {
	repo    repository.LedgerRepository
	chain   Chain
	scale   *tokenScale
	txs     *txRunner
	rec     *Recorder
	leases  *leaser
	offramp string
	logger  *zap.Logger
}

func NewBridgeSettlement(cfg *config.Config, repo repository.LedgerRepository, chain Chain, cache Cache, rec *Recorder, logger *zap.Logger) *BridgeSettlement {
	logger = logger.With(zap.String("component", "bridge_settlement"))
	return &BridgeSettlement{
		repo:    repo,
		chain:   chain,
		scale:   &tokenScale{chain: chain, cache: cache, expected: cfg.Chain.TokenDecimals},
		txs:     newTxRunner(repo, chain, cfg.Chain.MaxTxAttempts, cfg.Chain.RetryBackoff, logger),
		rec:     rec,
		leases:  newLeaser(repo, cfg.Sweeps.PaymentTimeout, logger),
		offramp: cfg.Chain.OfframpAddress,
		logger:  logger,
	}
}

// TransferToOfframp is idempotent per payment: once a transfer is mined its
// hash is returned without touching the chain. Concurrent calls for one
// payment are serialized by a lease; the loser gets CodeBusy.
func (b *BridgeSettlement) TransferToOfframp(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	release, err := b.leases.acquire(ctx, paymentID, leaseBridge)
	if err != nil {
		return "", err
	}
	defer release()

	prev, err := b.repo.LatestChainTx(ctx, paymentID, entity.TxBridgeTransfer)
	if err == nil && prev.Status == entity.ChainTxMined {
		if err := b.recordTransfer(ctx, paymentID, amount, prev.Hash); err != nil {
			return "", err
		}
		return prev.Hash, nil
	}
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	hash, err := b.transfer(ctx, paymentID, amount)
	if err != nil {
		b.logger.Error("Bridge transfer failed", zap.String("payment_id", paymentID), zap.Error(err))
		b.rec.Fail(ctx, paymentID, entity.EventBridgeTransferError, err)
		return "", err
	}
	if err := b.recordTransfer(ctx, paymentID, amount, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// recordTransfer writes the bridge_transfer event unless the ledger already
// has one, which covers a crash between the receipt and the event.
func (b *BridgeSettlement) recordTransfer(ctx context.Context, paymentID string, amount decimal.Decimal, hash string) error {
	seen, err := b.repo.HasEvent(ctx, paymentID, entity.EventBridgeTransfer)
	if err != nil {
		return fmt.Errorf("failed to check bridge transfer event: %w", err)
	}
	if seen {
		return nil
	}
	ev := b.rec.Event(paymentID, entity.EventBridgeTransfer, "transferred %s MXNB to off-ramp %s in tx %s",
		amount.StringFixed(2), b.offramp, hash)
	return b.rec.Record(ctx, ev)
}

func (b *BridgeSettlement) transfer(ctx context.Context, paymentID string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(b.offramp) {
		return "", apperror.New(apperror.Config, "offramp", "CHAIN_OFFRAMP_ADDRESS is not a valid address")
	}
	units, err := b.scale.units(ctx, amount)
	if err != nil {
		return "", err
	}
	to := common.HexToAddress(b.offramp)
	_, hash, err := b.txs.run(ctx, paymentID, entity.TxBridgeTransfer, true, func(ctx context.Context) (evm.Call, error) {
		if err := b.scale.ensureBalance(ctx, units); err != nil {
			return evm.Call{}, err
		}
		return evm.TransferCall(to, units), nil
	})
	return hash, err
}
