package postgres

import (
	"context"
	"fmt"

	entity "escrowgo/internal/entity"

	"go.uber.org/zap"
)

func (lr *LedgerRepository) RecordChainTx(ctx context.Context, tx *entity.ChainTx) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if tx.Status == "" {
		tx.Status = entity.ChainTxSubmitted
	}
	query := `INSERT INTO chain_tx (hash, payment_id, kind, nonce, raw, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	RETURNING created_at, updated_at`
	err := lr.db.QueryRow(ctx, query, tx.Hash, tx.PaymentID, tx.Kind, int64(tx.Nonce), tx.Raw, tx.Status).
		Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		lr.logger.Error("failed to record chain tx",
			zap.String("payment_id", tx.PaymentID),
			zap.String("tx_hash", tx.Hash),
			zap.String("kind", string(tx.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to record chain tx: %w", mapErr(err))
	}
	return nil
}

func (lr *LedgerRepository) LatestChainTx(ctx context.Context, paymentID string, kind entity.ChainTxKind) (*entity.ChainTx, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var (
		tx    entity.ChainTx
		nonce int64
	)
	query := `SELECT hash, payment_id, kind, nonce, raw, status, created_at, updated_at
	FROM chain_tx WHERE payment_id = $1 AND kind = $2
	ORDER BY created_at DESC LIMIT 1`
	err := lr.db.QueryRow(ctx, query, paymentID, kind).Scan(
		&tx.Hash, &tx.PaymentID, &tx.Kind, &nonce, &tx.Raw, &tx.Status, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("latest %s tx for %s: %w", kind, paymentID, mapErr(err))
	}
	tx.Nonce = uint64(nonce)
	return &tx, nil
}

func (lr *LedgerRepository) UpdateChainTxStatus(ctx context.Context, hash string, status entity.ChainTxStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `UPDATE chain_tx SET status = $2, updated_at = NOW() WHERE hash = $1`
	if err := expectOne(lr.db.Exec(ctx, query, hash, status)); err != nil {
		return fmt.Errorf("failed to update chain tx %s: %w", hash, err)
	}
	return nil
}
