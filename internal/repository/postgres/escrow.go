package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const escrowColumns = `id, payment_id, status, smart_contract_escrow_id, blockchain_tx_hash, release_tx_hash,
	custody_amount, custody_start, custody_end, created_at, updated_at`

func scanEscrow(row pgx.Row) (*entity.Escrow, error) {
	var e entity.Escrow
	err := row.Scan(
		&e.ID,
		&e.PaymentID,
		&e.Status,
		&e.SmartContractEscrowID,
		&e.BlockchainTxHash,
		&e.ReleaseTxHash,
		&e.CustodyAmount,
		&e.CustodyStart,
		&e.CustodyEnd,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func statusNames(statuses []entity.EscrowStatus) []string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return names
}

func (lr *LedgerRepository) CreateEscrow(ctx context.Context, e *entity.Escrow) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = entity.EscrowPending
	}
	query := `INSERT INTO escrow (id, payment_id, status, custody_amount, custody_end, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	RETURNING created_at, updated_at`
	err := lr.db.QueryRow(ctx, query, e.ID, e.PaymentID, e.Status, e.CustodyAmount, e.CustodyEnd).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		err = mapErr(err)
		if !errors.Is(err, repository.ErrConflict) {
			lr.logger.Error("failed to create escrow",
				zap.String("payment_id", e.PaymentID),
				zap.Error(err))
		}
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (lr *LedgerRepository) GetEscrowByPaymentID(ctx context.Context, paymentID string) (*entity.Escrow, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := `SELECT ` + escrowColumns + ` FROM escrow WHERE payment_id = $1`
	e, err := scanEscrow(lr.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		return nil, fmt.Errorf("escrow for payment %s: %w", paymentID, mapErr(err))
	}
	return e, nil
}

func (lr *LedgerRepository) MarkEscrowCreated(ctx context.Context, e *entity.Escrow, onchainID string, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE escrow SET status = 'created', smart_contract_escrow_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
		if err := expectOne(tx.Exec(ctx, query, e.ID, onchainID)); err != nil {
			return err
		}
		paymentQuery := `UPDATE payment SET escrow_id = $2, updated_at = NOW() WHERE id = $1`
		if _, err := tx.Exec(ctx, paymentQuery, e.PaymentID, onchainID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Error("failed to mark escrow created",
			zap.String("payment_id", e.PaymentID),
			zap.String("escrow_id", onchainID),
			zap.Error(err))
		return fmt.Errorf("failed to mark escrow created: %w", err)
	}
	e.Status = entity.EscrowCreated
	e.SmartContractEscrowID = &onchainID
	lr.invalidatePayment(ctx, e.PaymentID)
	return nil
}

func (lr *LedgerRepository) MarkEscrowFunded(ctx context.Context, e *entity.Escrow, fundTxHash string, custodyStart time.Time, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE escrow SET status = 'funded', blockchain_tx_hash = $2, custody_start = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'created'`
		if err := expectOne(tx.Exec(ctx, query, e.ID, fundTxHash, custodyStart)); err != nil {
			return err
		}
		if err := transitionPayment(ctx, tx, e.PaymentID, []entity.PaymentStatus{entity.StatusFunded}, entity.StatusEscrowed); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Error("failed to mark escrow funded",
			zap.String("payment_id", e.PaymentID),
			zap.String("tx_hash", fundTxHash),
			zap.Error(err))
		return fmt.Errorf("failed to mark escrow funded: %w", err)
	}
	e.Status = entity.EscrowFunded
	e.BlockchainTxHash = &fundTxHash
	e.CustodyStart = &custodyStart
	lr.invalidatePayment(ctx, e.PaymentID)
	return nil
}

func (lr *LedgerRepository) ClaimEscrowForRelease(ctx context.Context, escrowID string, staleBefore time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `UPDATE escrow SET status = 'releasing', updated_at = NOW()
	WHERE id = $1 AND (status IN ('funded', 'active') OR (status = 'releasing' AND updated_at < $2))`
	tag, err := lr.db.Exec(ctx, query, escrowID, staleBefore)
	if err != nil {
		lr.logger.Error("failed to claim escrow", zap.String("escrow_row", escrowID), zap.Error(err))
		return false, fmt.Errorf("failed to claim escrow: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (lr *LedgerRepository) ReleaseEscrowClaim(ctx context.Context, escrowID string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `UPDATE escrow SET status = 'funded', updated_at = NOW() WHERE id = $1 AND status = 'releasing'`
	if err := expectOne(lr.db.Exec(ctx, query, escrowID)); err != nil {
		return fmt.Errorf("failed to return escrow claim: %w", err)
	}
	return nil
}

func (lr *LedgerRepository) MarkEscrowReleased(ctx context.Context, e *entity.Escrow, releaseTxHash string, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE escrow SET status = 'released', release_tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('funded', 'active', 'releasing')`
		if err := expectOne(tx.Exec(ctx, query, e.ID, releaseTxHash)); err != nil {
			return err
		}
		if err := transitionPayment(ctx, tx, e.PaymentID, []entity.PaymentStatus{entity.StatusEscrowed}, entity.StatusReleased); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Error("failed to mark escrow released",
			zap.String("payment_id", e.PaymentID),
			zap.String("tx_hash", releaseTxHash),
			zap.Error(err))
		return fmt.Errorf("failed to mark escrow released: %w", err)
	}
	e.Status = entity.EscrowReleased
	e.ReleaseTxHash = &releaseTxHash
	lr.invalidatePayment(ctx, e.PaymentID)
	return nil
}

func (lr *LedgerRepository) MarkEscrowDisputed(ctx context.Context, e *entity.Escrow, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE escrow SET status = 'disputed', updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'funded', 'active', 'releasing')`
		if err := expectOne(tx.Exec(ctx, query, e.ID)); err != nil {
			return err
		}
		from := []entity.PaymentStatus{entity.StatusEscrowed, entity.StatusReleased}
		if err := transitionPayment(ctx, tx, e.PaymentID, from, entity.StatusDisputed); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to mark escrow disputed: %w", err)
	}
	e.Status = entity.EscrowDisputed
	lr.invalidatePayment(ctx, e.PaymentID)
	return nil
}

func (lr *LedgerRepository) ResolveEscrowDispute(ctx context.Context, e *entity.Escrow, sellerWins bool, txHash string, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	escrowTo, paymentTo := entity.EscrowRefunded, entity.StatusFailed
	if sellerWins {
		escrowTo, paymentTo = entity.EscrowReleased, entity.StatusReleased
	}

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE escrow SET status = $2,
			release_tx_hash = CASE WHEN $2 = 'released' THEN $3 ELSE release_tx_hash END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'disputed'`
		if err := expectOne(tx.Exec(ctx, query, e.ID, string(escrowTo), txHash)); err != nil {
			return err
		}
		if err := transitionPayment(ctx, tx, e.PaymentID, []entity.PaymentStatus{entity.StatusDisputed}, paymentTo); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}
	e.Status = escrowTo
	if sellerWins {
		e.ReleaseTxHash = &txHash
	}
	lr.invalidatePayment(ctx, e.PaymentID)
	return nil
}

func (lr *LedgerRepository) TransitionEscrow(ctx context.Context, escrowID string, from []entity.EscrowStatus, to entity.EscrowStatus) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `UPDATE escrow SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)`
	if err := expectOne(lr.db.Exec(ctx, query, escrowID, to, statusNames(from))); err != nil {
		return fmt.Errorf("failed to move escrow to %s: %w", to, err)
	}
	return nil
}

func (lr *LedgerRepository) ListReleasable(ctx context.Context, now, staleBefore time.Time, limit int) ([]*entity.ReleaseCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `SELECT e.id, e.payment_id, e.status, e.smart_contract_escrow_id, e.blockchain_tx_hash, e.release_tx_hash,
		e.custody_amount, e.custody_start, e.custody_end, e.created_at, e.updated_at,
		p.status, p.allow_early_release, p.payer_approval, p.payee_approval
	FROM escrow e JOIN payment p ON p.id = e.payment_id
	WHERE p.status = 'escrowed' AND (
		(e.status IN ('funded', 'active') AND (e.custody_end <= $1
			OR (p.allow_early_release AND p.payer_approval AND p.payee_approval)))
		OR (e.status = 'releasing' AND e.updated_at < $2))
	ORDER BY e.custody_end
	LIMIT NULLIF($3, 0)`
	rows, err := lr.db.Query(ctx, query, now, staleBefore, limit)
	if err != nil {
		lr.logger.Error("failed to list releasable escrows", zap.Error(err))
		return nil, fmt.Errorf("failed to list releasable escrows: %w", err)
	}
	defer rows.Close()

	var out []*entity.ReleaseCandidate
	for rows.Next() {
		var c entity.ReleaseCandidate
		e := &c.Escrow
		if err := rows.Scan(
			&e.ID, &e.PaymentID, &e.Status, &e.SmartContractEscrowID, &e.BlockchainTxHash, &e.ReleaseTxHash,
			&e.CustodyAmount, &e.CustodyStart, &e.CustodyEnd, &e.CreatedAt, &e.UpdatedAt,
			&c.Payment.Status, &c.Payment.AllowEarlyRelease, &c.Payment.PayerApproval, &c.Payment.PayeeApproval,
		); err != nil {
			return nil, fmt.Errorf("failed to scan escrow row: %w", err)
		}
		c.Payment.ID = e.PaymentID
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}
