package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paymentColumns = `id, amount, currency, payment_type, payer_email, payee_email, payee_name, payee_rfc,
	payout_clabe, commission_email, commission_name, commission_rfc, commission_clabe, commission_percent,
	custody_percent, custody_days, allow_early_release, payer_approval, payer_approval_at, payee_approval,
	payee_approval_at, deposit_clabe, reference, escrow_id, release_amount, status, created_at, updated_at`

func scanPayment(row pgx.Row) (*entity.Payment, error) {
	var p entity.Payment
	err := row.Scan(
		&p.ID,
		&p.Amount,
		&p.Currency,
		&p.PaymentType,
		&p.PayerEmail,
		&p.PayeeEmail,
		&p.PayeeName,
		&p.PayeeRFC,
		&p.PayoutClabe,
		&p.CommissionEmail,
		&p.CommissionName,
		&p.CommissionRFC,
		&p.CommissionClabe,
		&p.CommissionPercent,
		&p.CustodyPercent,
		&p.CustodyDays,
		&p.AllowEarlyRelease,
		&p.PayerApproval,
		&p.PayerApprovalAt,
		&p.PayeeApproval,
		&p.PayeeApprovalAt,
		&p.DepositClabe,
		&p.Reference,
		&p.EscrowID,
		&p.ReleaseAmount,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]*entity.Payment, error) {
	defer rows.Close()
	var payments []*entity.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return payments, nil
}

func (lr *LedgerRepository) CreatePayment(ctx context.Context, p *entity.Payment) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Currency == "" {
		p.Currency = entity.CurrencyMXN
	}
	if p.Status == "" {
		p.Status = entity.StatusPending
	}
	query := `INSERT INTO payment (` + paymentColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		$21, $22, $23, $24, $25, $26, NOW(), NOW())
	RETURNING created_at, updated_at`
	err := lr.db.QueryRow(ctx, query,
		p.ID, p.Amount, p.Currency, p.PaymentType, p.PayerEmail, p.PayeeEmail, p.PayeeName, p.PayeeRFC,
		p.PayoutClabe, p.CommissionEmail, p.CommissionName, p.CommissionRFC, p.CommissionClabe, p.CommissionPercent,
		p.CustodyPercent, p.CustodyDays, p.AllowEarlyRelease, p.PayerApproval, p.PayerApprovalAt, p.PayeeApproval,
		p.PayeeApprovalAt, p.DepositClabe, p.Reference, p.EscrowID, p.ReleaseAmount, p.Status,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		lr.logger.Error("failed to create payment",
			zap.String("payment_id", p.ID),
			zap.String("amount", p.Amount.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create payment: %w", mapErr(err))
	}
	return nil
}

func (lr *LedgerRepository) GetPaymentByID(ctx context.Context, paymentID string) (*entity.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	cacheKey := paymentCacheKey(paymentID)
	if lr.redis != nil {
		if cached, err := lr.redis.Get(ctx, cacheKey).Result(); err == nil {
			var payment entity.Payment
			if err := json.Unmarshal([]byte(cached), &payment); err == nil {
				return &payment, nil
			}
			lr.logger.Warn("failed to unmarshal cached payment", zap.String("payment_id", paymentID))
		}
	}

	query := `SELECT ` + paymentColumns + ` FROM payment WHERE id = $1`
	payment, err := scanPayment(lr.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", paymentID, repository.ErrNotFound)
		}
		lr.logger.Error("failed to fetch payment by ID",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to fetch payment %s: %w", paymentID, err)
	}

	if lr.redis != nil {
		if data, err := json.Marshal(payment); err == nil {
			if err := lr.redis.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
				lr.logger.Warn("failed to cache payment",
					zap.String("payment_id", paymentID),
					zap.Error(err))
			}
		}
	}
	return payment, nil
}

func (lr *LedgerRepository) ListPaymentsByStatus(ctx context.Context, statuses []entity.PaymentStatus, limit int) ([]*entity.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	query := `SELECT ` + paymentColumns + ` FROM payment
	WHERE status = ANY($1)
	ORDER BY created_at
	LIMIT NULLIF($2, 0)`
	rows, err := lr.db.Query(ctx, query, names, limit)
	if err != nil {
		lr.logger.Error("failed to list payments by status", zap.Strings("statuses", names), zap.Error(err))
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return collectPayments(rows)
}

func (lr *LedgerRepository) ListAwaitingDeposit(ctx context.Context, limit int) ([]*entity.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `SELECT ` + paymentColumns + ` FROM payment
	WHERE status = 'pending' AND deposit_clabe <> '' AND (reference IS NULL OR reference = '')
	ORDER BY created_at
	LIMIT NULLIF($1, 0)`
	rows, err := lr.db.Query(ctx, query, limit)
	if err != nil {
		lr.logger.Error("failed to list payments awaiting deposit", zap.Error(err))
		return nil, fmt.Errorf("failed to list payments awaiting deposit: %w", err)
	}
	return collectPayments(rows)
}

func (lr *LedgerRepository) MarkDepositDetected(ctx context.Context, paymentID, reference string, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE payment SET status = 'deposit_detected', reference = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND (reference IS NULL OR reference = '')`
		if err := expectOne(tx.Exec(ctx, query, paymentID, reference)); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Warn("failed to mark deposit detected",
			zap.String("payment_id", paymentID),
			zap.String("reference", reference),
			zap.Error(err))
		return fmt.Errorf("failed to mark deposit detected: %w", err)
	}
	lr.invalidatePayment(ctx, paymentID)
	return nil
}

func (lr *LedgerRepository) TransitionPayment(ctx context.Context, paymentID string, from, to entity.PaymentStatus, event *entity.PaymentEvent) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("payment transition %s -> %s not allowed: %w", from, to, repository.ErrConflict)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		if err := transitionPayment(ctx, tx, paymentID, []entity.PaymentStatus{from}, to); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Warn("failed to transition payment",
			zap.String("payment_id", paymentID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
		return fmt.Errorf("failed to transition payment: %w", err)
	}
	lr.invalidatePayment(ctx, paymentID)
	return nil
}

func transitionPayment(ctx context.Context, q querier, paymentID string, from []entity.PaymentStatus, to entity.PaymentStatus) error {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}
	query := `UPDATE payment SET status = $2, updated_at = NOW() WHERE id = $1 AND status = ANY($3)`
	return expectOne(q.Exec(ctx, query, paymentID, to, names))
}

func (lr *LedgerRepository) CompletePayment(ctx context.Context, paymentID string, releaseAmount decimal.Decimal, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		query := `UPDATE payment SET status = 'completed', release_amount = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'released'`
		if err := expectOne(tx.Exec(ctx, query, paymentID, releaseAmount)); err != nil {
			return err
		}
		escrowQuery := `UPDATE escrow SET status = 'completed', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'released'`
		if _, err := tx.Exec(ctx, escrowQuery, paymentID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		lr.logger.Error("failed to complete payment",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return fmt.Errorf("failed to complete payment: %w", err)
	}
	lr.invalidatePayment(ctx, paymentID)
	return nil
}

func (lr *LedgerRepository) SetApproval(ctx context.Context, paymentID string, party entity.Party, at time.Time, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var query string
	switch party {
	case entity.PartyPayer:
		query = `UPDATE payment SET payer_approval = TRUE, payer_approval_at = $2, updated_at = NOW()
		WHERE id = $1 AND payer_approval = FALSE`
	case entity.PartyPayee:
		query = `UPDATE payment SET payee_approval = TRUE, payee_approval_at = $2, updated_at = NOW()
		WHERE id = $1 AND payee_approval = FALSE`
	default:
		return fmt.Errorf("unknown party %q", party)
	}

	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		if err := expectOne(tx.Exec(ctx, query, paymentID, at)); err != nil {
			return err
		}
		return insertEvent(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to record %s approval: %w", party, err)
	}
	lr.invalidatePayment(ctx, paymentID)
	return nil
}
