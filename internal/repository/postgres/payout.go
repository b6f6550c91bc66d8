package postgres

import (
	"context"
	"errors"
	"fmt"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const payoutColumns = `id, payment_id, leg, attempt, origin_id, amount, clabe, beneficiary, status, provider_id,
	detail, created_at, updated_at`

func scanPayout(row pgx.Row) (*entity.Payout, error) {
	var p entity.Payout
	err := row.Scan(&p.ID, &p.PaymentID, &p.Leg, &p.Attempt, &p.OriginID, &p.Amount, &p.Clabe, &p.Beneficiary,
		&p.Status, &p.ProviderID, &p.Detail, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func latestPayout(ctx context.Context, q querier, paymentID string, leg entity.PayoutLeg) (*entity.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout
	WHERE payment_id = $1 AND leg = $2 ORDER BY attempt DESC LIMIT 1`
	return scanPayout(q.QueryRow(ctx, query, paymentID, leg))
}

func insertPayout(ctx context.Context, q querier, p *entity.Payout) error {
	p.ID = uuid.New().String()
	p.OriginID = entity.OriginID(p.PaymentID, p.Leg, p.Attempt)
	p.Status = entity.PayoutPending
	query := `INSERT INTO payout (id, payment_id, leg, attempt, origin_id, amount, clabe, beneficiary, status, detail,
		created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', NOW(), NOW())
	RETURNING created_at, updated_at`
	return q.QueryRow(ctx, query, p.ID, p.PaymentID, p.Leg, p.Attempt, p.OriginID, p.Amount, p.Clabe,
		p.Beneficiary, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (lr *LedgerRepository) EnsurePayout(ctx context.Context, template *entity.Payout) (*entity.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	existing, err := latestPayout(ctx, lr.db, template.PaymentID, template.Leg)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load %s payout: %w", template.Leg, err)
	}

	p := *template
	p.Attempt = 1
	if err := insertPayout(ctx, lr.db, &p); err != nil {
		err = mapErr(err)
		if errors.Is(err, repository.ErrConflict) {
			// a concurrent worker inserted attempt 1 first
			existing, lerr := latestPayout(ctx, lr.db, template.PaymentID, template.Leg)
			if lerr != nil {
				return nil, fmt.Errorf("failed to reload %s payout: %w", template.Leg, lerr)
			}
			return existing, nil
		}
		lr.logger.Error("failed to insert payout",
			zap.String("payment_id", p.PaymentID),
			zap.String("leg", string(p.Leg)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to insert %s payout: %w", p.Leg, err)
	}
	return &p, nil
}

func (lr *LedgerRepository) MarkPayoutResult(ctx context.Context, payoutID string, status entity.PayoutStatus, providerID *string, detail string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `UPDATE payout SET status = $2, provider_id = COALESCE($3, provider_id), detail = $4, updated_at = NOW()
	WHERE id = $1 AND status <> 'succeeded'`
	if err := expectOne(lr.db.Exec(ctx, query, payoutID, status, providerID, detail)); err != nil {
		return fmt.Errorf("failed to update payout %s: %w", payoutID, err)
	}
	return nil
}

func (lr *LedgerRepository) RetryPayout(ctx context.Context, template *entity.Payout) (*entity.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	leg := template.Leg
	var next *entity.Payout
	err := lr.inTx(ctx, func(tx pgx.Tx) error {
		last, err := latestPayout(ctx, tx, template.PaymentID, leg)
		if err != nil {
			return mapErr(err)
		}
		if last.Status != entity.PayoutRejected {
			return fmt.Errorf("latest %s attempt is %s: %w", leg, last.Status, repository.ErrConflict)
		}
		p := entity.Payout{
			PaymentID:   template.PaymentID,
			Leg:         leg,
			Attempt:     last.Attempt + 1,
			Amount:      template.Amount,
			Clabe:       template.Clabe,
			Beneficiary: template.Beneficiary,
		}
		if err := insertPayout(ctx, tx, &p); err != nil {
			return mapErr(err)
		}
		next = &p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retry %s payout: %w", leg, err)
	}
	return next, nil
}

func (lr *LedgerRepository) ListPayouts(ctx context.Context, paymentID string) ([]*entity.Payout, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := `SELECT ` + payoutColumns + ` FROM payout WHERE payment_id = $1 ORDER BY created_at, attempt`
	rows, err := lr.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*entity.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout row: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return payouts, nil
}
