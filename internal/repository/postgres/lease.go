package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

func (lr *LedgerRepository) AcquireLease(ctx context.Context, paymentID, scope, holder string, now, expiresAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `INSERT INTO payment_lease (payment_id, scope, holder, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (payment_id, scope) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE payment_lease.holder = EXCLUDED.holder OR payment_lease.expires_at <= $5`
	tag, err := lr.db.Exec(ctx, query, paymentID, scope, holder, expiresAt, now)
	if err != nil {
		lr.logger.Error("failed to acquire lease",
			zap.String("payment_id", paymentID),
			zap.String("scope", scope),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire %s lease: %w", scope, mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (lr *LedgerRepository) ReleaseLease(ctx context.Context, paymentID, scope, holder string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	query := `DELETE FROM payment_lease WHERE payment_id = $1 AND scope = $2 AND holder = $3`
	if _, err := lr.db.Exec(ctx, query, paymentID, scope, holder); err != nil {
		return fmt.Errorf("failed to release %s lease: %w", scope, mapErr(err))
	}
	return nil
}
