package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	readTimeout  = 3 * time.Second
	writeTimeout = 5 * time.Second
	cacheTTL     = 10 * time.Minute
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type LedgerRepository struct {
	db     *pgxpool.Pool
	redis  *redis.Client
	logger *zap.Logger
}

func NewLedgerRepository(db *pgxpool.Pool, redis *redis.Client, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		redis:  redis,
		logger: logger.With(zap.String("component", "ledger_repository")),
	}
}

var _ repository.LedgerRepository = (*LedgerRepository)(nil)

func (lr *LedgerRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := lr.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// expectOne maps a conditional update that touched no rows to ErrConflict.
func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func insertEvent(ctx context.Context, q querier, event *entity.PaymentEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO payment_event (id, payment_id, type, description, is_automatic, is_error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := q.Exec(ctx, query, event.ID, event.PaymentID, event.Type, event.Description,
		event.IsAutomatic, event.IsError, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", event.Type, mapErr(err))
	}
	return nil
}

func (lr *LedgerRepository) invalidatePayment(ctx context.Context, paymentID string) {
	if lr.redis == nil {
		return
	}
	if err := lr.redis.Del(ctx, paymentCacheKey(paymentID)).Err(); err != nil {
		lr.logger.Warn("failed to invalidate payment cache",
			zap.String("payment_id", paymentID),
			zap.Error(err))
	}
}

func paymentCacheKey(paymentID string) string {
	return fmt.Sprintf("payment:%s", paymentID)
}
