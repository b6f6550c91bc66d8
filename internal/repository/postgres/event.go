package postgres

import (
	"context"
	"fmt"

	entity "escrowgo/internal/entity"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const eventColumns = `id, payment_id, type, description, is_automatic, is_error, created_at`

func scanEvent(row pgx.Row) (*entity.PaymentEvent, error) {
	var ev entity.PaymentEvent
	if err := row.Scan(&ev.ID, &ev.PaymentID, &ev.Type, &ev.Description, &ev.IsAutomatic, &ev.IsError, &ev.CreatedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (lr *LedgerRepository) InsertEvent(ctx context.Context, event *entity.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := insertEvent(ctx, lr.db, event); err != nil {
		lr.logger.Error("failed to insert payment event",
			zap.String("payment_id", event.PaymentID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return err
	}
	return nil
}

func (lr *LedgerRepository) ListEvents(ctx context.Context, paymentID string) ([]*entity.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM payment_event WHERE payment_id = $1 ORDER BY created_at, id`
	rows, err := lr.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*entity.PaymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

func (lr *LedgerRepository) LatestEvent(ctx context.Context, paymentID string) (*entity.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM payment_event WHERE payment_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	ev, err := scanEvent(lr.db.QueryRow(ctx, query, paymentID))
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", paymentID, mapErr(err))
	}
	return ev, nil
}

func (lr *LedgerRepository) HasEvent(ctx context.Context, paymentID string, typ entity.EventType) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM payment_event WHERE payment_id = $1 AND type = $2)`
	if err := lr.db.QueryRow(ctx, query, paymentID, typ).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s event: %w", typ, err)
	}
	return exists, nil
}
