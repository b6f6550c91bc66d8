package service

import (
	"context"
	"errors"
	"fmt"

	entity "escrowgo/internal/entity"
	"escrowgo/internal/notify"
	"escrowgo/internal/repository"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// Recorder builds sanitized ledger events and fans committed ones out to the
// configured sink.
type Recorder struct {
	repo   repository.EventRepository
	sink   notify.Sink
	policy *bluemonday.Policy
	logger *zap.Logger
}

// NewRecorder accepts a nil sink.
func NewRecorder(repo repository.EventRepository, sink notify.Sink, logger *zap.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		sink:   sink,
		policy: bluemonday.StrictPolicy(),
		logger: logger.With(zap.String("component", "event_recorder")),
	}
}

func (r *Recorder) Sanitize(s string) string {
	return r.policy.Sanitize(s)
}

// Event builds an automatic event. Pass it to a repository call and then to Published.
func (r *Recorder) Event(paymentID string, typ entity.EventType, format string, args ...any) *entity.PaymentEvent {
	return entity.NewEvent(paymentID, typ, r.Sanitize(fmt.Sprintf(format, args...)), true)
}

// Manual builds an operator-triggered event.
func (r *Recorder) Manual(paymentID string, typ entity.EventType, format string, args ...any) *entity.PaymentEvent {
	return entity.NewEvent(paymentID, typ, r.Sanitize(fmt.Sprintf(format, args...)), false)
}

// Published forwards a committed event. Sink failures are logged only; the
// ledger row is the source of truth.
func (r *Recorder) Published(ctx context.Context, ev *entity.PaymentEvent) {
	fields := []zap.Field{
		zap.String("payment_id", ev.PaymentID),
		zap.String("event", string(ev.Type)),
		zap.String("description", ev.Description),
	}
	if ev.IsError {
		r.logger.Warn("payment event", fields...)
	} else {
		r.logger.Info("payment event", fields...)
	}
	if r.sink == nil {
		return
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		r.logger.Warn("failed to publish payment event", append(fields, zap.Error(err))...)
	}
}

// Record inserts a standalone event and publishes it.
func (r *Recorder) Record(ctx context.Context, ev *entity.PaymentEvent) error {
	if err := r.repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", ev.Type, err)
	}
	r.Published(ctx, ev)
	return nil
}

// Fail persists cause as an error event of type typ. An identical error
// already at the head of the payment's ledger is not written again, so a
// payment stuck on the same problem does not flood its history. The write
// outlives ctx: a payment abandoned at its deadline still gets its event.
func (r *Recorder) Fail(ctx context.Context, paymentID string, typ entity.EventType, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	ev := r.Event(paymentID, typ, "%s", cause.Error())
	latest, err := r.repo.LatestEvent(ctx, paymentID)
	switch {
	case err == nil && latest.Type == ev.Type && latest.Description == ev.Description:
		r.logger.Debug("error event unchanged",
			zap.String("payment_id", paymentID),
			zap.String("event", string(typ)))
		return
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		r.logger.Warn("failed to read latest event", zap.String("payment_id", paymentID), zap.Error(err))
	}
	if err := r.Record(ctx, ev); err != nil {
		r.logger.Error("failed to persist error event",
			zap.String("payment_id", paymentID),
			zap.String("event", string(typ)),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}
