// Package deliverylog is the append-only history of dispatch attempts.
//
// Records are immutable after Append except for the status-transition
// fields, which change only through UpdateStatus and Retry.
package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

type Log struct {
	repo storage.DeliveryRepository
	bus  eventbus.Publisher
	now  func() time.Time
	log  logx.Logger
}

func New(repo storage.DeliveryRepository, bus eventbus.Publisher, now func() time.Time, log logx.Logger) *Log {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Log{repo: repo, bus: bus, now: now, log: log.With(logx.String("comp", "deliverylog"))}
}

// Append persists a new record. IsSuccessful is derived from Status.
func (l *Log) Append(ctx context.Context, rec model.DeliveryRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is required", model.ErrValidation)
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrValidation, rec.Status)
	}
	rec.IsSuccessful = rec.Status.Successful()
	return l.repo.AppendDelivery(ctx, rec)
}

// Get reports absence with ok=false.
func (l *Log) Get(ctx context.Context, id string) (model.DeliveryRecord, bool, error) {
	return l.repo.GetDelivery(ctx, id)
}

// UpdateStatus moves a record along the status state machine.
//
//	sent      -> SentAt = now
//	delivered -> DeliveredAt = now
//	failed    -> ErrorMessage = errMsg, IsSuccessful = false
//
// Moving to pending is reserved for Retry.
func (l *Log) UpdateStatus(ctx context.Context, id string, to model.Status, errMsg string) (model.DeliveryRecord, error) {
	if !to.Valid() {
		return model.DeliveryRecord{}, fmt.Errorf("%w: unknown status %q", model.ErrValidation, to)
	}
	if to == model.StatusPending {
		return model.DeliveryRecord{}, fmt.Errorf("%w: use retry to reset a record to pending", model.ErrInvalidTransition)
	}
	rec, ok, err := l.repo.GetDelivery(ctx, id)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !ok {
		return model.DeliveryRecord{}, model.ErrNotFound
	}
	from := rec.Status
	if !from.CanTransition(to) {
		return model.DeliveryRecord{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, from, to)
	}

	now := l.now()
	rec.Status = to
	rec.IsSuccessful = to.Successful()
	switch to {
	case model.StatusSent:
		rec.SentAt = &now
	case model.StatusDelivered:
		rec.DeliveredAt = &now
	case model.StatusFailed:
		msg := strings.TrimSpace(errMsg)
		if msg == "" {
			msg = "delivery failed"
		}
		rec.ErrorMessage = &msg
	}
	if err := l.repo.UpdateDeliveryStatus(ctx, rec, from); err != nil {
		return model.DeliveryRecord{}, err
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.DeliveryStatusChanged, Time: now, Data: rec})
	l.log.Debug("delivery status updated",
		logx.String("record_id", id),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
	)
	return rec, nil
}

// Retry resets a failed record to pending, increments RetryCount and clears
// ErrorMessage. Only failed records can be retried.
func (l *Log) Retry(ctx context.Context, id string) (model.DeliveryRecord, error) {
	rec, ok, err := l.repo.GetDelivery(ctx, id)
	if err != nil {
		return model.DeliveryRecord{}, err
	}
	if !ok {
		return model.DeliveryRecord{}, model.ErrNotFound
	}
	if rec.Status != model.StatusFailed {
		return model.DeliveryRecord{}, fmt.Errorf("%w: cannot retry a %s record", model.ErrInvalidTransition, rec.Status)
	}
	rec.Status = model.StatusPending
	rec.IsSuccessful = false
	rec.RetryCount++
	rec.ErrorMessage = nil
	if err := l.repo.UpdateDeliveryStatus(ctx, rec, model.StatusFailed); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return model.DeliveryRecord{}, fmt.Errorf("%w: record changed concurrently", err)
		}
		return model.DeliveryRecord{}, err
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.DeliveryStatusChanged, Time: l.now(), Data: rec})
	l.log.Info("delivery retried", logx.String("record_id", id), logx.Int("retry_count", rec.RetryCount))
	return rec, nil
}

// Query returns matching records newest-first. The limit defaults to
// DefaultQueryLimit and is capped at MaxQueryLimit.
func (l *Log) Query(ctx context.Context, f model.DeliveryFilter) ([]model.DeliveryRecord, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		f.Limit = MaxQueryLimit
	}
	return l.repo.QueryDeliveries(ctx, f)
}

// Recent returns the newest n records, unfiltered.
func (l *Log) Recent(ctx context.Context, n int) ([]model.DeliveryRecord, error) {
	return l.repo.QueryDeliveries(ctx, model.DeliveryFilter{Limit: n})
}
