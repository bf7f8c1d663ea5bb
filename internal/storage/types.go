package storage

import (
	"context"
	"errors"
	"time"

	"campusnotify/internal/model"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (default)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RuleRepository persists automation rules.
// Reads report absence with ok=false; Update/Delete return model.ErrNotFound.
type RuleRepository interface {
	ListRules(ctx context.Context) ([]model.AutomationRule, error)
	GetRule(ctx context.Context, id string) (model.AutomationRule, bool, error)
	ActiveRulesFor(ctx context.Context, t model.TriggerType) ([]model.AutomationRule, error)
	CreateRule(ctx context.Context, r model.AutomationRule) error
	UpdateRule(ctx context.Context, r model.AutomationRule) error
	DeleteRule(ctx context.Context, id string) error
	// IncrementTriggerCount must be atomic: N calls add exactly N.
	IncrementTriggerCount(ctx context.Context, id string, at time.Time) error
}

// DeliveryRepository persists the append-only delivery log.
type DeliveryRepository interface {
	AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, bool, error)
	// UpdateDeliveryStatus writes the status-transition fields of rec
	// (status, is_successful, sent_at, delivered_at, error_message,
	// retry_count) only if the stored status still equals from.
	// It returns model.ErrNotFound for a missing id and
	// model.ErrInvalidTransition when the stored status moved on.
	UpdateDeliveryStatus(ctx context.Context, rec model.DeliveryRecord, from model.Status) error
	// QueryDeliveries returns matches newest-first. Limit <= 0 means no limit.
	QueryDeliveries(ctx context.Context, f model.DeliveryFilter) ([]model.DeliveryRecord, error)
	HasDeliverySince(ctx context.Context, key model.DedupKey, since time.Time) (bool, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// ScheduledRepository persists notifications queued for a future time.
type ScheduledRepository interface {
	CreateScheduled(ctx context.Context, n model.ScheduledNotification) error
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]model.ScheduledNotification, error)
	MarkScheduledSent(ctx context.Context, id string, at time.Time) error
	DeleteSentScheduledBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CourseSource exposes the course/enrollment/attendance data owned by the
// host application.
type CourseSource interface {
	AssignmentsDueBetween(ctx context.Context, from, to time.Time) ([]model.Assignment, error)
	EnrolledStudents(ctx context.Context, courseID string) ([]string, error)
	AttendanceUpdatedSince(ctx context.Context, since time.Time) ([]model.AttendanceSnapshot, error)
}

// CourseWriter seeds CourseSource data. The host application normally owns
// these tables; tools and tests write them directly.
type CourseWriter interface {
	PutAssignment(ctx context.Context, a model.Assignment) error
	Enroll(ctx context.Context, courseID string, studentIDs ...string) error
	PutAttendance(ctx context.Context, s model.AttendanceSnapshot) error
}

// Store is the full persistence API used by the engine.
type Store interface {
	RuleRepository
	DeliveryRepository
	ScheduledRepository
	CourseSource
	CourseWriter
	Close() error
}
