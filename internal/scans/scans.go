// Package scans holds the time-based tasks run on every scheduler tick:
// deadline reminders, attendance alerts, the scheduled-notification flush
// and retention cleanup.
package scans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campusnotify/internal/dispatch"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/model"
	"campusnotify/internal/observability/telemetry"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

const (
	ScanDeadline   = "deadline_reminders"
	ScanAttendance = "attendance_threshold"
	ScanScheduled  = "scheduled_flush"
	ScanRetention  = "retention_cleanup"

	flushBatch = 100
)

type Config struct {
	DeadlineLookahead   time.Duration
	AttendanceThreshold float64
	AttendanceLookback  time.Duration
	Retention           time.Duration
	// RatePerSec bounds dispatches per second across a tick; <= 0 is unlimited.
	RatePerSec float64
}

func (c Config) withDefaults() Config {
	if c.DeadlineLookahead <= 0 {
		c.DeadlineLookahead = 24 * time.Hour
	}
	if c.AttendanceThreshold <= 0 {
		c.AttendanceThreshold = 75
	}
	if c.AttendanceLookback <= 0 {
		c.AttendanceLookback = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

// Dispatcher is the subset of dispatch.Dispatcher the scans call.
type Dispatcher interface {
	DeadlineApproaching(ctx context.Context, p dispatch.DeadlineApproaching) dispatch.Result
	LowAttendanceAlert(ctx context.Context, p dispatch.LowAttendance) dispatch.Result
	DispatchScheduled(ctx context.Context, n model.ScheduledNotification) dispatch.Result
}

// Store is what the scans read and clean up.
type Store interface {
	storage.CourseSource
	storage.ScheduledRepository
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Stats counts items handled by one scan.
type Stats struct {
	Examined     int   `json:"examined"`
	Dispatched   int   `json:"dispatched"`
	Deduplicated int   `json:"deduplicated"`
	Failed       int   `json:"failed"`
	Deleted      int64 `json:"deleted,omitempty"`
}

func (s *Stats) add(r dispatch.Result) {
	s.Dispatched += r.Created()
	s.Deduplicated += r.Deduplicated()
	s.Failed += r.Failed()
}

type ScanReport struct {
	Name     string        `json:"name"`
	Stats    Stats         `json:"stats"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type TickReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Scans    []ScanReport  `json:"scans"`
}

// Err joins the errors of failed scans.
func (r TickReport) Err() error {
	var errs []error
	for _, s := range r.Scans {
		if s.Error != "" {
			errs = append(errs, fmt.Errorf("%s: %s", s.Name, s.Error))
		}
	}
	return errors.Join(errs...)
}

type task struct {
	name string
	run  func(ctx context.Context, now time.Time, st *Stats) error
}

type Runner struct {
	d     Dispatcher
	store Store

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	now      func() time.Time
	bus      eventbus.Publisher
	metrics  *telemetry.Metrics
	throttle *logx.Throttle
	log      logx.Logger
}

func NewRunner(cfg Config, d Dispatcher, store Store, now func() time.Time, bus eventbus.Publisher, metrics *telemetry.Metrics, log logx.Logger) *Runner {
	if now == nil {
		now = time.Now
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	r := &Runner{
		d:        d,
		store:    store,
		now:      now,
		bus:      bus,
		metrics:  metrics,
		throttle: logx.NewThrottle(1.0/60, 3),
		log:      log.With(logx.String("comp", "scans")),
	}
	r.Apply(cfg)
	return r
}

// Apply swaps thresholds and the rate limit; it takes effect on the next item.
func (r *Runner) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := int(math.Ceil(cfg.RatePerSec))
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = lim
	r.mu.Unlock()
}

func (r *Runner) config() (Config, *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.limiter
}

func (r *Runner) tasks() []task {
	return []task{
		{ScanDeadline, r.deadlineReminders},
		{ScanAttendance, r.attendanceAlerts},
		{ScanScheduled, r.flushScheduled},
		{ScanRetention, r.retentionCleanup},
	}
}

// Tick runs every scan in order. A failing or panicking scan is recorded
// and the remaining scans still run.
func (r *Runner) Tick(ctx context.Context) TickReport {
	rep := TickReport{Started: r.now()}
	start := time.Now()
	for _, t := range r.tasks() {
		if ctx.Err() != nil {
			rep.Scans = append(rep.Scans, ScanReport{Name: t.name, Error: "skipped: " + ctx.Err().Error()})
			continue
		}
		rep.Scans = append(rep.Scans, r.runScan(ctx, t))
	}
	rep.Duration = time.Since(start)
	r.bus.Publish(eventbus.Event{Type: eventbus.TickCompleted, Data: rep})
	return rep
}

// RunTick adapts Tick to scheduler.TickFunc.
func (r *Runner) RunTick(ctx context.Context) error {
	return r.Tick(ctx).Err()
}

func (r *Runner) runScan(ctx context.Context, t task) (rep ScanReport) {
	rep.Name = t.name
	start := time.Now()
	log := r.log.With(logx.String("scan", t.name))
	defer func() {
		if p := recover(); p != nil {
			rep.Error = fmt.Sprintf("panic: %v", p)
			log.Error("scan panicked", logx.Any("panic", p))
		}
		rep.Duration = time.Since(start)
		r.metrics.Scan(t.name, rep.Error == "", rep.Duration)
	}()

	if err := t.run(ctx, r.now(), &rep.Stats); err != nil {
		rep.Error = err.Error()
		log.Error("scan failed", logx.Err(err))
		return rep
	}
	if rep.Stats.Failed > 0 {
		log.Warn("scan finished with item failures", logx.Int("failed", rep.Stats.Failed), logx.Int("examined", rep.Stats.Examined))
	} else {
		log.Debug("scan finished",
			logx.Int("examined", rep.Stats.Examined),
			logx.Int("dispatched", rep.Stats.Dispatched),
			logx.Int("deduplicated", rep.Stats.Deduplicated),
		)
	}
	return rep
}

// item isolates one unit of work inside a scan.
func (r *Runner) item(ctx context.Context, scan, key string, st *Stats, fn func() dispatch.Result) error {
	_, lim := r.config()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	st.Examined++
	defer func() {
		if p := recover(); p != nil {
			st.Failed++
			if r.throttle.Allow(scan + "|" + key) {
				r.log.Error("scan item panicked", logx.String("scan", scan), logx.String("item", key), logx.Any("panic", p))
			}
		}
	}()
	st.add(fn())
	return nil
}

func (r *Runner) deadlineReminders(ctx context.Context, now time.Time, st *Stats) error {
	cfg, _ := r.config()
	due, err := r.store.AssignmentsDueBetween(ctx, now, now.Add(cfg.DeadlineLookahead))
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}
	for _, a := range due {
		students, err := r.store.EnrolledStudents(ctx, a.CourseID)
		if err != nil {
			st.Failed++
			if r.throttle.Allow(ScanDeadline + "|" + a.CourseID) {
				r.log.Error("list enrolled students failed", logx.String("course_id", a.CourseID), logx.Err(err))
			}
			continue
		}
		hours := int(math.Ceil(a.DueDate.Sub(now).Hours()))
		for _, sid := range students {
			p := dispatch.DeadlineApproaching{
				AssignmentID:    a.ID,
				StudentID:       sid,
				CourseID:        a.CourseID,
				CourseName:      a.CourseName,
				AssignmentTitle: a.Title,
				HoursRemaining:  hours,
			}
			if err := r.item(ctx, ScanDeadline, a.ID+"/"+sid, st, func() dispatch.Result {
				return r.d.DeadlineApproaching(ctx, p)
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) attendanceAlerts(ctx context.Context, now time.Time, st *Stats) error {
	cfg, _ := r.config()
	snaps, err := r.store.AttendanceUpdatedSince(ctx, now.Add(-cfg.AttendanceLookback))
	if err != nil {
		return fmt.Errorf("list attendance: %w", err)
	}
	for _, s := range snaps {
		if s.Percentage >= cfg.AttendanceThreshold {
			continue
		}
		p := dispatch.LowAttendance{
			StudentID:  s.StudentID,
			CourseID:   s.CourseID,
			CourseName: s.CourseName,
			Percentage: s.Percentage,
		}
		if err := r.item(ctx, ScanAttendance, s.StudentID+"/"+s.CourseID, st, func() dispatch.Result {
			return r.d.LowAttendanceAlert(ctx, p)
		}); err != nil {
			return err
		}
	}
	return nil
}

// flushScheduled marks a notification sent only when every recipient has a
// record; otherwise it stays due and the next tick retries the rest.
func (r *Runner) flushScheduled(ctx context.Context, now time.Time, st *Stats) error {
	due, err := r.store.DueScheduled(ctx, now, flushBatch)
	if err != nil {
		return fmt.Errorf("list scheduled: %w", err)
	}
	for _, n := range due {
		var res dispatch.Result
		if err := r.item(ctx, ScanScheduled, n.ID, st, func() dispatch.Result {
			res = r.d.DispatchScheduled(ctx, n)
			return res
		}); err != nil {
			return err
		}
		if res.Failed() > 0 || len(res.Outcomes) != len(uniqueNonEmpty(n.RecipientIDs)) {
			continue
		}
		if err := r.store.MarkScheduledSent(ctx, n.ID, now); err != nil {
			st.Failed++
			r.log.Error("mark scheduled sent failed", logx.String("scheduled_id", n.ID), logx.Err(err))
		}
	}
	return nil
}

func (r *Runner) retentionCleanup(ctx context.Context, now time.Time, st *Stats) error {
	cfg, _ := r.config()
	cutoff := now.Add(-cfg.Retention)
	n, err := r.store.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	m, err := r.store.DeleteSentScheduledBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete scheduled: %w", err)
	}
	st.Deleted = n + m
	if st.Deleted > 0 {
		r.log.Info("retention cleanup", logx.Int64("deliveries", n), logx.Int64("scheduled", m), logx.Time("cutoff", cutoff))
	}
	return nil
}

func uniqueNonEmpty(ids []string) []string {
	seen := map[string]struct{}{}
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
