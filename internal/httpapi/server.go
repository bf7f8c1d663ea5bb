// Package httpapi exposes the notification engine over HTTP: rule
// administration, trigger invocation, the delivery log, metrics and the
// per-user inbox.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"campusnotify/internal/dispatch"
	"campusnotify/internal/metrics"
	"campusnotify/internal/model"
	"campusnotify/internal/observability/telemetry"
	"campusnotify/internal/scheduler"
	logx "campusnotify/pkg/logx"
)

const DefaultAddr = ":8080"

type Config struct {
	Addr         string
	AdminToken   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Pprof mounts net/http/pprof under /debug for admin callers.
	Pprof bool
}

// RuleStore is implemented by rules.Service.
type RuleStore interface {
	ListRules(ctx context.Context) ([]model.AutomationRule, error)
	GetRule(ctx context.Context, id string) (model.AutomationRule, bool, error)
	CreateRule(ctx context.Context, actor model.Actor, r model.AutomationRule) (model.AutomationRule, error)
	UpdateRule(ctx context.Context, actor model.Actor, r model.AutomationRule) (model.AutomationRule, error)
	DeleteRule(ctx context.Context, actor model.Actor, id string) error
	ToggleActive(ctx context.Context, actor model.Actor, id string) (model.AutomationRule, error)
}

// Triggers is implemented by dispatch.Dispatcher.
type Triggers interface {
	TriggerLowAttendanceAlert(ctx context.Context, p dispatch.LowAttendance) bool
	TriggerResultUploaded(ctx context.Context, p dispatch.ResultUploaded) bool
	TriggerAssignmentUploaded(ctx context.Context, p dispatch.AssignmentUploaded) bool
	TriggerAssignmentDeadlineApproaching(ctx context.Context, p dispatch.DeadlineApproaching) bool
	TriggerClassCancelled(ctx context.Context, p dispatch.ClassCancelled) bool
	TriggerNoticePublished(ctx context.Context, p dispatch.NoticePublished) bool
	TriggerAssignmentSubmission(ctx context.Context, p dispatch.AssignmentSubmission) bool
	TriggerCustomEvent(ctx context.Context, p dispatch.CustomEvent) bool
}

// DeliveryLog is implemented by deliverylog.Log.
type DeliveryLog interface {
	Query(ctx context.Context, f model.DeliveryFilter) ([]model.DeliveryRecord, error)
	Get(ctx context.Context, id string) (model.DeliveryRecord, bool, error)
	UpdateStatus(ctx context.Context, id string, to model.Status, errMsg string) (model.DeliveryRecord, error)
	Retry(ctx context.Context, id string) (model.DeliveryRecord, error)
}

// Inbox is implemented by inbox.Inbox.
type Inbox interface {
	ListForUser(ctx context.Context, userID string, unreadOnly bool) ([]model.NotificationView, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context, userID string) int
}

type MetricsSource interface {
	GetMetrics(ctx context.Context) (metrics.Summary, error)
}

// ScheduledStore queues notifications for the scheduled flush.
type ScheduledStore interface {
	CreateScheduled(ctx context.Context, n model.ScheduledNotification) error
}

// SchedulerControl is implemented by scheduler.Scheduler.
type SchedulerControl interface {
	Snapshot() scheduler.Snapshot
	RunNow(ctx context.Context) bool
}

// Deps are the engine components behind the API. Scheduler and Telemetry
// may be nil.
type Deps struct {
	Rules     RuleStore
	Triggers  Triggers
	Log       DeliveryLog
	Inbox     Inbox
	Metrics   MetricsSource
	Scheduled ScheduledStore
	Scheduler SchedulerControl
	Telemetry *telemetry.Metrics

	Now   func() time.Time
	NewID func() string
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	h    http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.h = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", s.deps.Telemetry.Handler())
	if s.cfg.Pprof {
		r.With(requireAdmin).Mount("/debug", middleware.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Post("/", s.createRule)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Delete("/{id}", s.deleteRule)
			r.Post("/{id}/toggle", s.toggleRule)
		})

		r.With(requireAdmin).Post("/triggers/{trigger}", s.invokeTrigger)
		r.With(requireAdmin).Post("/scheduled", s.createScheduled)
		r.With(requireAdmin).Post("/scheduler/run", s.runScheduler)

		r.Route("/logs", func(r chi.Router) {
			r.Use(requireAdmin)
			r.Get("/", s.queryLogs)
			r.Post("/{id}/retry", s.retryLog)
			r.Post("/{id}/status", s.updateLogStatus)
		})
		r.Get("/metrics/summary", s.metricsSummary)

		r.Route("/inbox/{userID}", func(r chi.Router) {
			r.Get("/", s.listInbox)
			r.Get("/unread-count", s.unreadCount)
			r.Post("/read-all", s.markAllRead)
		})
		r.Post("/notifications/{id}/read", s.markRead)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	return ctx.Err()
}
