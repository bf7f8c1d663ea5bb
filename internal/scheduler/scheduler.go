package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"campusnotify/internal/observability/telemetry"
	logx "campusnotify/pkg/logx"
)

// TickFunc runs one tick. Its error is recorded in the history only.
type TickFunc func(ctx context.Context) error

type Scheduler struct {
	mu   sync.Mutex
	cfg  Config
	spec ParsedSpec
	loc  *time.Location
	c    *cron.Cron
	eid  cron.EntryID

	root   context.Context
	cancel context.CancelFunc

	tick    TickFunc
	gate    runGate
	ticks   atomic.Uint64
	skipped atomic.Uint64

	hmu     sync.Mutex
	history []TickRecord

	metrics *telemetry.Metrics
	log     logx.Logger
}

func New(cfg Config, tick TickFunc, metrics *telemetry.Metrics, log logx.Logger) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{tick: tick, metrics: metrics, log: log.With(logx.String("comp", "scheduler"))}
	if err := s.setConfig(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) setConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Interval) == "" {
		cfg.Interval = DefaultInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	spec, err := ParseSchedule(cfg.Interval)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
	}
	s.cfg, s.spec, s.loc = cfg, spec, loc
	return nil
}

// Start binds the scheduler to ctx and starts cron. When disabled, only the
// context is bound so a later Apply can enable it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.root == nil {
		s.root, s.cancel = context.WithCancel(ctx)
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if err := s.startCronLocked(); err != nil {
		return err
	}
	s.log.Info("scheduler started", logx.String("spec", s.spec.String()), logx.String("tz", s.loc.String()))
	return nil
}

func (s *Scheduler) startCronLocked() error {
	sched, err := s.spec.schedule()
	if err != nil {
		return err
	}
	s.c = cron.New(cron.WithLocation(s.loc))
	s.eid = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(s.rootCtx()) }))
	s.c.Start()
	return nil
}

func (s *Scheduler) rootCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.root
}

// Apply swaps interval or timezone at runtime, restarting cron when needed.
func (s *Scheduler) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.spec.String() + "|" + s.loc.String()
	wasEnabled := s.cfg.Enabled
	if err := s.setConfig(cfg); err != nil {
		return err
	}
	if s.c == nil {
		if cfg.Enabled && s.root != nil && s.root.Err() == nil {
			s.log.Info("scheduler enabled by config")
			return s.startCronLocked()
		}
		return nil
	}
	// Old cron instances are not awaited here: a running tick may need s.mu,
	// and the gate already keeps it from overlapping the next one.
	if !cfg.Enabled && wasEnabled {
		s.log.Info("scheduler disabled by config")
		s.c.Stop()
		s.c = nil
		return nil
	}
	if prev == s.spec.String()+"|"+s.loc.String() {
		return nil
	}
	s.c.Stop()
	if err := s.startCronLocked(); err != nil {
		s.c = nil
		return err
	}
	s.log.Info("scheduler rescheduled", logx.String("spec", s.spec.String()), logx.String("tz", s.loc.String()))
	return nil
}

// RunNow runs a tick immediately unless one is in flight. It reports
// whether the tick ran.
func (s *Scheduler) RunNow(ctx context.Context) bool {
	return s.fire(ctx)
}

func (s *Scheduler) fire(parent context.Context) bool {
	if parent.Err() != nil {
		return false
	}
	now := time.Now()
	if !s.gate.tryAcquire(now) {
		s.skipped.Add(1)
		s.metrics.TickSkipped()
		_, since := s.gate.state()
		s.log.Warn("tick skipped, previous tick still running", logx.Duration("running_for", time.Since(since)))
		s.record(TickRecord{Started: now, Skipped: true})
		return false
	}
	defer s.gate.release()

	s.mu.Lock()
	timeout := s.cfg.TickTimeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	rec := TickRecord{Started: now}
	func() {
		defer func() {
			if r := recover(); r != nil {
				rec.Error = fmt.Sprintf("panic: %v", r)
				s.log.Error("tick panicked", logx.Any("panic", r))
			}
		}()
		if err := s.tick(ctx); err != nil {
			rec.Error = err.Error()
		}
	}()
	rec.Duration = time.Since(now)
	s.ticks.Add(1)
	s.record(rec)
	if rec.Error != "" {
		s.log.Warn("tick finished with errors", logx.Duration("took", rec.Duration), logx.String("err", rec.Error))
	} else {
		s.log.Debug("tick finished", logx.Duration("took", rec.Duration))
	}
	return true
}

func (s *Scheduler) record(r TickRecord) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// Stop cancels the root context so an in-flight tick can wind down, stops
// cron and waits for the tick until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.root = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	select {
	case <-s.gate.idle():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with a tick in flight")
		return ctx.Err()
	}
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Spec:     s.spec.String(),
		Timezone: s.loc.String(),
		Running:  s.c != nil,
	}
	if s.c != nil {
		e := s.c.Entry(s.eid)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.mu.Unlock()

	snap.TickActive, _ = s.gate.state()
	snap.Ticks = s.ticks.Load()
	snap.Skipped = s.skipped.Load()
	s.hmu.Lock()
	snap.History = append([]TickRecord(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
