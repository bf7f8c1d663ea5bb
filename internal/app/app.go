package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"campusnotify/internal/broker"
	"campusnotify/internal/config"
	"campusnotify/internal/deliverylog"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/eventbus"
	"campusnotify/internal/httpapi"
	"campusnotify/internal/inbox"
	"campusnotify/internal/metrics"
	"campusnotify/internal/observability/telemetry"
	"campusnotify/internal/rules"
	"campusnotify/internal/runtime/supervisor"
	"campusnotify/internal/scans"
	"campusnotify/internal/scheduler"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tel   *telemetry.Metrics

	rules      *rules.Service
	deliveries *deliverylog.Log
	dispatcher *dispatch.Dispatcher
	inbox      *inbox.Inbox
	metrics    *metrics.Service
	runner     *scans.Runner
	sched      *scheduler.Scheduler
	api        *httpapi.Server
	bridge     *broker.Bridge

	httpEnabled   bool
	brokerEnabled bool
	dispatchCfg   dispatchSettings

	stopOnce sync.Once
}

// Option tweaks NewApp; tests use it to swap the broker dialer.
type Option func(*options)

type options struct {
	dial broker.Dialer
}

func WithBrokerDialer(d broker.Dialer) Option {
	return func(o *options) { o.dial = d }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	log = log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           eventbus.New(),
		store:         store,
		tel:           telemetry.New(),
		httpEnabled:   cfg.HTTP.Enabled,
		brokerEnabled: cfg.Broker.Enabled,
	}
	if err := a.build(cfg, o); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build wires the engine on top of the opened store.
func (a *App) build(cfg *config.Config, o options) error {
	root := a.logs.Logger()

	ds, _ := mapDispatchSettings(cfg)
	a.dispatchCfg = ds

	a.rules = rules.New(a.store, rules.Options{
		CacheTTL: ds.CacheTTL,
		Log:      root,
	})
	a.deliveries = deliverylog.New(a.store, a.bus, time.Now, root.With(logx.String("comp", "deliverylog")))

	dopt := ds.options()
	dopt.Bus = a.bus
	dopt.Metrics = a.tel
	dopt.Log = root.With(logx.String("comp", "dispatch"))
	a.dispatcher = dispatch.New(a.rules, a.deliveries, a.store, dopt)

	a.inbox = inbox.New(a.store, time.Now, root.With(logx.String("comp", "inbox")))
	a.metrics = metrics.NewService(a.deliveries, ds.MetricsWindow, time.Now)

	scfg, _ := mapScansConfig(cfg)
	a.runner = scans.NewRunner(scfg, a.dispatcher, a.store, time.Now, a.bus, a.tel, root.With(logx.String("comp", "scans")))

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched, err := scheduler.New(schedCfg, a.runner.RunTick, a.tel, root.With(logx.String("comp", "scheduler")))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	a.sched = sched

	hcfg, _ := mapHTTPConfig(cfg)
	if hcfg.AdminToken == "" && a.httpEnabled {
		a.log.Warn("http.admin_token is empty; administrative routes will reject every request")
	}
	a.api = httpapi.New(hcfg, httpapi.Deps{
		Rules:     a.rules,
		Triggers:  a.dispatcher,
		Log:       a.deliveries,
		Inbox:     a.inbox,
		Metrics:   a.metrics,
		Scheduled: a.store,
		Scheduler: a.sched,
		Telemetry: a.tel,
	}, root)

	if a.brokerEnabled {
		a.bridge = broker.New(mapBrokerConfig(cfg), a.bus, o.dial, root)
	}
	return nil
}

// Handler exposes the HTTP API without binding a listener.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Done is closed once the app's run context ends (fatal loop error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error from a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.httpEnabled {
		a.sup.Go("http", a.api.Run)
	}
	if a.bridge != nil {
		a.sup.GoRestart("broker", a.bridge.Run, supervisor.WithBackoff(time.Second, time.Minute))
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("http", a.httpEnabled),
		logx.Bool("broker", a.brokerEnabled),
		logx.Bool("scheduler", a.sched.Snapshot().Enabled),
	)
	return nil
}

// applyConfig pushes the live-reloadable sections into running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	a.logs.Apply(mapLogging(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	if sc, err := mapScansConfig(next); err != nil {
		a.log.Warn("invalid scans config; keeping previous", logx.Err(err))
	} else {
		a.runner.Apply(sc)
	}
	if ds, err := mapDispatchSettings(next); err == nil && ds.DedupWindow != a.dispatchCfg.DedupWindow {
		a.log.Warn("scans.dedup_window changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	// Ticks first: they write through the store.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("supervisor", 6*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	if err := a.sup.Err(); err != nil {
		a.log.Warn("stopped after loop failure", logx.Err(err))
	}
	a.log.Info("stopped", logx.Int64("events_dropped", int64(a.bus.Dropped())))
	return a.logs.Close()
}

// closeResources releases what NewApp opened when Start never ran.
func (a *App) closeResources() error {
	err := a.store.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}
