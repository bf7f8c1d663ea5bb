package app

import (
	"fmt"
	"strings"
	"time"

	"campusnotify/internal/broker"
	"campusnotify/internal/config"
	"campusnotify/internal/dispatch"
	"campusnotify/internal/httpapi"
	"campusnotify/internal/scans"
	"campusnotify/internal/scheduler"
	"campusnotify/internal/storage"
	logx "campusnotify/pkg/logx"
)

const (
	defaultDedupWindow   = 24 * time.Hour
	defaultRuleCacheTTL  = 30 * time.Second
	defaultMetricsWindow = 1000
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, scheduler.DefaultTickTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	interval := strings.TrimSpace(cfg.Scheduler.Interval)
	if interval == "" {
		interval = scheduler.DefaultInterval
	}
	if _, err := scheduler.ParseSchedule(interval); err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.interval: %w", err)
	}
	return scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Interval:    interval,
		Timezone:    strings.TrimSpace(cfg.Scheduler.Timezone),
		TickTimeout: timeout,
	}, nil
}

func mapScansConfig(cfg *config.Config) (scans.Config, error) {
	sc := cfg.Scans
	var (
		out scans.Config
		err error
	)
	// Zero durations fall through to the runner's own defaults.
	if out.DeadlineLookahead, err = config.ParseDurationField("scans.deadline_lookahead", sc.DeadlineLookahead); err != nil {
		return scans.Config{}, err
	}
	if out.AttendanceLookback, err = config.ParseDurationField("scans.attendance_lookback", sc.AttendanceLookback); err != nil {
		return scans.Config{}, err
	}
	if out.Retention, err = config.ParseDurationField("scans.retention", sc.Retention); err != nil {
		return scans.Config{}, err
	}
	out.AttendanceThreshold = sc.AttendanceThreshold
	out.RatePerSec = sc.RatePerSec
	return out, nil
}

// dispatchSettings are the startup-only knobs of the dispatch path.
type dispatchSettings struct {
	DedupWindow   time.Duration
	CacheTTL      time.Duration
	RetryAttempts uint
	MetricsWindow int
}

func mapDispatchSettings(cfg *config.Config) (dispatchSettings, error) {
	dedup, err := config.ParseDurationOrDefault("scans.dedup_window", cfg.Scans.DedupWindow, defaultDedupWindow)
	if err != nil {
		return dispatchSettings{}, err
	}
	ttl, err := config.ParseDurationOrDefault("dispatch.rule_cache_ttl", cfg.Dispatch.RuleCacheTTL, defaultRuleCacheTTL)
	if err != nil {
		return dispatchSettings{}, err
	}
	ds := dispatchSettings{DedupWindow: dedup, CacheTTL: ttl, MetricsWindow: cfg.Dispatch.MetricsWindow}
	if ds.MetricsWindow <= 0 {
		ds.MetricsWindow = defaultMetricsWindow
	}
	if cfg.Dispatch.StoreRetryAttempts > 0 {
		ds.RetryAttempts = uint(cfg.Dispatch.StoreRetryAttempts)
	}
	return ds, nil
}

func (d dispatchSettings) options() dispatch.Options {
	return dispatch.Options{DedupWindow: d.DedupWindow, StoreRetryAttempts: d.RetryAttempts}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		AdminToken:   cfg.HTTP.AdminToken,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        cfg.HTTP.Pprof,
	}, nil
}

func mapBrokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		URL:        cfg.Broker.URL,
		Exchange:   strings.TrimSpace(cfg.Broker.Exchange),
		RoutingKey: strings.TrimSpace(cfg.Broker.RoutingKey),
	}
}

// validate runs every mapping so a reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScansConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchSettings(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
