package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate rejects values that would fail later at startup or on reload.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			check(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	duration("storage.busy_timeout", c.Storage.BusyTimeout)

	duration("scheduler.tick_timeout", c.Scheduler.TickTimeout)
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	duration("scans.deadline_lookahead", c.Scans.DeadlineLookahead)
	duration("scans.attendance_lookback", c.Scans.AttendanceLookback)
	duration("scans.retention", c.Scans.Retention)
	duration("scans.dedup_window", c.Scans.DedupWindow)
	if t := c.Scans.AttendanceThreshold; t < 0 || t > 100 {
		check(fmt.Errorf("scans.attendance_threshold must be within 0..100, got %v", t))
	}
	if c.Scans.RatePerSec < 0 {
		check(errors.New("scans.rate_per_sec must be >= 0"))
	}

	duration("dispatch.rule_cache_ttl", c.Dispatch.RuleCacheTTL)
	if c.Dispatch.MetricsWindow < 0 {
		check(errors.New("dispatch.metrics_window must be >= 0"))
	}
	if c.Dispatch.StoreRetryAttempts < 0 {
		check(errors.New("dispatch.store_retry_attempts must be >= 0"))
	}

	duration("http.read_timeout", c.HTTP.ReadTimeout)
	duration("http.write_timeout", c.HTTP.WriteTimeout)

	if c.Broker.Enabled && strings.TrimSpace(c.Broker.URL) == "" {
		check(fmt.Errorf("broker.url is required when broker.enabled (or set %s)", EnvBrokerURL))
	}
	return errors.Join(errs...)
}
