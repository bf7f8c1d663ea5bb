package config

import (
	"strings"

	logx "campusnotify/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// plus log fields describing the new values. Secrets (admin token, broker
// URL) are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}
	if oldCfg.Scans != newCfg.Scans {
		changed = append(changed, "scans")
		attrs = append(attrs,
			logx.Float64("scans.attendance_threshold", newCfg.Scans.AttendanceThreshold),
			logx.Float64("scans.rate_per_sec", newCfg.Scans.RatePerSec),
			logx.String("scans.retention", newCfg.Scans.Retention),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.metrics_window", newCfg.Dispatch.MetricsWindow),
			logx.String("dispatch.rule_cache_ttl", newCfg.Dispatch.RuleCacheTTL),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.admin_token_set", newCfg.HTTP.AdminToken != ""),
		)
	}
	if oldCfg.Broker != newCfg.Broker {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.Bool("broker.enabled", newCfg.Broker.Enabled),
			logx.Bool("broker.url_set", newCfg.Broker.URL != ""),
			logx.String("broker.exchange", newCfg.Broker.Exchange),
		)
	}
	return changed, attrs
}

// RestartRequired names changed sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "http", "broker", "dispatch":
			out = append(out, s)
		}
	}
	return out
}
