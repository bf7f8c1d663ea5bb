package config

// Config is the daemon configuration file (JSON or YAML).
//
// Durations are Go duration strings ("30s", "5m", "720h"); an empty or zero
// value selects the documented default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Scans     ScansConfig     `json:"scans"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	HTTP      HTTPConfig      `json:"http"`
	Broker    BrokerConfig    `json:"broker"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/campusnotify.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory (default) | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig drives the periodic scan tick.
//
// Interval accepts a duration ("5m"), HH:MM ("00:05"), a cron expression
// ("*/5 * * * *") or a descriptor ("@every 5m"). Default "5m".
type SchedulerConfig struct {
	Enabled     bool   `json:"enabled"`
	Interval    string `json:"interval,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"` // default 4m
}

// ScansConfig tunes the scan tasks.
//
// Defaults:
//   - deadline_lookahead: 24h
//   - attendance_threshold: 75
//   - attendance_lookback: 24h
//   - retention: 720h
//   - dedup_window: 24h
//   - rate_per_sec: 0 (unlimited)
type ScansConfig struct {
	DeadlineLookahead   string  `json:"deadline_lookahead,omitempty"`
	AttendanceThreshold float64 `json:"attendance_threshold,omitempty"`
	AttendanceLookback  string  `json:"attendance_lookback,omitempty"`
	Retention           string  `json:"retention,omitempty"`
	DedupWindow         string  `json:"dedup_window,omitempty"`
	RatePerSec          float64 `json:"rate_per_sec,omitempty"`
}

type DispatchConfig struct {
	MetricsWindow      int    `json:"metrics_window,omitempty"`       // default 1000
	RuleCacheTTL       string `json:"rule_cache_ttl,omitempty"`       // default 30s
	StoreRetryAttempts int    `json:"store_retry_attempts,omitempty"` // default 3
}

// HTTPConfig controls the API server. AdminToken guards administrative
// routes and is never logged.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default ":8080"
	AdminToken   string `json:"admin_token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // admin-only /debug/pprof
}

// BrokerConfig enables the AMQP bridge. URL may carry credentials and is
// never logged.
type BrokerConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}
