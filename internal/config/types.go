package config

// Config is the on-disk configuration (JSON or YAML). Durations are strings
// such as "30s" or "5m" and are parsed by the consumers through
// ParseDurationOrDefault, so an empty value always means "use the default".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Health    HealthConfig    `json:"health"`
	Alerts    AlertsConfig    `json:"alerts"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	JSON    bool          `json:"json"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver       string `json:"driver"` // sqlite | postgres
	Path         string `json:"path"`
	DSN          string `json:"dsn"`
	BusyTimeout  string `json:"busy_timeout"`
	MaxOpenConns int    `json:"max_open_conns"`
}

type SchedulerConfig struct {
	Timezone     string `json:"timezone"`
	MisfireGrace string `json:"misfire_grace"`
	// Coalesce collapses several missed fires into one. nil means true.
	Coalesce *bool `json:"coalesce"`
}

type EngineConfig struct {
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	DrainGrace string `json:"drain_grace"`
	KillGrace  string `json:"kill_grace"`

	// Interpreter, when set, is prepended to every script invocation.
	Interpreter  string            `json:"interpreter"`
	EnvAllowlist []string          `json:"env_allowlist"`
	ExtraEnv     map[string]string `json:"extra_env"`
	// LogDir overrides the per-script "<task>_logs" directory.
	LogDir string `json:"log_dir"`

	// DepsWindow is "calendar_day" (default) or "rolling".
	DepsWindow  string `json:"deps_window"`
	DepsRolling string `json:"deps_rolling"`

	Retention RetentionConfig `json:"retention"`
}

type RetentionConfig struct {
	Disabled    bool   `json:"disabled"`
	SuccessDays int    `json:"success_days"`
	FailedDays  int    `json:"failed_days"`
	Interval    string `json:"interval"`
}

type HealthConfig struct {
	Disabled     bool    `json:"disabled"`
	Interval     string  `json:"interval"`
	ServiceName  string  `json:"service_name"`
	DiskPath     string  `json:"disk_path"`
	CPUWarn      float64 `json:"cpu_warn"`
	MemWarn      float64 `json:"mem_warn"`
	DiskCritical float64 `json:"disk_critical"`
	// SystemdNotify sends READY/STOPPING/WATCHDOG when NOTIFY_SOCKET is set.
	SystemdNotify bool `json:"systemd_notify"`
	// Units lists systemd units whose state is reported in the heartbeat.
	Units []string `json:"units"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `json:"telegram"`
}

type TelegramAlertConfig struct {
	Enabled       bool    `json:"enabled"`
	Token         string  `json:"token"`
	ChatIDs       []int64 `json:"chat_ids"`
	MinSeverity   string  `json:"min_severity"`
	RatePerMinute int     `json:"rate_per_minute"`
}

type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token"`
	AllowInsecure bool   `json:"allow_insecure"`
}
