package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every problem found in cfg as one joined error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.misfire_grace", c.Scheduler.MisfireGrace)

	if c.Engine.Workers < 0 {
		errs = append(errs, errors.New("engine.workers: must be >= 0"))
	}
	if c.Engine.QueueSize < 0 {
		errs = append(errs, errors.New("engine.queue_size: must be >= 0"))
	}
	dur("engine.drain_grace", c.Engine.DrainGrace)
	dur("engine.kill_grace", c.Engine.KillGrace)
	switch strings.ToLower(strings.TrimSpace(c.Engine.DepsWindow)) {
	case "", "calendar_day":
	case "rolling":
		if d, err := ParseDurationField("engine.deps_rolling", c.Engine.DepsRolling); err != nil {
			errs = append(errs, err)
		} else if d <= 0 {
			errs = append(errs, errors.New("engine.deps_rolling: required when deps_window is rolling"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.deps_window: unknown policy %q", c.Engine.DepsWindow))
	}
	for _, k := range c.Engine.EnvAllowlist {
		if strings.ContainsAny(k, "= ") || k == "" {
			errs = append(errs, fmt.Errorf("engine.env_allowlist: invalid name %q", k))
		}
	}
	if c.Engine.Retention.SuccessDays < 0 || c.Engine.Retention.FailedDays < 0 {
		errs = append(errs, errors.New("engine.retention: days must be >= 0"))
	}
	dur("engine.retention.interval", c.Engine.Retention.Interval)

	dur("health.interval", c.Health.Interval)
	for name, v := range map[string]float64{"cpu_warn": c.Health.CPUWarn, "mem_warn": c.Health.MemWarn, "disk_critical": c.Health.DiskCritical} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("health.%s: must be within 0..100", name))
		}
	}

	for _, u := range c.Health.Units {
		if strings.TrimSpace(u) == "" || strings.ContainsAny(u, "/ ") {
			errs = append(errs, fmt.Errorf("health.units: invalid unit name %q", u))
		}
	}

	if tg := c.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			errs = append(errs, errors.New("alerts.telegram.token: required when enabled"))
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, errors.New("alerts.telegram.chat_ids: required when enabled"))
		}
		switch strings.ToLower(strings.TrimSpace(tg.MinSeverity)) {
		case "", "warning", "error", "critical":
		default:
			errs = append(errs, fmt.Errorf("alerts.telegram.min_severity: unknown severity %q", tg.MinSeverity))
		}
	}

	if c.Admin.Enabled && strings.TrimSpace(c.Admin.Addr) == "" {
		errs = append(errs, errors.New("admin.addr: required when enabled"))
	}
	return errors.Join(errs...)
}
