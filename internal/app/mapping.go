package app

import (
	"strings"
	"time"

	"scriptsched/internal/adminapi"
	"scriptsched/internal/alert"
	"scriptsched/internal/config"
	"scriptsched/internal/health"
	"scriptsched/internal/storage"
	"scriptsched/internal/task/deps"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/runner"
	"scriptsched/internal/task/scheduler"
	"scriptsched/pkg/logx"
)

// The mappers below run on configs that already passed Validate, so
// malformed durations fall back to defaults instead of failing.

func mapLogging(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func mapStorage(c *config.Config) storage.Config {
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:         strings.TrimSpace(c.Storage.Path),
		DSN:          c.Storage.DSN,
		BusyTimeout:  config.MustDuration(c.Storage.BusyTimeout, 5*time.Second),
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
}

func mapScheduler(c *config.Config) scheduler.Config {
	coalesce := true
	if c.Scheduler.Coalesce != nil {
		coalesce = *c.Scheduler.Coalesce
	}
	return scheduler.Config{
		Timezone:     c.Scheduler.Timezone,
		MisfireGrace: config.MustDuration(c.Scheduler.MisfireGrace, scheduler.DefaultMisfireGrace),
		Coalesce:     coalesce,
	}
}

func mapEngine(c *config.Config) engine.Config {
	const day = 24 * time.Hour
	r := c.Engine.Retention
	return engine.Config{
		Workers:    c.Engine.Workers,
		QueueSize:  c.Engine.QueueSize,
		DrainGrace: config.MustDuration(c.Engine.DrainGrace, engine.DefaultDrainGrace),
		KillGrace:  config.MustDuration(c.Engine.KillGrace, runner.DefaultKillGrace),
		Retention: engine.RetentionConfig{
			Enabled:    !r.Disabled,
			SuccessAge: time.Duration(r.SuccessDays) * day,
			FailedAge:  time.Duration(r.FailedDays) * day,
			Interval:   config.MustDuration(r.Interval, engine.DefaultRetentionInterval),
		},
	}
}

func mapRunner(c *config.Config) runner.Config {
	return runner.Config{
		Interpreter:  c.Engine.Interpreter,
		EnvAllowlist: c.Engine.EnvAllowlist,
		ExtraEnv:     c.Engine.ExtraEnv,
		LogDir:       c.Engine.LogDir,
		KillGrace:    config.MustDuration(c.Engine.KillGrace, runner.DefaultKillGrace),
	}
}

func mapDeps(c *config.Config) deps.Config {
	return deps.Config{
		Policy:  deps.Policy(c.Engine.DepsWindow),
		Rolling: config.MustDuration(c.Engine.DepsRolling, 0),
	}
}

func mapHealth(c *config.Config) health.Config {
	return health.Config{
		ServiceName:  c.Health.ServiceName,
		Interval:     config.MustDuration(c.Health.Interval, health.DefaultInterval),
		DiskPath:     c.Health.DiskPath,
		CPUWarn:      c.Health.CPUWarn,
		MemWarn:      c.Health.MemWarn,
		DiskCritical: c.Health.DiskCritical,
		Units:        c.Health.Units,
	}
}

func mapTelegram(c *config.Config) (alert.TelegramConfig, bool) {
	tg := c.Alerts.Telegram
	return alert.TelegramConfig{
		Token:         strings.TrimSpace(tg.Token),
		ChatIDs:       tg.ChatIDs,
		MinSeverity:   storage.Severity(strings.ToLower(strings.TrimSpace(tg.MinSeverity))),
		RatePerMinute: tg.RatePerMinute,
	}, tg.Enabled
}

func mapAdmin(c *config.Config) adminapi.Config {
	return adminapi.Config{
		Enabled:       c.Admin.Enabled,
		Addr:          c.Admin.Addr,
		Token:         c.Admin.Token,
		AllowInsecure: c.Admin.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}
