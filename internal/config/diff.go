package config

import (
	"reflect"
	"strings"

	"scriptsched/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns log fields
// describing the new values. Secrets (tokens, DSNs) are never included.
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

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Storage is bound at startup; a change only takes effect after restart.
		changed = append(changed, "storage(restart)")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.misfire_grace", newCfg.Scheduler.MisfireGrace),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.String("engine.deps_window", newCfg.Engine.DepsWindow),
			logx.Int("engine.env_allowlist", len(newCfg.Engine.EnvAllowlist)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs, logx.String("health.interval", newCfg.Health.Interval))
	}
	ot, nt := oldCfg.Alerts.Telegram, newCfg.Alerts.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || !reflect.DeepEqual(ot.ChatIDs, nt.ChatIDs) ||
		ot.MinSeverity != nt.MinSeverity || ot.RatePerMinute != nt.RatePerMinute {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram", nt.Enabled),
			logx.Int("alerts.telegram.chats", len(nt.ChatIDs)),
			logx.Bool("alerts.telegram.token_changed", strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin(restart)")
		attrs = append(attrs, logx.String("admin.addr", newCfg.Admin.Addr))
	}
	return changed, attrs
}
