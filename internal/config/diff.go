package config

import (
	"reflect"

	logx "scrapewatch/pkg/logx"
)

// RestartSections lists sections whose changes only take effect after a restart.
var RestartSections = map[string]bool{
	"storage":     true,
	"telegram":    true,
	"coordinator": true,
	"broadcast":   true,
	"admin":       true,
}

// SummarizeConfigChange returns the changed section names and safe log
// fields describing them. Secrets (tokens, DSNs, redis URLs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.paused", newCfg.Scheduler.Paused),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Coordinator, newCfg.Coordinator) {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.Int("coordinator.sources", len(newCfg.Coordinator.Sources)),
			logx.Int("coordinator.watchlist", len(newCfg.Coordinator.Watchlist)),
		)
	}

	o, n := oldCfg.Storage, newCfg.Storage
	if o.Driver != n.Driver || o.Path != n.Path || o.DSN != n.DSN || o.BusyTimeout != n.BusyTimeout || o.MaxConns != n.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", n.Driver))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Enabled != nt.Enabled || ot.Token != nt.Token || ot.ChatID != nt.ChatID || ot.AdminChatID != nt.AdminChatID ||
		ot.ThreadID != nt.ThreadID || ot.Verify != nt.Verify || ot.HTTPTimeout != nt.HTTPTimeout || ot.APIURL != nt.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nt.Enabled),
			logx.Bool("telegram.token_set", nt.Token != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.Enabled),
			logx.Bool("broadcast.redis_set", newCfg.Broadcast.RedisURL != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	return changed, attrs
}
