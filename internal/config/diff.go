package config

import (
	"reflect"
	"strings"

	logx "portalwatch/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields
// describing them. Secrets (tokens, passwords) are never included; only
// whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Secret("telegram.token", newCfg.Telegram.Token),
			logx.Bool("telegram.chat_set", strings.TrimSpace(newCfg.Telegram.ChatID) != ""),
			logx.Bool("telegram.commands", newCfg.Telegram.Commands),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Portal, newCfg.Portal) {
		changed = append(changed, "portal")
		fields = append(fields,
			logx.String("portal.name", newCfg.Portal.Name),
			logx.URL("portal.target_url", newCfg.Portal.TargetURL),
			logx.Secret("portal.password", newCfg.Portal.Password),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		fields = append(fields,
			logx.Duration("monitor.interval", newCfg.Monitor.Interval()),
			logx.String("monitor.schedule", strings.TrimSpace(newCfg.Monitor.Schedule)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if newCfg.HTTP != nil {
			fields = append(fields,
				logx.Bool("http.enabled", newCfg.HTTP.Enabled),
				logx.String("http.addr", newCfg.HTTP.AddrOrDefault()),
				logx.Secret("http.token", newCfg.HTTP.Token),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	return changed, fields
}
