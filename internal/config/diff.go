package config

import (
	"sort"
	"strings"

	logx "dripbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the
// notifier token or stored credentials).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.rate_per_min", newCfg.HTTP.RatePerMin),
			logx.Bool("http.static_set", strings.TrimSpace(newCfg.HTTP.StaticDir) != ""),
		)
	}

	if oldCfg.Instagram != newCfg.Instagram {
		changed = append(changed, "instagram")
		attrs = append(attrs,
			logx.Bool("instagram.base_url_set", strings.TrimSpace(newCfg.Instagram.BaseURL) != ""),
			logx.String("instagram.timeout", strings.TrimSpace(newCfg.Instagram.Timeout)),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.ceiling", newCfg.RateLimit.Ceiling),
			logx.String("rate_limit.window", strings.TrimSpace(newCfg.RateLimit.Window)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Notifier (never log token)
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && *oldN != *newN) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(newN.Token) != ""),
				logx.Bool("notifier.chat_set", newN.ChatID != 0),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			)
		} else {
			attrs = append(attrs, logx.Bool("notifier.enabled", false))
		}
	}

	oldA, newA := oldCfg.Activator, newCfg.Activator
	if (oldA == nil) != (newA == nil) || (oldA != nil && *oldA != *newA) {
		changed = append(changed, "activator")
		if newA != nil {
			attrs = append(attrs,
				logx.Bool("activator.enabled", newA.Enabled),
				logx.String("activator.every", strings.TrimSpace(newA.Every)),
			)
		} else {
			attrs = append(attrs, logx.Bool("activator.enabled", false))
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
