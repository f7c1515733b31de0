package config

import (
	"context"
	"fmt"
	"strings"
)

// Validate is the hook installed on the manager so hot reloads reject a
// broken file before it is committed or published.
func Validate(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout); err != nil {
		return err
	}
	if cfg.HTTP.RatePerMin < 0 || cfg.HTTP.RateBurst < 0 {
		return fmt.Errorf("http: rate limits must be >= 0")
	}

	if _, err := ParseDurationField("instagram.timeout", cfg.Instagram.Timeout); err != nil {
		return err
	}

	if cfg.RateLimit.Ceiling < 0 {
		return fmt.Errorf("rate_limit.ceiling must be >= 0")
	}
	if _, err := ParseDurationField("rate_limit.window", cfg.RateLimit.Window); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			return fmt.Errorf("notifier: token is required when enabled")
		}
		if n.ChatID == 0 {
			return fmt.Errorf("notifier: chat_id is required when enabled")
		}
		if n.RatePerSec < 0 {
			return fmt.Errorf("notifier.rate_per_sec must be >= 0")
		}
	}

	if a := cfg.Activator; a != nil {
		if _, err := ParseDurationField("activator.every", a.Every); err != nil {
			return err
		}
	}

	return nil
}
