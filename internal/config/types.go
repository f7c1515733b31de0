package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	HTTP      HTTPConfig       `json:"http"`
	Instagram InstagramConfig  `json:"instagram"`
	RateLimit RateLimitConfig  `json:"rate_limit"`
	Storage   StorageConfig    `json:"storage"`
	Logging   LoggingConfig    `json:"logging"`
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
	Activator *ActivatorConfig `json:"activator,omitempty"`
}

// HTTPConfig controls the control API server.
type HTTPConfig struct {
	Addr      string `json:"addr,omitempty"`       // default ":8080"
	StaticDir string `json:"static_dir,omitempty"` // SPA assets; empty disables static serving

	// Per-client-IP request limiting.
	RatePerMin int `json:"rate_per_min,omitempty"` // default 100
	RateBurst  int `json:"rate_burst,omitempty"`   // default 20

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// InstagramConfig points the transport at the platform API.
// BaseURL is overridable for tests and proxies.
type InstagramConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

// RateLimitConfig sets the global send quota shared by all campaigns.
type RateLimitConfig struct {
	Ceiling int    `json:"ceiling,omitempty"` // default 50
	Window  string `json:"window,omitempty"`  // default "1h"
}

// StorageConfig selects the campaign store driver.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./dripbot.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// NotifierConfig controls Telegram operator notifications for campaign
// errors/completions. Omitting the section disables notifications.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // never logged
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
}

// ActivatorConfig controls the scheduled-activation sweep that flips
// paused campaigns with a due start_at to active.
type ActivatorConfig struct {
	Enabled bool   `json:"enabled"`
	Every   string `json:"every,omitempty"` // default "1m"
}
