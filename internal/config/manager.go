package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "dripbot/pkg/logx"
)

const (
	// reloadDebounce absorbs the event bursts editors produce on save
	// (truncate, write, rename) into one reload.
	reloadDebounce = 250 * time.Millisecond

	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	validateTimeout = 5 * time.Second
)

// ConfigManager owns the daemon's config file: strict parsing, the
// committed snapshot handed to components, change subscriptions, and
// the file watch that drives hot reload of the logging and notifier
// sections.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of the committed config

	// subsMu orders sends against Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator installs the check run against a candidate config before
// Watch commits and publishes it. A rejected candidate leaves the
// current config in place.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file. Unknown keys and trailing
// data are errors, so a typo never silently falls back to a default.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", m.path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config %s: trailing data", m.path)
	}
	return &cfg, nil
}

// Load parses and commits, for startup.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the committed config; nil before the first Load.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *ConfigManager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Subscribe returns a buffered channel that receives each committed
// config. Unsubscribe with the same channel when done.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish offers cfg to every subscriber without blocking. A full
// buffer loses its oldest entry first: only the latest config matters.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("buffer", cap(ch)))
		}
	}
}

// Watch follows the config file until ctx ends. Edits are debounced,
// content-hashed to suppress no-op writes, validated, then committed
// and published. A broken watcher is recreated with capped backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	var (
		pendingMu sync.Mutex
		pending   *time.Timer
	)
	schedule := func() {
		pendingMu.Lock()
		defer pendingMu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}

	backoff := watchBackoffMin
	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, watchBackoffMax)
			continue
		}

		backoff = watchBackoffMin
		m.log.Debug("config watcher started", logx.String("path", m.path))
		m.follow(ctx, w, base, schedule)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}

		m.log.Warn("config watcher stopped; restarting", logx.Duration("backoff", backoff))
		if !sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, watchBackoffMax)
	}
	return nil
}

// follow consumes watcher events until the watcher breaks or ctx ends.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, base string, schedule func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// Match by basename: editors save via rename, and the event
			// path may be absolute while m.path is relative.
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			// An event overflow may have swallowed a write; reload once.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				schedule()
				continue
			}
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return
			}
		}
	}
}

// reload runs one parse, validate, commit, publish cycle.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected at parse", logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config content unchanged; reload skipped")
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload rejected by validation", logx.Err(err))
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config change committed", logx.String("path", m.path))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
