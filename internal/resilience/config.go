package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config carries the recognized auto-concurrency configuration keys.
// Zero values are filled in by withDefaults.
type Config struct {
	InFlightLimit         int     `yaml:"in_flight_limit"`
	MinLimit              int     `yaml:"min_limit"`
	RateLimitNum          int     `yaml:"rate_limit_num"`
	RateLimitDurationSecs float64 `yaml:"rate_limit_duration_secs"`
	TimeoutSecs           float64 `yaml:"timeout_secs"`
	Alpha                 float64 `yaml:"alpha"`
	Threshold             float64 `yaml:"threshold"`
}

const defaultInFlightLimit = 10

func (c Config) withDefaults() Config {
	if c.InFlightLimit <= 0 {
		c.InFlightLimit = defaultInFlightLimit
	}
	if c.MinLimit <= 0 {
		c.MinLimit = 1
	}
	if c.Alpha <= 0 {
		c.Alpha = alphaDefault
	}
	if c.Threshold <= 0 {
		c.Threshold = thresholdDefault
	}
	return c
}

// Timeout returns the configured per-request timeout, or zero if none
// was configured.
func (c Config) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSecs * float64(time.Second))
}

// RateLimitWindow returns the outer rate limiter's window, or zero if
// the outer limiter is disabled.
func (c Config) RateLimitWindow() time.Duration {
	if c.RateLimitDurationSecs <= 0 {
		return 0
	}
	return time.Duration(c.RateLimitDurationSecs * float64(time.Second))
}

// ControllerConfig derives the Controller's construction parameters
// from the external configuration surface.
func (c Config) ControllerConfig() ControllerConfig {
	c = c.withDefaults()
	return ControllerConfig{
		MinLimit:     c.MinLimit,
		MaxLimit:     c.InFlightLimit,
		InitialLimit: c.MinLimit,
		Alpha:        c.Alpha,
		Threshold:    c.Threshold,
	}
}

// LoadConfig reads and parses a YAML config document from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

// ConfigManager hot-reloads the auto-concurrency config document from
// disk via fsnotify and atomic pointer swaps, scoped to this module's
// single Config document.
type ConfigManager struct {
	path     string
	logger   *slog.Logger
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	onChange []func(Config)
}

// NewConfigManager loads path once and returns a manager ready to Watch.
func NewConfigManager(path string, logger *slog.Logger) (*ConfigManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	m := &ConfigManager{path: path, logger: logger}
	m.current.Store(&cfg)
	return m, nil
}

// Get returns the currently active configuration. Safe for concurrent
// use.
func (m *ConfigManager) Get() Config {
	return *m.current.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (m *ConfigManager) OnChange(fn func(Config)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the config file for writes, debouncing rapid
// changes before reloading.
func (m *ConfigManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher
	go m.watchLoop(ctx)
	return nil
}

func (m *ConfigManager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					m.logger.Error("failed to reload auto-concurrency config, keeping current", "error", err)
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("auto-concurrency config watcher error", "error", err)
		}
	}
}

// Reload re-reads the config file and atomically swaps it in.
func (m *ConfigManager) Reload() error {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return err
	}
	m.current.Store(&cfg)
	m.logger.Info("auto-concurrency config reloaded")
	for _, fn := range m.onChange {
		fn(cfg)
	}
	return nil
}

// Close stops the file watcher.
func (m *ConfigManager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
