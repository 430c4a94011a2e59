package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge configuration
type Config struct {
	Backend struct {
		URL            string        `yaml:"url"`             // Backend base URL (e.g., http://localhost:8000)
		RequestTimeout time.Duration `yaml:"request_timeout"` // Timeout for submit/cancel calls (default: 30s)
		PollTimeout    time.Duration `yaml:"poll_timeout"`    // Timeout for one poll-task call (default: 5s)
	} `yaml:"backend"`

	// Channels maps a connection name to its websocket path on the backend.
	Channels map[string]string `yaml:"channels"`

	Reconnect struct {
		Delay       time.Duration `yaml:"delay"`        // Fixed delay between attempts (default: 3s)
		MaxAttempts int           `yaml:"max_attempts"` // Attempts before a channel is degraded (default: 5)
	} `yaml:"reconnect"`

	Tracker struct {
		DisplayGrace time.Duration `yaml:"display_grace"` // Delay before a completed task is cleared from view (default: 2s)
		EarlyBuffer  int           `yaml:"early_buffer"`  // Updates held for not yet tracked task ids (default: 64)
		Retention    time.Duration `yaml:"retention"`     // Finished tasks older than this are pruned (default: 1h)
	} `yaml:"tracker"`

	Poller struct {
		Enabled  bool          `yaml:"enabled"`  // Poll active tasks even while channels are healthy (default: false)
		Interval time.Duration `yaml:"interval"` // Sweep interval (default: 2s)
		Rate     float64       `yaml:"rate"`     // Poll requests per second (default: 5)
		Burst    int           `yaml:"burst"`    // Limiter burst (default: 5)
	} `yaml:"poller"`

	Analysis struct {
		AutoAnalyze bool `yaml:"auto_analyze"` // Start an analysis for every analysed command output
		UseCache    bool `yaml:"use_cache"`
		Streaming   bool `yaml:"streaming"`
	} `yaml:"analysis"`

	History struct {
		Enabled bool   `yaml:"enabled"` // Whether to record executed commands (default: true)
		Path    string `yaml:"path"`    // SQLite database path (default: ./data/history.db)
	} `yaml:"history"`

	Dashboard struct {
		Enabled        bool     `yaml:"enabled"`         // Whether to enable the dashboard (default: false)
		Address        string   `yaml:"address"`         // Dashboard server address (default: :8090)
		AllowedOrigins []string `yaml:"allowed_origins"` // CORS allow list; empty allows any origin
	} `yaml:"dashboard"`

	Log struct {
		Level  string `yaml:"level"`  // zerolog level (default: info)
		Pretty bool   `yaml:"pretty"` // Console output when stderr is a terminal
	} `yaml:"log"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.History.Enabled = true
	cfg.Log.Pretty = true
	return &cfg
}

// Load reads the configuration from a YAML file, then applies environment
// overrides. A missing file is not an error: defaults and environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = "http://localhost:8000"
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	if c.Backend.PollTimeout == 0 {
		c.Backend.PollTimeout = 5 * time.Second
	}
	if len(c.Channels) == 0 {
		c.Channels = map[string]string{
			"output":  "/ws/output",
			"session": "/ws/session",
		}
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = 3 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Tracker.DisplayGrace == 0 {
		c.Tracker.DisplayGrace = 2 * time.Second
	}
	if c.Tracker.EarlyBuffer == 0 {
		c.Tracker.EarlyBuffer = 64
	}
	if c.Tracker.Retention == 0 {
		c.Tracker.Retention = time.Hour
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 2 * time.Second
	}
	if c.Poller.Rate == 0 {
		c.Poller.Rate = 5
	}
	if c.Poller.Burst == 0 {
		c.Poller.Burst = 5
	}
	if c.History.Path == "" {
		c.History.Path = "./data/history.db"
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = ":8090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	c.Backend.URL = envOr("BRIDGE_BACKEND_URL", c.Backend.URL)
	c.Backend.RequestTimeout = envDurationOr("BRIDGE_REQUEST_TIMEOUT", c.Backend.RequestTimeout)
	c.Backend.PollTimeout = envDurationOr("BRIDGE_POLL_TIMEOUT", c.Backend.PollTimeout)
	c.Reconnect.Delay = envDurationOr("BRIDGE_RECONNECT_DELAY", c.Reconnect.Delay)
	c.Reconnect.MaxAttempts = envIntOr("BRIDGE_RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Tracker.DisplayGrace = envDurationOr("BRIDGE_DISPLAY_GRACE", c.Tracker.DisplayGrace)
	c.Poller.Enabled = envBoolOr("BRIDGE_POLLER_ENABLED", c.Poller.Enabled)
	c.Poller.Interval = envDurationOr("BRIDGE_POLLER_INTERVAL", c.Poller.Interval)
	c.Analysis.AutoAnalyze = envBoolOr("BRIDGE_AUTO_ANALYZE", c.Analysis.AutoAnalyze)
	c.History.Enabled = envBoolOr("BRIDGE_HISTORY_ENABLED", c.History.Enabled)
	c.History.Path = envOr("BRIDGE_HISTORY_PATH", c.History.Path)
	c.Dashboard.Enabled = envBoolOr("BRIDGE_DASHBOARD_ENABLED", c.Dashboard.Enabled)
	c.Dashboard.Address = envOr("BRIDGE_DASHBOARD_ADDR", c.Dashboard.Address)
	c.Log.Level = envOr("BRIDGE_LOG_LEVEL", c.Log.Level)
}

// Validate rejects values the bridge cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must be http or https, got %q", c.Backend.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("backend.url has no host: %q", c.Backend.URL)
	}
	if c.Backend.RequestTimeout < 0 {
		return fmt.Errorf("backend.request_timeout must be positive")
	}
	if c.Backend.PollTimeout < 0 {
		return fmt.Errorf("backend.poll_timeout must be positive")
	}
	for name, path := range c.Channels {
		if name == "" {
			return fmt.Errorf("channels: empty channel name")
		}
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("channels.%s: path must start with /", name)
		}
	}
	if c.Reconnect.Delay < 0 {
		return fmt.Errorf("reconnect.delay must be positive")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Tracker.EarlyBuffer < 0 {
		return fmt.Errorf("tracker.early_buffer must not be negative")
	}
	if c.Poller.Interval < 0 || c.Poller.Rate < 0 || c.Poller.Burst < 0 {
		return fmt.Errorf("poller settings must not be negative")
	}
	return nil
}

// ChannelURL returns the websocket URL for a channel path on the backend.
func (c *Config) ChannelURL(path string) string {
	base := strings.TrimRight(c.Backend.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
