package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamessanders/leah-public/internal/ratelimit"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Config holds the messaging service configuration
type Config struct {
	DataDir  string `yaml:"data_dir"`  // Store and config location
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	LogSink  string `yaml:"log_sink"`  // stdout, stderr or file:<path>

	Broker     BrokerConfig     `yaml:"broker"`
	PostOffice PostOfficeConfig `yaml:"post_office"`
	MailMan    MailManConfig    `yaml:"mailman"`
	Actors     ActorConfig      `yaml:"actors"`
	Tasks      TaskConfig       `yaml:"tasks"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	// RateLimits maps a model class to its per-minute limits.
	RateLimits map[string]ratelimit.Limit `yaml:"rate_limits"`

	path string
}

type BrokerConfig struct {
	WatchTick           time.Duration `yaml:"watch_tick"`           // Watch poll interval (default: 100ms)
	UnpersistedChannels []string      `yaml:"unpersisted_channels"` // Channels never written to history
}

type PostOfficeConfig struct {
	StreamTick time.Duration `yaml:"stream_tick"` // StreamUntilClosed poll interval (default: 100ms)
}

type MailManConfig struct {
	Watched      []string      `yaml:"watched"`       // Inboxes dispatched (empty = all)
	PollInterval time.Duration `yaml:"poll_interval"` // Dispatch tick (default: 1s)
	Workers      int           `yaml:"workers"`       // Concurrent handlers (default: 8)
}

type ActorConfig struct {
	IdleTick     time.Duration `yaml:"idle_tick"`     // Empty-queue sleep (default: 100ms)
	RestartDelay time.Duration `yaml:"restart_delay"` // Pause before restarting a failed loop (default: 1s)
	DedupSize    int           `yaml:"dedup_size"`    // Seen ids kept per actor (default: 4096)
	DedupTTL     time.Duration `yaml:"dedup_ttl"`     // Seen id lifetime (default: 1h)
}

type TaskConfig struct {
	Persist bool          `yaml:"persist"` // Keep pending tasks in the store across restarts
	Tick    time.Duration `yaml:"tick"`    // Due-task check interval (default: 1s, minimum: 1s)
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // Listen address for /metrics, empty disables
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		LogLevel: "info",
		LogSink:  "stderr",
		Broker: BrokerConfig{
			WatchTick:           100 * time.Millisecond,
			UnpersistedChannels: []string{"#system-chan"},
		},
		PostOffice: PostOfficeConfig{StreamTick: 100 * time.Millisecond},
		MailMan: MailManConfig{
			PollInterval: time.Second,
			Workers:      8,
		},
		Actors: ActorConfig{
			IdleTick:     100 * time.Millisecond,
			RestartDelay: time.Second,
			DedupSize:    4096,
			DedupTTL:     time.Hour,
		},
		Tasks: TaskConfig{Tick: time.Second},
		RateLimits: map[string]ratelimit.Limit{
			"default": {TokensPerMinute: 100000, RequestsPerMinute: 60},
		},
	}
}

// DefaultDataDir returns the platform data directory. LEAH_DATA_DIR
// overrides it.
func DefaultDataDir() string {
	if dir := os.Getenv("LEAH_DATA_DIR"); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ".leah"
	}
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "leah")
	}
	return filepath.Join(configDir, "Leah")
}

// Load reads config.yaml from the default data directory.
func Load() (*Config, error) {
	return LoadFrom(filepath.Join(DefaultDataDir(), FileName))
}

// LoadFrom reads the config at path over the defaults. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.DataDir = expandHome(os.ExpandEnv(cfg.DataDir))
	cfg.LogSink = os.ExpandEnv(cfg.LogSink)
	cfg.Metrics.Addr = os.ExpandEnv(cfg.Metrics.Addr)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Tasks.Tick != 0 && c.Tasks.Tick < time.Second {
		return fmt.Errorf("tasks.tick must be at least 1s, got %s", c.Tasks.Tick)
	}
	if c.MailMan.Workers < 0 {
		return errors.New("mailman.workers must not be negative")
	}
	for class, lim := range c.RateLimits {
		if lim.TokensPerMinute < 0 || lim.RequestsPerMinute < 0 {
			return fmt.Errorf("rate_limits.%s: limits must not be negative", class)
		}
	}
	return nil
}

// StorePath is the pebble directory inside the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store")
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[2:])
	}
	return p
}
