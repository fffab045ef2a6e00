package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glwlg/X-bot-sub002/internal/otel"
)

type StorageConfig struct {
	// Backend is one of file, sqlite, postgres.
	Backend string `yaml:"backend"`
	// DSN is the sqlite file or postgres connection string.
	DSN string `yaml:"dsn"`
}

type WorkersConfig struct {
	Concurrency         int    `yaml:"concurrency"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	SyncGraceSeconds    int    `yaml:"sync_grace_seconds"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DefaultBackend      string `yaml:"default_backend"`
	// Command runs tasks for backends without an entry in Commands.
	Command  string            `yaml:"command"`
	Commands map[string]string `yaml:"commands"`
}

type HeartbeatConfig struct {
	Disabled       bool     `yaml:"disabled"`
	TickSeconds    int      `yaml:"tick_seconds"`
	Every          string   `yaml:"every"`
	ActiveStart    string   `yaml:"active_start"`
	ActiveEnd      string   `yaml:"active_end"`
	Timezone       string   `yaml:"timezone"`
	OKSentinel     string   `yaml:"ok_sentinel"`
	ActionKeywords []string `yaml:"action_keywords"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// SubjectPrefix namespaces every subject; defaults to "xbot".
	SubjectPrefix string `yaml:"subject_prefix"`
	// RemoteBackends are worker backends served by remote worker daemons
	// over NATS instead of a local command.
	RemoteBackends []string `yaml:"remote_backends"`
}

// GatewayConfig guards the HTTP API. An empty AuthToken disables auth, which
// is only reasonable on a loopback bind address.
type GatewayConfig struct {
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
	// RequestsPerMinute of zero disables rate limiting.
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	BurstSize         int   `yaml:"burst_size"`
	MaxBodyBytes      int64 `yaml:"max_body_bytes"`
}

// ScheduleConfig submits an inbox task each time Cron fires.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Goal     string `yaml:"goal"`
	UserID   string `yaml:"user_id"`
	Priority string `yaml:"priority"`
	WorkerID string `yaml:"worker_id"`
	Disabled bool   `yaml:"disabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr            string `yaml:"bind_addr"`
	LogLevel            string `yaml:"log_level"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	Storage   StorageConfig    `yaml:"storage"`
	Workers   WorkersConfig    `yaml:"workers"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	NATS      NATSConfig       `yaml:"nats"`
	OTel      otel.Config      `yaml:"otel"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// Missing is set when config.yaml did not exist and defaults were used.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) DataDir() string      { return filepath.Join(c.HomeDir, "data") }
func (c Config) AuditDir() string     { return filepath.Join(c.HomeDir, "audit") }
func (c Config) WorkersDir() string   { return filepath.Join(c.HomeDir, "workers") }
func (c Config) HeartbeatDir() string { return filepath.Join(c.HomeDir, "users") }

// Location resolves heartbeat.timezone; empty means the local zone.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Heartbeat.Timezone) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Heartbeat.Timezone)
	if err != nil {
		return nil, fmt.Errorf("heartbeat timezone: %w", err)
	}
	return loc, nil
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Workers.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "storage=%s:%s|workers=%d|backend=%s|bind=%s|log=%s|nats=%v:%s:%v|tick=%d",
		c.Storage.Backend, c.Storage.DSN, c.Workers.Concurrency, c.Workers.DefaultBackend,
		c.BindAddr, c.LogLevel, c.NATS.Enabled, c.NATS.URL, c.NATS.RemoteBackends, c.Heartbeat.TickSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18790",
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		Storage:             StorageConfig{Backend: "file"},
		Workers: WorkersConfig{
			Concurrency:         2,
			PollIntervalSeconds: 1,
			SyncGraceSeconds:    120,
			TaskTimeoutSeconds:  int((10 * time.Minute).Seconds()),
			DefaultBackend:      "core-agent",
		},
		Heartbeat: HeartbeatConfig{
			TickSeconds: 60,
			Every:       "30m",
		},
		Gateway: GatewayConfig{BurstSize: 10, MaxBodyBytes: 1 << 20},
		NATS:    NATSConfig{SubjectPrefix: "xbot"},
	}
}

func HomeDir() string {
	if override := os.Getenv("XBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".xbot")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create xbot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = def.Storage.Backend
	}
	if cfg.Workers.Concurrency <= 0 {
		cfg.Workers.Concurrency = def.Workers.Concurrency
	}
	if cfg.Workers.PollIntervalSeconds <= 0 {
		cfg.Workers.PollIntervalSeconds = def.Workers.PollIntervalSeconds
	}
	if cfg.Workers.SyncGraceSeconds <= 0 {
		cfg.Workers.SyncGraceSeconds = def.Workers.SyncGraceSeconds
	}
	if cfg.Workers.TaskTimeoutSeconds <= 0 {
		cfg.Workers.TaskTimeoutSeconds = def.Workers.TaskTimeoutSeconds
	}
	if strings.TrimSpace(cfg.Workers.DefaultBackend) == "" {
		cfg.Workers.DefaultBackend = def.Workers.DefaultBackend
	}
	if cfg.Heartbeat.TickSeconds <= 0 {
		cfg.Heartbeat.TickSeconds = def.Heartbeat.TickSeconds
	}
	if strings.TrimSpace(cfg.Heartbeat.Every) == "" {
		cfg.Heartbeat.Every = def.Heartbeat.Every
	}
	if cfg.Gateway.BurstSize <= 0 {
		cfg.Gateway.BurstSize = def.Gateway.BurstSize
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}
	for i := range cfg.Schedules {
		s := &cfg.Schedules[i]
		s.Name = strings.TrimSpace(s.Name)
		if s.Name == "" {
			s.Name = fmt.Sprintf("schedule-%d", i+1)
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case "file", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of file, sqlite, postgres", cfg.Storage.Backend)
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if len(cfg.NATS.RemoteBackends) > 0 && !cfg.NATS.Enabled {
		return fmt.Errorf("nats.remote_backends needs nats enabled")
	}
	if (cfg.Heartbeat.ActiveStart == "") != (cfg.Heartbeat.ActiveEnd == "") {
		return fmt.Errorf("heartbeat.active_start and heartbeat.active_end must be set together")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Cron) == "" || strings.TrimSpace(s.Goal) == "" {
			return fmt.Errorf("schedule %q needs both cron and goal", s.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("XBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("XBOT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("XBOT_BACKEND"); raw != "" {
		cfg.Storage.Backend = raw
	}
	if raw := os.Getenv("XBOT_POSTGRES_DSN"); raw != "" {
		cfg.Storage.Backend = "postgres"
		cfg.Storage.DSN = raw
	}
	if raw := os.Getenv("XBOT_WORKER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Workers.Concurrency = v
		}
	}
	if raw := os.Getenv("XBOT_WORKER_COMMAND"); raw != "" {
		cfg.Workers.Command = raw
	}
	if raw := os.Getenv("XBOT_HEARTBEAT_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.TickSeconds = v
		}
	}
	if raw := os.Getenv("XBOT_NATS_URL"); raw != "" {
		cfg.NATS.URL = raw
		cfg.NATS.Enabled = true
	}
	if raw := os.Getenv("XBOT_API_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// EnvOverrides names every variable applyEnvOverrides reads.
var EnvOverrides = []string{
	"XBOT_LOG_LEVEL", "XBOT_BIND_ADDR", "XBOT_BACKEND", "XBOT_POSTGRES_DSN",
	"XBOT_WORKER_CONCURRENCY", "XBOT_WORKER_COMMAND", "XBOT_HEARTBEAT_TICK_SECONDS",
	"XBOT_NATS_URL", "XBOT_API_TOKEN", "TELEGRAM_TOKEN",
}

// ActiveEnvOverrides returns the override variables set in the environment.
func ActiveEnvOverrides() map[string]string {
	out := map[string]string{}
	for _, key := range EnvOverrides {
		if v := os.Getenv(key); v != "" {
			out[key] = v
		}
	}
	return out
}
