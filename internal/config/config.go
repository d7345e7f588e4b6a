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
)

// DispatchConfig controls the per-group queue and cross-group parallelism.
type DispatchConfig struct {
	// Concurrency caps how many groups may run a dispatch at the same time.
	Concurrency int `yaml:"concurrency"`
	// QueueDepth bounds each group's pending-job FIFO.
	QueueDepth int `yaml:"queue_depth"`

	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryCapSeconds  int `yaml:"retry_cap_seconds"`
	MaxRetries       int `yaml:"max_retries"`
}

// AgentConfig selects and tunes the agent backend.
type AgentConfig struct {
	// Backend names the implementation: "container" or "genkit".
	Backend        string `yaml:"backend"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`

	// Container backend settings.
	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`

	// Genkit backend settings.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type IPCConfig struct {
	PollIntervalMS int   `yaml:"poll_interval_ms"`
	MaxFileSize    int64 `yaml:"max_file_size"`
	DedupeSeconds  int   `yaml:"dedupe_seconds"`
}

type SchedulerConfig struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	Timezone            string `yaml:"timezone"`
	HeartbeatCron       string `yaml:"heartbeat_cron"`
	HeartbeatOKMaxExtra int    `yaml:"heartbeat_ok_max_extra"`
}

type RouterConfig struct {
	TriggerWord string `yaml:"trigger_word"`
	MainFolder  string `yaml:"main_folder"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type WebSocketConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

type ChannelsConfig struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// MountConfig maps an extra logical path prefix into a host directory for a
// given folder. The per-group workspace mount is implicit.
type MountConfig struct {
	Folder   string `yaml:"folder"`
	Logical  string `yaml:"logical"`
	HostPath string `yaml:"host_path"`
	ReadOnly bool   `yaml:"read_only"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	DataDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Agent     AgentConfig     `yaml:"agent"`
	IPC       IPCConfig       `yaml:"ipc"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Router    RouterConfig    `yaml:"router"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Mounts    []MountConfig   `yaml:"mounts"`
	OTel      OTelConfig      `yaml:"otel"`
}

// DataDir resolves the host data directory, honoring NANOCLAW_HOME.
func DataDir() string {
	if override := os.Getenv("NANOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nanoclaw"
	}
	return filepath.Join(home, ".nanoclaw")
}

func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads config.yaml from the data dir, applies environment overrides and
// fills defaults. A missing file yields the default config.
func Load() (Config, error) {
	return LoadFrom(DataDir())
}

func LoadFrom(dataDir string) (Config, error) {
	cfg := Config{DataDir: dataDir}

	path := ConfigPath(dataDir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("NANOCLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("NANOCLAW_DISPATCH_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Dispatch.Concurrency = v
		}
	}
	if raw := os.Getenv("NANOCLAW_AGENT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.Agent.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("NANOCLAW_AGENT_BACKEND"); raw != "" {
		cfg.Agent.Backend = raw
	}
	if raw := os.Getenv("NANOCLAW_TRIGGER_WORD"); raw != "" {
		cfg.Router.TriggerWord = raw
	}
	if raw := os.Getenv("NANOCLAW_TIMEZONE"); raw != "" {
		cfg.Scheduler.Timezone = raw
	}
	if raw := os.Getenv("NANOCLAW_WS_BIND_ADDR"); raw != "" {
		cfg.Channels.WebSocket.BindAddr = raw
		cfg.Channels.WebSocket.Enabled = true
	}
}

// TelegramToken reads the bot token from the environment or the mode-0600
// secrets file. Tokens never live in config.yaml.
func (c Config) TelegramToken() string {
	if v := os.Getenv("NANOCLAW_TELEGRAM_TOKEN"); v != "" {
		return v
	}
	data, err := os.ReadFile(filepath.Join(c.DataDir, "secrets", "telegram_token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// AgentAPIKey reads the model API key for the genkit backend.
func (c Config) AgentAPIKey() string {
	for _, env := range []string{"NANOCLAW_AGENT_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	data, err := os.ReadFile(filepath.Join(c.DataDir, "secrets", "agent_api_key"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Dispatch.Concurrency <= 0 {
		cfg.Dispatch.Concurrency = 5
	}
	if cfg.Dispatch.QueueDepth <= 0 {
		cfg.Dispatch.QueueDepth = 64
	}
	if cfg.Dispatch.RetryBaseSeconds <= 0 {
		cfg.Dispatch.RetryBaseSeconds = 5
	}
	if cfg.Dispatch.RetryCapSeconds <= 0 {
		cfg.Dispatch.RetryCapSeconds = 300
	}
	if cfg.Dispatch.MaxRetries <= 0 {
		cfg.Dispatch.MaxRetries = 5
	}
	if cfg.Agent.Backend == "" {
		cfg.Agent.Backend = "container"
	}
	if cfg.Agent.TimeoutSeconds <= 0 {
		cfg.Agent.TimeoutSeconds = 900
	}
	if cfg.Agent.Image == "" {
		cfg.Agent.Image = "nanoclaw/agent:latest"
	}
	if cfg.Agent.MemoryMB <= 0 {
		cfg.Agent.MemoryMB = 2048
	}
	if cfg.Agent.Network == "" {
		cfg.Agent.Network = "bridge"
	}
	// Poll interval is clamped to the 100-250ms band so IPC stays responsive
	// without busy-waiting.
	if cfg.IPC.PollIntervalMS < 100 || cfg.IPC.PollIntervalMS > 250 {
		cfg.IPC.PollIntervalMS = 200
	}
	if cfg.IPC.MaxFileSize <= 0 {
		cfg.IPC.MaxFileSize = 1 << 20
	}
	if cfg.IPC.DedupeSeconds <= 0 {
		cfg.IPC.DedupeSeconds = 30
	}
	if cfg.Scheduler.TickIntervalSeconds <= 0 {
		cfg.Scheduler.TickIntervalSeconds = 30
	}
	if cfg.Scheduler.HeartbeatCron == "" {
		cfg.Scheduler.HeartbeatCron = "*/30 * * * *"
	}
	if cfg.Scheduler.HeartbeatOKMaxExtra <= 0 {
		cfg.Scheduler.HeartbeatOKMaxExtra = 300
	}
	if cfg.Router.TriggerWord == "" {
		cfg.Router.TriggerWord = "@nanoclaw"
	}
	if cfg.Router.MainFolder == "" {
		cfg.Router.MainFolder = "main"
	}
	if cfg.Channels.WebSocket.BindAddr == "" {
		cfg.Channels.WebSocket.BindAddr = "127.0.0.1:8790"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "nanoclaw"
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1
	}
}

func validate(cfg *Config) error {
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("invalid scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
		}
	}
	switch cfg.Agent.Backend {
	case "container", "genkit":
	default:
		return fmt.Errorf("unknown agent backend %q", cfg.Agent.Backend)
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the host zone.
func (c Config) Location() *time.Location {
	if c.Scheduler.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.IPC.PollIntervalMS) * time.Millisecond
}

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Dispatch.RetryBaseSeconds) * time.Second
}

func (c Config) RetryCap() time.Duration {
	return time.Duration(c.Dispatch.RetryCapSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config so doctor and reload
// logic can detect drift without diffing YAML.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%+v", c)
	return fmt.Sprintf("%x", h.Sum64())
}
