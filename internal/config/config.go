// Package config loads server and runner configuration from a YAML file
// merged with FLOWSTATE_* environment variables. Environment wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/core"
)

// ServerConfig configures the flowstate server process.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	DBPath  string `yaml:"db_path"`
	KeyPath string `yaml:"key_path"`

	Blob blob.Config `yaml:"blob"`

	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig bounds how long a run may sit in running or salvaging
// before the server forces it to timed_out.
type WatchdogConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RunningThreshold time.Duration `yaml:"running_threshold"`
	SalvageThreshold time.Duration `yaml:"salvage_threshold"`
}

// UnmarshalYAML accepts duration strings ("30s", "2h") for the threshold
// fields; yaml.v3 has no native time.Duration support.
func (c *WatchdogConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Interval         string `yaml:"interval"`
		RunningThreshold string `yaml:"running_threshold"`
		SalvageThreshold string `yaml:"salvage_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return firstErr(
		setDuration(&c.Interval, raw.Interval, "watchdog.interval"),
		setDuration(&c.RunningThreshold, raw.RunningThreshold, "watchdog.running_threshold"),
		setDuration(&c.SalvageThreshold, raw.SalvageThreshold, "watchdog.salvage_threshold"),
	)
}

// setDuration parses a non-empty duration string into dst.
func setDuration(dst *time.Duration, s, field string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultServerConfig returns the server defaults. The running threshold is
// the build budget plus slack so the runner always gets the first shot at
// reporting its own timeout.
func DefaultServerConfig() ServerConfig {
	home, _ := os.UserHomeDir()
	return ServerConfig{
		Port:    8700,
		DBPath:  filepath.Join(home, ".local", "share", "flowstate", "flowstate.db"),
		KeyPath: "",
		Watchdog: WatchdogConfig{
			Interval:         60 * time.Second,
			RunningThreshold: 70 * time.Minute,
			SalvageThreshold: 15 * time.Minute,
		},
	}
}

// LoadServer reads server config from path (optional) and the environment.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("FLOWSTATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FLOWSTATE_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("FLOWSTATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSTATE_KEY_PATH"); v != "" {
		cfg.KeyPath = v
	}
	if v := os.Getenv("FLOWSTATE_S3_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("FLOWSTATE_S3_REGION"); v != "" {
		cfg.Blob.Region = v
	}
	if v := os.Getenv("FLOWSTATE_S3_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}
	if v := os.Getenv("FLOWSTATE_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Blob.AccessKeyID = v
	}
	if v := os.Getenv("FLOWSTATE_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Blob.SecretAccessKey = v
	}
	if v := os.Getenv("FLOWSTATE_BLOB_DIR"); v != "" {
		cfg.Blob.DataDir = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the server config for nonsense values.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive")
	}
	if c.Watchdog.RunningThreshold <= 0 || c.Watchdog.SalvageThreshold <= 0 {
		return fmt.Errorf("watchdog thresholds must be positive")
	}
	return nil
}

// RunnerConfig configures one runner process.
type RunnerConfig struct {
	ServerURL    string `yaml:"server_url"`
	APIKey       string `yaml:"api_key"`
	AgentCommand string `yaml:"agent_command"`

	// Capabilities this runner claims work for. Empty means "claim anything".
	Capabilities []core.Capability `yaml:"capabilities"`

	LightTimeout    time.Duration `yaml:"light_timeout"`
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	KillGrace       time.Duration `yaml:"kill_grace"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MaxConcurrent int `yaml:"max_concurrent"`
	MaxBuilds     int `yaml:"max_builds"`
	HealthPort    int `yaml:"health_port"`

	WorkspaceRoot string `yaml:"workspace_root"`
}

// UnmarshalYAML accepts duration strings for the timeout fields.
func (c *RunnerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ServerURL    string `yaml:"server_url"`
		APIKey       string `yaml:"api_key"`
		AgentCommand string `yaml:"agent_command"`

		Capabilities []core.Capability `yaml:"capabilities"`

		LightTimeout    string `yaml:"light_timeout"`
		BuildTimeout    string `yaml:"build_timeout"`
		KillGrace       string `yaml:"kill_grace"`
		PollInterval    string `yaml:"poll_interval"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`

		MaxConcurrent *int `yaml:"max_concurrent"`
		MaxBuilds     *int `yaml:"max_builds"`
		HealthPort    *int `yaml:"health_port"`

		WorkspaceRoot string `yaml:"workspace_root"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.ServerURL != "" {
		c.ServerURL = raw.ServerURL
	}
	if raw.APIKey != "" {
		c.APIKey = raw.APIKey
	}
	if raw.AgentCommand != "" {
		c.AgentCommand = raw.AgentCommand
	}
	if raw.Capabilities != nil {
		c.Capabilities = raw.Capabilities
	}
	if raw.MaxConcurrent != nil {
		c.MaxConcurrent = *raw.MaxConcurrent
	}
	if raw.MaxBuilds != nil {
		c.MaxBuilds = *raw.MaxBuilds
	}
	if raw.HealthPort != nil {
		c.HealthPort = *raw.HealthPort
	}
	if raw.WorkspaceRoot != "" {
		c.WorkspaceRoot = raw.WorkspaceRoot
	}

	return firstErr(
		setDuration(&c.LightTimeout, raw.LightTimeout, "light_timeout"),
		setDuration(&c.BuildTimeout, raw.BuildTimeout, "build_timeout"),
		setDuration(&c.KillGrace, raw.KillGrace, "kill_grace"),
		setDuration(&c.PollInterval, raw.PollInterval, "poll_interval"),
		setDuration(&c.ShutdownTimeout, raw.ShutdownTimeout, "shutdown_timeout"),
	)
}

// DefaultRunnerConfig returns the runner defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ServerURL:       "http://127.0.0.1:8700",
		AgentCommand:    "claude -p --dangerously-skip-permissions",
		LightTimeout:    15 * time.Minute,
		BuildTimeout:    60 * time.Minute,
		KillGrace:       10 * time.Second,
		PollInterval:    5 * time.Second,
		ShutdownTimeout: 120 * time.Second,
		MaxConcurrent:   2,
		MaxBuilds:       1,
		HealthPort:      8701,
	}
}

// LoadRunner reads runner config from path (optional) and the environment.
func LoadRunner(path string) (*RunnerConfig, error) {
	cfg := DefaultRunnerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("FLOWSTATE_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("FLOWSTATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FLOWSTATE_AGENT_COMMAND"); v != "" {
		cfg.AgentCommand = v
	}
	if v := os.Getenv("FLOWSTATE_RUNNER_CAPABILITY"); v != "" {
		caps, err := ParseCapabilities(v)
		if err != nil {
			return nil, err
		}
		cfg.Capabilities = caps
	}
	if v := os.Getenv("FLOWSTATE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FLOWSTATE_MAX_CONCURRENT: %w", err)
		}
		cfg.MaxConcurrent = n
	}
	if v := os.Getenv("FLOWSTATE_MAX_BUILDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("FLOWSTATE_MAX_BUILDS: %w", err)
		}
		cfg.MaxBuilds = n
	}
	if v := os.Getenv("FLOWSTATE_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCapabilities parses a comma-separated capability list.
func ParseCapabilities(s string) ([]core.Capability, error) {
	var caps []core.Capability
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		c, ok := core.ParseCapability(part)
		if !ok {
			return nil, fmt.Errorf("unknown capability %q (expected light, standard, heavy)", part)
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// Validate checks the runner config for nonsense values.
func (c *RunnerConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	for _, capability := range c.Capabilities {
		if _, ok := core.ParseCapability(strings.ToLower(string(capability))); !ok {
			return fmt.Errorf("unknown capability %q (expected light, standard, heavy)", capability)
		}
	}
	if c.AgentCommand == "" {
		return fmt.Errorf("agent_command is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.MaxBuilds < 1 || c.MaxBuilds > c.MaxConcurrent {
		return fmt.Errorf("max_builds must be between 1 and max_concurrent")
	}
	if c.LightTimeout <= 0 || c.BuildTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return nil
}

// TimeoutForAction returns the wall-clock budget for an action. Builds get
// the large budget; every other phase runs on the light one.
func (c *RunnerConfig) TimeoutForAction(action core.Action) time.Duration {
	if action == core.ActionBuild {
		return c.BuildTimeout
	}
	return c.LightTimeout
}
