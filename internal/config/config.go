// Package config handles Concierge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/concierge/config.yaml, /etc/concierge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "concierge", "config.yaml"))
	}

	paths = append(paths, "/etc/concierge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Concierge configuration.
type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Channel   ChannelConfig   `yaml:"channel"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ProviderConfig defines the LLM provider endpoint settings.
type ProviderConfig struct {
	// BaseURL is the root of an OpenAI-compatible chat completions API.
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Model is the model identifier passed on every completion request.
	Model string `yaml:"model"`
	// MaxRetries bounds retry attempts for transient provider failures.
	MaxRetries int `yaml:"max_retries"`
	// RequestTimeoutSec is the per-request timeout in seconds (default 120).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// EngineConfig controls the turn loop.
type EngineConfig struct {
	// MaxToolIterations bounds provider round-trips within one turn.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// CompactThreshold triggers compaction when a session's token usage
	// exceeds it. Zero disables auto-compaction.
	CompactThreshold int `yaml:"compact_threshold"`
	// KeepRecent is the number of recent turns preserved verbatim by compaction.
	KeepRecent int `yaml:"keep_recent"`
	// ToolTimeoutSec is the per-tool-call timeout in seconds (default 60).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// SystemPromptFile points at a file whose contents become the system prompt.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// SchedulerConfig controls the task scheduler.
type SchedulerConfig struct {
	// TickIntervalSec is how often, in seconds, the scheduler scans
	// for due tasks (default 2).
	TickIntervalSec int `yaml:"tick_interval_sec"`
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory tools may write to. All generated
	// files live under it. If empty, defaults to <data_dir>/workspace.
	Path string `yaml:"path"`
}

// ChannelConfig defines inbound channel settings.
type ChannelConfig struct {
	// AllowedSenders lists sender identities permitted to reach the
	// engine. Empty means only the local terminal sender is allowed.
	AllowedSenders []string `yaml:"allowed_senders"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:           "https://nano-gpt.com/api/v1",
			Model:             "gpt-4o-mini",
			MaxRetries:        3,
			RequestTimeoutSec: 120,
		},
		Engine: EngineConfig{
			MaxToolIterations: 10,
			CompactThreshold:  100000,
			KeepRecent:        6,
			ToolTimeoutSec:    60,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSec: 2,
		},
		DataDir: "data",
	}
}
