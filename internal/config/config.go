// Package config handles Vesper configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./vesper.yaml, ~/.config/vesper/vesper.yaml, /etc/vesper/vesper.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vesper.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vesper", "vesper.yaml"))
	}

	paths = append(paths, "/etc/vesper/vesper.yaml")
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

// Config holds all Vesper configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Agent     AgentConfig     `yaml:"agent"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	GitHub    GitHubConfig    `yaml:"github"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Email     EmailConfig     `yaml:"email"`
	DataDir   string          `yaml:"data_dir"`
	IdentityFile string       `yaml:"identity_file"`
	LogLevel  string          `yaml:"log_level"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig bounds a single turn of the agent loop.
type AgentConfig struct {
	// MaxRounds caps completion/capability round-trips per turn (default 20).
	MaxRounds int `yaml:"max_rounds"`
	// TurnTimeoutSec is the wall-clock ceiling for a whole turn (default 300).
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`
	// HistoryWindow is the number of recent messages included in context (default 30).
	HistoryWindow int `yaml:"history_window"`
	// MaxFacts bounds the relevant-facts context section (default 10).
	MaxFacts int `yaml:"max_facts"`
}

// TurnTimeout returns the configured turn ceiling as a duration.
func (c AgentConfig) TurnTimeout() time.Duration {
	if c.TurnTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// All file capability paths are relative to this directory.
	// If empty, file capabilities are disabled.
	Path string `yaml:"path"`
	// ReadOnlyDirs are additional directories the agent can read but not write.
	ReadOnlyDirs []string `yaml:"read_only_dirs"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// GitHubConfig defines settings for the pull-request capabilities.
type GitHubConfig struct {
	Token string `yaml:"token"`
	// Repo is the default "owner/name" target for PR operations.
	Repo string `yaml:"repo"`
}

// MQTTConfig defines the MQTT channel adapter settings.
type MQTTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Broker  string `yaml:"broker"` // e.g. mqtt://host:1883
	// TopicPrefix namespaces all topics (default "vesper").
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// EmailConfig defines the email channel adapter settings.
type EmailConfig struct {
	Enabled bool   `yaml:"enabled"`
	IMAPHost string `yaml:"imap_host"`
	IMAPPort int    `yaml:"imap_port"`
	SMTPHost string `yaml:"smtp_host"`
	SMTPPort int    `yaml:"smtp_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Address  string `yaml:"address"` // From address for replies
	TLS      bool   `yaml:"tls"`
	// AllowedSenders restricts which senders produce agent turns.
	// Empty means any sender is accepted.
	AllowedSenders []string `yaml:"allowed_senders"`
	// PollIntervalSec controls the scheduler poll cadence (default 120).
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// ListenConfig defines the web chat server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model tier settings for the reasoning client.
type ModelsConfig struct {
	// Fast is the cheap tier used for conversational turns.
	Fast ModelConfig `yaml:"fast"`
	// Capable is the tier used for turns likely to need capabilities.
	Capable ModelConfig `yaml:"capable"`
	// Fallback is tried once after the primary tier's retries are exhausted.
	Fallback ModelConfig `yaml:"fallback"`
	// OllamaURL is the base URL for local models (default http://localhost:11434).
	OllamaURL string `yaml:"ollama_url"`
	// Pricing maps model names to per-million-token prices for cost
	// tracking. Models absent from the table cost nothing (local models).
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry prices one model in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig names one model and its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
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
		Listen: ListenConfig{Port: 8080},
		Agent: AgentConfig{
			MaxRounds:      20,
			TurnTimeoutSec: 300,
			HistoryWindow:  30,
			MaxFacts:       10,
		},
		Models: ModelsConfig{
			Fast:     ModelConfig{Name: "qwen3:4b", Provider: "ollama"},
			Capable:  ModelConfig{Name: "claude-sonnet-4-20250514", Provider: "anthropic"},
			Fallback: ModelConfig{Name: "claude-3-5-haiku-20241022", Provider: "anthropic"},
		},
	}
}
