package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orchestration backend: server
// listen addresses, the LLM provider catalogue, tool/sandbox policy, and the
// background task queue, supervisor, and HITL subsystems that the composition
// root in internal/app wires together.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	LLM        LLMConfig           `yaml:"llm"`
	Tools      ToolsConfig         `yaml:"tools"`
	Skills     SkillsConfig        `yaml:"skills"`
	Queue      QueueConfig         `yaml:"queue"`
	Supervisor SupervisorConfig    `yaml:"supervisor"`
	HITL       HITLConfig          `yaml:"hitl"`
	Logging    LoggingConfig       `yaml:"logging"`
}

// SkillsConfig configures plugin-provided skill loading.
type SkillsConfig struct {
	// PluginDir is scanned for plugin directories carrying a manifest with
	// declared skills.
	PluginDir string `yaml:"plugin_dir"`
	// Watch reloads plugin skills when manifests change on disk.
	Watch bool `yaml:"watch"`
}

// ServerConfig configures the task-queue HTTP/gRPC surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueueConfig configures the background task queue worker pool.
type QueueConfig struct {
	Concurrency  int              `yaml:"concurrency"`
	PollDelay    time.Duration    `yaml:"poll_delay"`
	DequeueRate  float64          `yaml:"dequeue_rate"`
	DequeueBurst int              `yaml:"dequeue_burst"`
	Schedules    []ScheduleConfig `yaml:"schedules"`
}

// ScheduleConfig declares one recurring task submission.
type ScheduleConfig struct {
	Name   string `yaml:"name"`
	Spec   string `yaml:"spec"` // cron expression
	Kind   string `yaml:"kind"`
	Query  string `yaml:"query"`
	UserID string `yaml:"user_id"`
}

// SupervisorConfig configures the supervisor/handoff protocol.
type SupervisorConfig struct {
	DefaultAgent       string        `yaml:"default_agent"`
	ClassifierModel    string        `yaml:"classifier_model"`
	MaxHandoffsPerTask int           `yaml:"max_handoffs_per_task"`
	SharedMemoryBudget int           `yaml:"shared_memory_budget_bytes"`
	ClassifyTimeout    time.Duration `yaml:"classify_timeout"`
}

// HITLConfig configures the human-in-the-loop approval gate.
type HITLConfig struct {
	RequestTTL      time.Duration `yaml:"request_ttl"`
	DefaultDecision string        `yaml:"default_decision"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLLMDefaults(&cfg.LLM)
	applyToolsDefaults(&cfg.Tools)
	applyLoggingDefaults(&cfg.Logging)
	applyQueueDefaults(&cfg.Queue)
	applySupervisorDefaults(&cfg.Supervisor)
	applyHITLDefaults(&cfg.HITL)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyQueueDefaults(cfg *QueueConfig) {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollDelay == 0 {
		cfg.PollDelay = 250 * time.Millisecond
	}
}

func applySupervisorDefaults(cfg *SupervisorConfig) {
	if cfg.MaxHandoffsPerTask == 0 {
		cfg.MaxHandoffsPerTask = 3
	}
	if cfg.SharedMemoryBudget == 0 {
		cfg.SharedMemoryBudget = 16 * 1024
	}
	if cfg.ClassifyTimeout == 0 {
		cfg.ClassifyTimeout = 10 * time.Second
	}
}

func applyHITLDefaults(cfg *HITLConfig) {
	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = 15 * time.Minute
	}
	if cfg.DefaultDecision == "" {
		cfg.DefaultDecision = "pending"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if value := strings.TrimSpace(os.Getenv("HYPERAGENT_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("HYPERAGENT_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("HYPERAGENT_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		setProviderAPIKey(&cfg.LLM, "anthropic", value)
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		setProviderAPIKey(&cfg.LLM, "openai", value)
	}
}

func setProviderAPIKey(cfg *LLMConfig, provider, key string) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
	entry := cfg.Providers[provider]
	if entry.APIKey == "" {
		entry.APIKey = key
	}
	cfg.Providers[provider] = entry
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
		}
	}
	if cfg.Queue.Concurrency < 0 {
		issues = append(issues, "queue.concurrency must be >= 0")
	}
	if cfg.Queue.DequeueRate < 0 {
		issues = append(issues, "queue.dequeue_rate must be >= 0")
	}
	if cfg.Supervisor.MaxHandoffsPerTask < 0 {
		issues = append(issues, "supervisor.max_handoffs_per_task must be >= 0")
	}
	if cfg.Tools.Sandbox.Enabled && cfg.Tools.Sandbox.Backend == "" {
		issues = append(issues, "tools.sandbox.backend is required when sandbox is enabled")
	}

	if pluginIssues := pluginValidationIssues(cfg); len(pluginIssues) > 0 {
		issues = append(issues, pluginIssues...)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
