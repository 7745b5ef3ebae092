package config

import "time"

// Config represents the main Steward configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database path, defaults to <data_dir>/steward.db
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Orchestration
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`

	// Lease
	Lease LeaseConfig `json:"lease" mapstructure:"lease"`

	// Archive retention
	Archive ArchiveConfig `json:"archive" mapstructure:"archive"`

	// Scheduler
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Gateway (websocket event broadcast)
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// OrchestratorConfig controls the per-invocation run sequencing
type OrchestratorConfig struct {
	SessionTimeout   time.Duration `json:"session_timeout" mapstructure:"session_timeout"`
	MaxIterations    int           `json:"max_iterations" mapstructure:"max_iterations"`
	ModelCallTimeout time.Duration `json:"model_call_timeout" mapstructure:"model_call_timeout"`
	ToolCallTimeout  time.Duration `json:"tool_call_timeout" mapstructure:"tool_call_timeout"`
	StopScanWindow   int           `json:"stop_scan_window" mapstructure:"stop_scan_window"`
}

// LeaseConfig controls execution-lease staleness handling
type LeaseConfig struct {
	Staleness   time.Duration `json:"staleness" mapstructure:"staleness"`
	HardCeiling time.Duration `json:"hard_ceiling" mapstructure:"hard_ceiling"`
}

// ArchiveConfig controls archived session retention
type ArchiveConfig struct {
	RetentionAge  time.Duration `json:"retention_age" mapstructure:"retention_age"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// SchedulerConfig controls the background worker pool
type SchedulerConfig struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// ModelsConfig holds model provider configuration
type ModelsConfig struct {
	Provider        string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey          string `json:"api_key" mapstructure:"api_key"`
	Model           string `json:"model" mapstructure:"model"`
	SummarizerModel string `json:"summarizer_model" mapstructure:"summarizer_model"`
	MaxTokens       int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// GatewayConfig holds websocket gateway configuration
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			SessionTimeout:   30 * time.Minute,
			MaxIterations:    20,
			ModelCallTimeout: 2 * time.Minute,
			ToolCallTimeout:  30 * time.Second,
			StopScanWindow:   5,
		},
		Lease: LeaseConfig{
			Staleness:   10 * time.Minute,
			HardCeiling: time.Hour,
		},
		Archive: ArchiveConfig{
			RetentionAge:  30 * 24 * time.Hour,
			SweepInterval: 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Models: ModelsConfig{
			Provider:  "anthropic",
			Model:     "claude-3-5-sonnet-20241022",
			MaxTokens: 4096,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7430",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}
