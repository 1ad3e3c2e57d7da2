// Package config provides configuration loading for arbiter.
//
// Configuration is layered: built-in defaults, an optional YAML file, then
// ARBITER_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Fan-out policies applied when the planner returns a number of approaches
// different from the configured pipeline width.
const (
	FanOutTruncate = "truncate"
	FanOutPad      = "pad"
	FanOutStrict   = "strict"
)

// Generator providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderLangchain = "langchain"
	ProviderStatic    = "static"
)

// Config holds the complete arbiter configuration.
type Config struct {
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Format    FormatConfig    `koanf:"format"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Generator GeneratorConfig `koanf:"generator"`
	Prompt    PromptConfig    `koanf:"prompt"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Server    ServerConfig    `koanf:"server"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Events    EventsConfig    `koanf:"events"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// PipelineConfig controls the stage executor.
type PipelineConfig struct {
	Width        int      `koanf:"width"`
	FanOutPolicy string   `koanf:"fanout_policy"`
	StageTimeout Duration `koanf:"stage_timeout"`
}

// TagPair is an opening/closing delimiter literal pair.
type TagPair struct {
	Open  string `koanf:"open"`
	Close string `koanf:"close"`
}

// FormatConfig holds the segment tag vocabulary.
type FormatConfig struct {
	ReasoningTags TagPair `koanf:"reasoning_tags"`
	AnswerTags    TagPair `koanf:"answer_tags"`
}

// SandboxConfig bounds execution of generated code.
type SandboxConfig struct {
	Python         string   `koanf:"python"`
	Timeout        Duration `koanf:"timeout"`
	MaxOutputBytes int      `koanf:"max_output_bytes"`
	WorkDir        string   `koanf:"work_dir"`
	KeepArtifacts  bool     `koanf:"keep_artifacts"`
}

// GeneratorConfig selects and configures the text-generation backend.
type GeneratorConfig struct {
	Provider    string   `koanf:"provider"`
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second, 0 = unlimited
	Timeout     Duration `koanf:"timeout"`

	// ScriptFile holds canned responses for the static provider.
	ScriptFile string `koanf:"script_file"`
}

// PromptConfig points at optional template overrides read once at startup.
type PromptConfig struct {
	OverridesFile string `koanf:"overrides_file"`
}

// SecretsConfig controls redaction of prompts before they leave the process.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	BodyLimit       string   `koanf:"body_limit"`
}

// TemporalConfig configures the durable workflow client and worker.
type TemporalConfig struct {
	HostPort        string   `koanf:"host_port"`
	Namespace       string   `koanf:"namespace"`
	TaskQueue       string   `koanf:"task_queue"`
	ActivityTimeout Duration `koanf:"activity_timeout"`
	MaxAttempts     int32    `koanf:"max_attempts"`
}

// EventsConfig configures the NATS run-event publisher.
// An empty NATSURL disables publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ArchiveConfig configures the verified-solution archive.
type ArchiveConfig struct {
	Enabled          bool   `koanf:"enabled"`
	Path             string `koanf:"path"`
	Collection       string `koanf:"collection"`
	Compress         bool   `koanf:"compress"`
	EmbeddingBaseURL string `koanf:"embedding_base_url"`
	EmbeddingModel   string `koanf:"embedding_model"`
	EmbeddingAPIKey  Secret `koanf:"embedding_api_key"`
}

// TelemetryConfig mirrors telemetry.Config for file/env loading.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// LoggingConfig mirrors the commonly tuned parts of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Width:        3,
			FanOutPolicy: FanOutTruncate,
			StageTimeout: Duration(2 * time.Minute),
		},
		Format: FormatConfig{
			ReasoningTags: TagPair{Open: "<think>", Close: "</think>"},
			AnswerTags:    TagPair{Open: "<answer>", Close: "</answer>"},
		},
		Sandbox: SandboxConfig{
			Python:         "python3",
			Timeout:        Duration(10 * time.Second),
			MaxOutputBytes: 1 << 20,
		},
		Generator: GeneratorConfig{
			Provider:    ProviderAnthropic,
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 0.2,
			RateLimit:   1,
			Timeout:     Duration(2 * time.Minute),
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			BodyLimit:       "2M",
		},
		Temporal: TemporalConfig{
			HostPort:        "localhost:7233",
			Namespace:       "default",
			TaskQueue:       "arbiter-solve",
			ActivityTimeout: Duration(5 * time.Minute),
			MaxAttempts:     3,
		},
		Events: EventsConfig{
			SubjectPrefix: "arbiter.runs",
		},
		Archive: ArchiveConfig{
			Path:             "~/.local/share/arbiter/archive",
			Collection:       "verified_solutions",
			Compress:         true,
			EmbeddingBaseURL: "http://localhost:8080/v1",
			EmbeddingModel:   "BAAI/bge-small-en-v1.5",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "arbiter",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.Width < 1 {
		errs = append(errs, fmt.Errorf("pipeline.width must be >= 1, got %d", c.Pipeline.Width))
	}
	switch c.Pipeline.FanOutPolicy {
	case FanOutTruncate, FanOutPad, FanOutStrict:
	default:
		errs = append(errs, fmt.Errorf("pipeline.fanout_policy must be truncate, pad or strict, got %q", c.Pipeline.FanOutPolicy))
	}
	if c.Pipeline.StageTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must be positive"))
	}

	for name, tags := range map[string]TagPair{
		"format.reasoning_tags": c.Format.ReasoningTags,
		"format.answer_tags":    c.Format.AnswerTags,
	} {
		if tags.Open == "" || tags.Close == "" {
			errs = append(errs, fmt.Errorf("%s requires both open and close literals", name))
		}
	}

	if c.Sandbox.Python == "" {
		errs = append(errs, errors.New("sandbox.python is required"))
	}
	if c.Sandbox.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("sandbox.max_output_bytes must be positive"))
	}

	switch c.Generator.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderLangchain, ProviderStatic:
	default:
		errs = append(errs, fmt.Errorf("unsupported generator.provider %q", c.Generator.Provider))
	}
	if c.Generator.Provider == ProviderStatic && c.Generator.ScriptFile == "" {
		errs = append(errs, errors.New("generator.script_file is required for the static provider"))
	}
	if c.Generator.RateLimit < 0 {
		errs = append(errs, errors.New("generator.rate_limit cannot be negative"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Temporal.MaxAttempts < 1 {
		errs = append(errs, errors.New("temporal.max_attempts must be >= 1"))
	}

	if c.Archive.Enabled && c.Archive.Collection == "" {
		errs = append(errs, errors.New("archive.collection is required when the archive is enabled"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
