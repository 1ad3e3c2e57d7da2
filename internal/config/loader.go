package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix scopes environment overrides.
	EnvPrefix = "ARBITER_"
)

// DefaultPath returns ~/.config/arbiter/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "arbiter", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. ARBITER_* environment variables
//  2. YAML config file
//  3. Default()
//
// An empty configPath means DefaultPath(); a missing default file is not an
// error, a missing explicit file is.
//
// Environment variables split on the first underscore after the prefix:
//
//	ARBITER_SANDBOX_MAX_OUTPUT_BYTES -> sandbox.max_output_bytes
//	ARBITER_GENERATOR_API_KEY        -> generator.api_key
//
// Config files must be 0600 or 0400 and at most 1MB since they can carry
// API keys.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	explicit := configPath != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	content, err := readConfigFile(configPath)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// No default file; defaults plus env only.
	default:
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps ARBITER_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a stat/read race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks type, permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config path is not a regular file")
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills values that depend on other values.
func applyDefaults(cfg *Config) {
	if !cfg.Generator.APIKey.IsSet() {
		switch cfg.Generator.Provider {
		case ProviderAnthropic:
			cfg.Generator.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
		case ProviderOpenAI, ProviderLangchain:
			cfg.Generator.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
		}
	}
	if cfg.Generator.BaseURL == "" {
		switch cfg.Generator.Provider {
		case ProviderAnthropic:
			cfg.Generator.BaseURL = "https://api.anthropic.com"
		case ProviderOpenAI, ProviderLangchain:
			cfg.Generator.BaseURL = "https://api.openai.com/v1"
		}
	}
	if !cfg.Archive.EmbeddingAPIKey.IsSet() {
		cfg.Archive.EmbeddingAPIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}
	if cfg.Archive.Path != "" && strings.HasPrefix(cfg.Archive.Path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Archive.Path = filepath.Join(home, cfg.Archive.Path[1:])
		}
	}
}
