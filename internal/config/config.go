// Package config loads wingpf settings from an optional YAML file and
// WINGPF_* environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"wingpf.tools/engine"
	"wingpf.tools/internal/logging"
)

const (
	// EnvPrefix namespaces every environment override.
	EnvPrefix = "WINGPF_"
	// FileName is looked up inside the home directory.
	FileName = "config.yaml"

	maxConfigFileSize = 1024 * 1024
)

// Config holds process-wide settings.
type Config struct {
	// Home holds the cache database and config file.
	Home string `koanf:"home"`
	// Host is the default host for bare program references. Empty means
	// the rt package default.
	Host string `koanf:"host"`
	// Engine is the engine the CLI uses when none is given.
	Engine string `koanf:"engine"`
	// MemoryLimit caps engine heap size in bytes where supported; 0 is
	// unlimited.
	MemoryLimit int64          `koanf:"memory_limit"`
	Log         logging.Config `koanf:"log"`
}

// Load reads $WINGPF_HOME/config.yaml (default ~/.wingpf/config.yaml) when
// it exists, then applies environment overrides.
func Load() (*Config, error) {
	home := os.Getenv(EnvPrefix + "HOME")
	if home == "" {
		var err error
		if home, err = defaultHome(); err != nil {
			return nil, err
		}
	}
	return LoadWithFile(filepath.Join(home, FileName))
}

// LoadWithFile loads configuration from the YAML file at path, if present,
// then overrides it with environment variables.
//
// Precedence, highest first:
//  1. WINGPF_* environment variables (WINGPF_LOG_LEVEL -> log.level)
//  2. the YAML file
//  3. defaults
func LoadWithFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config file %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps WINGPF_LOG_LEVEL to log.level and WINGPF_MEMORY_LIMIT to
// memory_limit.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if rest, ok := strings.CutPrefix(key, "log_"); ok {
		return "log." + rest
	}
	return key
}

func defaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".wingpf"), nil
}

func applyDefaults(cfg *Config) error {
	if cfg.Home == "" {
		home, err := defaultHome()
		if err != nil {
			return err
		}
		cfg.Home = home
	}
	if cfg.Engine == "" {
		cfg.Engine = engine.NodeJS.String()
	}
	defaults := logging.DefaultConfig()
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Format
	}
	return nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	if _, err := engine.ParseType(c.Engine); err != nil {
		return err
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("memory_limit must be >= 0, got %d", c.MemoryLimit)
	}
	if strings.ContainsAny(c.Host, "/?#") {
		return fmt.Errorf("host %q must be a bare host name", c.Host)
	}
	return c.Log.Validate()
}

// EngineType returns the parsed default engine.
func (c *Config) EngineType() engine.Type {
	t, _ := engine.ParseType(c.Engine)
	return t
}
