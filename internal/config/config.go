package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".calltrace/config.yaml"

type PlatformConfig struct {
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxRetries       int    `yaml:"max_retries"`
	FailureThreshold uint32 `yaml:"failure_threshold"` // consecutive failures that open the breaker
	CooldownSeconds  int    `yaml:"cooldown_seconds"`
}

type InvestigateConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type FilterConfig struct {
	CallID        string   `yaml:"call_id"`
	IgnoreMethods []string `yaml:"ignore_methods"`
}

type SanitizeConfig struct {
	Headers     []string `yaml:"headers"`
	Replacement string   `yaml:"replacement"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Platform    PlatformConfig    `yaml:"platform"`
	Investigate InvestigateConfig `yaml:"investigate"`
	Output      OutputConfig      `yaml:"output"`
	Filter      FilterConfig      `yaml:"filter"`
	Sanitize    SanitizeConfig    `yaml:"sanitize"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// DefaultPath returns ~/.calltrace/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultConfigRelPath), nil
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Platform.TimeoutSeconds == 0 {
		c.Platform.TimeoutSeconds = 30
	}
	if c.Platform.MaxRetries == 0 {
		c.Platform.MaxRetries = 3
	}
	if c.Platform.FailureThreshold == 0 {
		c.Platform.FailureThreshold = 5
	}
	if c.Platform.CooldownSeconds == 0 {
		c.Platform.CooldownSeconds = 30
	}
	if c.Investigate.Concurrency == 0 {
		c.Investigate.Concurrency = 4
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if len(c.Output.Formats) == 0 {
		c.Output.Formats = []string{"markdown", "yaml"}
	}
	if len(c.Sanitize.Headers) == 0 {
		c.Sanitize.Headers = []string{"Authorization", "Proxy-Authorization", "WWW-Authenticate", "Proxy-Authenticate"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output.dir cannot be empty")
	}
	if c.Investigate.Concurrency < 1 {
		return errors.New("investigate.concurrency must be positive")
	}
	for _, f := range c.Output.Formats {
		if f != "markdown" && f != "yaml" {
			return fmt.Errorf("output.formats: unknown format %q", f)
		}
	}

	if err := ensureWritableDir(c.Output.Dir); err != nil {
		return fmt.Errorf("output.dir not writable: %w", err)
	}
	return nil
}

// ValidatePlatform enforces requirements for talking to the capture platform.
func (c *Config) ValidatePlatform() error {
	if strings.TrimSpace(c.Platform.BaseURL) == "" {
		return errors.New("platform.base_url cannot be empty")
	}
	if strings.TrimSpace(c.Platform.APIKey) == "" {
		return errors.New("platform.api_key cannot be empty")
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.Platform.BaseURL, "CALLTRACE_PLATFORM_BASE_URL")
	setString(&c.Platform.APIKey, "CALLTRACE_PLATFORM_API_KEY")
	setInt(&c.Platform.TimeoutSeconds, "CALLTRACE_PLATFORM_TIMEOUT_SECONDS")
	setInt(&c.Platform.MaxRetries, "CALLTRACE_PLATFORM_MAX_RETRIES")
	setInt(&c.Investigate.Concurrency, "CALLTRACE_INVESTIGATE_CONCURRENCY")
	setString(&c.Output.Dir, "CALLTRACE_OUTPUT_DIR")
	setString(&c.Server.Host, "CALLTRACE_SERVER_HOST")
	setInt(&c.Server.Port, "CALLTRACE_SERVER_PORT")
	setString(&c.Log.Level, "CALLTRACE_LOG_LEVEL")
	setString(&c.Log.Format, "CALLTRACE_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
