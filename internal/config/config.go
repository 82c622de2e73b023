// Package config loads server configuration from a YAML file with ${VAR}
// expansion, or from the environment when no file is given.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxContextMessages = 10
	DefaultUploadMaxSize      = 10 << 20
	DefaultSystemPrompt       = "You are a helpful tutor. Answer the student's questions clearly and " +
		"patiently, explain your reasoning step by step, and encourage them to think for themselves."
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Assistant AssistantConfig `yaml:"assistant"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL prefixes upload URLs handed to clients. Empty means
	// relative URLs.
	PublicURL string `yaml:"public_url"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables cross-instance fan-out. Empty Addr keeps fan-out
// inside the process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

type AssistantConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	SystemPrompt       string `yaml:"system_prompt"`
	MaxContextMessages int    `yaml:"max_context_messages"`
	MaxConcurrent      int    `yaml:"max_concurrent"`

	Timeout       time.Duration `yaml:"-"`
	ThinkingDelay time.Duration `yaml:"-"`

	TimeoutRaw       string `yaml:"timeout"`
	ThinkingDelayRaw string `yaml:"thinking_delay"`
}

type UploadsConfig struct {
	Dir       string `yaml:"dir"`
	URLPrefix string `yaml:"url_prefix"`
	MaxSize   int64  `yaml:"max_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds a Config from the plain environment variables the
// container deployment sets (DB_DSN, JWT_SECRET, REDIS_ADDR, ...).
func FromEnv() (*Config, error) {
	cfg := Config{
		Server: ServerConfig{
			HTTPAddr:  os.Getenv("HTTP_ADDR"),
			PublicURL: os.Getenv("PUBLIC_URL"),
		},
		Database: DatabaseConfig{
			Driver: os.Getenv("DB_DRIVER"),
			DSN:    os.Getenv("DB_DSN"),
		},
		Redis: RedisConfig{Addr: os.Getenv("REDIS_ADDR")},
		Auth: AuthConfig{
			JWTSecret:   os.Getenv("JWT_SECRET"),
			TokenTTLRaw: os.Getenv("JWT_TTL"),
		},
		Assistant: AssistantConfig{
			APIKey:           os.Getenv("OPENAI_API_KEY"),
			BaseURL:          os.Getenv("OPENAI_BASE_URL"),
			Model:            os.Getenv("OPENAI_MODEL"),
			TimeoutRaw:       os.Getenv("ASSISTANT_TIMEOUT"),
			ThinkingDelayRaw: os.Getenv("ASSISTANT_THINKING_DELAY"),
		},
		Uploads: UploadsConfig{Dir: os.Getenv("UPLOAD_DIR")},
		Logging: LoggingConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		},
	}
	if v := os.Getenv("ASSISTANT_MAX_CONTEXT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing ASSISTANT_MAX_CONTEXT %q: %w", v, err)
		}
		cfg.Assistant.MaxContextMessages = n
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Assistant.Model == "" {
		c.Assistant.Model = "gpt-4o-mini"
	}
	if c.Assistant.SystemPrompt == "" {
		c.Assistant.SystemPrompt = DefaultSystemPrompt
	}
	if c.Assistant.MaxContextMessages <= 0 {
		c.Assistant.MaxContextMessages = DefaultMaxContextMessages
	}
	if c.Assistant.MaxConcurrent <= 0 {
		c.Assistant.MaxConcurrent = 8
	}
	if c.Assistant.Timeout == 0 {
		c.Assistant.Timeout = 30 * time.Second
	}
	if c.Uploads.Dir == "" {
		c.Uploads.Dir = "uploads"
	}
	if c.Uploads.URLPrefix == "" {
		c.Uploads.URLPrefix = "/uploads/"
	}
	if c.Uploads.MaxSize <= 0 {
		c.Uploads.MaxSize = DefaultUploadMaxSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Assistant.Timeout < 0 || c.Assistant.ThinkingDelay < 0 {
		return fmt.Errorf("assistant durations must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"assistant.timeout", cfg.Assistant.TimeoutRaw, &cfg.Assistant.Timeout},
		{"assistant.thinking_delay", cfg.Assistant.ThinkingDelayRaw, &cfg.Assistant.ThinkingDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
