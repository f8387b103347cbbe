// Package config provides configuration management for Reviewdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Reviewdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	GitLab   GitLabConfig   `mapstructure:"gitlab"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Skills   SkillsConfig   `mapstructure:"skills"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for review sandboxes.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	SandboxImage   string `mapstructure:"sandboxImage"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// GitHubConfig holds GitHub OAuth and App configuration.
type GitHubConfig struct {
	ClientID      string `mapstructure:"clientId"`
	ClientSecret  string `mapstructure:"clientSecret"`
	WebhookSecret string `mapstructure:"webhookSecret"` // App-level webhook secret
	AppID         string `mapstructure:"appId"`         // optional: post reviews as the app
	AppPrivateKey string `mapstructure:"appPrivateKey"` // PEM RSA private key
}

// GitLabConfig holds GitLab OAuth and bot configuration.
type GitLabConfig struct {
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	BotToken     string `mapstructure:"botToken"`  // optional: glpat- token to post reviews as a bot
	BotUserID    int    `mapstructure:"botUserId"` // required when inviting the bot to projects
	WebhookURL   string `mapstructure:"webhookUrl"`
}

// LLMConfig holds default model selection for the agent CLI.
type LLMConfig struct {
	DefaultProvider string `mapstructure:"defaultProvider"`
	DefaultModel    string `mapstructure:"defaultModel"`
}

// WorkerConfig holds scheduler worker configuration.
type WorkerConfig struct {
	PollIntervalMS int `mapstructure:"pollIntervalMs"`
	MaxReadCount   int `mapstructure:"maxReadCount"` // give-up threshold for redelivered messages
}

// SkillsConfig holds the predefined skills catalog location.
type SkillsConfig struct {
	Root string `mapstructure:"root"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the worker poll interval as a time.Duration.
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "reviewdeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "reviewdeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "reviewdeck")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.sandboxImage", "reviewdeck/sandbox:latest")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// LLM defaults
	v.SetDefault("llm.defaultProvider", "anthropic")
	v.SetDefault("llm.defaultModel", "claude-sonnet-4-20250514")

	// Worker defaults
	v.SetDefault("worker.pollIntervalMs", 5000)
	v.SetDefault("worker.maxReadCount", 3)

	// Skills defaults
	v.SetDefault("skills.root", "./skills")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix REVIEWDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/reviewdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("REVIEWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("github.clientId", "REVIEWDECK_GITHUB_CLIENT_ID")
	_ = v.BindEnv("github.clientSecret", "REVIEWDECK_GITHUB_CLIENT_SECRET")
	_ = v.BindEnv("github.webhookSecret", "REVIEWDECK_GITHUB_WEBHOOK_SECRET")
	_ = v.BindEnv("github.appId", "REVIEWDECK_GITHUB_APP_ID")
	_ = v.BindEnv("github.appPrivateKey", "REVIEWDECK_GITHUB_APP_PRIVATE_KEY")
	_ = v.BindEnv("gitlab.clientId", "REVIEWDECK_GITLAB_CLIENT_ID")
	_ = v.BindEnv("gitlab.clientSecret", "REVIEWDECK_GITLAB_CLIENT_SECRET")
	_ = v.BindEnv("gitlab.botToken", "GITLAB_BOT_TOKEN", "REVIEWDECK_GITLAB_BOT_TOKEN")
	_ = v.BindEnv("gitlab.botUserId", "REVIEWDECK_GITLAB_BOT_USER_ID")
	_ = v.BindEnv("gitlab.webhookUrl", "REVIEWDECK_GITLAB_WEBHOOK_URL")
	_ = v.BindEnv("worker.pollIntervalMs", "POLL_INTERVAL_MS", "REVIEWDECK_WORKER_POLL_INTERVAL_MS")
	_ = v.BindEnv("docker.sandboxImage", "REVIEWDECK_DOCKER_SANDBOX_IMAGE")
	_ = v.BindEnv("llm.defaultProvider", "REVIEWDECK_LLM_DEFAULT_PROVIDER")
	_ = v.BindEnv("llm.defaultModel", "REVIEWDECK_LLM_DEFAULT_MODEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/reviewdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}

	if cfg.Docker.SandboxImage == "" {
		errs = append(errs, "docker.sandboxImage is required")
	}

	if cfg.LLM.DefaultModel == "" {
		errs = append(errs, "llm.defaultModel is required")
	}

	if cfg.Worker.PollIntervalMS <= 0 {
		errs = append(errs, "worker.pollIntervalMs must be positive")
	}
	if cfg.Worker.MaxReadCount <= 0 {
		errs = append(errs, "worker.maxReadCount must be positive")
	}

	// App identity is optional, but must be complete when present.
	if (cfg.GitHub.AppID == "") != (cfg.GitHub.AppPrivateKey == "") {
		errs = append(errs, "github.appId and github.appPrivateKey must be set together")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
