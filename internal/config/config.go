package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Gmail       GmailConfig       `yaml:"gmail"`
	Queue       QueueConfig       `yaml:"queue"`
	Automation  AutomationConfig  `yaml:"automation"`
	Bedrock     BedrockConfig     `yaml:"bedrock"`
	Screenshots ScreenshotsConfig `yaml:"screenshots"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for notifications and locks.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// GmailConfig holds Gmail OAuth client credentials
type GmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// QueueConfig holds job queue scheduler settings
type QueueConfig struct {
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	Concurrency         int  `yaml:"concurrency"`
	JobTimeoutSeconds   int  `yaml:"job_timeout_seconds"`
	RetryEnabled        bool `yaml:"retry_enabled"`
	RetryBaseSeconds    int  `yaml:"retry_base_seconds"`
	StaleAfterMinutes   int  `yaml:"stale_after_minutes"`
}

// PollInterval returns the poll interval as a duration
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// JobTimeout returns the per-job execution bound as a duration
func (c QueueConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the retry backoff seed as a duration
func (c QueueConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

// StaleAfter returns the crashed-worker recovery cutoff as a duration
func (c QueueConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

// AutomationConfig holds browser automation settings
type AutomationConfig struct {
	Enabled            bool `yaml:"enabled"`
	Concurrency        int  `yaml:"concurrency"`
	MaxSteps           int  `yaml:"max_steps"`
	StepTimeoutSeconds int  `yaml:"step_timeout_seconds"`
}

// BedrockConfig holds the AI page analyzer settings
type BedrockConfig struct {
	Enabled bool   `yaml:"enabled"`
	ModelID string `yaml:"model_id"`
	Region  string `yaml:"region"`
}

// ScreenshotsConfig holds screenshot artifact storage settings
type ScreenshotsConfig struct {
	Type      string `yaml:"type"` // "local" or "s3"
	LocalPath string `yaml:"local_path"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Prefix  string `yaml:"s3_prefix"`
	AWSRegion string `yaml:"aws_region"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: every setting has a default or an env override.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 2
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 3
	}
	if cfg.Queue.JobTimeoutSeconds == 0 {
		cfg.Queue.JobTimeoutSeconds = 300
	}
	if cfg.Queue.RetryBaseSeconds == 0 {
		cfg.Queue.RetryBaseSeconds = 60
	}
	if cfg.Queue.StaleAfterMinutes == 0 {
		cfg.Queue.StaleAfterMinutes = 10
	}
	if cfg.Automation.Concurrency == 0 {
		cfg.Automation.Concurrency = 1
	}
	if cfg.Automation.MaxSteps == 0 {
		cfg.Automation.MaxSteps = 10
	}
	if cfg.Automation.StepTimeoutSeconds == 0 {
		cfg.Automation.StepTimeoutSeconds = 30
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	if cfg.Screenshots.Type == "" {
		cfg.Screenshots.Type = "local"
	}
	if cfg.Screenshots.LocalPath == "" {
		cfg.Screenshots.LocalPath = "./screenshots"
	}
	if cfg.Screenshots.S3Prefix == "" {
		cfg.Screenshots.S3Prefix = "unsubscribe/screenshots/"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Gmail.ClientSecret = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Bedrock.ModelID = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		if cfg.Bedrock.Region == "" {
			cfg.Bedrock.Region = v
		}
		if cfg.Screenshots.AWSRegion == "" {
			cfg.Screenshots.AWSRegion = v
		}
	}
	if v := os.Getenv("SCREENSHOT_S3_BUCKET"); v != "" {
		cfg.Screenshots.S3Bucket = v
		cfg.Screenshots.Type = "s3"
	}

	return cfg, nil
}
