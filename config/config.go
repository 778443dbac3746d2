package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host     string `yaml:"host" envconfig:"DB_HOST"`
	Port     int    `yaml:"port" envconfig:"DB_PORT"`
	User     string `yaml:"user" envconfig:"DB_USER"`
	Password string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name     string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
}

type ServerConfig struct {
	Port int `yaml:"port" envconfig:"SERVER_PORT"`
}

type RedisConfig struct {
	URL          string        `yaml:"url" envconfig:"REDIS_URL"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
}

// PipelineConfig tunes the orchestration workflows.
type PipelineConfig struct {
	TargetAppID string `yaml:"target_app_id" envconfig:"TARGET_APP_ID"`

	// Number of workflow instances run at once.
	WorkflowConcurrency int `yaml:"workflow_concurrency" envconfig:"WORKFLOW_CONCURRENCY"`

	// Installer fan-out.
	InstallPageSize     int `yaml:"install_page_size"`
	InstallPagesPerLoad int `yaml:"install_pages_per_load"`
	InstallWaveRestart  int `yaml:"install_wave_restart"`

	// Conversation-handle polling.
	HandlePollInterval time.Duration `yaml:"handle_poll_interval"`
	HandlePollAttempts int           `yaml:"handle_poll_attempts"`

	// Dispatch.
	DispatchPageSize int `yaml:"dispatch_page_size"`

	// Aggregation.
	AggregateFastInterval time.Duration `yaml:"aggregate_fast_interval"`
	AggregateSlowInterval time.Duration `yaml:"aggregate_slow_interval"`
	AggregateFastWindow   time.Duration `yaml:"aggregate_fast_window"`
	AggregateSafetyNet    time.Duration `yaml:"aggregate_safety_net"`
}

// DeliveryConfig tunes the per-task delivery workers.
type DeliveryConfig struct {
	Concurrency       int           `yaml:"concurrency" envconfig:"DELIVERY_CONCURRENCY"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
	SendsPerSecond    float64       `yaml:"sends_per_second"`
	SendBurst         int           `yaml:"send_burst"`
}

type SchedulerConfig struct {
	Spec      string `yaml:"spec"`
	BatchSize int    `yaml:"batch_size"`
}

// UpstreamConfig points at an external collaborator service.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Directory UpstreamConfig  `yaml:"directory"`
	Channel   UpstreamConfig  `yaml:"channel"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app")
	viper.AddConfigPath("/app/config")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Container deployments override file values through the environment.
	if err := envconfig.Process("", config); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}

	return config, nil
}

// Default returns the tuning values the pipeline ships with.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			MaxRetries:   3,
			RetryBackoff: 100 * time.Millisecond,
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Pipeline: PipelineConfig{
			WorkflowConcurrency:   16,
			InstallPageSize:       100,
			InstallPagesPerLoad:   4,
			InstallWaveRestart:    10,
			HandlePollInterval:    30 * time.Second,
			HandlePollAttempts:    10,
			DispatchPageSize:      200,
			AggregateFastInterval: 10 * time.Second,
			AggregateSlowInterval: 60 * time.Second,
			AggregateFastWindow:   10 * time.Minute,
			AggregateSafetyNet:    24 * time.Hour,
		},
		Delivery: DeliveryConfig{
			Concurrency:       8,
			MaxRetries:        10,
			RetryBackoff:      5 * time.Second,
			DefaultRetryAfter: 30 * time.Second,
			SendsPerSecond:    15,
			SendBurst:         30,
		},
		Scheduler: SchedulerConfig{
			Spec:      "@every 1m",
			BatchSize: 50,
		},
		Directory: UpstreamConfig{
			BaseURL: "http://localhost:9081",
			Timeout: 15 * time.Second,
		},
		Channel: UpstreamConfig{
			BaseURL: "http://localhost:9082",
			Timeout: 15 * time.Second,
		},
	}
}
