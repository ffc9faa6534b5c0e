package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Market    MarketConfig    `yaml:"market"`
	PackWatch PackWatchConfig `yaml:"packwatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	ShipmentUpdatedTopicName string `yaml:"shipment_updated_topic_name"`
	WebhookTopicName         string `yaml:"webhook_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MarketConfig struct {
	// Mode selects the marketplace backend: "http" for the real API,
	// anything else falls back to the local fake.
	Mode         string `yaml:"mode"`
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type PackWatchConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CurrentShipmentTTLSeconds int `yaml:"current_shipment_ttl_seconds"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	WorkerSyncIntervalSeconds int `yaml:"worker_sync_interval_seconds"`
	WorkerAccountConcurrency  int `yaml:"worker_account_concurrency"`
	WorkerPerCallDelayMillis  int `yaml:"worker_per_call_delay_millis"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`
	WorkerSyncWindowHours     int `yaml:"worker_sync_window_hours"`

	// Cron expressions for scheduled jobs (robfig/cron format).
	ProblemCheckSchedule string `yaml:"problem_check_schedule"`
	AlertCleanupSchedule string `yaml:"alert_cleanup_schedule"`

	// Detector thresholds, in hours.
	StuckAfterHours       int `yaml:"stuck_after_hours"`
	ReadyUnshippedHours   int `yaml:"ready_unshipped_hours"`
	NotReturnedAfterHours int `yaml:"not_returned_after_hours"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
