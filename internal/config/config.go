package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	OrderDB     PostgresConfig  `yaml:"order_db"`
	InventoryDB PostgresConfig  `yaml:"inventory_db"`
	Redis       RedisConfig     `yaml:"redis"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Outbox      OutboxConfig    `yaml:"outbox"`
	RateLimit   RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms"`
}

func (k KafkaConfig) WriteTimeout() time.Duration {
	if k.WriteTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(k.WriteTimeoutMS) * time.Millisecond
}

// OutboxConfig tunes the publisher loop. These are operational knobs,
// not contractual constants.
type OutboxConfig struct {
	IntervalMS    int `yaml:"interval_ms"`
	BatchSize     int `yaml:"batch_size"`
	MaxRetries    int `yaml:"max_retries"`
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	BackoffCapMS  int `yaml:"backoff_cap_ms"`
}

func (o OutboxConfig) Interval() time.Duration {
	return time.Duration(o.IntervalMS) * time.Millisecond
}

func (o OutboxConfig) BackoffBase() time.Duration {
	return time.Duration(o.BackoffBaseMS) * time.Millisecond
}

func (o OutboxConfig) BackoffCap() time.Duration {
	return time.Duration(o.BackoffCapMS) * time.Millisecond
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.OrderDB.DSN = cfg.OrderDB.DSN + " password=" + pw
		cfg.InventoryDB.DSN = cfg.InventoryDB.DSN + " password=" + pw
	}
	return &cfg, nil
}
