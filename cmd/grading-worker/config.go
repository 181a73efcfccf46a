package main

import (
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"

	"gradewell/internal/common/cache"
	"gradewell/internal/common/db"
	"gradewell/internal/common/mq"
	"gradewell/internal/common/storage"
	"gradewell/internal/grading/execclient"
	"gradewell/internal/grading/prepare"
	"gradewell/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8087"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultTopic          = "grading.jobs"
	defaultConsumerGroup  = "grading-worker"
	defaultHealthInterval = 30 * time.Second
	defaultDepthInterval  = 15 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	RequiredAcks  int           `yaml:"requiredAcks"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
}

// GradingConfig holds worker-level grading settings.
type GradingConfig struct {
	HealthInterval     time.Duration `yaml:"healthInterval"`
	HealthCheckOnStart bool          `yaml:"healthCheckOnStart"`
	QueueDepthInterval time.Duration `yaml:"queueDepthInterval"`
}

// AppConfig holds grading-worker config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Exec     execclient.Config   `yaml:"execService"`
	Prepare  prepare.Config      `yaml:"prepare"`
	Grading  GradingConfig       `yaml:"grading"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	// Secrets may come from the environment instead of the config file.
	cfg.Database.DSN = getenvWithDefault("GRADEWELL_DB_DSN", cfg.Database.DSN)
	cfg.Redis.Password = getenvWithDefault("GRADEWELL_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.MinIO.AccessKey = getenvWithDefault("GRADEWELL_MINIO_ACCESS_KEY", cfg.MinIO.AccessKey)
	cfg.MinIO.SecretKey = getenvWithDefault("GRADEWELL_MINIO_SECRET_KEY", cfg.MinIO.SecretKey)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Kafka.Concurrency <= 0 {
		cfg.Kafka.Concurrency = 1
	}
	if cfg.Prepare.Bucket == "" {
		cfg.Prepare.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Grading.HealthInterval == 0 {
		cfg.Grading.HealthInterval = defaultHealthInterval
	}
	if cfg.Grading.QueueDepthInterval == 0 {
		cfg.Grading.QueueDepthInterval = defaultDepthInterval
	}
	return &cfg, nil
}

func getenvWithDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
	}
}
