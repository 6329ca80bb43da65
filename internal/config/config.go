// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	ServiceName    = "order-fulfillment"
	ServiceVersion = "0.1.0"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":50051"`
	MySQLDSN        string        `env:"MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/fulfillment?parseTime=true"`
	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	OtelEndpoint    string        `env:"OTEL_ENDPOINT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	QueueName         string        `env:"QUEUE_NAME" envDefault:"orders"`
	WorkerCount       int           `env:"WORKER_COUNT" envDefault:"10"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
	AttemptTimeout    time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
	IdempotencyTTL    time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"720h"`

	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"60s"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"4"`
	RetryJitter    float64       `env:"RETRY_JITTER" envDefault:"0"`

	ScanInterval  time.Duration `env:"SCAN_INTERVAL" envDefault:"300s"`
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" envSeparator:","`
	AlertTopic    string        `env:"ALERT_TOPIC" envDefault:"inventory-alerts"`
	WebhookSecret string        `env:"WEBHOOK_SECRET"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("WORKER_COUNT must be >= 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be >= 1"))
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		errs = append(errs, errors.New("RETRY_JITTER must be in [0, 1)"))
	}
	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":      c.PollInterval,
		"VISIBILITY_TIMEOUT": c.VisibilityTimeout,
		"ATTEMPT_TIMEOUT":    c.AttemptTimeout,
		"RETRY_BASE_DELAY":   c.RetryBaseDelay,
		"SCAN_INTERVAL":      c.ScanInterval,
	} {
		if d <= 0 {
			errs = append(errs, errors.New(name+" must be positive"))
		}
	}
	return errors.Join(errs...)
}
