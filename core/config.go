package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultQueueName    = "messages"
	JobIDMessageDeliver = "xwebhook.message.deliver"
)

type QueueConfig struct {
	Name            string        `koanf:"name" mapstructure:"name"`
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	JobTimeout      time.Duration `koanf:"job_timeout" mapstructure:"job_timeout"`
	LeaseTimeout    time.Duration `koanf:"lease_timeout" mapstructure:"lease_timeout"`
	PollInterval    time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	RetainCompleted int           `koanf:"retain_completed" mapstructure:"retain_completed"`
	RetainFailed    int           `koanf:"retain_failed" mapstructure:"retain_failed"`
}

type WorkerConfig struct {
	Concurrency int `koanf:"concurrency" mapstructure:"concurrency"`
}

type DeliveryConfig struct {
	MaxAttempts          int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	RetryInterval        time.Duration `koanf:"retry_interval" mapstructure:"retry_interval"`
	Timeout              time.Duration `koanf:"timeout" mapstructure:"timeout"`
	MaxResponseBodyBytes int64         `koanf:"max_response_body_bytes" mapstructure:"max_response_body_bytes"`
	MessageIDHeader      string        `koanf:"message_id_header" mapstructure:"message_id_header"`
	// SkipDelivered consults the delivery ledger so a retried job skips
	// webhooks that already accepted the message.
	SkipDelivered bool `koanf:"skip_delivered" mapstructure:"skip_delivered"`
}

type FanoutConfig struct {
	// MaxConcurrency bounds in-flight deliveries per job; zero is unbounded.
	MaxConcurrency int `koanf:"max_concurrency" mapstructure:"max_concurrency"`
}

type HTTPConfig struct {
	Port int `koanf:"port" mapstructure:"port"`
}

type Config struct {
	ServiceName string         `koanf:"service_name" mapstructure:"service_name"`
	Queue       QueueConfig    `koanf:"queue" mapstructure:"queue"`
	Worker      WorkerConfig   `koanf:"worker" mapstructure:"worker"`
	Delivery    DeliveryConfig `koanf:"delivery" mapstructure:"delivery"`
	Fanout      FanoutConfig   `koanf:"fanout" mapstructure:"fanout"`
	HTTP        HTTPConfig     `koanf:"http" mapstructure:"http"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "xwebhook",
		Queue: QueueConfig{
			Name:            DefaultQueueName,
			MaxAttempts:     5,
			InitialBackoff:  2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			JobTimeout:      2 * time.Minute,
			LeaseTimeout:    5 * time.Minute,
			PollInterval:    500 * time.Millisecond,
			RetainCompleted: 10,
			RetainFailed:    10,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:          3,
			RetryInterval:        10 * time.Millisecond,
			Timeout:              30 * time.Second,
			MaxResponseBodyBytes: 10 << 20,
		},
		HTTP: HTTPConfig{
			Port: 8088,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return fmt.Errorf("core: queue.name is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("core: queue.max_attempts must be positive")
	}
	if c.Queue.MaxBackoff > 0 && c.Queue.InitialBackoff > c.Queue.MaxBackoff {
		return fmt.Errorf("core: queue.initial_backoff must not exceed queue.max_backoff")
	}
	if c.Queue.RetainCompleted < 0 || c.Queue.RetainFailed < 0 {
		return fmt.Errorf("core: queue retention must not be negative")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("core: delivery.max_attempts must be positive")
	}
	if c.Fanout.MaxConcurrency < 0 {
		return fmt.Errorf("core: fanout.max_concurrency must not be negative")
	}
	return nil
}
