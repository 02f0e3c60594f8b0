// Package config loads and validates receiver configuration.
package config

import (
	"fmt"
	"time"

	"github.com/jittakal/kafreceiver/internal/kafka"
	"github.com/jittakal/kafreceiver/internal/observability"
	"github.com/jittakal/kafreceiver/pkg/receiver"
)

// ApplicationConfig is the root configuration document.
type ApplicationConfig struct {
	Application   AppConfig           `mapstructure:"application"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Receiver      ReceiverConfig      `mapstructure:"receiver"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// AppConfig identifies the running application.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// KafkaConfig contains connection and driver configuration.
type KafkaConfig struct {
	Driver           string         `mapstructure:"driver"` // sarama, franz
	BootstrapServers []string       `mapstructure:"bootstrap_servers"`
	SecurityProtocol string         `mapstructure:"security_protocol"`
	SASLMechanism    string         `mapstructure:"sasl_mechanism"`
	SASLUsername     string         `mapstructure:"sasl_username"`
	SASLPassword     string         `mapstructure:"sasl_password"`
	AWSRegion        string         `mapstructure:"aws_region"`
	TLS              TLSConfig      `mapstructure:"tls"`
	Consumer         ConsumerConfig `mapstructure:"consumer"`
}

// TLSConfig contains TLS settings for broker connections.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACertFile         string `mapstructure:"ca_cert_file"`
	ClientCertFile     string `mapstructure:"client_cert_file"`
	ClientKeyFile      string `mapstructure:"client_key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ConsumerConfig contains consumer group configuration.
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
}

// ReceiverConfig contains the receiver runtime settings.
type ReceiverConfig struct {
	AckMode               string `mapstructure:"ack_mode"`
	PollTimeoutMS         int    `mapstructure:"poll_timeout_ms"`
	CommitIntervalMS      int    `mapstructure:"commit_interval_ms"`
	CommitBatchSize       int    `mapstructure:"commit_batch_size"`
	CommitRetryIntervalMS int    `mapstructure:"commit_retry_interval_ms"`
	MaxCommitAttempts     int    `mapstructure:"max_commit_attempts"`
	MaxDeferredCommits    int    `mapstructure:"max_deferred_commits"`
	CloseTimeoutMS        int    `mapstructure:"close_timeout_ms"`
}

// ObservabilityConfig contains logging and metrics configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains the metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// AckModeValue resolves the configured acknowledgement mode.
func (c ReceiverConfig) AckModeValue() (receiver.AckMode, error) {
	switch c.AckMode {
	case "manual", "":
		return receiver.AckModeManual, nil
	case "auto":
		return receiver.AckModeAuto, nil
	case "at-most-once":
		return receiver.AckModeAtMostOnce, nil
	case "exactly-once":
		return receiver.AckModeExactlyOnce, nil
	default:
		return 0, fmt.Errorf("unsupported ack mode: %s", c.AckMode)
	}
}

// ReceiverSettings converts the config to runtime settings.
func (c *ApplicationConfig) ReceiverSettings() (receiver.Settings, error) {
	mode, err := c.Receiver.AckModeValue()
	if err != nil {
		return receiver.Settings{}, err
	}

	return receiver.Settings{
		PollTimeout: time.Duration(c.Receiver.PollTimeoutMS) * time.Millisecond,
		CommitStrategy: receiver.CommitStrategy{
			Size:     c.Receiver.CommitBatchSize,
			Interval: time.Duration(c.Receiver.CommitIntervalMS) * time.Millisecond,
		},
		CommitRetryInterval: time.Duration(c.Receiver.CommitRetryIntervalMS) * time.Millisecond,
		MaxCommitAttempts:   c.Receiver.MaxCommitAttempts,
		MaxDeferredCommits:  c.Receiver.MaxDeferredCommits,
		CloseTimeout:        time.Duration(c.Receiver.CloseTimeoutMS) * time.Millisecond,
		AckMode:             mode,
	}, nil
}

// ClientConfig converts the config to the driver binding configuration.
func (c *ApplicationConfig) ClientConfig() kafka.Config {
	return kafka.Config{
		Driver:              kafka.Driver(c.Kafka.Driver),
		BootstrapServers:    c.Kafka.BootstrapServers,
		GroupID:             c.Kafka.Consumer.GroupID,
		SecurityProtocol:    c.Kafka.SecurityProtocol,
		SASLMechanism:       c.Kafka.SASLMechanism,
		SASLUsername:        c.Kafka.SASLUsername,
		SASLPassword:        c.Kafka.SASLPassword,
		AWSRegion:           c.Kafka.AWSRegion,
		TLS: kafka.TLSConfig{
			Enabled:            c.Kafka.TLS.Enabled,
			CACertFile:         c.Kafka.TLS.CACertFile,
			ClientCertFile:     c.Kafka.TLS.ClientCertFile,
			ClientKeyFile:      c.Kafka.TLS.ClientKeyFile,
			InsecureSkipVerify: c.Kafka.TLS.InsecureSkipVerify,
		},
		AutoOffsetReset:     c.Kafka.Consumer.AutoOffsetReset,
		SessionTimeoutMS:    c.Kafka.Consumer.SessionTimeoutMS,
		HeartbeatIntervalMS: c.Kafka.Consumer.HeartbeatIntervalMS,
		MaxPollIntervalMS:   c.Kafka.Consumer.MaxPollIntervalMS,
	}
}

// LoggingConfigValue converts the config to the observability type.
func (c *ApplicationConfig) LoggingConfigValue() observability.LoggingConfig {
	return observability.LoggingConfig{
		Level:  c.Observability.Logging.Level,
		Format: c.Observability.Logging.Format,
		Output: c.Observability.Logging.Output,
	}
}
