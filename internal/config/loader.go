package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading and validation.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables.
func (l *Loader) Load(path string) (*ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Expand environment variables in config values holding a ${...}
	// pattern, so secrets can be injected without templating the file.
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "kafreceiver")
	l.v.SetDefault("application.environment", "development")

	// Kafka defaults
	l.v.SetDefault("kafka.driver", "sarama")
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)

	// Receiver defaults
	l.v.SetDefault("receiver.ack_mode", "manual")
	l.v.SetDefault("receiver.poll_timeout_ms", 100)
	l.v.SetDefault("receiver.commit_interval_ms", 5000)
	l.v.SetDefault("receiver.commit_batch_size", 0)
	l.v.SetDefault("receiver.commit_retry_interval_ms", 500)
	l.v.SetDefault("receiver.max_commit_attempts", 100)
	l.v.SetDefault("receiver.max_deferred_commits", 0)
	l.v.SetDefault("receiver.close_timeout_ms", 60000)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
}

// Validate validates the configuration.
func (l *Loader) Validate(config *ApplicationConfig) error {
	if len(config.Kafka.BootstrapServers) == 0 {
		return errors.New("kafka.bootstrap_servers is required")
	}
	if len(config.Kafka.Consumer.Topics) == 0 {
		return errors.New("kafka.consumer.topics is required")
	}
	if config.Kafka.Consumer.GroupID == "" {
		return errors.New("kafka.consumer.group_id is required")
	}

	switch config.Kafka.Driver {
	case "sarama", "franz":
	default:
		return fmt.Errorf("unsupported kafka driver: %s", config.Kafka.Driver)
	}

	mode, err := config.Receiver.AckModeValue()
	if err != nil {
		return err
	}

	if config.Receiver.PollTimeoutMS <= 0 {
		return fmt.Errorf("invalid receiver.poll_timeout_ms: %d", config.Receiver.PollTimeoutMS)
	}
	if config.Receiver.CloseTimeoutMS <= 0 {
		return fmt.Errorf("invalid receiver.close_timeout_ms: %d", config.Receiver.CloseTimeoutMS)
	}
	if config.Receiver.MaxCommitAttempts <= 0 {
		return fmt.Errorf("invalid receiver.max_commit_attempts: %d", config.Receiver.MaxCommitAttempts)
	}
	if config.Receiver.CommitBatchSize < 0 || config.Receiver.MaxDeferredCommits < 0 {
		return errors.New("receiver commit thresholds must not be negative")
	}

	// Manual and auto modes need at least one commit trigger.
	if mode.String() == "manual" || mode.String() == "auto" {
		if config.Receiver.CommitBatchSize < 1 && config.Receiver.CommitIntervalMS <= 0 {
			return errors.New("receiver.commit_batch_size or receiver.commit_interval_ms is required")
		}
	}

	if config.Observability.Metrics.Enabled {
		if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
		}
	}

	return nil
}
