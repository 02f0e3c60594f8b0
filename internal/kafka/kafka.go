// Package kafka implements the consumer-client contract on top of concrete
// Kafka driver libraries.
//
// Two bindings are provided: sarama (IBM/sarama consumer groups) and franz
// (twmb/franz-go). Both present the poll/pause/resume surface the receiver
// runtime drives, and both deliver rebalance notifications and async commit
// callbacks on the goroutine that calls Poll, as the contract requires.
package kafka

import (
	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// Driver selects a client binding.
type Driver string

const (
	DriverSarama Driver = "sarama"
	DriverFranz  Driver = "franz"
)

// TLSConfig contains TLS settings for broker connections.
type TLSConfig struct {
	Enabled            bool
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// Config contains driver-independent client configuration.
type Config struct {
	Driver           Driver
	BootstrapServers []string
	GroupID          string

	SecurityProtocol string // PLAINTEXT, SASL_PLAINTEXT, SASL_SSL, SSL
	SASLMechanism    string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, AWS_MSK_IAM
	SASLUsername     string
	SASLPassword     string
	AWSRegion        string
	TLS              TLSConfig

	AutoOffsetReset     string // earliest, latest
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
	MaxPollIntervalMS   int
}

// New creates a client for the configured driver.
func New(cfg Config, logger *zap.Logger) (consumer.Client, error) {
	switch cfg.Driver {
	case DriverSarama, "":
		return NewSaramaClient(cfg, logger)
	case DriverFranz:
		return NewFranzClient(cfg, logger)
	default:
		return nil, &kaferrors.ConfigError{Field: "kafka.driver", Value: string(cfg.Driver)}
	}
}

// partitionsByTopic groups partitions into the map shape both drivers use.
func partitionsByTopic(partitions []record.TopicPartition) map[string][]int32 {
	byTopic := make(map[string][]int32)
	for _, tp := range partitions {
		byTopic[tp.Topic] = append(byTopic[tp.Topic], tp.Partition)
	}
	return byTopic
}

// setToSlice snapshots a partition set.
func setToSlice(set map[record.TopicPartition]struct{}) []record.TopicPartition {
	out := make([]record.TopicPartition, 0, len(set))
	for tp := range set {
		out = append(out, tp)
	}
	return out
}
