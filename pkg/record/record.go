// Package record defines the value types shared between the consumer-client
// contract and the receiver API.
package record

import (
	"fmt"
	"time"
)

// TopicPartition uniquely identifies a Kafka partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String returns a string representation of the partition in the format
// "topic-partition".
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record is a single record as returned by a poll.
type Record struct {
	TopicPartition

	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}
