// Package consumer defines the contract between the receiver runtime and a
// Kafka consumer client driver.
//
// Implementations of Client wrap a concrete Kafka library (see
// internal/kafka for the sarama and franz-go bindings). The runtime pins
// every call except Wakeup to a single dedicated goroutine; drivers may rely
// on that and are not required to be safe for concurrent use.
package consumer

import (
	"errors"
	"time"

	"github.com/jittakal/kafreceiver/pkg/record"
)

// ErrWakeup is returned by Poll when a concurrent Wakeup interrupted it.
// The runtime treats it as an empty poll result.
var ErrWakeup = errors.New("consumer: poll interrupted by wakeup")

// Offsets maps partitions to next-read positions, i.e. the offset of the
// last seen record plus one.
type Offsets map[record.TopicPartition]int64

// RebalanceListener receives partition assignment changes. Both callbacks
// are invoked on the goroutine that called Poll.
type RebalanceListener interface {
	OnPartitionsAssigned(partitions []record.TopicPartition)
	OnPartitionsRevoked(partitions []record.TopicPartition)
}

// CommitCallback reports the outcome of an asynchronous commit. It is
// invoked on the goroutine that calls Poll, some time after CommitAsync
// returned.
type CommitCallback func(offsets Offsets, err error)

// Client is the consumer-side surface the receiver runtime requires from a
// Kafka driver.
//
// All methods except Wakeup must be called from a single goroutine. Wakeup
// may be called from any goroutine and unblocks an in-progress Poll, which
// then returns ErrWakeup.
type Client interface {
	// Subscribe joins the consumer group for the given topics. The listener
	// is notified of assignment changes during subsequent Poll calls.
	Subscribe(topics []string, listener RebalanceListener) error

	// Poll blocks up to timeout waiting for records. It also drives
	// delivery of rebalance notifications and async commit callbacks.
	Poll(timeout time.Duration) ([]record.Record, error)

	// Pause stops record delivery for the given partitions until Resume.
	Pause(partitions []record.TopicPartition)

	// Resume re-enables record delivery for the given partitions.
	Resume(partitions []record.TopicPartition)

	// Assignment returns the partitions currently assigned to this member.
	Assignment() []record.TopicPartition

	// Paused returns the currently paused partitions.
	Paused() []record.TopicPartition

	// CommitAsync initiates a commit of the given offsets. done is invoked
	// from a later Poll with the committed offsets or an error. A non-nil
	// return means the commit could not be initiated and done will not be
	// called.
	CommitAsync(offsets Offsets, done CommitCallback) error

	// CommitSync commits the given offsets and blocks until the broker
	// acknowledges them.
	CommitSync(offsets Offsets) error

	// Wakeup unblocks an in-progress Poll. Safe from any goroutine.
	Wakeup()

	// Close leaves the group and releases resources, waiting up to timeout.
	Close(timeout time.Duration) error
}
