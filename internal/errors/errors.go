// Package errors defines receiver-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/jittakal/kafreceiver/pkg/record"
)

// Sentinel errors for common conditions.
var (
	ErrReceiverClosed    = errors.New("receiver is closed")
	ErrAlreadyReceiving  = errors.New("receiver is already receiving")
	ErrConnectionLost    = errors.New("connection lost")
	ErrRebalanceInFlight = errors.New("rebalance in flight")
	ErrCoordinatorMoved  = errors.New("group coordinator moved")
)

// ConfigError reports an unsupported or inconsistent configuration value.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unsupported %s: %q", e.Field, e.Value)
}

// SubscribeError represents a subscription failure. It is fatal to the
// stream.
type SubscribeError struct {
	Topics []string
	Err    error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe error: topics=%v: %v", e.Topics, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}

// CommitError represents an offset commit failure.
type CommitError struct {
	Offsets   map[record.TopicPartition]int64
	Attempts  int
	Retryable bool
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit error: partitions=%d attempts=%d: %v",
		len(e.Offsets), e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a CommitError should be retried.
func (e *CommitError) IsRetryable() bool {
	return e.Retryable
}

// Retryable defines an interface for errors that can indicate if they are
// retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// It first checks if the error implements the Retryable interface, then
// falls back to checking sentinel errors that correspond to transient
// broker conditions.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrRebalanceInFlight) ||
		errors.Is(err, ErrCoordinatorMoved)
}
