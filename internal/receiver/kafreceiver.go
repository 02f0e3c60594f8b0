package receiver

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/receiver"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// Ensure implementation satisfies interface at compile time.
var _ receiver.Receiver = (*KafkaReceiver)(nil)

// KafkaReceiver assembles the event loop, its consumer thread and the
// commit scheduler into the public Receiver surface.
type KafkaReceiver struct {
	loop      *eventLoop
	scheduler *commitScheduler
	topics    []string
	started   atomic.Bool

	// closed signals that teardown has finished and both channels are
	// closed.
	closed chan struct{}
}

// New creates a receiver for the given subscription. The client must be
// unused; the receiver owns it from here on. A nil logger disables logging
// and a nil metrics collector disables metrics.
func New(
	client consumer.Client,
	groupID string,
	topics []string,
	settings receiver.Settings,
	logger *zap.Logger,
	metrics receiver.MetricsCollector,
) *KafkaReceiver {
	settings = withDefaults(settings)
	if logger == nil {
		logger = zap.NewNop()
	}

	thread := newConsumerThread(groupID, logger)
	logger = logger.With(zap.String("thread", thread.name))

	loop := newEventLoop(client, settings, thread, logger, metrics)
	return &KafkaReceiver{
		loop:      loop,
		scheduler: newCommitScheduler(loop, settings.CommitStrategy, logger),
		topics:    topics,
		closed:    make(chan struct{}),
	}
}

func withDefaults(s receiver.Settings) receiver.Settings {
	if s.PollTimeout <= 0 {
		s.PollTimeout = 100 * time.Millisecond
	}
	if s.CommitRetryInterval <= 0 {
		s.CommitRetryInterval = 500 * time.Millisecond
	}
	if s.MaxCommitAttempts <= 0 {
		s.MaxCommitAttempts = 100
	}
	if s.CloseTimeout <= 0 {
		s.CloseTimeout = time.Minute
	}
	return s
}

// Receive starts the subscription. The stream ends when ctx is cancelled
// or a fatal error occurs; either way the shutdown commit runs, both
// channels close, and pending commit waiters resolve.
func (r *KafkaReceiver) Receive(ctx context.Context) (<-chan receiver.Batch, <-chan error, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, nil, kaferrors.ErrAlreadyReceiving
	}

	e := r.loop
	e.thread.Start()
	topics := r.topics
	e.thread.Schedule(func() {
		e.start(topics)
	})

	if schedulerActive(e.settings) {
		go r.scheduler.run(e.done, e.commitSignal)
	}

	go func() {
		select {
		case <-ctx.Done():
			e.shutdown(nil)
		case <-e.done:
		}
		r.teardown()
	}()

	return e.records, e.errs, nil
}

func schedulerActive(s receiver.Settings) bool {
	if s.AckMode != receiver.AckModeManual && s.AckMode != receiver.AckModeAuto {
		return false
	}
	return s.CommitStrategy.Size >= 1 || s.CommitStrategy.Interval > 0
}

// teardown runs once the stream is ending: wake the consumer, run the
// shutdown sequence on its thread, then release downstream.
func (r *KafkaReceiver) teardown() {
	e := r.loop

	e.consumer.Wakeup()
	e.finalAutoAck()

	closeDone := make(chan error, 1)
	e.thread.Schedule(func() {
		closeDone <- e.close()
	})
	if err := <-closeDone; err != nil {
		e.logger.Error("consumer close failed", zap.Error(err))
	}

	// Senders unblock via the done channel; wait for them before closing
	// the records channel.
	e.senders.Wait()

	for _, w := range e.batch.drainWaiters() {
		w.complete(receiver.ErrReceiverClosed)
	}

	close(e.records)
	if err := e.terminalError(); err != nil {
		e.errs <- err
	}
	close(e.errs)

	e.thread.Stop()
	e.logger.Info("receiver closed")
	close(r.closed)
}

// Pause suspends delivery for the given partitions across rebalances.
func (r *KafkaReceiver) Pause(partitions ...record.TopicPartition) {
	r.loop.userPause(partitions)
}

// Resume re-enables delivery for the given partitions.
func (r *KafkaReceiver) Resume(partitions ...record.TopicPartition) {
	r.loop.userResume(partitions)
}

// AwaitTransaction pauses all consumption while a transaction is in
// flight.
func (r *KafkaReceiver) AwaitTransaction(awaiting bool) {
	r.loop.awaitTransaction(awaiting)
}
