package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/receiver"
	"github.com/jittakal/kafreceiver/pkg/record"
)

const maxCloseAttempts = 3

// Ensure the loop can act as the driver's rebalance listener.
var _ consumer.RebalanceListener = (*eventLoop)(nil)

// eventLoop is the poll/pause/resume state machine bridging the
// thread-affine consumer client to the unbuffered batch channel.
//
// Every method that touches the client runs on the consumer thread, with
// two exceptions that are part of the client contract: Wakeup, and the
// blocking channel send performed by a sender goroutine while the loop
// keeps servicing commits.
type eventLoop struct {
	logger   *zap.Logger
	metrics  receiver.MetricsCollector
	settings receiver.Settings
	consumer consumer.Client
	thread   *consumerThread

	batch      *committableBatch
	atMostOnce *atMostOnceOffsets

	// records is the rendezvous hand-off to the downstream stream. errs
	// carries the terminal error, if any, and done signals shutdown.
	records      chan receiver.Batch
	errs         chan error
	done         chan struct{}
	commitSignal chan struct{}

	fatalMu  sync.Mutex
	fatalErr error

	isPolling           atomic.Bool
	isPaused            atomic.Bool
	scheduled           atomic.Bool
	commitPending       atomic.Bool
	asyncCommits        atomic.Int32
	commitFailures      atomic.Int32
	retrying            atomic.Bool
	awaitingTransaction atomic.Bool

	// pausedByUser holds partitions paused by the downstream user plus the
	// pause snapshot taken when backpressure pauses everything. Consumer
	// thread only.
	pausedByUser map[record.TopicPartition]struct{}

	senders sync.WaitGroup

	autoAckMu   sync.Mutex
	autoAckPrev receiver.Batch
}

func newEventLoop(
	client consumer.Client,
	settings receiver.Settings,
	thread *consumerThread,
	logger *zap.Logger,
	metrics receiver.MetricsCollector,
) *eventLoop {
	return &eventLoop{
		logger:       logger,
		metrics:      metrics,
		settings:     settings,
		consumer:     client,
		thread:       thread,
		batch:        newCommittableBatch(settings.MaxDeferredCommits > 0),
		atMostOnce:   newAtMostOnceOffsets(),
		records:      make(chan receiver.Batch),
		errs:         make(chan error, 1),
		done:         make(chan struct{}),
		commitSignal: make(chan struct{}),
		pausedByUser: make(map[record.TopicPartition]struct{}),
	}
}

// start subscribes and kicks off the poll cycle. Consumer thread.
func (e *eventLoop) start(topics []string) {
	if err := e.consumer.Subscribe(topics, e); err != nil {
		e.logger.Error("subscribe failed", zap.Strings("topics", topics), zap.Error(err))
		e.shutdown(&kaferrors.SubscribeError{Topics: topics, Err: err})
		return
	}
	e.logger.Info("subscribed", zap.Strings("topics", topics))
	e.isPolling.Store(true)
	e.schedulePoll()
}

func (e *eventLoop) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// shutdown ends the stream. The first caller wins; a later fatal error is
// routed to the log, the outer exception sink.
func (e *eventLoop) shutdown(err error) {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()

	select {
	case <-e.done:
		if err != nil {
			e.logger.Error("error after stream close", zap.Error(err))
		}
	default:
		e.fatalErr = err
		close(e.done)
	}
}

func (e *eventLoop) terminalError() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatalErr
}

// schedulePoll enqueues at most one poll task at a time. Any goroutine.
func (e *eventLoop) schedulePoll() {
	if !e.scheduled.CompareAndSwap(false, true) {
		return
	}
	e.thread.Schedule(func() {
		e.scheduled.Store(false)
		if !e.closed() {
			e.poll()
		}
	})
}

// scheduleCommitIfRequired enqueues a commit unless one is already pending
// or a failed commit is between retries. Any goroutine.
func (e *eventLoop) scheduleCommitIfRequired() {
	if e.retrying.Load() {
		return
	}
	if !e.commitPending.CompareAndSwap(false, true) {
		return
	}
	e.thread.Schedule(e.commit)
}

// runCommitIfRequired commits pending acknowledgements inline. force marks
// a commit pending regardless and overrides an in-progress retry cycle,
// which only the rebalance and shutdown paths do. Consumer thread.
func (e *eventLoop) runCommitIfRequired(force bool) {
	if force {
		e.retrying.Store(false)
		e.commitPending.Store(true)
	}
	if !e.retrying.Load() && e.commitPending.Load() {
		e.commit()
	}
}

// poll runs one cycle of the state machine. Consumer thread.
func (e *eventLoop) poll() {
	e.runCommitIfRequired(false)

	pauseForDeferred := e.settings.MaxDeferredCommits > 0 &&
		e.batch.deferredCount() >= e.settings.MaxDeferredCommits
	shouldPoll := e.isPolling.Load() && !pauseForDeferred && !e.retrying.Load()

	if shouldPoll && !e.awaitingTransaction.Load() {
		if e.isPaused.CompareAndSwap(true, false) {
			resume := e.resumeSet()
			e.pausedByUser = make(map[record.TopicPartition]struct{})
			e.consumer.Resume(resume)
			e.logger.Debug("resumed partitions", zap.Int("count", len(resume)))
			if e.metrics != nil {
				e.metrics.SetPartitionsPaused(float64(len(e.consumer.Paused())))
			}
		}
	} else {
		e.pauseAndWakeupIfNeeded()
	}

	records, err := e.consumer.Poll(e.settings.PollTimeout)
	if err != nil {
		if !errors.Is(err, consumer.ErrWakeup) {
			e.logger.Error("poll failed", zap.Error(err))
			e.shutdown(err)
			return
		}
		e.logger.Debug("poll woken up")
		records = nil
	}

	if len(records) == 0 {
		e.schedulePoll()
		return
	}

	if e.metrics != nil {
		e.countPolled(records)
	}
	if e.settings.MaxDeferredCommits > 0 {
		e.batch.addUncommitted(records)
	}
	if e.settings.AckMode == receiver.AckModeAtMostOnce && !e.commitAheadOfDelivery(records) {
		return
	}

	e.deliver(e.wrap(records))
}

// resumeSet is the current assignment minus the user-paused partitions.
func (e *eventLoop) resumeSet() []record.TopicPartition {
	assigned := e.consumer.Assignment()
	out := make([]record.TopicPartition, 0, len(assigned))
	for _, tp := range assigned {
		if _, ok := e.pausedByUser[tp]; !ok {
			out = append(out, tp)
		}
	}
	return out
}

// pauseAndWakeupIfNeeded pauses the whole assignment once per backpressure
// episode, remembering which partitions were already paused so the later
// resume does not undo user pauses. A fresh pause while a poll may be in
// flight wakes the consumer so the poll re-enters the state machine.
func (e *eventLoop) pauseAndWakeupIfNeeded() {
	fresh := e.isPaused.CompareAndSwap(false, true)
	if fresh {
		for _, tp := range e.consumer.Paused() {
			e.pausedByUser[tp] = struct{}{}
		}
		assigned := e.consumer.Assignment()
		e.consumer.Pause(assigned)
		e.logger.Debug("paused assigned partitions", zap.Int("count", len(assigned)))
		if e.metrics != nil {
			e.metrics.SetPartitionsPaused(float64(len(assigned)))
		}
	}
	if fresh && e.isPolling.Load() && !e.retrying.Load() {
		e.consumer.Wakeup()
	}
}

func (e *eventLoop) countPolled(records []record.Record) {
	perPartition := make(map[record.TopicPartition]int)
	for _, r := range records {
		perPartition[r.TopicPartition]++
	}
	for tp, n := range perPartition {
		e.metrics.IncRecordsPolled(tp.Topic, tp.Partition, n)
	}
}

// wrap attaches an offset handle to every record.
func (e *eventLoop) wrap(records []record.Record) receiver.Batch {
	batch := make(receiver.Batch, len(records))
	for i, r := range records {
		batch[i] = receiver.Message{
			Record: r,
			Offset: &committableOffset{tp: r.TopicPartition, offset: r.Offset, loop: e},
		}
	}
	return batch
}

// commitAheadOfDelivery synchronously commits the batch's offsets before
// any record reaches downstream. A failure here would break the at-most-once
// guarantee if delivery proceeded, so it ends the stream.
func (e *eventLoop) commitAheadOfDelivery(records []record.Record) bool {
	offsets := make(consumer.Offsets)
	for _, r := range records {
		if next := r.Offset + 1; next > offsets[r.TopicPartition] {
			offsets[r.TopicPartition] = next
		}
	}

	if err := e.consumer.CommitSync(offsets); err != nil {
		e.logger.Error("commit ahead of delivery failed", zap.Error(err))
		if e.metrics != nil {
			e.metrics.IncOffsetCommits("failure")
		}
		e.shutdown(err)
		return false
	}
	if e.metrics != nil {
		e.metrics.IncOffsetCommits("success")
	}
	e.atMostOnce.onCommit(offsets)
	return true
}

// deliver hands a batch downstream. If the downstream is not ready the
// loop stops polling and a sender goroutine performs the blocking send
// while the consumer thread keeps ticking to service wakeups and commits.
func (e *eventLoop) deliver(batch receiver.Batch) {
	if e.closed() {
		e.logger.Debug("dropping polled batch, stream closed", zap.Int("records", len(batch)))
		return
	}

	select {
	case e.records <- batch:
		e.delivered(batch)
		e.schedulePoll()
	default:
		e.isPolling.Store(false)
		e.logger.Debug("downstream not ready, entering backpressure", zap.Int("records", len(batch)))
		e.senders.Add(1)
		go e.blockingSend(batch)
		e.schedulePoll()
	}
}

// blockingSend completes a backpressured hand-off off the consumer thread.
func (e *eventLoop) blockingSend(batch receiver.Batch) {
	defer e.senders.Done()

	select {
	case e.records <- batch:
		e.delivered(batch)
		if e.isPaused.Load() {
			e.consumer.Wakeup()
		}
		e.isPolling.Store(true)
		e.logger.Debug("downstream caught up, leaving backpressure")
		e.schedulePoll()
	case <-e.done:
		e.logger.Debug("dropping in-flight batch, stream closed", zap.Int("records", len(batch)))
	}
}

// delivered records a successful hand-off. In auto mode the previous batch
// is acknowledged now: the downstream asking for a new batch means it is
// done with the last one.
func (e *eventLoop) delivered(batch receiver.Batch) {
	if e.metrics != nil {
		e.metrics.IncBatchesDelivered()
	}
	if e.settings.AckMode != receiver.AckModeAuto {
		return
	}

	e.autoAckMu.Lock()
	prev := e.autoAckPrev
	e.autoAckPrev = batch
	e.autoAckMu.Unlock()
	for _, m := range prev {
		m.Offset.Acknowledge()
	}
}

// finalAutoAck acknowledges the last delivered batch during shutdown.
func (e *eventLoop) finalAutoAck() {
	if e.settings.AckMode != receiver.AckModeAuto {
		return
	}

	e.autoAckMu.Lock()
	prev := e.autoAckPrev
	e.autoAckPrev = nil
	e.autoAckMu.Unlock()
	for _, m := range prev {
		m.Offset.Acknowledge()
	}
}

// acknowledge is the Offset.Acknowledge entry point. Any goroutine.
func (e *eventLoop) acknowledge(tp record.TopicPartition, offset int64) {
	e.batch.removeUncommitted(tp, offset)
	total := e.batch.updateOffset(tp, offset)

	if size := e.settings.CommitStrategy.Size; size >= 1 && total >= size {
		select {
		case e.commitSignal <- struct{}{}:
		default:
		}
	}
}

// commitOffset is the Offset.Commit entry point. Any goroutine.
func (e *eventLoop) commitOffset(ctx context.Context, tp record.TopicPartition, offset int64) error {
	if e.closed() {
		return receiver.ErrReceiverClosed
	}

	e.batch.removeUncommitted(tp, offset)
	e.batch.updateOffset(tp, offset)

	w := newCommitWaiter()
	e.batch.addWaiter(w)
	e.scheduleCommitIfRequired()

	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		e.batch.removeWaiter(w)
		return ctx.Err()
	}
}

// commit flushes pending acknowledgements. Consumer thread.
func (e *eventLoop) commit() {
	e.commitWith(false)
}

func (e *eventLoop) commitWith(forceSync bool) {
	if !e.commitPending.CompareAndSwap(true, false) {
		return
	}

	args := e.batch.getAndClearOffsets()
	if args.empty() {
		e.commitSuccess(args, nil)
		return
	}

	e.logger.Debug("committing offsets",
		zap.Int("partitions", len(args.offsets)),
		zap.Int("waiters", len(args.waiters)),
	)

	switch {
	case e.settings.AckMode == receiver.AckModeExactlyOnce:
		// Offsets ride on the producer transaction; resolve waiters so
		// nothing hangs on a commit that will never run here.
		e.commitSuccess(args, nil)
	case forceSync || e.settings.AckMode == receiver.AckModeAtMostOnce:
		e.commitSync(args)
	default:
		e.commitAsync(args)
	}
}

func (e *eventLoop) commitAsync(args commitArgs) {
	e.asyncCommits.Add(1)
	start := time.Now()

	err := e.consumer.CommitAsync(args.offsets, func(offsets consumer.Offsets, err error) {
		e.asyncCommits.Add(-1)
		if e.metrics != nil {
			e.metrics.ObserveCommitLatency(time.Since(start).Seconds())
		}
		if err != nil {
			e.commitFailure(args, err)
			return
		}
		e.commitSuccess(args, offsets)
	})
	if err != nil {
		e.asyncCommits.Add(-1)
		e.commitFailure(args, err)
		return
	}

	// The client delivers async commit callbacks from poll.
	e.poll()
}

func (e *eventLoop) commitSync(args commitArgs) {
	start := time.Now()
	err := e.consumer.CommitSync(args.offsets)
	if e.metrics != nil {
		e.metrics.ObserveCommitLatency(time.Since(start).Seconds())
	}
	if err != nil {
		e.commitFailure(args, err)
		return
	}

	e.commitSuccess(args, args.offsets)
	if e.settings.AckMode == receiver.AckModeAtMostOnce {
		e.atMostOnce.onCommit(args.offsets)
	}
}

func (e *eventLoop) commitSuccess(args commitArgs, offsets consumer.Offsets) {
	if len(offsets) > 0 {
		e.commitFailures.Store(0)
		e.logger.Debug("commit succeeded", zap.Int("partitions", len(offsets)))
		if e.metrics != nil {
			e.metrics.IncOffsetCommits("success")
		}
	}
	if e.retrying.CompareAndSwap(true, false) {
		e.poll()
	}
	for _, w := range args.waiters {
		w.complete(nil)
	}
}

// commitFailure retries transient failures while the attempt budget lasts;
// anything else is surfaced, to the waiters when there are any, otherwise
// to the stream.
func (e *eventLoop) commitFailure(args commitArgs, err error) {
	attempts := int(e.commitFailures.Add(1))
	if e.metrics != nil {
		e.metrics.IncOffsetCommits("failure")
	}

	if e.isRetryable(err) && attempts < e.settings.MaxCommitAttempts {
		e.logger.Warn("commit failed, scheduling retry",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", e.settings.MaxCommitAttempts),
			zap.Error(err),
		)
		if e.metrics != nil {
			e.metrics.IncCommitRetries()
		}
		e.batch.restoreOffsets(args, true)
		e.commitPending.Store(true)
		e.retrying.Store(true)
		e.poll()
		time.AfterFunc(e.settings.CommitRetryInterval, func() {
			e.thread.Schedule(e.commit)
		})
		return
	}

	e.retrying.Store(false)

	if len(args.waiters) == 0 {
		e.logger.Error("commit failed with no waiters, closing stream",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		e.shutdown(&kaferrors.CommitError{Offsets: args.offsets, Attempts: attempts, Err: err})
		return
	}

	e.logger.Warn("commit failed, rejecting waiters",
		zap.Int("attempts", attempts),
		zap.Int("waiters", len(args.waiters)),
		zap.Error(err),
	)
	e.batch.restoreOffsets(args, false)
	e.commitPending.Store(false)
	for _, w := range args.waiters {
		w.complete(err)
	}
}

func (e *eventLoop) isRetryable(err error) bool {
	if e.settings.IsRetryable != nil {
		return e.settings.IsRetryable(err)
	}
	return kaferrors.IsRetryable(err)
}

// OnPartitionsAssigned re-establishes pause state on newly assigned
// partitions: everything while backpressure is active, otherwise only the
// partitions the user paused that are still assigned. Consumer thread.
func (e *eventLoop) OnPartitionsAssigned(partitions []record.TopicPartition) {
	e.logger.Debug("partitions assigned", zap.Int("count", len(partitions)))
	if e.metrics != nil {
		e.metrics.IncRebalances()
	}

	if e.isPaused.Load() {
		if len(partitions) > 0 {
			e.consumer.Pause(partitions)
		}
		return
	}
	if len(e.pausedByUser) == 0 {
		return
	}

	assigned := make(map[record.TopicPartition]struct{}, len(partitions))
	for _, tp := range partitions {
		assigned[tp] = struct{}{}
	}
	if repause := e.partitionsToRepause(assigned); len(repause) > 0 {
		e.consumer.Pause(repause)
		e.logger.Debug("re-paused user-paused partitions", zap.Int("count", len(repause)))
	}
}

// partitionsToRepause walks a snapshot of the user-paused set, pruning
// partitions that are no longer assigned.
func (e *eventLoop) partitionsToRepause(assigned map[record.TopicPartition]struct{}) []record.TopicPartition {
	snapshot := make([]record.TopicPartition, 0, len(e.pausedByUser))
	for tp := range e.pausedByUser {
		snapshot = append(snapshot, tp)
	}

	repause := make([]record.TopicPartition, 0, len(snapshot))
	for _, tp := range snapshot {
		if _, ok := assigned[tp]; ok {
			repause = append(repause, tp)
		} else {
			delete(e.pausedByUser, tp)
		}
	}
	return repause
}

// OnPartitionsRevoked commits pending acknowledgements synchronously while
// the partitions are still owned, then drops their state. Consumer thread.
func (e *eventLoop) OnPartitionsRevoked(partitions []record.TopicPartition) {
	e.logger.Debug("partitions revoked", zap.Int("count", len(partitions)))

	if e.settings.AckMode != receiver.AckModeAtMostOnce && len(partitions) > 0 {
		e.retrying.Store(false)
		e.commitPending.Store(true)
		e.commitWith(true)
	}
	e.batch.onPartitionsRevoked(partitions)
}

// userPause suspends delivery for the given partitions until userResume.
func (e *eventLoop) userPause(partitions []record.TopicPartition) {
	e.thread.Schedule(func() {
		for _, tp := range partitions {
			e.pausedByUser[tp] = struct{}{}
		}
		e.consumer.Pause(partitions)
		e.logger.Debug("user paused partitions", zap.Int("count", len(partitions)))
	})
}

func (e *eventLoop) userResume(partitions []record.TopicPartition) {
	e.thread.Schedule(func() {
		for _, tp := range partitions {
			delete(e.pausedByUser, tp)
		}
		e.consumer.Resume(partitions)
		e.logger.Debug("user resumed partitions", zap.Int("count", len(partitions)))
	})
}

// awaitTransaction flips the transaction gate and nudges the loop so the
// pause or resume takes effect on the next cycle.
func (e *eventLoop) awaitTransaction(awaiting bool) {
	if e.awaitingTransaction.Swap(awaiting) == awaiting {
		return
	}
	e.consumer.Wakeup()
	e.schedulePoll()
}

// close runs the shutdown sequence: flush pending acknowledgements, drive
// outstanding async commits to completion, close the client. A wakeup
// racing the close restarts the sequence a bounded number of times.
// Consumer thread.
func (e *eventLoop) close() error {
	deadline := time.Now().Add(e.settings.CloseTimeout)

	for attempts := maxCloseAttempts; ; attempts-- {
		err := e.closeAttempt(deadline)
		if err != nil && errors.Is(err, consumer.ErrWakeup) && attempts > 1 {
			e.logger.Debug("wakeup during close, retrying", zap.Int("attempts_left", attempts-1))
			continue
		}
		return err
	}
}

func (e *eventLoop) closeAttempt(deadline time.Time) error {
	forceCommit := true
	if e.settings.AckMode == receiver.AckModeAtMostOnce {
		forceCommit = e.atMostOnce.undoCommitAhead(e.batch)
	}

	if e.settings.AckMode != receiver.AckModeExactlyOnce {
		e.runCommitIfRequired(forceCommit)

		for e.asyncCommits.Load() > 0 && time.Now().Before(deadline) {
			if _, err := e.consumer.Poll(time.Millisecond); err != nil {
				if errors.Is(err, consumer.ErrWakeup) {
					return err
				}
				e.logger.Warn("poll failed while draining async commits", zap.Error(err))
				break
			}
		}
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	return e.consumer.Close(remaining)
}
