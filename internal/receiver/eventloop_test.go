package receiver

import (
	"context"
	"errors"
	"testing"
	"time"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
	"github.com/jittakal/kafreceiver/pkg/receiver"
	"github.com/jittakal/kafreceiver/pkg/record"
)

const waitDeadline = 5 * time.Second

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPartition(partition int32) record.TopicPartition {
	return record.TopicPartition{Topic: "events", Partition: partition}
}

func testRecords(partition int32, from, to int64) []record.Record {
	records := make([]record.Record, 0, to-from+1)
	for offset := from; offset <= to; offset++ {
		records = append(records, record.Record{
			TopicPartition: testPartition(partition),
			Offset:         offset,
			Value:          []byte("payload"),
		})
	}
	return records
}

func testSettings(mode receiver.AckMode, strategy receiver.CommitStrategy) receiver.Settings {
	return receiver.Settings{
		PollTimeout:         10 * time.Millisecond,
		CommitStrategy:      strategy,
		CommitRetryInterval: 10 * time.Millisecond,
		MaxCommitAttempts:   10,
		CloseTimeout:        2 * time.Second,
		AckMode:             mode,
	}
}

func startReceiver(t *testing.T, client *mockClient, settings receiver.Settings) (*KafkaReceiver, <-chan receiver.Batch, <-chan error, context.CancelFunc) {
	t.Helper()

	rcv := New(client, "test-group", []string{"events"}, settings, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	batches, errs, err := rcv.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-rcv.closed:
		case <-time.After(waitDeadline):
			t.Errorf("receiver did not close")
		}
	})
	return rcv, batches, errs, cancel
}

func TestReceive_HappyPathCommitByTime(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 9)...)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(50*time.Millisecond))
	rcv, batches, errs, cancel := startReceiver(t, client, settings)

	batch := <-batches
	if got, want := len(batch), 10; got != want {
		t.Fatalf("len(batch) = %d, want %d", got, want)
	}
	for i, msg := range batch {
		if got, want := msg.Record.Offset, int64(i); got != want {
			t.Errorf("batch[%d].Offset = %d, want %d", i, got, want)
		}
		msg.Offset.Acknowledge()
	}

	waitUntil(t, "committed offset to reach 10", func() bool {
		return client.committedNext(testPartition(0)) == 10
	})

	cancel()
	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}

	if _, ok := <-batches; ok {
		t.Error("batch channel still open after close")
	}
	if err, ok := <-errs; ok && err != nil {
		t.Errorf("unexpected terminal error: %v", err)
	}
	if !client.isClosed() {
		t.Error("client was not closed")
	}
}

func TestReceive_BackpressurePausesAndResumes(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 4)...)
	client.enqueue(testRecords(0, 5, 9)...)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	_, batches, _, _ := startReceiver(t, client, settings)

	// Nobody is receiving yet: the first batch is stuck in a blocking
	// send, so the loop must pause the assignment.
	waitUntil(t, "assignment to pause", client.allPaused)

	var offsets []int64
	for batch := range batches {
		for _, msg := range batch {
			offsets = append(offsets, msg.Record.Offset)
			msg.Offset.Acknowledge()
		}
		if len(offsets) >= 10 {
			break
		}
	}

	for i, offset := range offsets {
		if offset != int64(i) {
			t.Fatalf("offsets[%d] = %d, want %d (records reordered or dropped)", i, offset, i)
		}
	}

	waitUntil(t, "assignment to resume", func() bool {
		return len(client.pausedSet()) == 0
	})
}

func TestReceive_RetryableCommitFailure(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 2)...)
	client.scriptAsyncOutcomes(
		kaferrors.ErrConnectionLost,
		kaferrors.ErrConnectionLost,
		kaferrors.ErrConnectionLost,
	)

	settings := testSettings(receiver.AckModeManual, receiver.CommitBySizeOrTime(1, 25*time.Millisecond))
	rcv, batches, _, _ := startReceiver(t, client, settings)

	batch := <-batches
	for _, msg := range batch {
		msg.Offset.Acknowledge()
	}

	waitUntil(t, "commit to succeed after retries", func() bool {
		return client.committedNext(testPartition(0)) == 3
	})
	waitUntil(t, "retry state to clear", func() bool {
		return !rcv.loop.retrying.Load() && rcv.loop.commitFailures.Load() == 0
	})
}

func TestReceive_NonRetryableCommitRejectsWaiter(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 0)...)
	client.enqueue(testRecords(0, 1, 1)...)

	commitErr := errors.New("offsets metadata too large")
	client.scriptAsyncOutcomes(commitErr)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	_, batches, _, _ := startReceiver(t, client, settings)

	first := <-batches
	if err := first[0].Offset.Commit(context.Background()); !errors.Is(err, commitErr) {
		t.Fatalf("Commit() error = %v, want %v", err, commitErr)
	}

	// The stream stays open; a later commit succeeds and carries the
	// restored offset along.
	second := <-batches
	if err := second[0].Offset.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() after failure error = %v", err)
	}

	if got, want := client.committedNext(testPartition(0)), int64(2); got != want {
		t.Errorf("committed offset = %d, want %d", got, want)
	}
}

func TestReceive_UserPauseSurvivesRebalance(t *testing.T) {
	tp0, tp1, tp2 := testPartition(0), testPartition(1), testPartition(2)

	client := newMockClient(tp0, tp1)
	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, _, _, _ := startReceiver(t, client, settings)

	rcv.Pause(tp0)
	waitUntil(t, "user pause to apply", func() bool {
		_, ok := client.pausedSet()[tp0]
		return ok
	})

	client.fireRevoked(tp0, tp1)
	client.fireAssigned(tp0, tp2)

	waitUntil(t, "partition 0 to be re-paused", func() bool {
		_, ok := client.pausedSet()[tp0]
		return ok
	})
	if _, ok := client.pausedSet()[tp2]; ok {
		t.Error("partition 2 paused without backpressure")
	}

	// Revoking the user-paused partition for good forgets it.
	client.fireRevoked(tp0, tp2)
	client.fireAssigned(tp2)
	waitUntil(t, "rebalance events to be delivered", client.eventsDrained)
	waitUntil(t, "paused set to clear", func() bool {
		return len(client.pausedSet()) == 0
	})

	// If partition 0 were still tracked as user-paused, re-assigning it
	// would pause it again.
	client.fireAssigned(tp0, tp2)
	waitUntil(t, "rebalance events to be delivered", client.eventsDrained)
	time.Sleep(20 * time.Millisecond)
	if _, ok := client.pausedSet()[tp0]; ok {
		t.Error("partition 0 still user-paused after being revoked")
	}
}

func TestReceive_AtMostOnceCommitsBeforeDelivery(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 4)...)

	settings := testSettings(receiver.AckModeAtMostOnce, receiver.CommitStrategy{})
	rcv, batches, errs, cancel := startReceiver(t, client, settings)

	batch := <-batches
	if got, want := client.committedNext(testPartition(0)), int64(5); got != want {
		t.Fatalf("committed offset at delivery = %d, want %d", got, want)
	}
	if got, want := client.syncCommitCount(), 1; got != want {
		t.Fatalf("sync commits = %d, want %d", got, want)
	}

	// Acknowledgements after delivery must not trigger a second commit of
	// offsets the pre-delivery commit already covered.
	for _, msg := range batch {
		msg.Offset.Acknowledge()
	}

	cancel()
	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}

	if got, want := client.syncCommitCount(), 1; got != want {
		t.Errorf("sync commits after close = %d, want %d", got, want)
	}
	if err, ok := <-errs; ok && err != nil {
		t.Errorf("unexpected terminal error: %v", err)
	}
}

func TestReceive_AtMostOnceCommitFailureIsFatal(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 0)...)
	commitErr := errors.New("commit refused")
	client.scriptSyncOutcomes(commitErr)

	settings := testSettings(receiver.AckModeAtMostOnce, receiver.CommitStrategy{})
	rcv, batches, errs, _ := startReceiver(t, client, settings)

	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}

	if batch, ok := <-batches; ok {
		t.Fatalf("received batch of %d records after failed pre-delivery commit", len(batch))
	}
	if err := <-errs; !errors.Is(err, commitErr) {
		t.Errorf("terminal error = %v, want %v", err, commitErr)
	}
}

func TestReceive_AwaitTransactionPausesAndResumes(t *testing.T) {
	tp0, tp1 := testPartition(0), testPartition(1)

	client := newMockClient(tp0, tp1)
	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, _, _, _ := startReceiver(t, client, settings)

	rcv.Pause(tp1)
	waitUntil(t, "user pause to apply", func() bool {
		_, ok := client.pausedSet()[tp1]
		return ok
	})

	rcv.AwaitTransaction(true)
	waitUntil(t, "assignment to pause for transaction", client.allPaused)

	rcv.AwaitTransaction(false)
	waitUntil(t, "resume to skip the user-paused partition", func() bool {
		paused := client.pausedSet()
		_, p1 := paused[tp1]
		_, p0 := paused[tp0]
		return p1 && !p0
	})
}

func TestReceive_MaxDeferredCommitsStopsPolling(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 2)...)
	client.enqueue(testRecords(0, 3, 5)...)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	settings.MaxDeferredCommits = 3

	rcv, batches, _, _ := startReceiver(t, client, settings)

	first := <-batches
	if got, want := len(first), 3; got != want {
		t.Fatalf("len(first) = %d, want %d", got, want)
	}

	// All three records unacknowledged: the deferred gate closes and the
	// assignment pauses.
	waitUntil(t, "deferred gate to pause the assignment", client.allPaused)
	if got := rcv.loop.batch.deferredCount(); got != 3 {
		t.Fatalf("deferredCount() = %d, want 3", got)
	}

	for _, msg := range first {
		msg.Offset.Acknowledge()
	}

	second := <-batches
	if got, want := second[0].Record.Offset, int64(3); got != want {
		t.Errorf("second[0].Offset = %d, want %d", got, want)
	}
}

func TestReceive_AutoAckAcknowledgesConsumedBatches(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 4)...)
	client.enqueue(testRecords(0, 5, 9)...)

	settings := testSettings(receiver.AckModeAuto, receiver.CommitByTime(20*time.Millisecond))
	rcv, batches, _, cancel := startReceiver(t, client, settings)

	<-batches
	<-batches

	// Pulling the second batch acknowledged the first.
	waitUntil(t, "first batch to be committed", func() bool {
		return client.committedNext(testPartition(0)) == 5
	})

	cancel()
	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}

	// Shutdown acknowledges and flushes the final batch.
	if got, want := client.committedNext(testPartition(0)), int64(10); got != want {
		t.Errorf("committed offset after close = %d, want %d", got, want)
	}
}

func TestReceive_PollFailureIsFatal(t *testing.T) {
	client := newMockClient(testPartition(0))
	pollErr := errors.New("unexpected broker response")
	client.scriptPollError(pollErr)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, _, errs, _ := startReceiver(t, client, settings)

	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}
	if err := <-errs; !errors.Is(err, pollErr) {
		t.Errorf("terminal error = %v, want %v", err, pollErr)
	}
}

func TestReceive_SecondReceiveFails(t *testing.T) {
	client := newMockClient(testPartition(0))
	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, _, _, _ := startReceiver(t, client, settings)

	if _, _, err := rcv.Receive(context.Background()); !errors.Is(err, kaferrors.ErrAlreadyReceiving) {
		t.Errorf("second Receive() error = %v, want %v", err, kaferrors.ErrAlreadyReceiving)
	}
}

func TestReceive_CommitAfterCloseReturnsClosedError(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 0)...)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, batches, _, cancel := startReceiver(t, client, settings)

	batch := <-batches
	cancel()
	select {
	case <-rcv.closed:
	case <-time.After(waitDeadline):
		t.Fatal("receiver did not close")
	}

	if err := batch[0].Offset.Commit(context.Background()); !errors.Is(err, receiver.ErrReceiverClosed) {
		t.Errorf("Commit() after close = %v, want %v", err, receiver.ErrReceiverClosed)
	}
}

func TestOffset_AcknowledgeIsOneShot(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 0)...)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	rcv, batches, _, _ := startReceiver(t, client, settings)

	msg := (<-batches)[0]
	msg.Offset.Acknowledge()
	msg.Offset.Acknowledge()
	msg.Offset.Acknowledge()

	if got, want := rcv.loop.batch.batchSize(), 1; got != want {
		t.Errorf("batchSize() = %d, want %d", got, want)
	}

	// Commit after Acknowledge is a no-op and must not register a waiter.
	if err := msg.Offset.Commit(context.Background()); err != nil {
		t.Errorf("Commit() after Acknowledge = %v, want nil", err)
	}
	if got := len(rcv.loop.batch.drainWaiters()); got != 0 {
		t.Errorf("waiters = %d, want 0", got)
	}
}

func TestOffset_CommitCancellation(t *testing.T) {
	client := newMockClient(testPartition(0))
	client.enqueue(testRecords(0, 0, 0)...)
	// Keep the first flush failing so the waiter stays queued long enough
	// to cancel.
	client.scriptAsyncOutcomes(kaferrors.ErrConnectionLost, kaferrors.ErrConnectionLost)

	settings := testSettings(receiver.AckModeManual, receiver.CommitByTime(time.Hour))
	settings.CommitRetryInterval = 50 * time.Millisecond

	_, batches, _, _ := startReceiver(t, client, settings)
	msg := (<-batches)[0]

	ctx, cancelCommit := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- msg.Offset.Commit(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancelCommit()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Commit() = %v, want %v", err, context.Canceled)
		}
	case <-time.After(waitDeadline):
		t.Fatal("cancelled Commit did not return")
	}
}
