package receiver

import (
	"sync"

	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// commitWaiter is a one-shot completion handed out to Offset.Commit
// callers. It resolves exactly once with the outcome of the flush that
// carried its offset.
type commitWaiter struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newCommitWaiter() *commitWaiter {
	return &commitWaiter{done: make(chan struct{})}
}

func (w *commitWaiter) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// commitArgs is the snapshot drained from the batch for one commit
// attempt: the next-read position per partition, the number of
// acknowledgements that contributed per partition (needed to restore on
// failure), and the waiters riding on this flush.
type commitArgs struct {
	offsets consumer.Offsets
	counts  map[record.TopicPartition]int
	waiters []*commitWaiter
}

func (a commitArgs) empty() bool {
	return len(a.offsets) == 0
}

// committableBatch accumulates the highest acknowledged offset per
// partition between flushes. All methods are safe for concurrent use;
// downstream consumers acknowledge from arbitrary goroutines while the
// consumer thread drains.
type committableBatch struct {
	mu            sync.Mutex
	latestOffsets map[record.TopicPartition]int64
	pendingCounts map[record.TopicPartition]int
	uncommitted   map[record.TopicPartition]map[int64]struct{}
	deferred      int
	waiters       []*commitWaiter
	trackDeferred bool
}

func newCommittableBatch(trackDeferred bool) *committableBatch {
	return &committableBatch{
		latestOffsets: make(map[record.TopicPartition]int64),
		pendingCounts: make(map[record.TopicPartition]int),
		uncommitted:   make(map[record.TopicPartition]map[int64]struct{}),
		trackDeferred: trackDeferred,
	}
}

// updateOffset raises the partition's pending offset to at least offset and
// returns the total number of pending acknowledgements across all
// partitions.
func (b *committableBatch) updateOffset(tp record.TopicPartition, offset int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.latestOffsets[tp]; !ok || offset > cur {
		b.latestOffsets[tp] = offset
	}
	b.pendingCounts[tp]++

	total := 0
	for _, n := range b.pendingCounts {
		total += n
	}
	return total
}

// batchSize returns the number of acknowledgements since the last drain.
func (b *committableBatch) batchSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, n := range b.pendingCounts {
		total += n
	}
	return total
}

// deferredCount returns the number of polled records not yet acknowledged.
// Always zero unless deferred-commit tracking is enabled.
func (b *committableBatch) deferredCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deferred
}

// addUncommitted records polled offsets awaiting acknowledgement.
func (b *committableBatch) addUncommitted(records []record.Record) {
	if !b.trackDeferred {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range records {
		set := b.uncommitted[r.TopicPartition]
		if set == nil {
			set = make(map[int64]struct{})
			b.uncommitted[r.TopicPartition] = set
		}
		if _, ok := set[r.Offset]; !ok {
			set[r.Offset] = struct{}{}
			b.deferred++
		}
	}
}

// removeUncommitted clears a now-acknowledged offset.
func (b *committableBatch) removeUncommitted(tp record.TopicPartition, offset int64) {
	if !b.trackDeferred {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.uncommitted[tp]
	if !ok {
		return
	}
	if _, ok := set[offset]; !ok {
		return
	}
	delete(set, offset)
	b.deferred--
	if len(set) == 0 {
		delete(b.uncommitted, tp)
	}
}

// addWaiter appends a Commit caller to the FIFO waiter queue.
func (b *committableBatch) addWaiter(w *commitWaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waiters = append(b.waiters, w)
}

// removeWaiter drops a cancelled waiter. It is a no-op when the waiter has
// already been drained into an in-flight commit.
func (b *committableBatch) removeWaiter(w *commitWaiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, queued := range b.waiters {
		if queued == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// drainWaiters removes and returns every queued waiter.
func (b *committableBatch) drainWaiters() []*commitWaiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	waiters := b.waiters
	b.waiters = nil
	return waiters
}

// getAndClearOffsets atomically snapshots the pending offsets as next-read
// positions, the contribution counts, and the waiters, then resets all
// three. An empty commitArgs is returned when nothing is pending.
func (b *committableBatch) getAndClearOffsets() commitArgs {
	b.mu.Lock()
	defer b.mu.Unlock()

	args := commitArgs{
		offsets: make(consumer.Offsets, len(b.latestOffsets)),
		counts:  b.pendingCounts,
		waiters: b.waiters,
	}
	for tp, offset := range b.latestOffsets {
		args.offsets[tp] = offset + 1
	}

	b.latestOffsets = make(map[record.TopicPartition]int64)
	b.pendingCounts = make(map[record.TopicPartition]int)
	b.waiters = nil
	return args
}

// restoreOffsets merges a failed commit's snapshot back into the batch.
// Offsets acknowledged since the drain win over the snapshot. Waiters are
// re-queued at the head so they resolve with the retried flush, unless the
// failure already resolved them.
func (b *committableBatch) restoreOffsets(args commitArgs, restoreWaiters bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tp, next := range args.offsets {
		offset := next - 1
		if cur, ok := b.latestOffsets[tp]; !ok || offset > cur {
			b.latestOffsets[tp] = offset
		}
	}
	for tp, n := range args.counts {
		b.pendingCounts[tp] += n
	}
	if restoreWaiters && len(args.waiters) > 0 {
		waiters := make([]*commitWaiter, 0, len(args.waiters)+len(b.waiters))
		waiters = append(waiters, args.waiters...)
		b.waiters = append(waiters, b.waiters...)
	}
}

// onPartitionsRevoked drops pending state for the revoked partitions.
// Acknowledged-but-uncommitted offsets for them are discarded. Queued
// waiters stay registered and resolve with the next flush; the event loop
// forces that flush before invoking this.
func (b *committableBatch) onPartitionsRevoked(partitions []record.TopicPartition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, tp := range partitions {
		delete(b.latestOffsets, tp)
		delete(b.pendingCounts, tp)
		if set, ok := b.uncommitted[tp]; ok {
			b.deferred -= len(set)
			delete(b.uncommitted, tp)
		}
	}
}

// supersede drops the partition's pending offset when next, a next-read
// position the broker already holds, is at or beyond the pending offset's
// own next-read position (offset + 1). Reports whether anything was dropped.
func (b *committableBatch) supersede(tp record.TopicPartition, next int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.latestOffsets[tp]
	if !ok || next < cur+1 {
		return false
	}
	delete(b.latestOffsets, tp)
	delete(b.pendingCounts, tp)
	return true
}
