package receiver

import (
	"sync"
	"time"

	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// mockClient is a scripted in-memory implementation of the consumer-client
// contract. Poll results are queued ahead of time; rebalance notifications
// and async commit completions are delivered from Poll, like the real
// bindings do.
type mockClient struct {
	mu sync.Mutex

	queue    [][]record.Record
	pending  []func()
	listener consumer.RebalanceListener

	assignment map[record.TopicPartition]struct{}
	paused     map[record.TopicPartition]struct{}

	committed     map[record.TopicPartition]int64
	syncCommits   int
	asyncCommits  int
	asyncOutcomes []error
	syncOutcomes  []error
	pollErrs      []error

	subscribed []string
	closed     bool

	wakeups chan struct{}
}

func newMockClient(assigned ...record.TopicPartition) *mockClient {
	m := &mockClient{
		assignment: make(map[record.TopicPartition]struct{}),
		paused:     make(map[record.TopicPartition]struct{}),
		committed:  make(map[record.TopicPartition]int64),
		wakeups:    make(chan struct{}, 1),
	}
	for _, tp := range assigned {
		m.assignment[tp] = struct{}{}
	}
	return m
}

// enqueue scripts one poll result.
func (m *mockClient) enqueue(records ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, records)
}

// queueEvent schedules a callback for delivery from the next Poll.
func (m *mockClient) queueEvent(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, fn)
}

// fireAssigned delivers an assignment notification on the next Poll.
func (m *mockClient) fireAssigned(partitions ...record.TopicPartition) {
	m.mu.Lock()
	for _, tp := range partitions {
		m.assignment[tp] = struct{}{}
	}
	listener := m.listener
	m.mu.Unlock()

	m.queueEvent(func() {
		if listener != nil {
			listener.OnPartitionsAssigned(partitions)
		}
	})
}

// fireRevoked delivers a revocation notification on the next Poll. Paused
// state for the revoked partitions is forgotten, as a real client would.
func (m *mockClient) fireRevoked(partitions ...record.TopicPartition) {
	m.mu.Lock()
	for _, tp := range partitions {
		delete(m.assignment, tp)
		delete(m.paused, tp)
	}
	listener := m.listener
	m.mu.Unlock()

	m.queueEvent(func() {
		if listener != nil {
			listener.OnPartitionsRevoked(partitions)
		}
	})
}

// scriptAsyncOutcomes sets the results of successive CommitAsync calls; a
// nil entry means success. Calls beyond the script succeed.
func (m *mockClient) scriptAsyncOutcomes(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asyncOutcomes = append(m.asyncOutcomes, errs...)
}

func (m *mockClient) scriptSyncOutcomes(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncOutcomes = append(m.syncOutcomes, errs...)
}

// scriptPollError makes the next Poll fail with err.
func (m *mockClient) scriptPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErrs = append(m.pollErrs, err)
}

func (m *mockClient) committedNext(tp record.TopicPartition) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[tp]
}

func (m *mockClient) syncCommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncCommits
}

func (m *mockClient) pausedSet() map[record.TopicPartition]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[record.TopicPartition]struct{}, len(m.paused))
	for tp := range m.paused {
		out[tp] = struct{}{}
	}
	return out
}

func (m *mockClient) allPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.assignment) == 0 {
		return false
	}
	for tp := range m.assignment {
		if _, ok := m.paused[tp]; !ok {
			return false
		}
	}
	return true
}

// eventsDrained reports whether every queued notification was delivered.
func (m *mockClient) eventsDrained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0
}

func (m *mockClient) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Subscribe implements consumer.Client.
func (m *mockClient) Subscribe(topics []string, listener consumer.RebalanceListener) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = topics
	m.listener = listener
	return nil
}

// Poll implements consumer.Client. Queued events run first; the head
// scripted batch is returned unless any of its partitions is paused.
func (m *mockClient) Poll(timeout time.Duration) ([]record.Record, error) {
	m.deliverPending()

	select {
	case <-m.wakeups:
		return nil, consumer.ErrWakeup
	default:
	}

	m.mu.Lock()
	if len(m.pollErrs) > 0 {
		err := m.pollErrs[0]
		m.pollErrs = m.pollErrs[1:]
		m.mu.Unlock()
		return nil, err
	}
	if len(m.queue) > 0 && !m.headPausedLocked() {
		batch := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return batch, nil
	}
	m.mu.Unlock()

	select {
	case <-m.wakeups:
		return nil, consumer.ErrWakeup
	case <-time.After(timeout):
		return nil, nil
	}
}

func (m *mockClient) headPausedLocked() bool {
	for _, r := range m.queue[0] {
		if _, ok := m.paused[r.TopicPartition]; ok {
			return true
		}
	}
	return false
}

func (m *mockClient) deliverPending() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		fn()
	}
}

// Pause implements consumer.Client.
func (m *mockClient) Pause(partitions []record.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tp := range partitions {
		m.paused[tp] = struct{}{}
	}
}

// Resume implements consumer.Client.
func (m *mockClient) Resume(partitions []record.TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tp := range partitions {
		delete(m.paused, tp)
	}
}

// Assignment implements consumer.Client.
func (m *mockClient) Assignment() []record.TopicPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.TopicPartition, 0, len(m.assignment))
	for tp := range m.assignment {
		out = append(out, tp)
	}
	return out
}

// Paused implements consumer.Client.
func (m *mockClient) Paused() []record.TopicPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]record.TopicPartition, 0, len(m.paused))
	for tp := range m.paused {
		out = append(out, tp)
	}
	return out
}

// CommitAsync implements consumer.Client; the completion is queued for the
// next Poll.
func (m *mockClient) CommitAsync(offsets consumer.Offsets, done consumer.CommitCallback) error {
	m.mu.Lock()
	var err error
	if len(m.asyncOutcomes) > 0 {
		err = m.asyncOutcomes[0]
		m.asyncOutcomes = m.asyncOutcomes[1:]
	}
	m.asyncCommits++
	if err == nil {
		m.recordCommitLocked(offsets)
	}
	m.mu.Unlock()

	m.queueEvent(func() {
		done(offsets, err)
	})
	return nil
}

// CommitSync implements consumer.Client.
func (m *mockClient) CommitSync(offsets consumer.Offsets) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if len(m.syncOutcomes) > 0 {
		err = m.syncOutcomes[0]
		m.syncOutcomes = m.syncOutcomes[1:]
	}
	m.syncCommits++
	if err == nil {
		m.recordCommitLocked(offsets)
	}
	return err
}

func (m *mockClient) recordCommitLocked(offsets consumer.Offsets) {
	for tp, next := range offsets {
		if next > m.committed[tp] {
			m.committed[tp] = next
		}
	}
}

// Wakeup implements consumer.Client.
func (m *mockClient) Wakeup() {
	select {
	case m.wakeups <- struct{}{}:
	default:
	}
}

// Close implements consumer.Client.
func (m *mockClient) Close(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
