package receiver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var threadSeq atomic.Int64

// consumerThread is the dedicated worker that owns every Kafka client call.
// The client is not safe for concurrent use, so the event loop funnels all
// client interaction through this single goroutine; other goroutines only
// flip atomic flags or enqueue tasks here.
type consumerThread struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

func newConsumerThread(groupID string, logger *zap.Logger) *consumerThread {
	t := &consumerThread{
		name:   fmt.Sprintf("kafka-%s-%d", groupID, threadSeq.Add(1)),
		logger: logger,
		done:   make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the worker goroutine.
func (t *consumerThread) Start() {
	go t.run()
}

func (t *consumerThread) run() {
	defer close(t.done)

	for {
		t.mu.Lock()
		for len(t.tasks) == 0 && !t.stopped {
			t.cond.Wait()
		}
		if len(t.tasks) == 0 {
			t.mu.Unlock()
			return
		}
		task := t.tasks[0]
		t.tasks = t.tasks[1:]
		t.mu.Unlock()

		t.exec(task)
	}
}

func (t *consumerThread) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in consumer thread task",
				zap.String("thread", t.name),
				zap.Any("panic", r),
			)
		}
	}()
	task()
}

// Schedule enqueues a task for the worker. The queue is unbounded so the
// worker can safely enqueue follow-up tasks for itself. Tasks submitted
// after Stop are dropped.
func (t *consumerThread) Schedule(task func()) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.tasks = append(t.tasks, task)
	t.mu.Unlock()
	t.cond.Signal()
}

// Stop lets already-queued tasks finish, then ends the worker and waits for
// it to exit.
func (t *consumerThread) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cond.Broadcast()
	<-t.done
}
