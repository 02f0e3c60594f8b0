package receiver

import (
	"context"
	"sync/atomic"

	"github.com/jittakal/kafreceiver/pkg/receiver"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// Ensure implementation satisfies interface at compile time.
var _ receiver.Offset = (*committableOffset)(nil)

// committableOffset is the acknowledge/commit handle attached to each
// delivered record. The acknowledged flag is one-shot: whichever of
// Acknowledge or Commit runs first claims the offset, later calls are
// no-ops.
type committableOffset struct {
	tp           record.TopicPartition
	offset       int64
	loop         *eventLoop
	acknowledged atomic.Bool
}

func (o *committableOffset) TopicPartition() record.TopicPartition {
	return o.tp
}

func (o *committableOffset) Offset() int64 {
	return o.offset
}

// Acknowledge marks the offset as eligible for the next flush. It never
// commits by itself; a size-threshold commit strategy may be signalled.
func (o *committableOffset) Acknowledge() {
	if !o.acknowledged.CompareAndSwap(false, true) {
		return
	}
	o.loop.acknowledge(o.tp, o.offset)
}

// Commit marks the offset like Acknowledge and waits for the flush that
// carries it.
func (o *committableOffset) Commit(ctx context.Context) error {
	if !o.acknowledged.CompareAndSwap(false, true) {
		return nil
	}
	return o.loop.commitOffset(ctx, o.tp, o.offset)
}
