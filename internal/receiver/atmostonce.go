package receiver

import (
	"sync"

	"github.com/jittakal/kafreceiver/pkg/consumer"
	"github.com/jittakal/kafreceiver/pkg/record"
)

// atMostOnceOffsets tracks, per partition, the next-read position already
// committed ahead of delivery. The shutdown commit consults it so offsets
// the pre-delivery commit already covered are not committed again.
type atMostOnceOffsets struct {
	mu        sync.Mutex
	committed map[record.TopicPartition]int64
}

func newAtMostOnceOffsets() *atMostOnceOffsets {
	return &atMostOnceOffsets{
		committed: make(map[record.TopicPartition]int64),
	}
}

// onCommit records offsets committed ahead of delivery.
func (a *atMostOnceOffsets) onCommit(offsets consumer.Offsets) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for tp, next := range offsets {
		if cur, ok := a.committed[tp]; !ok || next > cur {
			a.committed[tp] = next
		}
	}
}

// undoCommitAhead removes batch entries that a commit ahead of delivery
// already covers. Reports whether any entry was corrected.
func (a *atMostOnceOffsets) undoCommitAhead(batch *committableBatch) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	corrected := false
	for tp, next := range a.committed {
		if batch.supersede(tp, next) {
			corrected = true
		}
	}
	return corrected
}
