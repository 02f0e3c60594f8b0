package receiver

import (
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/kafreceiver/pkg/receiver"
)

// commitScheduler triggers commits independently of the poll cycle: by a
// size signal emitted when enough records have been acknowledged, by a
// fixed interval, or by whichever of the two occurs first. Only active in
// the manual and auto acknowledgement modes.
type commitScheduler struct {
	loop     *eventLoop
	strategy receiver.CommitStrategy
	logger   *zap.Logger
}

func newCommitScheduler(loop *eventLoop, strategy receiver.CommitStrategy, logger *zap.Logger) *commitScheduler {
	return &commitScheduler{
		loop:     loop,
		strategy: strategy,
		logger:   logger,
	}
}

// run loops until done closes, requesting a commit on every wake-up.
func (s *commitScheduler) run(done <-chan struct{}, signal <-chan struct{}) {
	var tick <-chan time.Time
	if s.strategy.Interval > 0 {
		ticker := time.NewTicker(s.strategy.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sizeSignal := signal
	if s.strategy.Size < 1 {
		sizeSignal = nil
	}
	if tick == nil && sizeSignal == nil {
		s.logger.Warn("commit scheduler started without size or interval trigger")
		return
	}

	for {
		select {
		case <-done:
			return
		case <-sizeSignal:
			s.logger.Debug("commit batch size reached")
		case <-tick:
			s.logger.Debug("commit interval elapsed")
		}
		s.loop.scheduleCommitIfRequired()
	}
}
