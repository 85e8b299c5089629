package stream

import (
	"time"

	"k8s.io/utils/clock"
)

// DefaultFrameInterval approximates one display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs fn once at the next flush opportunity. The returned func cancels it.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// FrameScheduler fires scheduled flushes after a fixed frame interval.
type FrameScheduler struct {
	clock    clock.WithDelayedExecution
	interval time.Duration
}

// NewFrameScheduler returns a scheduler on clk. A nil clock uses the wall clock.
func NewFrameScheduler(clk clock.WithDelayedExecution, interval time.Duration) *FrameScheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{clock: clk, interval: interval}
}

// Schedule implements Scheduler.
func (s *FrameScheduler) Schedule(fn func()) func() {
	// Fake clocks run AfterFunc callbacks while holding their lock, so fn must not run inline.
	timer := s.clock.AfterFunc(s.interval, func() { go fn() })
	return func() { timer.Stop() }
}
