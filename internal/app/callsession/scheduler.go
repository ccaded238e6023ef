package callsession

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a handle to a scheduled callback. Cancel is idempotent and safe
// on a nil Task.
type Task struct {
	cancelled atomic.Bool
	stop      func()
}

func (t *Task) Cancel() {
	if t == nil || t.cancelled.Swap(true) {
		return
	}
	if t.stop != nil {
		t.stop()
	}
}

// Active reports whether the task has not been cancelled.
func (t *Task) Active() bool { return t != nil && !t.cancelled.Load() }

// Scheduler hands out cancellable one-shot and periodic tasks on a clock.
type Scheduler struct {
	clock clock.Clock
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After runs fn once after d unless the task is cancelled first.
func (s *Scheduler) After(d time.Duration, fn func(*Task)) *Task {
	t := &Task{}
	timer := s.clock.AfterFunc(d, func() {
		if t.Active() {
			fn(t)
		}
	})
	t.stop = func() { timer.Stop() }
	return t
}

// Every runs fn each period until the task is cancelled.
func (s *Scheduler) Every(period time.Duration, fn func(*Task)) *Task {
	t := &Task{}
	ticker := s.clock.Ticker(period)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if t.Active() {
					fn(t)
				}
			}
		}
	}()
	t.stop = func() {
		ticker.Stop()
		close(done)
	}
	return t
}
