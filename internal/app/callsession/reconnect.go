package callsession

import (
	"math"
	"time"

	"github.com/dkeye/callsync/internal/domain"
	"github.com/rs/zerolog"
)

// Reconnector drives exponential-backoff reconnection. It owns no
// goroutines; fired tasks are posted back onto the controller loop.
type Reconnector struct {
	cfg    ReconnectConfig
	sched  *Scheduler
	post   func(func())
	logger zerolog.Logger

	// attempt performs attempt n (1-based). exhausted is called once the
	// last attempt failed.
	attempt   func(n int)
	exhausted func(attempts int)
	observe   func(domain.AttemptOutcome)

	active      bool
	n           int
	attempts    []domain.ReconnectionAttempt
	delayTask   *Task
	timeoutTask *Task
}

func NewReconnector(cfg ReconnectConfig, sched *Scheduler, post func(func()), logger zerolog.Logger) *Reconnector {
	return &Reconnector{cfg: cfg, sched: sched, post: post, logger: logger}
}

// Delay returns the wait before 0-based attempt n.
func (r *Reconnector) Delay(n int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.BackoffFactor, float64(n))
	if d >= float64(r.cfg.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return r.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (r *Reconnector) Active() bool { return r.active }

// Waiting reports whether the next attempt is still in its backoff delay.
func (r *Reconnector) Waiting() bool { return r.delayTask.Active() }

func (r *Reconnector) Attempt() int { return r.n }

func (r *Reconnector) Attempts() []domain.ReconnectionAttempt {
	out := make([]domain.ReconnectionAttempt, len(r.attempts))
	copy(out, r.attempts)
	return out
}

// Start begins a reconnection cycle. It is a no-op while one is running.
func (r *Reconnector) Start() bool {
	if r.active {
		return false
	}
	r.active = true
	r.n = 0
	r.scheduleNext()
	return true
}

// Failed records the running attempt as failed and schedules the next
// one. Failures reported during the backoff delay are ignored.
func (r *Reconnector) Failed() {
	if !r.active || r.Waiting() {
		return
	}
	r.timeoutTask.Cancel()
	r.setOutcome(domain.OutcomeFailed)
	r.scheduleNext()
}

// Succeeded closes the cycle and resets the attempt counter.
func (r *Reconnector) Succeeded() {
	if !r.active {
		return
	}
	r.delayTask.Cancel()
	r.timeoutTask.Cancel()
	r.setOutcome(domain.OutcomeSucceeded)
	r.logger.Info().Int("attempt", r.n).Msg("reconnection succeeded")
	r.active = false
	r.n = 0
}

// Preempt skips the remaining backoff and runs the pending attempt now.
func (r *Reconnector) Preempt() {
	if !r.Waiting() {
		return
	}
	r.delayTask.Cancel()
	r.begin()
}

// Stop cancels everything and discards the attempt history.
func (r *Reconnector) Stop() {
	r.delayTask.Cancel()
	r.timeoutTask.Cancel()
	r.active = false
	r.n = 0
	r.attempts = nil
}

func (r *Reconnector) scheduleNext() {
	if r.n >= r.cfg.MaxAttempts {
		r.logger.Warn().Int("attempts", r.n).Msg("reconnection attempts exhausted")
		r.active = false
		if r.exhausted != nil {
			r.exhausted(r.n)
		}
		return
	}
	delay := r.Delay(r.n)
	r.n++
	r.attempts = append(r.attempts, domain.ReconnectionAttempt{
		AttemptNumber: r.n,
		DelayMs:       delay.Milliseconds(),
		Outcome:       domain.OutcomePending,
	})
	r.logger.Info().Int("attempt", r.n).Dur("delay", delay).Msg("reconnection scheduled")
	r.delayTask = r.sched.After(delay, func(t *Task) {
		r.post(func() {
			if t != r.delayTask || !t.Active() {
				return
			}
			r.delayTask = nil
			r.begin()
		})
	})
}

func (r *Reconnector) begin() {
	r.delayTask = nil
	if len(r.attempts) > 0 {
		r.attempts[len(r.attempts)-1].StartedAt = r.sched.Now()
	}
	r.timeoutTask = r.sched.After(r.cfg.AttemptTimeout, func(t *Task) {
		r.post(func() {
			if t != r.timeoutTask || !t.Active() {
				return
			}
			r.logger.Warn().Int("attempt", r.n).Msg("reconnection attempt timed out")
			r.Failed()
		})
	})
	if r.attempt != nil {
		r.attempt(r.n)
	}
}

func (r *Reconnector) setOutcome(o domain.AttemptOutcome) {
	if len(r.attempts) == 0 {
		return
	}
	last := &r.attempts[len(r.attempts)-1]
	if last.Outcome == domain.OutcomePending {
		last.Outcome = o
		if r.observe != nil {
			r.observe(o)
		}
	}
}
