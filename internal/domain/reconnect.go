package domain

import "time"

type AttemptOutcome string

const (
	OutcomePending   AttemptOutcome = "pending"
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
)

type ReconnectionAttempt struct {
	AttemptNumber int            `json:"attemptNumber"`
	DelayMs       int64          `json:"delayMs"`
	StartedAt     time.Time      `json:"startedAt"`
	Outcome       AttemptOutcome `json:"outcome"`
}

// TimerReadiness is the dual-ready handshake state of one negotiation round.
type TimerReadiness struct {
	LocalReady   bool `json:"localReady"`
	RemoteReady  bool `json:"remoteReady"`
	TimerStarted bool `json:"timerStarted"`
}
