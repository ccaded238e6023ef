package callsession

import (
	"errors"
	"time"
)

// ReconnectConfig tunes the backoff driver. Delay for attempt n (0-based)
// is min(InitialDelay * BackoffFactor^n, MaxDelay).
type ReconnectConfig struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int

	// AttemptTimeout bounds how long a recreated connection may take to
	// reach connected before the attempt counts as failed.
	AttemptTimeout time.Duration
}

// QualityThresholds pairs an RTT bound with a packet loss bound per tier.
type QualityThresholds struct {
	ExcellentRTT  time.Duration
	ExcellentLoss float64
	GoodRTT       time.Duration
	GoodLoss      float64
	FairRTT       time.Duration
	FairLoss      float64
}

type Config struct {
	Reconnect        ReconnectConfig
	ICECheckingGrace time.Duration
	QualityInterval  time.Duration
	Thresholds       QualityThresholds
	HandshakeTimeout time.Duration
	JoinTimeout      time.Duration

	// OfferTimeout bounds how long a responder waits for an offer before
	// asking for one again, and then before giving up on the connection.
	OfferTimeout time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay:   1000 * time.Millisecond,
		BackoffFactor:  2,
		MaxDelay:       30000 * time.Millisecond,
		MaxAttempts:    5,
		AttemptTimeout: 15 * time.Second,
	}
}

func DefaultThresholds() QualityThresholds {
	return QualityThresholds{
		ExcellentRTT:  50 * time.Millisecond,
		ExcellentLoss: 0.01,
		GoodRTT:       150 * time.Millisecond,
		GoodLoss:      0.03,
		FairRTT:       300 * time.Millisecond,
		FairLoss:      0.05,
	}
}

func DefaultConfig() Config {
	return Config{
		Reconnect:        DefaultReconnectConfig(),
		ICECheckingGrace: 10 * time.Second,
		QualityInterval:  5 * time.Second,
		Thresholds:       DefaultThresholds(),
		HandshakeTimeout: 30 * time.Second,
		JoinTimeout:      10 * time.Second,
		OfferTimeout:     15 * time.Second,
	}
}

var errInvalidConfig = errors.New("invalid session config")

// Validate rejects values the state machine cannot run with.
func (c Config) Validate() error {
	r := c.Reconnect
	switch {
	case r.InitialDelay <= 0, r.MaxDelay < r.InitialDelay:
		return errors.Join(errInvalidConfig, errors.New("reconnect delays"))
	case r.BackoffFactor < 1:
		return errors.Join(errInvalidConfig, errors.New("backoff factor below 1"))
	case r.MaxAttempts < 1:
		return errors.Join(errInvalidConfig, errors.New("max attempts below 1"))
	case r.AttemptTimeout <= 0, c.ICECheckingGrace <= 0, c.QualityInterval <= 0,
		c.HandshakeTimeout <= 0, c.JoinTimeout <= 0, c.OfferTimeout <= 0:
		return errors.Join(errInvalidConfig, errors.New("non-positive timeout"))
	}
	return nil
}
