package core

import (
	"context"
	"time"

	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RawStats is the subset of connection statistics the quality monitor needs.
type RawStats struct {
	RTT    time.Duration
	HasRTT bool

	// Cumulative inbound RTP counters.
	PacketsReceived uint64
	PacketsLost     int64

	// FractionLost as reported by the remote side, when available.
	FractionLost    float64
	HasFractionLost bool
}

// MediaEngine wraps the platform real-time media stack for one connection.
// A failed connection is never patched; it is closed and a new engine is built.
type MediaEngine interface {
	CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// HasRemoteDescription reports whether a remote description was applied.
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(domain.ConnectionState))
	OnICEConnectionStateChange(func(domain.IceState))
	GetStats() (RawStats, error)
	// Close should stop all underlying media resources.
	Close() error
}

// MediaEngineFactory builds a fresh engine per connection attempt.
type MediaEngineFactory interface {
	NewEngine(ctx context.Context, desc domain.SessionDescriptor) (MediaEngine, error)
}
