package rtc

import (
	"time"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
)

func ConnectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	default:
		return domain.ConnectionNew
	}
}

func IceState(s webrtc.ICEConnectionState) domain.IceState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return domain.IceChecking
	case webrtc.ICEConnectionStateConnected:
		return domain.IceConnected
	case webrtc.ICEConnectionStateCompleted:
		return domain.IceCompleted
	case webrtc.ICEConnectionStateFailed:
		return domain.IceFailed
	case webrtc.ICEConnectionStateDisconnected:
		return domain.IceDisconnected
	case webrtc.ICEConnectionStateClosed:
		return domain.IceClosed
	default:
		return domain.IceNew
	}
}

// Summarize reduces a stats report to what quality sampling needs: RTT of
// the nominated candidate pair, inbound RTP counters summed over streams
// and the worst loss fraction reported by the peer.
func Summarize(report webrtc.StatsReport) core.RawStats {
	var out core.RawStats
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.ICECandidatePairStats:
			pair(&out, st)
		case *webrtc.ICECandidatePairStats:
			pair(&out, *st)
		case webrtc.InboundRTPStreamStats:
			inbound(&out, st)
		case *webrtc.InboundRTPStreamStats:
			inbound(&out, *st)
		case webrtc.RemoteInboundRTPStreamStats:
			remoteInbound(&out, st)
		case *webrtc.RemoteInboundRTPStreamStats:
			remoteInbound(&out, *st)
		}
	}
	return out
}

func pair(out *core.RawStats, st webrtc.ICECandidatePairStats) {
	if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded || st.CurrentRoundTripTime <= 0 {
		return
	}
	out.RTT = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
	out.HasRTT = true
}

func inbound(out *core.RawStats, st webrtc.InboundRTPStreamStats) {
	out.PacketsReceived += uint64(st.PacketsReceived)
	out.PacketsLost += int64(st.PacketsLost)
}

func remoteInbound(out *core.RawStats, st webrtc.RemoteInboundRTPStreamStats) {
	if !out.HasFractionLost || st.FractionLost > out.FractionLost {
		out.FractionLost = st.FractionLost
	}
	out.HasFractionLost = true
}
