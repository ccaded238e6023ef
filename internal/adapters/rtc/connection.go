package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/callsync/internal/core"
	"github.com/dkeye/callsync/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const chatChannelLabel = "chat"

// TrackSource supplies local media for a consultation. An error means the
// media is unavailable (denied permission, missing device).
type TrackSource interface {
	LocalTracks(ctx context.Context, ct domain.ConsultationType) ([]webrtc.TrackLocal, error)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ICEConfig builds a configuration from STUN/TURN urls, falling back to the
// default public STUN server.
func ICEConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

// Factory creates one pion peer connection per connection attempt.
type Factory struct {
	config webrtc.Configuration
	tracks TrackSource
}

// NewFactory returns a factory. Without a TrackSource audio and video are
// negotiated receive-only.
func NewFactory(cfg webrtc.Configuration, tracks TrackSource) *Factory {
	return &Factory{config: cfg, tracks: tracks}
}

func (f *Factory) NewEngine(ctx context.Context, desc domain.SessionDescriptor) (core.MediaEngine, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, core.NewError(core.ErrMedia, "new peer connection", err)
	}
	e := &Engine{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("sid", string(desc.SessionID)).Logger(),
	}
	if err := f.prepare(ctx, pc, desc); err != nil {
		_ = pc.Close()
		return nil, err
	}
	e.wire()
	return e, nil
}

func (f *Factory) prepare(ctx context.Context, pc *webrtc.PeerConnection, desc domain.SessionDescriptor) error {
	ct := desc.ConsultationType
	if !ct.HasAudio() {
		if desc.LocalRole == domain.RoleInitiator {
			if _, err := pc.CreateDataChannel(chatChannelLabel, nil); err != nil {
				return core.NewError(core.ErrMedia, "create data channel", err)
			}
		}
		return nil
	}

	if f.tracks != nil {
		tracks, err := f.tracks.LocalTracks(ctx, ct)
		if err != nil {
			return core.NewError(core.ErrMedia, "acquire local media", err)
		}
		for _, t := range tracks {
			if _, err := pc.AddTrack(t); err != nil {
				return core.NewError(core.ErrMedia, "add local track", err)
			}
		}
		return nil
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if ct.HasVideo() {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range kinds {
		if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return core.NewError(core.ErrMedia, "add transceiver", err)
		}
	}
	return nil
}

// Engine adapts a pion PeerConnection to core.MediaEngine.
type Engine struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu          sync.Mutex
	onCandidate func(webrtc.ICECandidateInit)
	onConn      func(domain.ConnectionState)
	onIce       func(domain.IceState)
}

func (e *Engine) wire() {
	e.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		e.mu.Lock()
		fn := e.onConn
		e.mu.Unlock()
		if fn != nil {
			fn(ConnectionState(s))
		}
	})
	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		e.mu.Lock()
		fn := e.onIce
		e.mu.Unlock()
		if fn != nil {
			fn(IceState(s))
		}
	})
	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
	})
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		e.logger.Info().Str("label", dc.Label()).Msg("data channel opened by peer")
	})
}

func (e *Engine) CreateOffer(ctx context.Context, iceRestart bool) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (e *Engine) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return e.pc.CreateAnswer(nil)
}

func (e *Engine) SetLocalDescription(sd webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(sd)
}

func (e *Engine) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(sd)
}

func (e *Engine) HasRemoteDescription() bool { return e.pc.RemoteDescription() != nil }

func (e *Engine) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(ci)
}

func (e *Engine) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *Engine) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConn = fn
}

func (e *Engine) OnICEConnectionStateChange(fn func(domain.IceState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIce = fn
}

func (e *Engine) GetStats() (core.RawStats, error) {
	return Summarize(e.pc.GetStats()), nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.onCandidate, e.onConn, e.onIce = nil, nil, nil
	e.mu.Unlock()
	if err := e.pc.Close(); err != nil {
		e.logger.Error().Err(err).Msg("close error")
		return err
	}
	e.logger.Info().Msg("closed")
	return nil
}
