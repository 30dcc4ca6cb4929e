package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/app"
	"github.com/dkeye/Seance/internal/core"
	"github.com/dkeye/Seance/internal/domain"
)

// Link wraps one pion PeerConnection to a remote occupant and implements
// core.PeerConnection.
type Link struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	cancel context.CancelFunc

	mu      sync.RWMutex
	state   core.PeerState
	onState func(core.PeerState)
	onICE   func(webrtc.ICECandidateInit)
}

// DefaultConfig builds the webrtc configuration from STUN urls; falls back
// to a public server when none are configured.
func DefaultConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

func NewLink(cfg webrtc.Configuration, remote domain.UserID) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc, remote: remote, state: core.PeerStateNew}, nil
}

// NewLinkFactory is the production app.LinkFactory.
func NewLinkFactory(cfg webrtc.Configuration) app.LinkFactory {
	return func(remote domain.Participant) (core.PeerConnection, error) {
		return NewLink(cfg, remote.ID)
	}
}

func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(l.remote)).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(l.remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		l.setState(mapState(s))
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		l.mu.RLock()
		fn := l.onICE
		l.mu.RUnlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})

	return nil
}

func mapState(s webrtc.PeerConnectionState) core.PeerState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.PeerStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.PeerStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.PeerStateConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		return core.PeerStateFailed
	default:
		return core.PeerStateClosed
	}
}

func (l *Link) setState(s core.PeerState) {
	l.mu.Lock()
	l.state = s
	fn := l.onState
	l.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (l *Link) State() core.PeerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Link) OnStateChange(fn func(core.PeerState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = fn
}

// CreateOffer produces and installs the local offer, waiting for ICE
// gathering so the SDP is complete.
func (l *Link) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return l.pc.LocalDescription(), nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *Link) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(l.remote)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("remote", string(l.remote)).Msg("closed")
		}
	}
	l.setState(core.PeerStateClosed)
}
