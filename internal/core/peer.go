package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerState tracks negotiation progress of a single peer link.
type PeerState string

const (
	PeerStateNew        PeerState = "new"
	PeerStateConnecting PeerState = "connecting"
	PeerStateConnected  PeerState = "connected"
	PeerStateFailed     PeerState = "failed"
	PeerStateClosed     PeerState = "closed"
)

// PeerConnection abstracts one peer-to-peer media connection to a remote
// occupant. Owned by the coordinator; the coordinator must Close() it.
type PeerConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	State() PeerState
	// OnStateChange sets a callback for negotiation state transitions.
	OnStateChange(func(PeerState))
	// CreateOffer produces a local offer for the embedding UI to deliver.
	CreateOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer.
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
}
