package core

import (
	"context"

	"github.com/dkeye/Broadcast/internal/domain"
)

// ConnState is the engine-level connection state reported asynchronously.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Engine creates peer connections. Owned by the process.
type Engine interface {
	NewConnection() (Connection, error)
}

// FrameHandle is a read-only, per-subscriber view of the shared source.
type FrameHandle interface {
	// Next blocks until a frame is available, ctx is done or the handle is closed.
	Next(ctx context.Context) (*domain.MediaFrame, error)
	MimeType() string
	Close()
}

type Connection interface {
	SetRemoteDescription(domain.SessionDescription) error
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(domain.SessionDescription) error
	// LocalDescription returns the current local SDP, including the
	// candidates gathered so far.
	LocalDescription() *domain.SessionDescription
	// GatheringComplete is closed once candidate gathering finished.
	// Must be called before SetLocalDescription.
	GatheringComplete() <-chan struct{}
	AddICECandidate(domain.Candidate) error
	// AddTrack attaches a handle and starts pumping its frames to the peer.
	AddTrack(FrameHandle) error
	TrackCount() int
	// Close should stop all underlying media resources. Safe to call twice.
	Close() error
	// OnStateChange sets a callback for connection state changes.
	OnStateChange(func(ConnState))
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(domain.Candidate))
}
