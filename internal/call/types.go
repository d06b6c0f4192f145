// Package call is the peer session core: it owns the peer identity, the local
// media session, and the single call handle, and drives the register → publish
// → discover → connect protocol against the signaling broker and the
// matchmaking backend.
package call

import (
	"context"

	"github.com/duet-chat/duet/internal/broker"
	"github.com/duet-chat/duet/internal/proto"
)

// StatusClient is the slice of the backend API this package consumes.
// Satisfied by *backend.Client.
type StatusClient interface {
	FetchStatus(ctx context.Context) (proto.Status, error)
	PublishPeerAddr(ctx context.Context, sessionID, peerAddr string) error
	ClearPeerAddr(ctx context.Context, sessionID string) error
}

// Media is the local capture session as the manager sees it.
// Satisfied by *media.Session.
type Media interface {
	broker.LocalMedia
	ToggleAudio() bool
	ToggleVideo() bool
	AudioMuted() bool
	VideoOff() bool
	Close()
}

// State is the manager's lifecycle state.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateCalling
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateCalling:
		return "calling"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RemoteState is the observed state of the partner's tracks, derived from
// media-level activity. Reset when the call closes.
type RemoteState struct {
	Muted    bool
	VideoOff bool
}

// EventKind classifies manager events.
type EventKind int

const (
	// EventState reports a lifecycle state change.
	EventState EventKind = iota
	// EventTransient is a user-visible status that does not end the page
	// ("connection lost, retrying", "call failed").
	EventTransient
	// EventFatal is a user-visible error that ends the session attempt
	// (broker registration failure, no camera/microphone).
	EventFatal
	// EventCallEnded reports the call finished; Err distinguishes remote
	// hangup and failure from a clean local end.
	EventCallEnded
	// EventRemoteMedia reports a change in the partner's mute/video state.
	EventRemoteMedia
)

// Event is one observable update from the manager. The surrounding page
// renders these; nothing here navigates by itself.
type Event struct {
	Kind    EventKind
	State   State
	Remote  RemoteState
	Message string
	Err     error
}
