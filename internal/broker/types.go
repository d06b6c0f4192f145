// Package broker is the client for the third-party signaling broker: it
// registers a peer address, dials remote addresses, and answers inbound call
// offers. Media negotiation happens over the broker; the media itself flows
// peer-to-peer via Pion.
package broker

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrIDTaken is returned by Register when the requested peer address is
	// already in use at the broker. Callers regenerate and retry.
	ErrIDTaken = errors.New("broker: peer address already in use")

	// ErrRemoteClosed reports that the remote side hung up the call.
	ErrRemoteClosed = errors.New("broker: remote closed the call")

	// ErrConnClosed is returned for operations on a closed broker connection.
	ErrConnClosed = errors.New("broker: connection closed")
)

// LocalMedia is the surface the broker needs from the local capture session.
// Configure runs before the PeerConnection exists (codec registration);
// Attach adds the local tracks to a freshly created PeerConnection.
// A nil LocalMedia yields a receive-only call.
type LocalMedia interface {
	Configure(*webrtc.MediaEngine) error
	Attach(*webrtc.PeerConnection) error
}

// Registrar registers peer addresses with the broker.
type Registrar interface {
	Register(ctx context.Context, id string) (Conn, error)
}

// Conn is one registered broker connection.
type Conn interface {
	// ID returns the peer address this connection is registered under.
	ID() string

	// Call dials a remote peer address. The returned Call is pending until
	// its Ready channel closes; it does not block on connection establishment.
	Call(ctx context.Context, remoteID string, m LocalMedia) (Call, error)

	// Incoming delivers inbound call offers. An offer that is never answered
	// is simply dropped — the broker protocol has no reject.
	Incoming() <-chan IncomingCall

	// Down delivers broker-level failures: a non-nil error for transport
	// drops, async broker errors as they arrive.
	Down() <-chan error

	Close() error
}

// Call is one outbound or answered peer-to-peer media call.
type Call interface {
	RemoteID() string

	// Ready closes when the peer connection reaches the connected state.
	Ready() <-chan struct{}

	// Done closes when the call ends for any reason; Err then reports why
	// (nil for a local hangup).
	Done() <-chan struct{}
	Err() error

	// Tracks delivers remote media tracks as they arrive.
	Tracks() <-chan RemoteTrack

	Close() error
}

// RemoteTrack is a remote media track with the handles needed to consume it.
type RemoteTrack struct {
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
	PC       *webrtc.PeerConnection
}

// IncomingCall is an inbound offer. Answer establishes the call with the
// given local media; not calling Answer ignores the offer.
type IncomingCall struct {
	RemoteID string
	Answer   func(ctx context.Context, m LocalMedia) (Call, error)
}
