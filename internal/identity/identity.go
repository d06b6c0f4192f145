// Package identity mints session-scoped peer addresses for the signaling
// broker. An address is unique per call-page visit: the random suffix is
// regenerated on every mint, so a registration collision can be retried
// without ever reusing a previously accepted address.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// PeerIdentity is the address this participant registers with the broker and
// publishes to the backend so the partner can dial it.
type PeerIdentity struct {
	SessionID string
	UserID    string
	suffix    string
}

// New mints a fresh identity for the given pairing. Each call produces a new
// random suffix.
func New(sessionID, userID string) PeerIdentity {
	return PeerIdentity{
		SessionID: sessionID,
		UserID:    userID,
		suffix:    strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
	}
}

// String returns the wire form: <session>-<user>-<random>.
func (p PeerIdentity) String() string {
	return p.SessionID + "-" + p.UserID + "-" + p.suffix
}
