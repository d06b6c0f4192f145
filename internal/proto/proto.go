package proto

// Matchmaking status values reported by the backend.
const (
	StatusIdle      = "idle"
	StatusQueued    = "queued"
	StatusInSession = "in_session"
	StatusInChat    = "in_chat"
)

// Status is the payload of the backend's matchmaking-status endpoint.
// PeerAddrs maps user ID -> the broker peer address that user published
// for the current session.
type Status struct {
	Status        string            `json:"status"`
	SessionID     string            `json:"sessionId,omitempty"`
	PartnerID     string            `json:"partnerId,omitempty"`
	PeerAddrs     map[string]string `json:"peerIds,omitempty"`
	TimeLeftMS    int64             `json:"timeLeft,omitempty"`
	QueuePosition int               `json:"queuePosition,omitempty"`
	TotalInQueue  int               `json:"totalInQueue,omitempty"`
}

// Active reports whether the backend still considers a paired session live.
func (s Status) Active() bool {
	return s.Status == StatusInSession
}

// PartnerAddr returns the broker address published by any user other than
// selfUserID, or "" if the partner has not published yet.
func (s Status) PartnerAddr(selfUserID string) string {
	if s.PartnerID != "" {
		if addr, ok := s.PeerAddrs[s.PartnerID]; ok {
			return addr
		}
	}
	for uid, addr := range s.PeerAddrs {
		if uid != selfUserID && addr != "" {
			return addr
		}
	}
	return ""
}

// PeerAddrUpdate is the body of the peer-id publish endpoint. A null PeerAddr
// clears the published address.
type PeerAddrUpdate struct {
	SessionID string  `json:"sessionId"`
	PeerAddr  *string `json:"peerId"`
}
