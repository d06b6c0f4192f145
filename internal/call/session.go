package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/duet-chat/duet/internal/broker"
)

// session wraps the single active call handle with remote media observation.
type session struct {
	call broker.Call

	mu     sync.Mutex
	remote RemoteState
	hung   bool

	onRemote func(RemoteState)
}

func newSession(c broker.Call, onRemote func(RemoteState)) *session {
	return &session{call: c, onRemote: onRemote}
}

func (s *session) remoteState() RemoteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// consumeTracks runs a sink for each remote track until the call or the
// owning manager ends.
func (s *session) consumeTracks(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-s.call.Done():
			return
		case rt, ok := <-s.call.Tracks():
			if !ok {
				return
			}
			go runSink(rt, s.onActivity, s.call.Done())
		}
	}
}

// onActivity folds per-track silence transitions into the RemoteState the
// page renders: a silent audio track is the partner's mute, a silent video
// track is their camera toggle.
func (s *session) onActivity(kind webrtc.RTPCodecType, silent bool) {
	s.mu.Lock()
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.remote.Muted = silent
	case webrtc.RTPCodecTypeVideo:
		s.remote.VideoOff = silent
	}
	rs := s.remote
	cb := s.onRemote
	s.mu.Unlock()

	if cb != nil {
		cb(rs)
	}
}

// Hangup closes the call. Idempotent — teardown and error paths both land
// here.
func (s *session) Hangup() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.mu.Unlock()

	s.call.Close()
	log.Printf("CALL: hung up %s", s.call.RemoteID())
}
