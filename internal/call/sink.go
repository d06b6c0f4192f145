package call

import (
	"errors"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/duet-chat/duet/internal/broker"
)

const (
	// pliInterval is how often a keyframe is requested for remote video.
	pliInterval = 3 * time.Second

	// silenceAfter is how long a track may go without RTP before it is
	// considered silent (remote mute / camera off).
	silenceAfter = 1500 * time.Millisecond

	watchdogTick = 500 * time.Millisecond
)

// runSink drains one remote track until the call ends. It keeps a last-packet
// timestamp that a watchdog turns into silent/active transitions, reported via
// onActivity. Video tracks additionally get a periodic PLI so the encoder
// recovers quickly from loss.
func runSink(rt broker.RemoteTrack, onActivity func(kind webrtc.RTPCodecType, silent bool), done <-chan struct{}) {
	kind := rt.Track.Kind()
	log.Printf("CALL: remote %s track %s (%s)", kind, rt.Track.ID(), rt.Track.Codec().MimeType)

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixMilli())

	stopped := make(chan struct{})
	defer close(stopped)

	if kind == webrtc.RTPCodecTypeVideo {
		go pliLoop(rt, done, stopped)
	}
	go watchSilence(kind, &lastSeen, onActivity, done, stopped)

	var (
		loss       lossCounter
		lostLogged int
	)
	for {
		pkt, _, err := rt.Track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL: remote %s track read failed: %v", kind, err)
			}
			return
		}
		lastSeen.Store(time.Now().UnixMilli())

		if lost := loss.observe(pkt); lost-lostLogged >= 100 {
			lostLogged = lost
			log.Printf("CALL: remote %s track ~%d packets lost so far", kind, lost)
		}
	}
}

// lossCounter estimates packet loss from RTP sequence gaps. Gaps under half
// the wrap distance count as loss; anything larger is a reorder or a wrap.
type lossCounter struct {
	lastSeq uint16
	haveSeq bool
	lost    int
}

func (l *lossCounter) observe(pkt *rtp.Packet) int {
	if l.haveSeq {
		if gap := pkt.SequenceNumber - l.lastSeq; gap > 1 && gap < 1<<15 {
			l.lost += int(gap) - 1
		}
	}
	l.lastSeq = pkt.SequenceNumber
	l.haveSeq = true
	return l.lost
}

// pliLoop nudges the remote encoder for a keyframe at a fixed cadence.
func pliLoop(rt broker.RemoteTrack, done, stopped <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-stopped:
			return
		case <-ticker.C:
			err := rt.PC.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(rt.Track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// watchSilence reports silent/active transitions for one track. Only
// transitions are reported, never steady state.
func watchSilence(kind webrtc.RTPCodecType, lastSeen *atomic.Int64, onActivity func(webrtc.RTPCodecType, bool), done, stopped <-chan struct{}) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	silent := false
	for {
		select {
		case <-done:
			return
		case <-stopped:
			return
		case <-ticker.C:
			idle := time.Now().UnixMilli()-lastSeen.Load() > silenceAfter.Milliseconds()
			if idle != silent {
				silent = idle
				onActivity(kind, silent)
			}
		}
	}
}
