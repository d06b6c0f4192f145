// Package media owns the local audio/video capture session. It acquires
// camera and microphone via pion/mediadevices, encodes VP8/Opus, and forwards
// encoded frames into per-call sample tracks. Mute state lives here: a
// disabled kind forwards no samples, which the remote side observes as
// media-level silence — no signaling round-trip involved.
package media

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrCapture is the fatal, user-visible acquisition failure: no combination
// of camera/microphone could be opened. Not retried automatically.
var ErrCapture = errors.New("media: cannot access camera/microphone")

const (
	videoFrameDuration = 33 * time.Millisecond
	audioFrameDuration = 20 * time.Millisecond
)

type Options struct {
	PreferredCam  string
	PreferredMic  string
	VideoDisabled bool
	MaxWidth      int
	MaxHeight     int
}

// Session is the local capture handle for one call-page visit. It is owned
// exclusively by one peer session manager and must be closed on teardown.
type Session struct {
	selector *mediadevices.CodecSelector

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu        sync.Mutex
	tracks    []*localTrack
	closeOnce sync.Once
}

type localTrack struct {
	kind    webrtc.RTPCodecType
	src     mediadevices.Track
	reader  mediadevices.EncodedReadCloser
	out     *webrtc.TrackLocalStaticSample
	enabled *atomic.Bool

	pumpOnce sync.Once
	stopOnce sync.Once
	stopped  chan struct{}
}

// Acquire opens local capture. It tries video+audio first, then video-only,
// then audio-only, so a missing or busy microphone doesn't prevent the camera
// from working and vice versa. All attempts failing is ErrCapture.
func Acquire(opts Options) (*Session, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	s := &Session{selector: selector}
	s.audioOn.Store(true)
	s.videoOn.Store(true)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
	if opts.VideoDisabled {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG — some cameras expose an MJPEG node producing
				// malformed frames that poison the VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: opts.MaxWidth}
				c.Height = prop.IntRanged{Max: opts.MaxHeight}
				if opts.PreferredCam != "" {
					c.DeviceID = prop.StringExact(opts.PreferredCam)
				}
			}
		}
		if a.audio {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if opts.PreferredMic != "" {
					c.DeviceID = prop.StringExact(opts.PreferredMic)
				}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		if ok := s.adoptTracks(stream.GetTracks(), a.label); !ok {
			continue
		}
		log.Printf("MEDIA: local capture ready (%s) — %d tracks", a.label, len(s.tracks))
		return s, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapture, lastErr)
	}
	return nil, ErrCapture
}

// adoptTracks wraps the captured tracks in encoded-frame forwarders. Returns
// false (closing everything) when the video encoder turns out to be broken,
// so Acquire can fall through to the next attempt.
func (s *Session) adoptTracks(tracks []mediadevices.Track, label string) bool {
	var adopted []*localTrack
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local track ended: %v", err)
			}
		})

		var (
			lt  *localTrack
			err error
		)
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			lt, err = s.newLocalTrack(track, webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, &s.videoOn)
		case webrtc.RTPCodecTypeAudio:
			lt, err = s.newLocalTrack(track, webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, &s.audioOn)
		default:
			continue
		}
		if err != nil {
			// Broken encoder (e.g. malformed camera output) — abandon this
			// attempt entirely; a poisoned encoder breaks SDP negotiation.
			log.Printf("MEDIA: track broken, skipping attempt (%s): %v", label, err)
			for _, t := range tracks {
				t.Close()
			}
			for _, a := range adopted {
				a.reader.Close()
			}
			return false
		}
		adopted = append(adopted, lt)
	}

	s.mu.Lock()
	s.tracks = adopted
	s.mu.Unlock()
	return len(adopted) > 0
}

func (s *Session) newLocalTrack(src mediadevices.Track, kind webrtc.RTPCodecType, mimeType string, enabled *atomic.Bool) (*localTrack, error) {
	reader, err := src.NewEncodedReader(mimeType)
	if err != nil {
		return nil, err
	}
	out, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind.String(), "duet",
	)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return &localTrack{
		kind:    kind,
		src:     src,
		reader:  reader,
		out:     out,
		enabled: enabled,
		stopped: make(chan struct{}),
	}, nil
}

// Configure registers the session's codecs on a new call's media engine.
// Part of the broker.LocalMedia surface.
func (s *Session) Configure(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// Attach adds the local sample tracks to a peer connection and starts the
// frame forwarders. Sample tracks bind per-PC, so a later call can reattach
// the same session without reacquiring devices.
func (s *Session) Attach(pc *webrtc.PeerConnection) error {
	s.mu.Lock()
	tracks := s.tracks
	s.mu.Unlock()

	for _, t := range tracks {
		if _, err := pc.AddTrack(t.out); err != nil {
			return fmt.Errorf("add %s track: %w", t.kind, err)
		}
		t.pumpOnce.Do(func() { go t.pump() })
	}
	return nil
}

// pump forwards encoded frames from the capture reader into the sample track.
// Disabled kinds drop frames, which the remote side observes as mute.
func (t *localTrack) pump() {
	dur := videoFrameDuration
	if t.kind == webrtc.RTPCodecTypeAudio {
		dur = audioFrameDuration
	}
	for {
		select {
		case <-t.stopped:
			return
		default:
		}

		buf, release, err := t.reader.Read()
		if err != nil {
			log.Printf("MEDIA: %s forwarder stopped: %v", t.kind, err)
			return
		}
		if t.enabled.Load() {
			data := make([]byte, len(buf.Data))
			copy(data, buf.Data)
			if err := t.out.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
				log.Printf("MEDIA: %s write failed: %v", t.kind, err)
			}
		}
		if release != nil {
			release()
		}
	}
}

// ToggleAudio flips local audio on/off. Returns the new muted state
// (true = muted). No broker traffic.
func (s *Session) ToggleAudio() bool {
	muted := s.audioOn.Load()
	s.audioOn.Store(!muted)
	log.Printf("MEDIA: audio muted=%v", muted)
	return muted
}

// ToggleVideo flips local video on/off. Returns the new disabled state
// (true = disabled). No broker traffic.
func (s *Session) ToggleVideo() bool {
	disabled := s.videoOn.Load()
	s.videoOn.Store(!disabled)
	log.Printf("MEDIA: video disabled=%v", disabled)
	return disabled
}

// AudioMuted reports whether local audio is currently muted.
func (s *Session) AudioMuted() bool { return !s.audioOn.Load() }

// VideoOff reports whether local video is currently disabled.
func (s *Session) VideoOff() bool { return !s.videoOn.Load() }

// Close stops every local track exactly once. Idempotent — safe to call from
// teardown racing an error path.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		tracks := s.tracks
		s.mu.Unlock()
		for _, t := range tracks {
			t.stopOnce.Do(func() {
				close(t.stopped)
				t.reader.Close()
				t.src.Close()
			})
		}
		log.Printf("MEDIA: capture released (%d tracks)", len(tracks))
	})
}
