package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duet-chat/duet/internal/broker"
	"github.com/duet-chat/duet/internal/proto"
)

// --- fakes ---

type fakeStatus struct {
	mu        sync.Mutex
	st        proto.Status
	err       error
	published []string
	cleared   int
}

func (f *fakeStatus) set(st proto.Status) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func (f *fakeStatus) FetchStatus(ctx context.Context) (proto.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, f.err
}

func (f *fakeStatus) PublishPeerAddr(ctx context.Context, sessionID, peerAddr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, peerAddr)
	return nil
}

func (f *fakeStatus) ClearPeerAddr(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	return nil
}

func (f *fakeStatus) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeBroker struct {
	mu        sync.Mutex
	failFirst int // respond ErrIDTaken to this many Register calls
	ids       []string
	conn      *fakeConn
}

func (f *fakeBroker) Register(ctx context.Context, id string) (broker.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	if len(f.ids) <= f.failFirst {
		return nil, broker.ErrIDTaken
	}
	f.conn.id = id
	return f.conn, nil
}

type fakeConn struct {
	mu       sync.Mutex
	id       string
	calls    []*fakeCall
	incoming chan broker.IncomingCall
	down     chan error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan broker.IncomingCall, 4),
		down:     make(chan error, 4),
	}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Call(ctx context.Context, remoteID string, m broker.LocalMedia) (broker.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := newFakeCall(remoteID)
	f.calls = append(f.calls, c)
	return c, nil
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConn) lastCall() *fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeConn) Incoming() <-chan broker.IncomingCall { return f.incoming }
func (f *fakeConn) Down() <-chan error                   { return f.down }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCall struct {
	remoteID string
	ready    chan struct{}
	done     chan struct{}
	tracks   chan broker.RemoteTrack

	mu  sync.Mutex
	err error

	readyOnce sync.Once
	doneOnce  sync.Once
}

func newFakeCall(remoteID string) *fakeCall {
	return &fakeCall{
		remoteID: remoteID,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		tracks:   make(chan broker.RemoteTrack, 4),
	}
}

func (f *fakeCall) RemoteID() string                  { return f.remoteID }
func (f *fakeCall) Ready() <-chan struct{}            { return f.ready }
func (f *fakeCall) Done() <-chan struct{}             { return f.done }
func (f *fakeCall) Tracks() <-chan broker.RemoteTrack { return f.tracks }

func (f *fakeCall) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCall) Close() error {
	f.end(nil)
	return nil
}

func (f *fakeCall) connect() { f.readyOnce.Do(func() { close(f.ready) }) }

func (f *fakeCall) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeCall) end(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

type fakeMedia struct {
	closed   atomic.Int32
	audioOff atomic.Bool
	videoOff atomic.Bool
}

// broker.LocalMedia surface; the fakes never touch the pion handles.
func (f *fakeMedia) Configure(*webrtc.MediaEngine) error { return nil }
func (f *fakeMedia) Attach(*webrtc.PeerConnection) error { return nil }

func (f *fakeMedia) ToggleAudio() bool {
	muted := !f.audioOff.Load()
	f.audioOff.Store(muted)
	return muted
}

func (f *fakeMedia) ToggleVideo() bool {
	off := !f.videoOff.Load()
	f.videoOff.Store(off)
	return off
}

func (f *fakeMedia) AudioMuted() bool { return f.audioOff.Load() }
func (f *fakeMedia) VideoOff() bool   { return f.videoOff.Load() }
func (f *fakeMedia) Close()           { f.closed.Add(1) }

// --- helpers ---

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestManager(t *testing.T, fb *fakeBroker, fs *fakeStatus) (*Manager, *fakeMedia) {
	t.Helper()
	fm := &fakeMedia{}
	m := New(Options{
		SessionID:    "sess1",
		UserID:       "alice",
		Backend:      fs,
		Broker:       fb,
		OpenMedia:    func() (Media, error) { return fm, nil },
		PollInterval: 5 * time.Millisecond,
		DialTimeout:  100 * time.Millisecond,
	})
	t.Cleanup(m.Teardown)
	return m, fm
}

// --- tests ---

func TestRegisterCollisionRetry(t *testing.T) {
	fb := &fakeBroker{failFirst: 2, conn: newFakeConn()}
	fs := &fakeStatus{}
	m, _ := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fb.ids) != 3 {
		t.Fatalf("expected 3 register attempts, got %d", len(fb.ids))
	}
	seen := map[string]bool{}
	for _, id := range fb.ids {
		if seen[id] {
			t.Fatalf("identifier %q reused across attempts", id)
		}
		seen[id] = true
	}
	if m.PeerAddr() != fb.ids[2] {
		t.Fatalf("registered address %q, want last minted %q", m.PeerAddr(), fb.ids[2])
	}
}

func TestRegisterBoundedUnderPersistentCollision(t *testing.T) {
	fb := &fakeBroker{failFirst: 100, conn: newFakeConn()} // always colliding
	fs := &fakeStatus{}
	m, fm := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected registration to give up")
	}
	if len(fb.ids) != 8 {
		t.Fatalf("expected 8 bounded attempts, got %d", len(fb.ids))
	}
	if got := fm.closed.Load(); got != 0 {
		t.Fatalf("media closed %d times before it was ever opened", got)
	}
}

func TestOutboundDialAndBusyOfferIgnored(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, _ := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Partner address sorts after ours, so we dial.
	fs.set(proto.Status{
		Status:    proto.StatusInSession,
		SessionID: "sess1",
		PartnerID: "bob",
		PeerAddrs: map[string]string{"bob": "zzzz-zzzz-zzzz"},
	})

	waitFor(t, func() bool { return fc.callCount() == 1 }, "outbound dial never happened")
	pending := fc.lastCall()

	// An offer landing while the outbound attempt is pending must be ignored.
	answered := atomic.Bool{}
	fc.incoming <- broker.IncomingCall{
		RemoteID: "zzzz-zzzz-zzzz",
		Answer: func(ctx context.Context, lm broker.LocalMedia) (broker.Call, error) {
			answered.Store(true)
			return newFakeCall("zzzz-zzzz-zzzz"), nil
		},
	}

	pending.connect()
	waitFor(t, func() bool { return m.State() == StateConnected }, "never connected")
	time.Sleep(20 * time.Millisecond)
	if answered.Load() {
		t.Fatal("offer was answered while another call held the guard")
	}
	if fc.callCount() != 1 {
		t.Fatalf("expected exactly one outbound call, got %d", fc.callCount())
	}
}

func TestInboundAnswerWhenPartnerDials(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, _ := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Partner address sorts before ours, so we wait for the offer.
	fs.set(proto.Status{
		Status:    proto.StatusInSession,
		SessionID: "sess1",
		PartnerID: "bob",
		PeerAddrs: map[string]string{"bob": "0000-0000-0000"},
	})

	waitFor(t, func() bool { return fs.publishedCount() > 0 }, "address never published")

	ic := newFakeCall("0000-0000-0000")
	fc.incoming <- broker.IncomingCall{
		RemoteID: "0000-0000-0000",
		Answer: func(ctx context.Context, lm broker.LocalMedia) (broker.Call, error) {
			return ic, nil
		},
	}

	ic.connect()
	waitFor(t, func() bool { return m.State() == StateConnected }, "inbound call never connected")
	if fc.callCount() != 0 {
		t.Fatalf("the answering side dialed %d times, want 0", fc.callCount())
	}
}

func TestAnsweredCallDiscardedWhenOutboundWins(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, _ := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// An offer arrives while idle; its answer stalls at the broker.
	answerGate := make(chan struct{})
	inCall := newFakeCall("zzzz-zzzz-zzzz")
	fc.incoming <- broker.IncomingCall{
		RemoteID: "zzzz-zzzz-zzzz",
		Answer: func(ctx context.Context, lm broker.LocalMedia) (broker.Call, error) {
			<-answerGate
			return inCall, nil
		},
	}
	waitFor(t, func() bool { return m.State() == StateAnswering }, "offer never picked up")

	// Discovery dials and connects the outbound call while the answer is
	// still in flight.
	fs.set(proto.Status{
		Status:    proto.StatusInSession,
		SessionID: "sess1",
		PartnerID: "bob",
		PeerAddrs: map[string]string{"bob": "zzzz-zzzz-zzzz"},
	})
	waitFor(t, func() bool { return fc.callCount() == 1 }, "outbound dial never happened")
	out := fc.lastCall()
	out.connect()
	waitFor(t, func() bool { return m.State() == StateConnected }, "outbound never connected")

	// The late answer must be discarded, not installed over the live call.
	close(answerGate)
	waitFor(t, inCall.isDone, "losing answered call was never closed")
	if out.isDone() {
		t.Fatal("winning outbound call was closed")
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %v, want connected", m.State())
	}
}

func TestAnswerCompletingAfterTeardownIsClosed(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, fm := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	answerGate := make(chan struct{})
	inCall := newFakeCall("0000-0000-0000")
	fc.incoming <- broker.IncomingCall{
		RemoteID: "0000-0000-0000",
		Answer: func(ctx context.Context, lm broker.LocalMedia) (broker.Call, error) {
			<-answerGate
			return inCall, nil
		},
	}
	waitFor(t, func() bool { return m.State() == StateAnswering }, "offer never picked up")

	m.Teardown()
	close(answerGate)

	waitFor(t, inCall.isDone, "call answered after teardown was never closed")
	if got := fm.closed.Load(); got != 1 {
		t.Fatalf("media closed %d times, want exactly 1", got)
	}
}

func TestOutboundTimeoutResumesDiscovery(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, _ := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fs.set(proto.Status{
		Status:    proto.StatusInSession,
		SessionID: "sess1",
		PartnerID: "bob",
		PeerAddrs: map[string]string{"bob": "zzzz-zzzz-zzzz"},
	})

	// First attempt never answers; after DialTimeout discovery resumes and
	// dials again.
	waitFor(t, func() bool { return fc.callCount() >= 2 }, "discovery did not resume after dial timeout")
	if m.State() == StateConnected {
		t.Fatal("connected without the call ever becoming ready")
	}
}

func TestRemoteHangupEndsCall(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, fm := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fs.set(proto.Status{
		Status:    proto.StatusInSession,
		SessionID: "sess1",
		PartnerID: "bob",
		PeerAddrs: map[string]string{"bob": "zzzz-zzzz-zzzz"},
	})

	waitFor(t, func() bool { return fc.callCount() == 1 }, "never dialed")
	c := fc.lastCall()

	c.connect()
	waitFor(t, func() bool { return m.State() == StateConnected }, "never connected")

	c.end(broker.ErrRemoteClosed)
	waitFor(t, func() bool { return m.State() == StateClosed }, "call end not observed")
	if got := fm.closed.Load(); got != 0 {
		t.Fatalf("media closed on call end (%d), should survive for reuse", got)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, fm := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fs.set(proto.Status{Status: proto.StatusInSession, SessionID: "sess1"})
	waitFor(t, func() bool { return fs.publishedCount() > 0 }, "address never published")

	m.Teardown()
	m.Teardown()

	if got := fm.closed.Load(); got != 1 {
		t.Fatalf("media closed %d times, want exactly 1", got)
	}
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if !closed {
		t.Fatal("broker connection not closed")
	}
	fs.mu.Lock()
	cleared := fs.cleared
	fs.mu.Unlock()
	if cleared != 1 {
		t.Fatalf("peer address cleared %d times, want 1", cleared)
	}
}

func TestToggleIsPureMediaOperation(t *testing.T) {
	fc := newFakeConn()
	fb := &fakeBroker{conn: fc}
	fs := &fakeStatus{}
	m, fm := newTestManager(t, fb, fs)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if muted := m.ToggleAudio(); !muted {
		t.Fatal("first audio toggle should mute")
	}
	if muted := m.ToggleAudio(); muted {
		t.Fatal("second audio toggle should unmute")
	}
	if off := m.ToggleVideo(); !off {
		t.Fatal("first video toggle should disable")
	}
	if fm.VideoOff() != true {
		t.Fatal("media session did not record the toggle")
	}
	if fc.callCount() != 0 {
		t.Fatal("toggling generated broker traffic")
	}
}
