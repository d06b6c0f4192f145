package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var logger = logging.Logger("broker")

// Wire message types. The broker routes offer/answer/candidate/leave between
// registered peers by dst address and emits open/error/id-taken itself.
const (
	msgOpen      = "open"
	msgError     = "error"
	msgIDTaken   = "id-taken"
	msgOffer     = "offer"
	msgAnswer    = "answer"
	msgCandidate = "candidate"
	msgLeave     = "leave"
)

// handshakeTimeout bounds the wait for the broker's first frame when the
// caller's context carries no deadline of its own.
const handshakeTimeout = 10 * time.Second

type message struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client dials the broker's websocket endpoint. Implements Registrar.
type Client struct {
	URL         string
	Key         string
	STUNServers []string
}

func NewClient(wsURL, key string, stunServers []string) *Client {
	return &Client{URL: wsURL, Key: key, STUNServers: stunServers}
}

// Register connects to the broker under the given peer address. The broker
// answers the handshake with either an open message or an error; an
// id-taken error maps to ErrIDTaken so callers can regenerate and retry.
func (c *Client) Register(ctx context.Context, id string) (Conn, error) {
	u := c.URL + "?id=" + url.QueryEscape(id)
	if c.Key != "" {
		u += "&key=" + url.QueryEscape(c.Key)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("broker dial: %w", err)
	}

	// The first frame settles the registration before anything else flows.
	// A broker that accepts the socket but never answers must not hang the
	// caller, so the read is bounded by the context deadline.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(handshakeTimeout)
	}
	_ = ws.SetReadDeadline(deadline)

	var first message
	if err := ws.ReadJSON(&first); err != nil {
		ws.Close()
		return nil, fmt.Errorf("broker handshake: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	switch first.Type {
	case msgOpen:
	case msgIDTaken:
		ws.Close()
		return nil, ErrIDTaken
	case msgError:
		ws.Close()
		if first.Error == "id-taken" || first.Error == "unavailable-id" {
			return nil, ErrIDTaken
		}
		return nil, fmt.Errorf("broker registration: %s", first.Error)
	default:
		ws.Close()
		return nil, fmt.Errorf("broker handshake: unexpected %q message", first.Type)
	}

	conn := &wsConn{
		id:       id,
		stun:     c.STUNServers,
		ws:       ws,
		calls:    make(map[string]*wsCall),
		pending:  make(map[string][]webrtc.ICECandidateInit),
		incoming: make(chan IncomingCall, 4),
		down:     make(chan error, 4),
		done:     make(chan struct{}),
	}
	go conn.readPump()
	logger.Infow("registered", "id", id)
	return conn, nil
}

type wsConn struct {
	id   string
	stun []string
	ws   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	calls   map[string]*wsCall
	pending map[string][]webrtc.ICECandidateInit // candidates that arrived before the call existed

	incoming chan IncomingCall
	down     chan error

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ID() string                  { return c.id }
func (c *wsConn) Incoming() <-chan IncomingCall { return c.incoming }
func (c *wsConn) Down() <-chan error          { return c.down }

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) send(m message) error {
	if c.closed() {
		return ErrConnClosed
	}
	m.Src = c.id
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(m)
}

func (c *wsConn) readPump() {
	for {
		var m message
		if err := c.ws.ReadJSON(&m); err != nil {
			if !c.closed() {
				select {
				case c.down <- err:
				default:
				}
			}
			return
		}
		c.dispatch(m)
	}
}

func (c *wsConn) dispatch(m message) {
	switch m.Type {
	case msgOffer:
		c.handleOffer(m)
	case msgAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(m.Payload, &sdp); err != nil {
			logger.Warnw("bad answer payload", "from", m.Src, "err", err)
			return
		}
		if call, ok := c.getCall(m.Src); ok {
			call.handleAnswer(sdp)
		}
	case msgCandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(m.Payload, &cand); err != nil {
			logger.Warnw("bad candidate payload", "from", m.Src, "err", err)
			return
		}
		c.mu.Lock()
		call, ok := c.calls[m.Src]
		if !ok {
			// Offer not answered yet — hold the candidate for Answer.
			c.pending[m.Src] = append(c.pending[m.Src], cand)
		}
		c.mu.Unlock()
		if ok {
			call.addCandidate(cand)
		}
	case msgLeave:
		if call, ok := c.getCall(m.Src); ok {
			call.finish(ErrRemoteClosed)
		}
	case msgError:
		logger.Warnw("broker error", "err", m.Error)
		select {
		case c.down <- fmt.Errorf("broker: %s", m.Error):
		default:
		}
	default:
		logger.Debugw("ignoring message", "type", m.Type, "from", m.Src)
	}
}

func (c *wsConn) handleOffer(m message) {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(m.Payload, &sdp); err != nil {
		logger.Warnw("bad offer payload", "from", m.Src, "err", err)
		return
	}

	c.mu.Lock()
	_, exists := c.calls[m.Src]
	c.mu.Unlock()
	if exists {
		// Renegotiation is not part of the protocol; a duplicate offer from
		// a peer we already talk to is dropped.
		logger.Debugw("duplicate offer ignored", "from", m.Src)
		return
	}

	remoteID := m.Src
	ic := IncomingCall{
		RemoteID: remoteID,
		Answer: func(ctx context.Context, media LocalMedia) (Call, error) {
			return c.answer(ctx, remoteID, sdp, media)
		},
	}
	select {
	case c.incoming <- ic:
	default:
		logger.Warnw("incoming queue full, offer dropped", "from", remoteID)
	}
}

func (c *wsConn) getCall(remoteID string) (*wsCall, bool) {
	c.mu.Lock()
	call, ok := c.calls[remoteID]
	c.mu.Unlock()
	return call, ok
}

func (c *wsConn) removeCall(remoteID string) {
	c.mu.Lock()
	delete(c.calls, remoteID)
	delete(c.pending, remoteID)
	c.mu.Unlock()
}

// Call dials remoteID: creates the peer connection, sends the offer, and
// returns the pending call. Candidates trickle as they are gathered.
func (c *wsConn) Call(_ context.Context, remoteID string, media LocalMedia) (Call, error) {
	if c.closed() {
		return nil, ErrConnClosed
	}

	pc, err := newPeerConnection(media, c.stun)
	if err != nil {
		return nil, err
	}
	call, err := c.adoptCall(remoteID, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		call.finish(err)
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		call.finish(err)
		return nil, err
	}
	if err := c.sendSDP(msgOffer, remoteID, offer); err != nil {
		call.finish(err)
		return nil, err
	}
	logger.Infow("dialing", "to", remoteID)
	return call, nil
}

// answer accepts an inbound offer with the given local media.
func (c *wsConn) answer(_ context.Context, remoteID string, offer webrtc.SessionDescription, media LocalMedia) (Call, error) {
	if c.closed() {
		return nil, ErrConnClosed
	}

	pc, err := newPeerConnection(media, c.stun)
	if err != nil {
		return nil, err
	}
	call, err := c.adoptCall(remoteID, pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		call.finish(err)
		return nil, err
	}

	// Apply candidates that arrived while the offer sat unanswered.
	c.mu.Lock()
	held := c.pending[remoteID]
	delete(c.pending, remoteID)
	c.mu.Unlock()
	for _, cand := range held {
		call.addCandidate(cand)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		call.finish(err)
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		call.finish(err)
		return nil, err
	}
	if err := c.sendSDP(msgAnswer, remoteID, answer); err != nil {
		call.finish(err)
		return nil, err
	}
	logger.Infow("answered", "from", remoteID)
	return call, nil
}

// adoptCall registers a new wsCall for remoteID and wires the PC callbacks.
func (c *wsConn) adoptCall(remoteID string, pc *webrtc.PeerConnection) (*wsCall, error) {
	call := &wsCall{
		conn:     c,
		remoteID: remoteID,
		pc:       pc,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		tracks:   make(chan RemoteTrack, 4),
	}

	c.mu.Lock()
	if _, exists := c.calls[remoteID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("broker: call to %s already exists", remoteID)
	}
	c.calls[remoteID] = call
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		b, _ := json.Marshal(cand.ToJSON())
		if err := c.send(message{Type: msgCandidate, Dst: remoteID, Payload: b}); err != nil {
			logger.Debugw("candidate send failed", "to", remoteID, "err", err)
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, rc *webrtc.RTPReceiver) {
		select {
		case call.tracks <- RemoteTrack{Track: tr, Receiver: rc, PC: pc}:
		default:
			logger.Warnw("track queue full, remote track dropped", "from", remoteID)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			call.markReady()
		case webrtc.PeerConnectionStateFailed:
			call.finish(fmt.Errorf("broker: peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			call.finish(nil)
		}
	})

	return call, nil
}

func (c *wsConn) sendSDP(msgType, dst string, sdp webrtc.SessionDescription) error {
	b, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	return c.send(message{Type: msgType, Dst: dst, Payload: b})
}

// Close hangs up every active call and drops the broker connection.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		calls := make([]*wsCall, 0, len(c.calls))
		for _, call := range c.calls {
			calls = append(calls, call)
		}
		c.mu.Unlock()
		for _, call := range calls {
			call.Close()
		}

		close(c.done)
		c.ws.Close()
		logger.Infow("connection closed", "id", c.id)
	})
	return nil
}

// wsCall is one active call over a wsConn.
type wsCall struct {
	conn     *wsConn
	remoteID string
	pc       *webrtc.PeerConnection

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	errv     error
	done     chan struct{}
	doneOnce sync.Once

	tracks chan RemoteTrack
}

func (w *wsCall) RemoteID() string           { return w.remoteID }
func (w *wsCall) Ready() <-chan struct{}     { return w.ready }
func (w *wsCall) Done() <-chan struct{}      { return w.done }
func (w *wsCall) Tracks() <-chan RemoteTrack { return w.tracks }

func (w *wsCall) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errv
}

func (w *wsCall) markReady() {
	w.readyOnce.Do(func() {
		close(w.ready)
		logger.Infow("call connected", "remote", w.remoteID)
	})
}

func (w *wsCall) handleAnswer(sdp webrtc.SessionDescription) {
	if err := w.pc.SetRemoteDescription(sdp); err != nil {
		w.finish(fmt.Errorf("apply answer: %w", err))
	}
}

func (w *wsCall) addCandidate(cand webrtc.ICECandidateInit) {
	if err := w.pc.AddICECandidate(cand); err != nil {
		logger.Debugw("candidate rejected", "remote", w.remoteID, "err", err)
	}
}

// finish ends the call exactly once. err is nil for a local hangup.
func (w *wsCall) finish(err error) {
	w.doneOnce.Do(func() {
		w.mu.Lock()
		w.errv = err
		w.mu.Unlock()
		w.conn.removeCall(w.remoteID)
		w.pc.Close()
		close(w.done)
		logger.Infow("call finished", "remote", w.remoteID, "err", err)
	})
}

// Close hangs up locally and tells the remote side. Idempotent.
func (w *wsCall) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	_ = w.conn.send(message{Type: msgLeave, Dst: w.remoteID})
	w.finish(nil)
	return nil
}
