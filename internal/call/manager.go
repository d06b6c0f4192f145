package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duet-chat/duet/internal/broker"
	"github.com/duet-chat/duet/internal/identity"
	"github.com/duet-chat/duet/internal/util"
)

// Options configures a Manager for one call-page visit.
type Options struct {
	SessionID string
	UserID    string

	Backend   StatusClient
	Broker    broker.Registrar
	OpenMedia func() (Media, error)

	// PollInterval is the partner-discovery poll cadence. Default 1s.
	PollInterval time.Duration

	// DialTimeout bounds an unanswered outbound call attempt. Default 20s.
	DialTimeout time.Duration

	// MaxRegisterAttempts bounds identifier regeneration under broker
	// collisions. Default 8.
	MaxRegisterAttempts int
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 20 * time.Second
	}
	if o.MaxRegisterAttempts <= 0 {
		o.MaxRegisterAttempts = 8
	}
}

// Manager owns the peer identity, media session, and the (at most one) active
// call for a single page visit. All cross-goroutine state sits behind one
// mutex; the call guard is checked and set under it.
type Manager struct {
	opts Options

	events chan Event

	mu        sync.Mutex
	state     State
	addr      string // registered peer address
	conn      broker.Conn
	media     Media
	sess      *session // the single CallHandle; nil when no call
	published bool

	done     chan struct{}
	downOnce sync.Once
}

func New(opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:   opts,
		events: make(chan Event, 16),
		state:  StateUnregistered,
		done:   make(chan struct{}),
	}
}

// Events delivers manager updates. Slow consumers lose intermediate events,
// never block the manager.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerAddr returns the broker address this participant registered under.
func (m *Manager) PeerAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// RemoteMedia returns the partner's observed mute/video state.
func (m *Manager) RemoteMedia() RemoteState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return RemoteState{}
	}
	return m.sess.remoteState()
}

// Start registers with the broker, acquires local media, and kicks off the
// discovery and inbound loops. Fatal setup errors (non-collision registration
// failure, media denial) are returned and emitted; the manager is then torn
// down and unusable.
func (m *Manager) Start(ctx context.Context) error {
	conn, err := m.register(ctx)
	if err != nil {
		m.emit(Event{Kind: EventFatal, State: m.State(), Err: err, Message: "connection error"})
		m.Teardown()
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.addr = conn.ID()
	m.mu.Unlock()
	m.setState(StateRegistered)

	med, err := m.opts.OpenMedia()
	if err != nil {
		m.emit(Event{Kind: EventFatal, State: m.State(), Err: err, Message: "cannot access camera/microphone"})
		m.Teardown()
		return err
	}
	m.mu.Lock()
	m.media = med
	m.mu.Unlock()

	go m.discoveryLoop(ctx)
	go m.inboundLoop(ctx, conn)
	go m.downLoop(ctx, conn)
	return nil
}

// register mints identities until the broker accepts one. Collisions are
// recovered transparently with a fresh random suffix; any other error is
// fatal. An accepted identity is never reused by a later attempt.
func (m *Manager) register(ctx context.Context) (broker.Conn, error) {
	m.setState(StateRegistering)
	for attempt := 1; attempt <= m.opts.MaxRegisterAttempts; attempt++ {
		id := identity.New(m.opts.SessionID, m.opts.UserID)
		conn, err := m.opts.Broker.Register(ctx, id.String())
		if errors.Is(err, broker.ErrIDTaken) {
			log.Printf("CALL [%s]: peer address collision (attempt %d), regenerating", m.opts.SessionID, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return nil, fmt.Errorf("registration kept colliding after %d attempts", m.opts.MaxRegisterAttempts)
}

// discoveryLoop publishes the local peer address, then polls the backend until
// the partner's address appears. The smaller address dials; the larger side
// leaves the loop and waits for the inbound offer.
func (m *Manager) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.ensurePublished(ctx) {
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		st, err := m.opts.Backend.FetchStatus(fctx)
		cancel()
		if err != nil {
			m.emit(Event{Kind: EventTransient, State: m.State(), Err: err, Message: "connection lost, retrying"})
			continue
		}

		partner := st.PartnerAddr(m.opts.UserID)
		if partner == "" {
			continue
		}

		if !m.shouldDial(partner) {
			log.Printf("CALL [%s]: partner %s dials, waiting for offer", m.opts.SessionID, partner)
			return
		}
		if m.dial(ctx, partner) {
			return
		}
	}
}

// ensurePublished publishes the local peer address once; transient failures
// are retried on the next poll tick.
func (m *Manager) ensurePublished(ctx context.Context) bool {
	m.mu.Lock()
	published, addr := m.published, m.addr
	m.mu.Unlock()
	if published {
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, util.DefaultPublishTimeout)
	err := m.opts.Backend.PublishPeerAddr(pctx, m.opts.SessionID, addr)
	cancel()
	if err != nil {
		m.emit(Event{Kind: EventTransient, State: m.State(), Err: err, Message: "connection lost, retrying"})
		return false
	}
	m.mu.Lock()
	m.published = true
	m.mu.Unlock()
	return true
}

// shouldDial is the deterministic tie-break for the two-sided dial: the
// lexicographically smaller peer address dials, the larger only answers.
func (m *Manager) shouldDial(partnerAddr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr < partnerAddr
}

// dial attempts the outbound call. Returns true when discovery is finished —
// either this attempt became the call or another call already holds the
// guard. Returns false on a broker error so the poll can retry.
func (m *Manager) dial(ctx context.Context, partnerAddr string) bool {
	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return true
	}
	m.state = StateCalling
	conn, med := m.conn, m.media
	m.mu.Unlock()
	m.emit(Event{Kind: EventState, State: StateCalling})

	c, err := conn.Call(ctx, partnerAddr, med)
	if err != nil {
		m.emit(Event{Kind: EventTransient, State: StateRegistered, Err: err, Message: "call failed"})
		m.setState(StateRegistered)
		return false
	}

	m.mu.Lock()
	if m.sess != nil || m.state == StateClosed {
		// An inbound answer won the race while the offer was in flight,
		// or teardown began. Either way this handle must not survive.
		m.mu.Unlock()
		c.Close()
		return true
	}
	s := newSession(c, m.onRemoteMedia)
	m.sess = s
	m.mu.Unlock()

	go m.watchCall(ctx, s, true)
	return true
}

// inboundLoop answers inbound offers. An offer arriving while any call handle
// exists (connected or still dialing) is ignored — never rejected at the
// protocol level, simply not answered.
func (m *Manager) inboundLoop(ctx context.Context, conn broker.Conn) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case ic, ok := <-conn.Incoming():
			if !ok {
				return
			}

			m.mu.Lock()
			busy := m.sess != nil || m.state == StateCalling || m.state == StateClosed
			if busy {
				m.mu.Unlock()
				log.Printf("CALL [%s]: offer from %s ignored, call already active", m.opts.SessionID, ic.RemoteID)
				continue
			}
			m.state = StateAnswering
			med := m.media
			m.mu.Unlock()
			m.emit(Event{Kind: EventState, State: StateAnswering})

			c, err := ic.Answer(ctx, med)
			if err != nil {
				m.emit(Event{Kind: EventTransient, State: StateRegistered, Err: err, Message: "call failed"})
				m.setState(StateRegistered)
				continue
			}

			// Re-check the guard: an outbound dial may have installed its
			// call (or teardown begun) while the answer was in flight.
			m.mu.Lock()
			if m.sess != nil || m.state == StateClosed {
				m.mu.Unlock()
				log.Printf("CALL [%s]: answered call to %s discarded, another call won", m.opts.SessionID, ic.RemoteID)
				c.Close()
				continue
			}
			s := newSession(c, m.onRemoteMedia)
			m.sess = s
			m.mu.Unlock()
			go m.watchCall(ctx, s, false)
		}
	}
}

// watchCall follows one call from pending to finished. Outbound attempts that
// stay unanswered past DialTimeout are abandoned and discovery resumes.
func (m *Manager) watchCall(ctx context.Context, s *session, outbound bool) {
	var timeout <-chan time.Time
	if outbound {
		t := time.NewTimer(m.opts.DialTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-m.done:
		return
	case <-s.call.Ready():
		m.setState(StateConnected)
		go s.consumeTracks(m.done)
	case <-s.call.Done():
		m.finishCall(s)
		return
	case <-timeout:
		log.Printf("CALL [%s]: outbound attempt to %s timed out", m.opts.SessionID, s.call.RemoteID())
		s.Hangup()
		m.clearSession(s)
		m.emit(Event{Kind: EventTransient, State: StateRegistered, Message: "no answer"})
		m.setState(StateRegistered)
		go m.discoveryLoop(ctx)
		return
	}

	select {
	case <-m.done:
		return
	case <-s.call.Done():
		m.finishCall(s)
	}
}

// finishCall tears down the call handle but keeps the media session alive so
// a future call could reuse local capture without a fresh device prompt.
// No automatic re-dial happens here; higher layers decide what comes next.
func (m *Manager) finishCall(s *session) {
	err := s.call.Err()
	s.Hangup()
	m.clearSession(s)

	msg := "call ended"
	if err != nil && !errors.Is(err, broker.ErrRemoteClosed) {
		msg = "call failed"
	}
	m.emit(Event{Kind: EventCallEnded, State: StateClosed, Err: err, Message: msg})
	m.setState(StateClosed)
}

// clearSession drops the call guard if s still holds it and resets the
// observed remote media state.
func (m *Manager) clearSession(s *session) {
	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.mu.Unlock()
	m.emit(Event{Kind: EventRemoteMedia, State: m.State(), Remote: RemoteState{}})
}

// downLoop reacts to broker-level drops: reconnect under the same peer
// address, reporting the disconnected state meanwhile. A reconnect failure is
// fatal.
func (m *Manager) downLoop(ctx context.Context, conn broker.Conn) {
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case err, ok := <-conn.Down():
			if !ok {
				return
			}
			m.emit(Event{Kind: EventTransient, State: m.State(), Err: err, Message: "signaling connection lost, reconnecting"})

			m.mu.Lock()
			addr := m.addr
			m.mu.Unlock()

			nc, rerr := m.opts.Broker.Register(ctx, addr)
			if rerr != nil {
				m.emit(Event{Kind: EventFatal, State: m.State(), Err: rerr, Message: "connection error"})
				return
			}
			m.mu.Lock()
			m.conn = nc
			m.mu.Unlock()
			log.Printf("CALL [%s]: broker reconnected as %s", m.opts.SessionID, addr)

			go m.inboundLoop(ctx, nc)
			go m.downLoop(ctx, nc)
			return
		}
	}
}

// ToggleAudio flips local audio; returns the new muted state. Pure media
// operation — nothing is signaled to the broker.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	med := m.media
	m.mu.Unlock()
	if med == nil {
		return false
	}
	return med.ToggleAudio()
}

// ToggleVideo flips local video; returns the new disabled state.
func (m *Manager) ToggleVideo() bool {
	m.mu.Lock()
	med := m.media
	m.mu.Unlock()
	if med == nil {
		return false
	}
	return med.ToggleVideo()
}

func (m *Manager) onRemoteMedia(rs RemoteState) {
	m.emit(Event{Kind: EventRemoteMedia, State: m.State(), Remote: rs})
}

// Teardown releases everything: the call, local capture, the broker
// connection, and (best-effort) the published backend address. Idempotent —
// an unmount racing an error path must never double-release or panic.
func (m *Manager) Teardown() {
	m.downOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		sess, med, conn := m.sess, m.media, m.conn
		published := m.published
		m.sess = nil
		m.state = StateClosed
		m.mu.Unlock()

		if sess != nil {
			sess.Hangup()
		}
		if med != nil {
			med.Close()
		}
		if conn != nil {
			conn.Close()
		}

		if published {
			ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			if err := m.opts.Backend.ClearPeerAddr(ctx, m.opts.SessionID); err != nil {
				log.Printf("CALL [%s]: peer address clear failed (ignored): %v", m.opts.SessionID, err)
			}
		}
		log.Printf("CALL [%s]: torn down", m.opts.SessionID)
	})
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == StateClosed && s != StateClosed {
		// Teardown already won; don't resurrect.
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.emit(Event{Kind: EventState, State: s})
}

// emit never blocks; a full queue drops the event.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
