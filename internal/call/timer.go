package call

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/duet-chat/duet/internal/proto"
	"github.com/duet-chat/duet/internal/util"
)

// TimerPhase is the countdown lifecycle.
type TimerPhase int

const (
	TimerRunning TimerPhase = iota
	// TimerExpiring covers the moment between the countdown hitting zero and
	// the terminal callback: the expiry hook (teardown) runs in this phase.
	TimerExpiring
	TimerTerminal
)

// TerminalReason says why the timer stopped.
type TerminalReason int

const (
	// ReasonExpired: the countdown ran out.
	ReasonExpired TerminalReason = iota
	// ReasonAuthority: the backend reports a different session or no session
	// at all — the countdown is moot regardless of local remaining time.
	ReasonAuthority
)

// defaultResyncEvery is how many local ticks pass between backend corrections.
const defaultResyncEvery = 5

// Timer is the session countdown. The local one-second tick drives the
// display and the expiry transition; the backend remains authoritative and
// corrects drift (or ends the session outright) on every resync.
type Timer struct {
	sessionID string
	backend   StatusClient

	// ResyncEvery is the number of local ticks between backend corrections.
	// Set before Run; defaults to 5.
	ResyncEvery int

	mu        sync.Mutex
	remaining int64 // seconds
	phase     TimerPhase

	onExpire   func()
	onTerminal func(TerminalReason, string)
}

// NewTimer seeds the countdown from a backend-reported time budget.
// When the countdown reaches zero, onExpire (the teardown hook) fires first,
// then onTerminal with ReasonExpired. Each callback fires at most once.
func NewTimer(sessionID string, seedMS int64, backend StatusClient, onExpire func(), onTerminal func(TerminalReason, string)) *Timer {
	return &Timer{
		sessionID:   sessionID,
		backend:     backend,
		ResyncEvery: defaultResyncEvery,
		remaining:   ceilSeconds(seedMS),
		onExpire:    onExpire,
		onTerminal:  onTerminal,
	}
}

// Remaining returns the current countdown value in whole seconds.
func (t *Timer) Remaining() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

func (t *Timer) Phase() TimerPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// Advance consumes one local second. Reaching zero runs the expiry sequence
// exactly once; ticks after terminal are no-ops.
func (t *Timer) Advance() {
	t.mu.Lock()
	if t.phase != TimerRunning {
		t.mu.Unlock()
		return
	}
	if t.remaining > 0 {
		t.remaining--
	}
	if t.remaining > 0 {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.expire()
}

// expire runs zero-reached sequence: teardown hook, then terminal.
func (t *Timer) expire() {
	t.mu.Lock()
	if t.phase != TimerRunning {
		t.mu.Unlock()
		return
	}
	t.phase = TimerExpiring
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
	t.terminal(ReasonExpired, "")
}

// ApplyResync reconciles the local countdown with a backend status snapshot.
// The backend wins: a session mismatch or an inactive status ends the timer
// immediately, and a differing remaining time replaces the local value.
func (t *Timer) ApplyResync(st proto.Status) {
	if !st.Active() || st.SessionID != t.sessionID {
		t.terminal(ReasonAuthority, st.Status)
		return
	}

	secs := ceilSeconds(st.TimeLeftMS)
	t.mu.Lock()
	if t.phase != TimerRunning {
		t.mu.Unlock()
		return
	}
	if secs != t.remaining {
		log.Printf("TIMER [%s]: resync %ds -> %ds", t.sessionID, t.remaining, secs)
	}
	t.remaining = secs
	t.mu.Unlock()

	if secs == 0 {
		t.expire()
	}
}

// terminal fires onTerminal exactly once.
func (t *Timer) terminal(reason TerminalReason, status string) {
	t.mu.Lock()
	if t.phase == TimerTerminal {
		t.mu.Unlock()
		return
	}
	t.phase = TimerTerminal
	cb := t.onTerminal
	t.mu.Unlock()

	log.Printf("TIMER [%s]: terminal (reason=%d status=%q)", t.sessionID, reason, status)
	if cb != nil {
		cb(reason, status)
	}
}

// Run drives the countdown: one Advance per second, one backend resync every
// ResyncEvery ticks. Returns when the timer goes terminal or ctx ends.
// Resync fetch failures are logged and skipped; the local clock carries on.
func (t *Timer) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	every := t.ResyncEvery
	if every <= 0 {
		every = defaultResyncEvery
	}

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.Advance()
		if t.Phase() == TimerTerminal {
			return
		}

		ticks++
		if ticks%every != 0 {
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		st, err := t.backend.FetchStatus(fctx)
		cancel()
		if err != nil {
			log.Printf("TIMER [%s]: resync fetch failed (local clock continues): %v", t.sessionID, err)
			continue
		}
		t.ApplyResync(st)

		if t.Phase() == TimerTerminal {
			return
		}
	}
}

// ceilSeconds rounds milliseconds up so a session never shows 0:00 while
// backend time remains.
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}
