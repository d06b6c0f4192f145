package call

import (
	"sync/atomic"
	"testing"

	"github.com/duet-chat/duet/internal/proto"
)

func TestTimerExpiresExactlyOnce(t *testing.T) {
	var (
		expired  atomic.Int32
		terminal atomic.Int32
		order    []string
	)
	tm := NewTimer("sess1", 10_000, &fakeStatus{},
		func() {
			expired.Add(1)
			order = append(order, "expire")
		},
		func(r TerminalReason, _ string) {
			terminal.Add(1)
			order = append(order, "terminal")
			if r != ReasonExpired {
				t.Errorf("reason = %v, want expired", r)
			}
		})

	if got := tm.Remaining(); got != 10 {
		t.Fatalf("seeded remaining = %d, want 10", got)
	}
	for i := 0; i < 10; i++ {
		if expired.Load() != 0 {
			t.Fatalf("expired after %d ticks, want 10", i)
		}
		tm.Advance()
	}
	if expired.Load() != 1 || terminal.Load() != 1 {
		t.Fatalf("expire fired %d times, terminal %d times, want 1 each", expired.Load(), terminal.Load())
	}
	if len(order) != 2 || order[0] != "expire" || order[1] != "terminal" {
		t.Fatalf("callback order %v, want teardown before navigation", order)
	}
	if tm.Phase() != TimerTerminal {
		t.Fatalf("phase = %v, want terminal", tm.Phase())
	}

	// Further ticks must not re-fire anything.
	tm.Advance()
	tm.Advance()
	if expired.Load() != 1 || terminal.Load() != 1 {
		t.Fatal("expiry sequence re-fired")
	}
}

func TestTimerSeedRoundsUp(t *testing.T) {
	tm := NewTimer("sess1", 2_400, &fakeStatus{}, nil, nil)
	if got := tm.Remaining(); got != 3 {
		t.Fatalf("2400ms seeds remaining = %d, want 3", got)
	}
	tm = NewTimer("sess1", 0, &fakeStatus{}, nil, nil)
	if got := tm.Remaining(); got != 0 {
		t.Fatalf("0ms seeds remaining = %d, want 0", got)
	}
}

func TestTimerResyncCorrectsLocalClock(t *testing.T) {
	tm := NewTimer("sess1", 500_000, &fakeStatus{}, nil, nil)
	tm.Advance()
	tm.Advance()

	tm.ApplyResync(proto.Status{
		Status:     proto.StatusInSession,
		SessionID:  "sess1",
		TimeLeftMS: 3_000,
	})
	if got := tm.Remaining(); got != 3 {
		t.Fatalf("after resync remaining = %d, want 3", got)
	}
	if tm.Phase() != TimerRunning {
		t.Fatalf("phase = %v, want running", tm.Phase())
	}

	// Resync to zero ends the countdown right away.
	var terminal atomic.Int32
	tm2 := NewTimer("sess1", 500_000, &fakeStatus{}, nil,
		func(r TerminalReason, _ string) {
			terminal.Add(1)
			if r != ReasonExpired {
				t.Errorf("reason = %v, want expired", r)
			}
		})
	tm2.ApplyResync(proto.Status{Status: proto.StatusInSession, SessionID: "sess1", TimeLeftMS: 0})
	if terminal.Load() != 1 {
		t.Fatalf("zero-time resync: terminal fired %d times, want 1", terminal.Load())
	}
}

func TestTimerAuthorityOverridesLocalTime(t *testing.T) {
	var (
		reason   TerminalReason
		terminal atomic.Int32
		expired  atomic.Int32
	)
	tm := NewTimer("sess1", 500_000, &fakeStatus{},
		func() { expired.Add(1) },
		func(r TerminalReason, _ string) {
			reason = r
			terminal.Add(1)
		})
	tm.Advance()
	tm.Advance()

	// Backend reports a different session: local remaining time is moot.
	tm.ApplyResync(proto.Status{
		Status:     proto.StatusInSession,
		SessionID:  "sess2",
		TimeLeftMS: 90_000,
	})
	if terminal.Load() != 1 {
		t.Fatalf("terminal fired %d times, want 1", terminal.Load())
	}
	if reason != ReasonAuthority {
		t.Fatalf("reason = %v, want authority", reason)
	}
	if expired.Load() != 0 {
		t.Fatal("authority override ran the expiry hook")
	}

	// Late resyncs and ticks after terminal are no-ops.
	tm.ApplyResync(proto.Status{Status: proto.StatusIdle})
	tm.Advance()
	if terminal.Load() != 1 {
		t.Fatalf("terminal re-fired, count = %d", terminal.Load())
	}
	if tm.Phase() != TimerTerminal {
		t.Fatalf("phase = %v, want terminal", tm.Phase())
	}
}

func TestTimerInactiveSessionEndsCountdown(t *testing.T) {
	var reason TerminalReason
	tm := NewTimer("sess1", 300_000, &fakeStatus{}, nil,
		func(r TerminalReason, _ string) { reason = r })

	tm.ApplyResync(proto.Status{Status: proto.StatusInChat, SessionID: "sess1"})
	if tm.Phase() != TimerTerminal {
		t.Fatal("backend session end not observed")
	}
	if reason != ReasonAuthority {
		t.Fatalf("reason = %v, want authority", reason)
	}
}
