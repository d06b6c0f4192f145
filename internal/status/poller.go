// Package status polls the matchmaking backend while the user waits in the
// queue and decides when to move them on. Polling is presentation-driven: one
// fetch per second, no backoff, until a redirect fires or the caller cancels.
package status

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/duet-chat/duet/internal/proto"
	"github.com/duet-chat/duet/internal/util"
)

var log = logging.Logger("status")

// DefaultInterval is the queue-status poll cadence.
const DefaultInterval = time.Second

// Target is where the backend wants the user next.
type Target int

const (
	// TargetNone: keep waiting.
	TargetNone Target = iota
	// TargetSession: a partner was found, go to the call page.
	TargetSession
	// TargetChat: the session moved to its text-chat phase.
	TargetChat
)

// Client is the slice of the backend API the poller consumes.
// Satisfied by *backend.Client.
type Client interface {
	FetchStatus(ctx context.Context) (proto.Status, error)
}

// Poller watches the queue until the backend assigns a destination.
type Poller struct {
	backend  Client
	interval time.Duration

	// OnQueue, when set, receives every queue snapshot (position, total).
	OnQueue func(position, total int)
}

func NewPoller(backend Client) *Poller {
	return &Poller{backend: backend, interval: DefaultInterval}
}

// decide maps a backend status to a redirect target.
func decide(st proto.Status) Target {
	switch st.Status {
	case proto.StatusInSession:
		return TargetSession
	case proto.StatusInChat:
		return TargetChat
	default:
		return TargetNone
	}
}

// Wait polls until the backend assigns a destination or ctx ends. Fetch
// failures are logged and retried on the next tick; the queue page stays up
// through transient backend trouble.
func (p *Poller) Wait(ctx context.Context) (Target, proto.Status, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return TargetNone, proto.Status{}, ctx.Err()
		case <-ticker.C:
		}

		fctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
		st, err := p.backend.FetchStatus(fctx)
		cancel()
		if err != nil {
			log.Warnw("status fetch failed, retrying", "err", err)
			continue
		}

		if st.Status == proto.StatusQueued && p.OnQueue != nil {
			p.OnQueue(st.QueuePosition, st.TotalInQueue)
		}

		if target := decide(st); target != TargetNone {
			log.Infow("matched", "status", st.Status, "session", st.SessionID)
			return target, st, nil
		}
	}
}
