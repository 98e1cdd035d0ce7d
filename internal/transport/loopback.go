package transport

import (
	"context"
	"sync"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Loopback dials a Handler in the same process. Payloads still pass
// through JSON so both sides see exactly what the wire would carry.
type Loopback struct {
	h Handler

	mu      sync.Mutex
	offline bool
	conns   []*loopConn
}

// NewLoopback creates a Loopback over h.
func NewLoopback(h Handler) *Loopback {
	return &Loopback{h: h}
}

// SetOffline makes later dials fail and drops open sessions.
func (l *Loopback) SetOffline(offline bool) {
	l.mu.Lock()
	l.offline = offline
	conns := l.conns
	if offline {
		l.conns = nil
	}
	l.mu.Unlock()

	if offline {
		for _, c := range conns {
			c.Close()
		}
	}
}

// Dial implements Dialer.
func (l *Loopback) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offline {
		return nil, apperrors.New(apperrors.ErrSyncDisconnected, "loopback offline")
	}

	c := &loopConn{
		h:      l.h,
		notify: make(chan Envelope, 64),
		done:   make(chan struct{}),
	}
	c.session = l.h.Attach(c.push)
	l.conns = append(l.conns, c)
	return c, nil
}

type loopConn struct {
	h       Handler
	session string
	notify  chan Envelope
	done    chan struct{}
	once    sync.Once
}

func (c *loopConn) push(env Envelope) {
	select {
	case <-c.done:
	case c.notify <- env:
	default:
		// Slow consumer; notifications are hints only.
	}
}

// Send implements Sender.
func (c *loopConn) Send(ctx context.Context, command string, payload, out interface{}) error {
	select {
	case <-c.done:
		return apperrors.New(apperrors.ErrSyncDisconnected, "connection closed")
	default:
	}
	req, err := NewEnvelope(uuid.New(), command, payload)
	if err != nil {
		return err
	}
	resp := c.h.Handle(ctx, c.session, req)
	return resp.Decode(out)
}

func (c *loopConn) Notifications() <-chan Envelope { return c.notify }

func (c *loopConn) Done() <-chan struct{} { return c.done }

func (c *loopConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.h.Detach(c.session)
	})
	return nil
}
