package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Options tunes websocket sessions.
type Options struct {
	// RequestTimeout bounds the wait for one response.
	RequestTimeout time.Duration
	// MaxRetries is how many times a timed out request is resent before
	// the session is dropped.
	MaxRetries   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultOptions returns the default session options.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		MaxRetries:     2,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	return o
}

// =====================================================
// Client
// =====================================================

// WebSocketDialer opens sessions to a sync server websocket endpoint.
type WebSocketDialer struct {
	URL     string
	Header  http.Header
	Options Options
}

// NewWebSocketDialer creates a dialer for url (ws:// or wss://).
func NewWebSocketDialer(rawURL string, opts Options) *WebSocketDialer {
	return &WebSocketDialer{URL: rawURL, Options: opts.withDefaults()}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncDisconnected, "failed to dial "+redact(d.URL), err)
	}
	c := newWSConn(ws, d.Options.withDefaults())
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "sync server"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

type wsConn struct {
	ws   *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope

	notify chan Envelope
	done   chan struct{}
	once   sync.Once
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	return &wsConn{
		ws:      ws,
		opts:    opts,
		pending: make(map[string]chan Envelope),
		notify:  make(chan Envelope, 64),
		done:    make(chan struct{}),
	}
}

func (c *wsConn) Notifications() <-chan Envelope { return c.notify }

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Send implements Sender. A request that times out is resent with a new
// correlation id; once retries are exhausted the session is closed so the
// owner reconnects.
func (c *wsConn) Send(ctx context.Context, command string, payload, out interface{}) error {
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		resp, err := c.roundTrip(ctx, command, payload)
		if err == nil {
			return resp.Decode(out)
		}
		if !apperrors.Is(err, apperrors.ErrSyncTimeout) {
			return err
		}
		logging.Warn("Sync request timed out",
			map[string]interface{}{
				"command": command,
				"attempt": attempt + 1,
				"max":     c.opts.MaxRetries + 1,
			})
	}
	c.Close()
	return apperrors.New(apperrors.ErrSyncTimeout, command+": no response, reconnecting")
}

func (c *wsConn) roundTrip(ctx context.Context, command string, payload interface{}) (Envelope, error) {
	req, err := NewEnvelope(uuid.New(), command, payload)
	if err != nil {
		return Envelope{}, err
	}

	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		c.Close()
		return Envelope{}, apperrors.Wrap(apperrors.ErrSyncDisconnected, "failed to send "+command, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Envelope{}, apperrors.New(apperrors.ErrSyncTimeout, command+" timed out")
	case <-c.done:
		return Envelope{}, apperrors.New(apperrors.ErrSyncDisconnected, "connection closed")
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (c *wsConn) readLoop() {
	defer c.Close()

	deadline := 2 * c.opts.PingInterval
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Sync connection lost", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn("Dropping malformed envelope", map[string]interface{}{"error": err.Error()})
			continue
		}

		if env.ID == "" {
			select {
			case c.notify <- env:
			default:
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// =====================================================
// Server endpoint
// =====================================================

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and browsers on the serving host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ServeWS upgrades requests and serves each connection as one session of h.
func ServeWS(h Handler, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		s := &session{
			ws:   ws,
			opts: opts,
			send: make(chan []byte, 256),
			done: make(chan struct{}),
		}
		s.id = h.Attach(s.push)

		go s.writePump()
		s.readPump(r.Context(), h)
	}
}

type session struct {
	id   string
	ws   *websocket.Conn
	opts Options
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) push(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		logging.Warn("Session send buffer full, dropping notification",
			map[string]interface{}{"session": s.id, "type": env.Type})
	}
}

// reply blocks until the response is queued or the session ends.
func (s *session) reply(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	}
}

func (s *session) readPump(ctx context.Context, h Handler) {
	defer func() {
		h.Detach(s.id)
		s.close()
		s.ws.Close()
	}()

	deadline := 2 * s.opts.PingInterval
	s.ws.SetReadDeadline(time.Now().Add(deadline))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		s.ws.SetReadDeadline(time.Now().Add(deadline))

		var req Envelope
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(ErrorEnvelope(Envelope{Type: "unknown"},
				apperrors.Wrap(apperrors.ErrSyncProtocol, "malformed envelope", err)))
			continue
		}
		s.reply(h.Handle(context.WithoutCancel(ctx), s.id, req))
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case <-s.done:
			s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			s.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
