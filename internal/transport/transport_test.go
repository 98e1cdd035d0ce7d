package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
)

type echoReq struct {
	Text string `json:"text"`
}

type echoResp struct {
	Text    string `json:"text"`
	Session string `json:"session"`
}

// echoHandler answers "echo" requests, rejects unknown commands and stalls
// on "hang" requests.
type echoHandler struct {
	mu       sync.Mutex
	next     int
	sessions map[string]func(Envelope)
	hang     chan struct{}
}

func newEchoHandler() *echoHandler {
	return &echoHandler{sessions: make(map[string]func(Envelope)), hang: make(chan struct{})}
}

func (h *echoHandler) Attach(notify func(Envelope)) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := string(rune('a' + h.next))
	h.sessions[id] = notify
	return id
}

func (h *echoHandler) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

func (h *echoHandler) attached() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *echoHandler) broadcast(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, notify := range h.sessions {
		notify(env)
	}
}

func (h *echoHandler) Handle(ctx context.Context, id string, req Envelope) Envelope {
	switch req.Type {
	case "echo":
		var in echoReq
		if err := req.Decode(&in); err != nil {
			return ErrorEnvelope(req, err)
		}
		resp, _ := NewEnvelope(req.ID, req.Type, echoResp{Text: in.Text, Session: id})
		return resp
	case "hang":
		select {
		case <-h.hang:
		case <-time.After(time.Second):
		}
		return Envelope{ID: "", Type: "late"}
	default:
		return ErrorEnvelope(req, apperrors.New(apperrors.ErrSyncProtocol, "unknown command "+req.Type))
	}
}

func TestEnvelope_Decode(t *testing.T) {
	env, err := NewEnvelope("1", "echo", echoReq{Text: "hi"})
	require.NoError(t, err)

	var out echoReq
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "hi", out.Text)

	bad := Envelope{Type: "echo", Payload: []byte("{")}
	assert.True(t, apperrors.Is(bad.Decode(&out), apperrors.ErrSyncProtocol))

	failed := ErrorEnvelope(env, apperrors.New(apperrors.ErrSyncLocked, "busy"))
	err = failed.Decode(&out)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncLocked))
}

func TestLoopback(t *testing.T) {
	h := newEchoHandler()
	lb := NewLoopback(h)
	ctx := context.Background()

	conn, err := lb.Dial(ctx)
	require.NoError(t, err)

	var out echoResp
	require.NoError(t, conn.Send(ctx, "echo", echoReq{Text: "ping"}, &out))
	assert.Equal(t, "ping", out.Text)
	assert.NotEmpty(t, out.Session)

	err = conn.Send(ctx, "nope", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncProtocol))

	h.broadcast(Envelope{Type: "changes_available"})
	select {
	case env := <-conn.Notifications():
		assert.Equal(t, "changes_available", env.Type)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	lb.SetOffline(true)
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("going offline should close open sessions")
	}
	assert.Equal(t, 0, h.attached())

	_, err = lb.Dial(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDisconnected))

	lb.SetOffline(false)
	_, err = lb.Dial(ctx)
	assert.NoError(t, err)
}

func dialTest(t *testing.T, h Handler, opts Options) Conn {
	t.Helper()
	srv := httptest.NewServer(ServeWS(h, opts))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := NewWebSocketDialer(url, opts).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_roundTrip(t *testing.T) {
	h := newEchoHandler()
	conn := dialTest(t, h, Options{RequestTimeout: 2 * time.Second})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			var out echoResp
			if assert.NoError(t, conn.Send(ctx, "echo", echoReq{Text: text}, &out)) {
				assert.Equal(t, text, out.Text)
			}
		}(strings.Repeat("x", i+1))
	}
	wg.Wait()

	err := conn.Send(ctx, "nope", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncProtocol))
}

func TestWebSocket_notifications(t *testing.T) {
	h := newEchoHandler()
	conn := dialTest(t, h, Options{})

	require.Eventually(t, func() bool { return h.attached() == 1 }, time.Second, 10*time.Millisecond)
	env, _ := NewEnvelope("", "changes_available", map[string]int64{"revision": 7})
	h.broadcast(env)

	select {
	case got := <-conn.Notifications():
		var payload map[string]int64
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, int64(7), payload["revision"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestWebSocket_timeoutClosesSession(t *testing.T) {
	h := newEchoHandler()
	defer close(h.hang)
	conn := dialTest(t, h, Options{RequestTimeout: 50 * time.Millisecond, MaxRetries: 1})

	err := conn.Send(context.Background(), "hang", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncTimeout))

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("session should be closed after retries are exhausted")
	}
}
