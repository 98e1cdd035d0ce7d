package broadcast

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/notesync/internal/errors"
	"github.com/kimhsiao/notesync/internal/logging"
)

// HubClient is a Channel backed by a Hub reachable over websocket. It
// redials and resubscribes when the connection drops.
type HubClient struct {
	endpoint string
	subs     *subscribers

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialHub connects to the hub at baseURL (http or ws scheme) and joins scope.
func DialHub(ctx context.Context, baseURL, scope string) (*HubClient, error) {
	endpoint, err := hubEndpoint(baseURL, scope)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &HubClient{
		endpoint: endpoint,
		subs:     newSubscribers(),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.run(conn)
	return c, nil
}

func hubEndpoint(baseURL, scope string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid hub url", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + scope
	return u.String(), nil
}

func (c *HubClient) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncDisconnected, "hub unreachable", err)
	}
	return conn, nil
}

// run reads frames until the connection drops, then redials.
func (c *HubClient) run(conn *websocket.Conn) {
	defer close(c.done)
	backoff := 100 * time.Millisecond
	for {
		c.readLoop(conn)
		conn.Close()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := c.dial(c.ctx)
			if err == nil {
				conn = next
				backoff = 100 * time.Millisecond
				break
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			logging.Debug("Hub redial failed", map[string]interface{}{"error": err.Error()})
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		if topics := c.subs.topicNames(); len(topics) > 0 {
			if err := c.write(Frame{Action: ActionSubscribe, Topics: topics}); err != nil {
				logging.Warn("Hub resubscribe failed", map[string]interface{}{"error": err.Error()})
			}
		}
		logging.Debug("Hub reconnected", map[string]interface{}{"endpoint": c.endpoint})
	}
}

func (c *HubClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Action != ActionMessage {
			continue
		}
		c.subs.deliver(Message{Topic: frame.Topic, Data: frame.Data})
	}
}

func (c *HubClient) write(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncDisconnected, "hub write failed", err)
	}
	return nil
}

// Publish implements Channel. data must be a JSON document.
func (c *HubClient) Publish(ctx context.Context, topic string, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(data) {
		return apperrors.New(apperrors.ErrInvalid, "broadcast payload is not JSON")
	}
	return c.write(Frame{Action: ActionPublish, Topic: topic, Data: json.RawMessage(data)})
}

// Subscribe implements Channel.
func (c *HubClient) Subscribe(topic string) (<-chan Message, func()) {
	ch, cancel := c.subs.add(topic)
	if err := c.write(Frame{Action: ActionSubscribe, Topics: []string{topic}}); err != nil {
		// The topic is resent after the next reconnect.
		logging.Debug("Hub subscribe deferred", map[string]interface{}{"topic": topic})
	}
	return ch, cancel
}

// Close implements Channel.
func (c *HubClient) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.writeMu.Lock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	conn.Close()
	<-c.done
	c.subs.closeAll()
	return nil
}
