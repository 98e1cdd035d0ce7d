package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Hub frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPublish     = "publish"
	ActionMessage     = "message"
	ActionPing        = "ping"
	ActionPong        = "pong"
)

// Frame is the JSON message exchanged between the hub and its clients.
type Frame struct {
	Action    string          `json:"action"`
	Topic     string          `json:"topic,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only local processes talk to the hub.
		return r.Header.Get("Origin") == ""
	},
}

// hubClient is one websocket connection to the hub.
type hubClient struct {
	id            string
	scope         string
	conn          *websocket.Conn
	send          chan []byte
	hub           *Hub
	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *hubClient) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[topic]
}

type scopedFrame struct {
	scope string
	data  []byte
	topic string
}

// Hub relays published frames to every subscribed connection of the same
// scope.
type Hub struct {
	clients    map[string]*hubClient
	broadcast  chan scopedFrame
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub and starts its relay loop.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan scopedFrame, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Close stops the relay loop.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Hub client connected",
				map[string]interface{}{"client": client.id, "scope": client.scope, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Hub client disconnected",
				map[string]interface{}{"client": client.id, "total": total})

		case frame := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if client.scope != frame.scope || !client.subscribed(frame.topic) {
					continue
				}
				select {
				case client.send <- frame.data:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Router returns the hub's HTTP surface.
func (h *Hub) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws/{scope}", h.HandleWebSocket)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": "notesync-hub",
			"clients": h.Clients(),
		})
	})
	return r
}

// HandleWebSocket upgrades a request and joins the scope in the path.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope == "" {
		http.Error(w, "missing scope", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Hub upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &hubClient{
		id:            uuid.New(),
		scope:         scope,
		conn:          conn,
		send:          make(chan []byte, 256),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump pumps frames from the websocket connection.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Hub read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			logging.Warn("Hub received invalid frame", map[string]interface{}{"error": err.Error()})
			continue
		}

		switch frame.Action {
		case ActionSubscribe:
			c.mu.Lock()
			for _, t := range frame.Topics {
				c.subscriptions[t] = true
			}
			c.mu.Unlock()

		case ActionUnsubscribe:
			c.mu.Lock()
			for _, t := range frame.Topics {
				delete(c.subscriptions, t)
			}
			c.mu.Unlock()

		case ActionPublish:
			out, err := json.Marshal(Frame{
				Action:    ActionMessage,
				Topic:     frame.Topic,
				Data:      frame.Data,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			select {
			case c.hub.broadcast <- scopedFrame{scope: c.scope, topic: frame.Topic, data: out}:
			case <-c.hub.done:
				return
			}

		case ActionPing:
			c.sendFrame(Frame{Action: ActionPong, Timestamp: time.Now().Unix()})
		}
	}
}

// writePump pumps frames to the websocket connection.
func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubClient) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	defer func() {
		// send may already be closed by the hub.
		recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}
