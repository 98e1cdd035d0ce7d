// Package broadcast fans messages out between replicas on the same machine
// that share one database. Channels are scoped by database name.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/kimhsiao/notesync/internal/logging"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("broadcast channel closed")

// Message is one published payload. Data is a JSON document.
type Message struct {
	Topic string
	Data  []byte
}

// Channel publishes to and receives from every participant of a scope,
// including the publisher itself.
type Channel interface {
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe returns a channel of messages on topic and a function
	// that cancels the subscription.
	Subscribe(topic string) (<-chan Message, func())
	Close() error
}

const subscriberBuffer = 256

// subscribers is a topic -> subscriber registry shared by the channel
// implementations.
type subscribers struct {
	mu     sync.RWMutex
	next   int
	topics map[string]map[int]chan Message
}

func newSubscribers() *subscribers {
	return &subscribers{topics: make(map[string]map[int]chan Message)}
}

func (s *subscribers) add(topic string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)
	s.mu.Lock()
	s.next++
	id := s.next
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[int]chan Message)
	}
	s.topics[topic][id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if subs, ok := s.topics[topic]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(s.topics, topic)
				}
			}
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) deliver(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.topics[msg.Topic] {
		select {
		case ch <- msg:
		default:
			logging.Warn("Broadcast subscriber is slow, dropping message",
				map[string]interface{}{"topic": msg.Topic})
		}
	}
}

func (s *subscribers) topicNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	return names
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, subs := range s.topics {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(s.topics, topic)
	}
}

// =====================================================
// In-process channel
// =====================================================

var (
	scopesMu sync.Mutex
	scopes   = make(map[string]*memoryScope)
)

type memoryScope struct {
	mu      sync.RWMutex
	members map[*Memory]struct{}
}

// Memory connects replicas living in one process, for example several
// replicas under test.
type Memory struct {
	scope  string
	subs   *subscribers
	mu     sync.Mutex
	closed bool
}

// NewMemory joins the in-process scope.
func NewMemory(scope string) *Memory {
	m := &Memory{scope: scope, subs: newSubscribers()}

	scopesMu.Lock()
	sc, ok := scopes[scope]
	if !ok {
		sc = &memoryScope{members: make(map[*Memory]struct{})}
		scopes[scope] = sc
	}
	scopesMu.Unlock()

	sc.mu.Lock()
	sc.members[m] = struct{}{}
	sc.mu.Unlock()
	return m
}

func (m *Memory) scopeRef() *memoryScope {
	scopesMu.Lock()
	defer scopesMu.Unlock()
	return scopes[m.scope]
}

// Publish implements Channel.
func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sc := m.scopeRef()
	if sc == nil {
		return ErrClosed
	}
	msg := Message{Topic: topic, Data: append([]byte(nil), data...)}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	for member := range sc.members {
		member.subs.deliver(msg)
	}
	return nil
}

// Subscribe implements Channel.
func (m *Memory) Subscribe(topic string) (<-chan Message, func()) {
	return m.subs.add(topic)
}

// Close implements Channel.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	scopesMu.Lock()
	if sc, ok := scopes[m.scope]; ok {
		sc.mu.Lock()
		delete(sc.members, m)
		if len(sc.members) == 0 {
			delete(scopes, m.scope)
		}
		sc.mu.Unlock()
	}
	scopesMu.Unlock()

	m.subs.closeAll()
	return nil
}
