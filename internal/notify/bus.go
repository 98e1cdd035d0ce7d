// Package notify tells the rest of the application which entities changed
// after a pull was applied. Batches are debounced, filtered by table and
// shared with the other replicas on the machine through a broadcast channel.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/notesync/internal/broadcast"
	"github.com/kimhsiao/notesync/internal/logging"
	"github.com/kimhsiao/notesync/internal/models"
	"github.com/kimhsiao/notesync/internal/uuid"
)

// Broadcast topics.
const (
	TopicChanges = "changes"
	TopicNewPull = "new_pull"
)

// DefaultDebounce is used when New is given a non-positive debounce.
const DefaultDebounce = 50 * time.Millisecond

type changesMessage struct {
	Origin  string          `json:"origin"`
	Changes []models.Change `json:"changes"`
}

type newPullMessage struct {
	Origin   string `json:"origin"`
	Revision int64  `json:"revision"`
}

type listener struct {
	tables map[string]bool
	fn     func([]models.Change)
}

func (l *listener) filter(changes []models.Change) []models.Change {
	if len(l.tables) == 0 {
		return changes
	}
	var out []models.Change
	for _, c := range changes {
		if l.tables[c.Table] {
			out = append(out, c)
		}
	}
	return out
}

// Bus buffers applied changes and fans them out to listeners.
type Bus struct {
	ch       broadcast.Channel
	origin   string
	debounce time.Duration
	log      *logging.Logger

	mu        sync.Mutex
	pending   []models.Change
	timer     *time.Timer
	nextID    int
	listeners map[int]*listener
	pulls     map[int]func(int64)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a bus. ch may be nil for a replica that shares its database
// with nobody.
func New(ch broadcast.Channel, debounce time.Duration) *Bus {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	origin := uuid.New()
	return &Bus{
		ch:        ch,
		origin:    origin,
		debounce:  debounce,
		log:       logging.With(map[string]interface{}{"component": "notify", "origin": origin}),
		listeners: make(map[int]*listener),
		pulls:     make(map[int]func(int64)),
	}
}

// Origin identifies this bus in broadcast messages.
func (b *Bus) Origin() string {
	return b.origin
}

// Start consumes batches and signals published by other buses on the
// channel until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) {
	if b.ch == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	changesCh, stopChanges := b.ch.Subscribe(TopicChanges)
	pullCh, stopPull := b.ch.Subscribe(TopicNewPull)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stopChanges()
		defer stopPull()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-changesCh:
				if !ok {
					return
				}
				b.receiveChanges(msg.Data)
			case msg, ok := <-pullCh:
				if !ok {
					return
				}
				b.receiveNewPull(msg.Data)
			}
		}
	}()
}

func (b *Bus) receiveChanges(data []byte) {
	var m changesMessage
	if err := json.Unmarshal(data, &m); err != nil {
		b.log.Warn("Ignoring malformed change batch", map[string]interface{}{"error": err.Error()})
		return
	}
	if m.Origin == b.origin {
		return
	}
	b.dispatch(m.Changes)
}

func (b *Bus) receiveNewPull(data []byte) {
	var m newPullMessage
	if err := json.Unmarshal(data, &m); err != nil {
		b.log.Warn("Ignoring malformed pull signal", map[string]interface{}{"error": err.Error()})
		return
	}
	if m.Origin == b.origin {
		return
	}
	b.dispatchNewPull(m.Revision)
}

// =====================================================
// Changes
// =====================================================

// Publish queues changes for the next flush.
func (b *Bus) Publish(changes []models.Change) {
	if len(changes) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, changes...)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.debounce, func() {
			b.Flush(context.Background())
		})
	}
}

// Flush delivers the buffered batch now.
func (b *Bus) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	b.dispatch(batch)
	b.broadcast(ctx, TopicChanges, changesMessage{Origin: b.origin, Changes: batch})
}

// Subscribe registers fn for batches touching tables. No tables means all
// tables. The returned function unsubscribes.
func (b *Bus) Subscribe(tables []string, fn func([]models.Change)) func() {
	l := &listener{fn: fn}
	if len(tables) > 0 {
		l.tables = make(map[string]bool, len(tables))
		for _, t := range tables {
			l.tables[t] = true
		}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = l
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bus) dispatch(changes []models.Change) {
	b.mu.Lock()
	ls := make([]*listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()

	for _, l := range ls {
		if matched := l.filter(changes); len(matched) > 0 {
			l.fn(matched)
		}
	}
}

// =====================================================
// New pull signal
// =====================================================

// NotifyNewPull announces that a pull up to revision has been applied.
func (b *Bus) NotifyNewPull(ctx context.Context, revision int64) {
	b.dispatchNewPull(revision)
	b.broadcast(ctx, TopicNewPull, newPullMessage{Origin: b.origin, Revision: revision})
}

// OnNewPull registers fn for new pull signals. The returned function
// unsubscribes.
func (b *Bus) OnNewPull(fn func(revision int64)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.pulls[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.pulls, id)
		b.mu.Unlock()
	}
}

func (b *Bus) dispatchNewPull(revision int64) {
	b.mu.Lock()
	fns := make([]func(int64), 0, len(b.pulls))
	for _, fn := range b.pulls {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(revision)
	}
}

func (b *Bus) broadcast(ctx context.Context, topic string, v interface{}) {
	if b.ch == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("Failed to encode broadcast", err, map[string]interface{}{"topic": topic})
		return
	}
	if err := b.ch.Publish(ctx, topic, data); err != nil {
		b.log.Warn("Broadcast failed", map[string]interface{}{"topic": topic, "error": err.Error()})
	}
}

// Close flushes what is buffered and stops consuming the channel. The
// channel itself is owned by the caller.
func (b *Bus) Close() {
	b.Flush(context.Background())
	b.mu.Lock()
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}
