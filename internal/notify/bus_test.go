package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/notesync/internal/broadcast"
	"github.com/kimhsiao/notesync/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]models.Change
}

func (r *recorder) add(changes []models.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, changes)
}

func (r *recorder) get() [][]models.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Change(nil), r.batches...)
}

func noteChange(id string) models.Change {
	return models.NewCreate(models.TableNotes, id, models.Object{"id": id})
}

func blockChange(id string) models.Change {
	return models.NewCreate(models.TableBlocks, id, models.Object{"id": id})
}

func TestBus_debouncesIntoOneBatch(t *testing.T) {
	bus := New(nil, 20*time.Millisecond)
	defer bus.Close()

	var rec recorder
	bus.Subscribe(nil, rec.add)

	bus.Publish([]models.Change{noteChange("n1")})
	bus.Publish([]models.Change{noteChange("n2"), blockChange("b1")})
	assert.Empty(t, rec.get(), "nothing is delivered before the debounce")

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.get()[0], 3)
}

func TestBus_tableFilter(t *testing.T) {
	bus := New(nil, time.Hour)
	defer bus.Close()

	var notes, blocks recorder
	bus.Subscribe([]string{models.TableNotes}, notes.add)
	unsub := bus.Subscribe([]string{models.TableBlocks}, blocks.add)

	bus.Publish([]models.Change{noteChange("n1"), blockChange("b1")})
	bus.Flush(context.Background())

	require.Len(t, notes.get(), 1)
	assert.Equal(t, models.TableNotes, notes.get()[0][0].Table)
	require.Len(t, blocks.get(), 1)
	assert.Len(t, blocks.get()[0], 1)

	unsub()
	bus.Publish([]models.Change{noteChange("n2")})
	bus.Flush(context.Background())
	assert.Len(t, notes.get(), 2)
	assert.Len(t, blocks.get(), 1, "unsubscribed listeners and unmatched tables get nothing")
}

func TestBus_newPull(t *testing.T) {
	bus := New(nil, 0)
	defer bus.Close()

	var got []int64
	unsub := bus.OnNewPull(func(rev int64) { got = append(got, rev) })
	bus.NotifyNewPull(context.Background(), 4)
	unsub()
	bus.NotifyNewPull(context.Background(), 5)
	assert.Equal(t, []int64{4}, got)
}

func TestBus_acrossChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leaderCh := broadcast.NewMemory("bus-test.db")
	followerCh := broadcast.NewMemory("bus-test.db")
	defer leaderCh.Close()
	defer followerCh.Close()

	leader := New(leaderCh, time.Hour)
	follower := New(followerCh, time.Hour)
	leader.Start(ctx)
	follower.Start(ctx)
	defer leader.Close()
	defer follower.Close()

	var onLeader, onFollower recorder
	leader.Subscribe(nil, onLeader.add)
	follower.Subscribe([]string{models.TableNotes}, onFollower.add)

	revs := make(chan int64, 1)
	follower.OnNewPull(func(rev int64) { revs <- rev })

	leader.Publish([]models.Change{noteChange("n1"), blockChange("b1")})
	leader.Flush(ctx)
	leader.NotifyNewPull(ctx, 9)

	require.Eventually(t, func() bool { return len(onFollower.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, onFollower.get()[0], 1)
	assert.Equal(t, "n1", onFollower.get()[0][0].Key)

	select {
	case rev := <-revs:
		assert.Equal(t, int64(9), rev)
	case <-time.After(time.Second):
		t.Fatal("follower missed the pull signal")
	}

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, onLeader.get(), 1, "the publisher ignores its own echo")
}
