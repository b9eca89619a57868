package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
	"github.com/elsanchez/pupiter/internal/logging"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]domain.MediaItem
	fail  error
}

func newMemStore() *memStore { return &memStore{items: make(map[string]domain.MediaItem)} }

func (s *memStore) Save(_ context.Context, item *domain.MediaItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.items[item.ID] = *item
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *memStore) GetAll(_ context.Context) ([]*domain.MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.MediaItem, 0, len(s.items))
	for _, it := range s.items {
		it := it
		out = append(out, &it)
	}
	return out, nil
}

func (s *memStore) get(id string) (domain.MediaItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	return it, ok
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T, store Store) (*Queue, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(t0)
	cfg := Config{RetryCeiling: 3, RetryBase: time.Minute, RetryCap: 10 * time.Minute}
	return New(cfg, clk, store, logging.Discard()), clk
}

func push(t *testing.T, q *Queue, id, account string, p domain.Priority) domain.MediaItem {
	t.Helper()
	item, err := q.Push(context.Background(), domain.MediaItem{ID: id, AccountID: account, SourceRef: "/media/" + id + ".mp4", Priority: p})
	require.NoError(t, err)
	return item
}

func TestQueue_PeekOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := newQueue(t, nil)
	push(t, q, "n1", "a", domain.PriorityNormal)
	push(t, q, "l1", "a", domain.PriorityLow)
	push(t, q, "n2", "a", domain.PriorityNormal)
	push(t, q, "h1", "a", domain.PriorityHigh)
	push(t, q, "h2", "a", domain.PriorityHigh)
	push(t, q, "other", "b", domain.PriorityHigh)

	var order []string
	for {
		item, ok := q.Peek("a")
		if !ok {
			break
		}
		require.NoError(t, q.MarkPublishing(item.ID))
		require.NoError(t, q.MarkPublished(item.ID, "ref"))
		order = append(order, item.ID)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, order)
	assert.Zero(t, q.Len("a"))
	assert.Equal(t, 1, q.Len("b"))
}

func TestQueue_ScheduledAtGate(t *testing.T) {
	q, clk := newQueue(t, nil)
	later := t0.Add(time.Hour)
	item, err := q.Push(context.Background(), domain.MediaItem{AccountID: "a", SourceRef: "x.jpg", ScheduledAt: &later})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, domain.MediaScheduled, item.Status)

	_, ok := q.Peek("a")
	assert.False(t, ok)
	assert.ErrorIs(t, q.MarkPublishing(item.ID), domain.ErrConflict)

	next, ok := q.NextDue("a")
	require.True(t, ok)
	assert.Equal(t, later, next)

	clk.Advance(time.Hour)
	got, ok := q.Peek("a")
	require.True(t, ok)
	assert.Equal(t, item.ID, got.ID)
	require.NoError(t, q.MarkPublishing(item.ID))
}

func TestQueue_MarkPublishingSingleWinner(t *testing.T) {
	q, _ := newQueue(t, nil)
	push(t, q, "m1", "a", domain.PriorityNormal)

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := q.MarkPublishing("m1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(63), conflicts.Load())
}

func TestQueue_RetryCeiling(t *testing.T) {
	q, clk := newQueue(t, nil)
	push(t, q, "m1", "a", domain.PriorityNormal)
	cause := errors.New("upload timeout")

	wantBackoff := []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, want := range wantBackoff {
		require.NoError(t, q.MarkPublishing("m1"), "attempt %d", i+1)
		retry, err := q.MarkFailed("m1", cause)
		require.NoError(t, err)
		require.True(t, retry, "attempt %d", i+1)

		item, _ := q.Get("m1")
		assert.Equal(t, domain.MediaPending, item.Status)
		assert.Equal(t, i+1, item.RetryCount)
		require.NotNil(t, item.ScheduledAt)
		assert.Equal(t, clk.Now().Add(want), *item.ScheduledAt)

		_, ok := q.Peek("a")
		assert.False(t, ok, "backoff hides the item")
		clk.Advance(want)
	}

	require.NoError(t, q.MarkPublishing("m1"))
	retry, err := q.MarkFailed("m1", cause)
	require.NoError(t, err)
	assert.False(t, retry)

	item, _ := q.Get("m1")
	assert.Equal(t, domain.MediaFailed, item.Status)
	assert.Equal(t, 4, item.RetryCount)
	assert.Equal(t, "upload timeout", item.LastError)

	clk.Advance(24 * time.Hour)
	_, ok := q.Peek("a")
	assert.False(t, ok, "terminal items are never retried")
	assert.ErrorIs(t, q.MarkPublishing("m1"), domain.ErrConflict)
	assert.Zero(t, q.Len("a"))
}

func TestQueue_BackoffIsCapped(t *testing.T) {
	q, _ := newQueue(t, nil)
	assert.Equal(t, 2*time.Minute, q.backoff(1))
	assert.Equal(t, 8*time.Minute, q.backoff(3))
	assert.Equal(t, 10*time.Minute, q.backoff(4))
	assert.Equal(t, 10*time.Minute, q.backoff(40))
}

func TestQueue_TransitionsRequirePublishing(t *testing.T) {
	q, _ := newQueue(t, nil)
	push(t, q, "m1", "a", domain.PriorityNormal)

	assert.ErrorIs(t, q.MarkPublished("m1", "ref"), domain.ErrConflict)
	_, err := q.MarkFailed("m1", nil)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, q.MarkPublishing("missing"), domain.ErrNotFound)
}

func TestQueue_RemoveAndRequeue(t *testing.T) {
	q, _ := newQueue(t, nil)
	push(t, q, "m1", "a", domain.PriorityNormal)
	push(t, q, "m2", "a", domain.PriorityNormal)

	require.NoError(t, q.MarkPublishing("m1"))
	assert.ErrorIs(t, q.Remove("m1"), domain.ErrConflict)
	require.NoError(t, q.Remove("m2"))
	assert.ErrorIs(t, q.Remove("m2"), domain.ErrNotFound)
	assert.Len(t, q.List("a"), 1)

	_, err := q.Requeue("m1")
	assert.ErrorIs(t, err, domain.ErrConflict, "only failed items can be requeued")

	for i := 0; i < 4; i++ {
		if i > 0 {
			q.clock.(*clock.FakeClock).Advance(time.Hour)
			require.NoError(t, q.MarkPublishing("m1"))
		}
		_, err := q.MarkFailed("m1", errors.New("x"))
		require.NoError(t, err)
	}
	item, _ := q.Get("m1")
	require.Equal(t, domain.MediaFailed, item.Status)

	item, err = q.Requeue("m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MediaPending, item.Status)
	assert.Zero(t, item.RetryCount)
	_, ok := q.Peek("a")
	assert.True(t, ok)
}

func TestQueue_ReleaseKeepsRetryCount(t *testing.T) {
	q, _ := newQueue(t, nil)
	push(t, q, "m1", "a", domain.PriorityNormal)
	require.NoError(t, q.MarkPublishing("m1"))
	require.NoError(t, q.Release("m1", "account blocked"))

	item, _ := q.Get("m1")
	assert.Equal(t, domain.MediaPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, "account blocked", item.LastError)
}

func TestQueue_PushValidation(t *testing.T) {
	q, _ := newQueue(t, nil)
	_, err := q.Push(context.Background(), domain.MediaItem{SourceRef: "x"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = q.Push(context.Background(), domain.MediaItem{AccountID: "a"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	push(t, q, "dup", "a", domain.PriorityNormal)
	_, err = q.Push(context.Background(), domain.MediaItem{ID: "dup", AccountID: "a", SourceRef: "x"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestQueue_WakeSignalsOnPush(t *testing.T) {
	q, _ := newQueue(t, nil)
	wake := q.Wake("a")

	select {
	case <-wake:
		t.Fatal("unexpected wake")
	default:
	}

	push(t, q, "m1", "a", domain.PriorityNormal)
	push(t, q, "m2", "a", domain.PriorityNormal)

	select {
	case <-wake:
	default:
		t.Fatal("push did not wake the account")
	}
}

func TestQueue_WriteThroughAndLoadRecovery(t *testing.T) {
	store := newMemStore()
	q, _ := newQueue(t, store)
	push(t, q, "m1", "a", domain.PriorityNormal)
	push(t, q, "m2", "a", domain.PriorityHigh)
	push(t, q, "m3", "a", domain.PriorityNormal)
	require.NoError(t, q.MarkPublishing("m2"))

	saved, ok := store.get("m2")
	require.True(t, ok)
	assert.Equal(t, domain.MediaPublishing, saved.Status)

	// Simular un crash: una cola nueva sobre el mismo store.
	q2, _ := newQueue(t, store)
	recovered, err := q2.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	item, ok := q2.Get("m2")
	require.True(t, ok)
	assert.Equal(t, domain.MediaFailed, item.Status)
	assert.Equal(t, InterruptedMessage, item.LastError)
	saved, _ = store.get("m2")
	assert.Equal(t, domain.MediaFailed, saved.Status)

	next, ok := q2.Peek("a")
	require.True(t, ok)
	assert.Equal(t, "m1", next.ID)

	pushed := push(t, q2, "m4", "a", domain.PriorityNormal)
	assert.Equal(t, int64(4), pushed.Seq, "sequence continues after load")
}

func TestQueue_PushFailsWhenStoreFails(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	q, _ := newQueue(t, store)

	_, err := q.Push(context.Background(), domain.MediaItem{ID: "m1", AccountID: "a", SourceRef: "x"})
	require.Error(t, err)
	_, ok := q.Get("m1")
	assert.False(t, ok)
}
