package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "marker", "x", 15*time.Second))

	now = now.Add(14 * time.Second)
	_, err := s.Get(ctx, "marker")
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = s.Get(ctx, "marker")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.SetNX(ctx, "marker", "y", 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must not block SetNX")
}

func TestMemoryStore_SetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetNX(ctx, "transfer:t1", "a", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "transfer:t1", "b", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _ := s.Get(ctx, "transfer:t1")
	assert.Equal(t, "a", v)
}

func TestMemoryStore_GetDelSingleConsumer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "m", "prev", 0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetDel(ctx, "m"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryStore_Hash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.HSet(ctx, "ledger", "m1", "a"))
	require.NoError(t, s.HSet(ctx, "ledger", "m2", "b"))

	v, err := s.HGet(ctx, "ledger", "m1")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	_, err = s.HGet(ctx, "ledger", "m3")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.HGetAll(ctx, "ledger")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m1": "a", "m2": "b"}, all)

	require.NoError(t, s.HDel(ctx, "ledger", "m1", "m2"))
	ok, _ := s.Exists(ctx, "ledger")
	assert.False(t, ok, "empty hash is dropped")

	all, err = s.HGetAll(ctx, "ledger")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStore_PubSub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()

	got := make(chan string, 4)
	unsub, err := s.Subscribe(ctx, "events", func(p []byte) { got <- string(p) })
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "events", []byte("one")))
	require.NoError(t, s.Publish(ctx, "other", []byte("ignored")))
	require.NoError(t, s.Publish(ctx, "events", []byte("two")))

	assert.Equal(t, "one", <-got)
	assert.Equal(t, "two", <-got)

	unsub()
	require.NoError(t, s.Publish(ctx, "events", []byte("three")))
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryStore_CloseStopsSubscribers(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Subscribe(context.Background(), "events", func([]byte) {})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Subscribe(context.Background(), "events", func([]byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}
