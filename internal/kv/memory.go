package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	hash    map[string]string
	expires time.Time
}

// MemoryStore is a process-local Backend. It honours TTLs and delivers
// published payloads to in-process subscribers, so several gateway instances
// sharing one MemoryStore behave like processes sharing a Redis.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time

	subMu  sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memEntry),
		subs: make(map[string]map[int]chan []byte),
		now:  time.Now,
	}
}

// SetClock overrides the time source used for expiry. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// live returns the entry for key, evicting it if expired. Caller holds m.mu.
func (m *MemoryStore) live(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash != nil {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &memEntry{value: value, expires: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.data[key] = &memEntry{value: value, expires: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) GetDel(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash != nil {
		return "", ErrNotFound
	}
	delete(m.data, key)
	return e.value, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		e = &memEntry{hash: make(map[string]string)}
		m.data[key] = e
	}
	e.hash[field] = value
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return "", ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.hash == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	// Redis drops a hash once its last field is gone.
	if len(e.hash) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	e := m.live(key)
	if e == nil || e.hash == nil {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close stops all subscriptions.
func (m *MemoryStore) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	m.subs = make(map[string]map[int]chan []byte)
	return nil
}

// Publish delivers payload to every current subscriber of channel.
func (m *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers fn for channel. Payloads are handed to fn in publish
// order on a dedicated goroutine.
func (m *MemoryStore) Subscribe(ctx context.Context, channel string, fn func([]byte)) (func(), error) {
	ch := make(chan []byte, 256)

	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return func() {}, ErrClosed
	}
	id := m.nextID
	m.nextID++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]chan []byte)
	}
	m.subs[channel][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if c, ok := m.subs[channel][id]; ok {
				delete(m.subs[channel], id)
				close(c)
			}
		})
	}

	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg)
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
	}()

	return unsubscribe, nil
}
