// Package tracking keeps presence, delivery and transfer-request state in the
// shared store. Every store call runs through a circuit breaker.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/soyeahso/livechat/internal/kv"
	"github.com/soyeahso/livechat/internal/resilience"
)

// Guard wraps a kv.Store with a circuit breaker. Misses are reported as
// kv.ErrNotFound but do not count as failures.
type Guard struct {
	store   kv.Store
	breaker *resilience.Breaker
}

// NewGuard creates a Guard. A nil breaker gets the default settings.
func NewGuard(store kv.Store, breaker *resilience.Breaker) *Guard {
	if breaker == nil {
		breaker = resilience.New(resilience.DefaultSettings("presence-store"))
	}
	return &Guard{store: store, breaker: breaker}
}

// Breaker returns the breaker protecting the store.
func (g *Guard) Breaker() *resilience.Breaker { return g.breaker }

// Store returns the unguarded store.
func (g *Guard) Store() kv.Store { return g.store }

func (g *Guard) run(op func() error) error {
	var miss bool
	err := g.breaker.Execute(func() error {
		err := op()
		if errors.Is(err, kv.ErrNotFound) {
			miss = true
			return nil
		}
		return err
	})
	if miss {
		return kv.ErrNotFound
	}
	return err
}

func (g *Guard) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := g.run(func() (err error) {
		v, err = g.store.Get(ctx, key)
		return err
	})
	return v, err
}

func (g *Guard) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.run(func() error { return g.store.Set(ctx, key, value, ttl) })
}

func (g *Guard) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := g.run(func() (err error) {
		ok, err = g.store.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (g *Guard) GetDel(ctx context.Context, key string) (string, error) {
	var v string
	err := g.run(func() (err error) {
		v, err = g.store.GetDel(ctx, key)
		return err
	})
	return v, err
}

func (g *Guard) Del(ctx context.Context, keys ...string) error {
	return g.run(func() error { return g.store.Del(ctx, keys...) })
}

func (g *Guard) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := g.run(func() (err error) {
		ok, err = g.store.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (g *Guard) HSet(ctx context.Context, key, field, value string) error {
	return g.run(func() error { return g.store.HSet(ctx, key, field, value) })
}

func (g *Guard) HGet(ctx context.Context, key, field string) (string, error) {
	var v string
	err := g.run(func() (err error) {
		v, err = g.store.HGet(ctx, key, field)
		return err
	})
	return v, err
}

func (g *Guard) HDel(ctx context.Context, key string, fields ...string) error {
	return g.run(func() error { return g.store.HDel(ctx, key, fields...) })
}

func (g *Guard) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := g.run(func() (err error) {
		m, err = g.store.HGetAll(ctx, key)
		return err
	})
	return m, err
}

// Ping checks the store directly so readiness reflects the store, not the breaker.
func (g *Guard) Ping(ctx context.Context) error { return g.store.Ping(ctx) }
