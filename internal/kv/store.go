// Package kv defines the shared presence store contract and its Redis and
// in-process implementations.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist (or expired).
var ErrNotFound = errors.New("kv: not found")

// ErrClosed is returned when subscribing to a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is the key/value contract the presence engine depends on. Every
// operation is independently atomic; there are no multi-key transactions.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set writes value; a zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// GetDel returns and deletes key in one step.
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// PubSub fans payloads out to every subscriber of a channel, across processes
// for the Redis implementation.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers fn before returning. The returned func unsubscribes.
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) (func(), error)
}

// Backend is a store that also provides pub/sub.
type Backend interface {
	Store
	PubSub
}
