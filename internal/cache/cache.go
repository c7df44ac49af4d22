// Package cache provides the small key/value and pub/sub surface used for
// unread counters: Redis when configured, process memory otherwise.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("cache closed")

// Store is a JSON value cache with per-key TTL.
type Store interface {
	// Get decodes the value at key into v and reports whether it existed.
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Handler receives published payloads.
type Handler func(payload []byte)

// Bus fans messages out to every subscriber of a channel, across instances
// for the Redis implementation.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe calls fn for each message until the returned cancel func is
	// called or ctx ends.
	Subscribe(ctx context.Context, channel string, fn Handler) (cancel func(), err error)
}

// Cache is both a Store and a Bus.
type Cache interface {
	Store
	Bus
	Ping(ctx context.Context) error
	Close() error
}
