// Package store is the shared key/value and pub/sub layer behind presence,
// assignment and conversation state.
//
// Two backends exist: Redis (Distributed) and an in-process Memory store
// (LocalOnly). Failover fronts a Redis store with a Memory mirror and drops
// to LocalOnly while Redis is unreachable.
package store

import (
	"context"
	"errors"
	"time"
)

// Mode reports whether store state is shared across nodes.
type Mode string

const (
	Distributed Mode = "distributed"
	LocalOnly   Mode = "local"
)

// ErrNotFound is returned by Get for a missing or expired key.
var ErrNotFound = errors.New("store: key not found")

// Message is a pub/sub delivery.
type Message struct {
	Pattern string
	Channel string
	Payload []byte
}

// Subscription is a live pattern subscription. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the set of primitives the gateway needs from its shared state.
// Keys are passed fully qualified (see Keys).
type Store interface {
	Mode() Mode
	Ping(ctx context.Context) error

	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Counters
	Incr(ctx context.Context, key string) (int64, error)
	// IncrIfBelow increments key only while its value is below limit.
	IncrIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error)
	// DecrIfPositive decrements key, never below zero.
	DecrIfPositive(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Pub/sub
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	Close() error
}
