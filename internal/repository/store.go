// Package repository defines the keyed store contract implemented by concrete backends.
package repository

import (
	"context"
	"time"
)

// ScoredMember is one entry of an ordered collection.
type ScoredMember struct {
	Member string
	Score  int64
}

// Reader exposes the read primitives of the store.
type Reader interface {
	// Get returns a string value or errs.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Exists reports whether key holds any value.
	Exists(ctx context.Context, key string) (bool, error)
	// SMembers returns the members of an unordered set (empty if missing).
	SMembers(ctx context.Context, key string) ([]string, error)
	// ZRange returns ordered members by rank, inclusive; negative ranks count from the end.
	ZRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)
	// ZRangeByScore returns ordered members with min <= score <= max.
	ZRangeByScore(ctx context.Context, key string, min, max int64) ([]ScoredMember, error)
	// ZScore returns the score of member or errs.ErrNotFound.
	ZScore(ctx context.Context, key, member string) (int64, error)
}

// Batch queues write commands that are applied as one all-or-nothing unit.
type Batch interface {
	Set(key, value string)
	// SetNX sets key only if it does not exist yet.
	SetNX(key, value string)
	Del(keys ...string)
	SAdd(key, member string)
	SRem(key, member string)
	ZAdd(key string, score int64, member string)
	ZRemRangeByScore(key string, min, max int64)
	ZRemRangeByRank(key string, start, stop int64)
	// Expire sets a TTL on an existing key; missing keys are left alone.
	Expire(key string, ttl time.Duration)
}

// Tx is handed to Watch callbacks: reads see live data, writes are queued.
type Tx interface {
	Reader
	Batch
}

// Store is the persistent keyed store consumed by the engine.
type Store interface {
	Reader

	// Exec applies the commands queued by fn atomically.
	Exec(ctx context.Context, fn func(b Batch)) error

	// Watch runs fn and commits its queued writes atomically, only if none of
	// keys changed since fn started reading. Returns errs.ErrConflict when
	// concurrent writers keep winning, or fn's own error (nothing committed).
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Flush removes every key.
	Flush(ctx context.Context) error
	// Close releases the backend connection.
	Close() error
}
