// Package store abstracts the shared key-value/stream/pub-sub substrate
// the broker is built on. Every other component in this repository talks
// to the store through this interface; the only concrete implementation
// shipped is a Redis-backed one (internal/store/redisstore), but nothing
// above this layer imports Redis directly.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors callers check with errors.Is. These map directly onto
// spec §7's error kinds that the store itself can surface; everything else
// (Contention, CapabilityMismatch, ConnectorError, Timeout) is produced by
// higher layers.
var (
	// ErrStoreUnavailable indicates the store's transport is down.
	// Callers retry with backoff or degrade per §7.
	ErrStoreUnavailable = errors.New("store: unavailable")
	// ErrNotFound indicates a key/field/member does not exist.
	ErrNotFound = errors.New("store: not found")
)

// ScoredMember is one entry of a sorted-set range read.
type ScoredMember struct {
	Member string
	Score  float64
}

// StreamEntry is one append-only stream record. ID is assigned by the
// store and is monotonically increasing within a stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Callers must call Close
// when done; Channel() is re-readable until then.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Store is the set of primitives the broker needs from the shared
// substrate: hashes, sorted sets, sets, streams, pub/sub, and TTLs, plus
// the one atomic primitive (ConditionalRemove) correctness depends on.
type Store interface {
	// Hash operations.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HKeys(ctx context.Context, pattern string) ([]string, error)

	// Sorted set operations. Pending-queue ordering (§4.3) lives here.
	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZRem(ctx context.Context, key string, member string) error
	// ZRevRange returns up to count members in descending score order
	// (highest score first), matching the claim protocol's top-K read.
	ZRevRange(ctx context.Context, key string, count int64) ([]ScoredMember, error)
	ZRank(ctx context.Context, key string, member string) (int64, bool, error)

	// Set operations.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key string, member string) (bool, error)

	// Stream operations. Append-only, server-assigned monotonic IDs.
	XAdd(ctx context.Context, key string, fields map[string]string) (string, error)
	XRange(ctx context.Context, key string, start, end string) ([]StreamEntry, error)

	// Pub/Sub. Fire-and-forget, no replay.
	Publish(ctx context.Context, channel string, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// TTL. Sets a key to expire ttl from now.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Exists reports whether a key has any content.
	Exists(ctx context.Context, key string) (bool, error)

	// ConditionalRemove is the linearization point used by Broker.Claim:
	// "remove member from the sorted set at key; true iff it was present."
	// This is the only place correctness depends on the store's atomicity.
	ConditionalRemove(ctx context.Context, key string, member string) (bool, error)

	// RefreshHeartbeatIfActive atomically checks membership in activeSetKey
	// and, only if still present, writes heartbeatKey with the given TTL.
	// Used by the worker registry so a heartbeat racing a reclaim sweep
	// can never resurrect a key the sweep just evicted.
	RefreshHeartbeatIfActive(ctx context.Context, heartbeatKey, activeSetKey, workerID string, ttl time.Duration, nowISO string) (bool, error)

	// Close releases the store's underlying connection(s).
	Close() error
}
