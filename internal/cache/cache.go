// Package cache defines the key-value TTL cache the step-up flow keeps its
// state in, the typed keys stored there, and a Redis implementation.
package cache

import (
	"context"
	"time"
)

// Cache is a key-value store with per-key expiry.
//
// Implementations must make SetNX, SetXX, Incr and AddMember atomic: the step-up flow relies on
// them instead of in-process locks.
type Cache interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key Key) (string, bool, error)
	// Set stores value under key, replacing any existing value and TTL.
	Set(ctx context.Context, key Key, value string, ttl time.Duration) error
	// SetXX replaces value and TTL only if key exists; reports whether it stored.
	SetXX(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error)
	// SetNX stores value only if key is absent; reports whether it stored.
	SetNX(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error)
	// Incr increments the integer at key, (re)sets its TTL and returns the new value.
	Incr(ctx context.Context, key Key, ttl time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key, or 0 when absent or persistent.
	TTL(ctx context.Context, key Key) (time.Duration, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// AddMember adds member to the set at key and resets the set's TTL.
	AddMember(ctx context.Context, key Key, member string, ttl time.Duration) error
	// Members returns the members of the set at key, empty when absent.
	Members(ctx context.Context, key Key) ([]string, error)
	// RemoveMembers removes members from the set at key.
	RemoveMembers(ctx context.Context, key Key, members ...string) error
}
