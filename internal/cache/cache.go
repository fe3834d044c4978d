// Package cache implements the fingerprint-keyed cache bridging query
// generation and execution. Entries are tagged with the schema version
// they were produced under; invalidation raises a version floor rather
// than scanning the backing store, so stale entries die on first read.
//
// Two logical namespaces exist (generated queries, execution results);
// each is an independent Namespace with its own TTL. Concurrent callers
// may race to populate the same key; last writer wins, which is harmless
// because regeneration and re-execution are idempotent for the same
// inputs and schema version.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/querymesh/querymesh/internal/observability"
)

// Store is the pluggable backing store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type envelope[T any] struct {
	SchemaVersion int64     `json:"schema_version"`
	StoredAt      time.Time `json:"stored_at"`
	Value         T         `json:"value"`
}

// Entry is a decoded cache hit.
type Entry[T any] struct {
	Value         T
	SchemaVersion int64
	StoredAt      time.Time
}

// Namespace is one logical cache keyed by fingerprint. A store failure is
// treated as a miss: the cache must never break a request.
type Namespace[T any] struct {
	name       string
	store      Store
	ttl        time.Duration
	minVersion atomic.Int64
}

func NewNamespace[T any](name string, store Store, ttl time.Duration) *Namespace[T] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Namespace[T]{name: name, store: store, ttl: ttl}
}

func (n *Namespace[T]) Get(ctx context.Context, fingerprint string) (Entry[T], bool) {
	raw, ok, err := n.store.Get(ctx, n.key(fingerprint))
	if err != nil || !ok {
		observability.ObserveCacheLookup(n.name, false)
		return Entry[T]{}, false
	}
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = n.store.Delete(ctx, n.key(fingerprint))
		observability.ObserveCacheLookup(n.name, false)
		return Entry[T]{}, false
	}
	if env.SchemaVersion < n.minVersion.Load() {
		_ = n.store.Delete(ctx, n.key(fingerprint))
		observability.ObserveCacheLookup(n.name, false)
		return Entry[T]{}, false
	}
	observability.ObserveCacheLookup(n.name, true)
	return Entry[T]{Value: env.Value, SchemaVersion: env.SchemaVersion, StoredAt: env.StoredAt}, true
}

func (n *Namespace[T]) Put(ctx context.Context, fingerprint string, value T, schemaVersion int64) {
	if schemaVersion < n.minVersion.Load() {
		return
	}
	raw, err := json.Marshal(envelope[T]{
		SchemaVersion: schemaVersion,
		StoredAt:      time.Now().UTC(),
		Value:         value,
	})
	if err != nil {
		return
	}
	_ = n.store.Set(ctx, n.key(fingerprint), raw, n.ttl)
}

// Invalidate drops every entry tagged with a schema version older than
// version. Entries written under the current version survive.
func (n *Namespace[T]) Invalidate(version int64) {
	for {
		current := n.minVersion.Load()
		if version <= current {
			return
		}
		if n.minVersion.CompareAndSwap(current, version) {
			return
		}
	}
}

func (n *Namespace[T]) key(fingerprint string) string {
	return n.name + ":" + fingerprint
}
