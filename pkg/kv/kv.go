package kv

import (
	"context"
)

// Pair is a key's value together with the store's version of it.
type Pair struct {
	Value []byte
	// ModifyIndex is the store revision of the key, usable with CAS.
	ModifyIndex uint64
}

// Store is a thin capability over a linearizable key-value store. Values
// are opaque byte strings; callers serialize structured data as JSON text.
type Store interface {
	// Get returns the pair at key, or nil when the key is absent.
	Get(ctx context.Context, key string) (*Pair, error)

	// Put writes value at key unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// CAS writes value at key only when the key's current revision matches
	// index. It reports whether the write was applied.
	CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error)

	// Lock returns the named advisory lock. The lock is session scoped and
	// leased; two callers holding locks of different names do not contend.
	Lock(name string) (Locker, error)
}

// Locker is a named advisory lock. Acquire blocks until the lock is held or
// the context expires; a caller that cannot confirm acquisition must not
// proceed with its critical section. Release is idempotent.
type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}
