/*
Package kv is the thin capability the port allocator uses over a
linearizable key-value store: get, put, compare-and-swap, and a named
advisory lock with a session lease.

The production implementation runs on Consul (ConsulStore); MemoryStore
backs tests and single-node development. Transport failures surface as
fault.KVUnavailable, failed acquisitions as fault.LockTimeout; callers
must never enter a critical section they could not confirm.
*/
package kv
