/*
Package ports implements the cluster-wide TCP port allocator.

Two mutable records live in the KV store: `available_ports`, an ordered
list of free ports, and `pending_ports`, a map from port to its
reservation time. A port is pending from reservation until the create
pipeline either binds it to a live instance (at which point it counts as
allocated, derived from the instances' tcp proxy devices) or releases it
on a failure path.

Every read-modify-write of either record happens inside the named advisory
lock; the invariants the rest of the system relies on are

	available ∩ pending = ∅
	allocated ∩ pending = ∅
	available ∪ pending ∪ allocated ⊆ P

and they hold after every lock release, even when a reserve fails midway:
the free set is re-derived from stored state on the next call, so a port
can be transiently double-counted but never double-reserved and never lost.
*/
package ports
