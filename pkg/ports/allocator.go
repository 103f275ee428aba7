package ports

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/host"
	"github.com/lxstack/lxmq/pkg/kv"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
)

const (
	availableKey = "available_ports"
	pendingKey   = "pending_ports"
)

// PendingPort is the pending record entry for one port. ReservedAt is kept
// as a decimal epoch-seconds string so a stale reservation can be found and
// cleared by an operator.
type PendingPort struct {
	ReservedAt string `json:"reserved_at"`
}

// InstanceLister provides the live instances whose tcp proxy devices make
// up the allocated set.
type InstanceLister interface {
	List(ctx context.Context) ([]*host.Instance, error)
}

// Allocator hands out TCP ports from a configured range. It keeps two
// records in the KV store, the available list and the pending map, and
// serializes every read-modify-write of either behind the named lock.
type Allocator struct {
	store       kv.Store
	hosts       InstanceLister
	portRange   config.PortRange
	lockName    string
	lockTimeout time.Duration
	logger      zerolog.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewAllocator creates an allocator over store, deriving the allocated set
// from hosts.
func NewAllocator(store kv.Store, hosts InstanceLister, portRange config.PortRange, lockName string, lockTimeout time.Duration) *Allocator {
	return &Allocator{
		store:       store,
		hosts:       hosts,
		portRange:   portRange,
		lockName:    lockName,
		lockTimeout: lockTimeout,
		logger:      log.WithComponent("ports"),
		now:         time.Now,
	}
}

// Reserve moves up to n ports from available to pending and returns them in
// ascending order. It returns fewer than n (possibly zero) when fewer are
// free; the caller decides whether a short reservation is an error.
func (a *Allocator) Reserve(ctx context.Context, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	available, present, err := a.loadAvailable(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.loadPending(ctx)
	if err != nil {
		return nil, err
	}
	allocated, err := a.Allocated(ctx)
	if err != nil {
		return nil, err
	}

	// A missing available record means the cluster has never been
	// initialized: treat it as the full range minus everything in use.
	if !present {
		available = a.fullRangeMinus(allocated, pending)
	}

	free := subtract(available, allocated, pendingInts(pending))
	sort.Ints(free)
	if len(free) > n {
		free = free[:n]
	}

	reservedAt := strconv.FormatInt(a.now().Unix(), 10)
	for _, p := range free {
		pending[strconv.Itoa(p)] = PendingPort{ReservedAt: reservedAt}
		available = remove(available, p)
	}

	// Pending is persisted first: a port present in both records is only
	// transiently double-counted and can never be handed out again, while
	// the reverse order could lose a port from accounting.
	if err := a.storePending(ctx, pending); err != nil {
		return nil, err
	}
	if err := a.storeAvailable(ctx, available); err != nil {
		return nil, err
	}

	metrics.PortsReservedTotal.Add(float64(len(free)))
	metrics.PendingPorts.Set(float64(len(pending)))
	metrics.AvailablePorts.Set(float64(len(available)))

	a.logger.Info().Ints("ports", free).Int("requested", n).Msg("Reserved ports")
	return free, nil
}

// ReleasePending removes port from the pending record. Releasing a port
// that is not pending is a no-op.
func (a *Allocator) ReleasePending(ctx context.Context, port int) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	pending, err := a.loadPending(ctx)
	if err != nil {
		return err
	}

	key := strconv.Itoa(port)
	if _, ok := pending[key]; !ok {
		// Already released, or never reserved. Persist the empty object so
		// the record exists after first contact.
		return a.storePending(ctx, pending)
	}

	delete(pending, key)
	if err := a.storePending(ctx, pending); err != nil {
		return err
	}

	metrics.PortsReleasedTotal.Inc()
	metrics.PendingPorts.Set(float64(len(pending)))

	a.logger.Info().Int("port", port).Msg("Released pending port")
	return nil
}

// RestoreAvailable writes the available record from an authoritative
// snapshot. Used at startup or during operator recovery.
func (a *Allocator) RestoreAvailable(ctx context.Context, ports []int) error {
	release, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	sorted := append([]int(nil), ports...)
	sort.Ints(sorted)
	if err := a.storeAvailable(ctx, sorted); err != nil {
		return err
	}

	metrics.AvailablePorts.Set(float64(len(sorted)))
	a.logger.Info().Int("count", len(sorted)).Msg("Restored available ports")
	return nil
}

// PendingSnapshot returns the pending record as stored. Missing record
// means empty.
func (a *Allocator) PendingSnapshot(ctx context.Context) (map[string]PendingPort, error) {
	return a.loadPending(ctx)
}

// AvailableSnapshot returns the available record as stored. Missing record
// means empty.
func (a *Allocator) AvailableSnapshot(ctx context.Context) ([]int, error) {
	available, _, err := a.loadAvailable(ctx)
	return available, err
}

// Allocated computes the allocated set on demand: the listen ports of all
// tcp proxy devices across all live instances. Ports outside the
// configured range (foreign ports) are included; they simply never appear
// in available.
func (a *Allocator) Allocated(ctx context.Context) ([]int, error) {
	instances, err := a.hosts.List(ctx)
	if err != nil {
		return nil, err
	}

	var allocated []int
	for _, inst := range instances {
		for _, dev := range inst.Devices {
			if dev["type"] != "proxy" {
				continue
			}
			listen := dev["listen"]
			if !strings.HasPrefix(listen, "tcp:") {
				continue
			}
			parts := strings.Split(listen, ":")
			if len(parts) != 3 {
				continue
			}
			port, err := strconv.Atoi(parts[2])
			if err != nil {
				continue
			}
			allocated = append(allocated, port)
		}
	}
	return allocated, nil
}

// Free computes the currently reservable set without mutating anything:
// range minus allocated minus pending. Used by the operator restore path.
func (a *Allocator) Free(ctx context.Context) ([]int, error) {
	pending, err := a.loadPending(ctx)
	if err != nil {
		return nil, err
	}
	allocated, err := a.Allocated(ctx)
	if err != nil {
		return nil, err
	}
	return a.fullRangeMinus(allocated, pending), nil
}

// acquire takes the named lock with the configured timeout and returns the
// guaranteed-release func.
func (a *Allocator) acquire(ctx context.Context) (func(), error) {
	lock, err := a.store.Lock(a.lockName)
	if err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	if err := lock.Acquire(lockCtx); err != nil {
		cancel()
		return nil, err
	}

	return func() {
		cancel()
		if err := lock.Release(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to release lock")
		}
	}, nil
}

func (a *Allocator) loadAvailable(ctx context.Context) ([]int, bool, error) {
	pair, err := a.store.Get(ctx, availableKey)
	if err != nil {
		return nil, false, err
	}
	if pair == nil {
		return nil, false, nil
	}
	var available []int
	if err := json.Unmarshal(pair.Value, &available); err != nil {
		return nil, false, fault.Wrap(fault.KVUnavailable, err, "corrupt %s record", availableKey)
	}
	return available, true, nil
}

func (a *Allocator) storeAvailable(ctx context.Context, available []int) error {
	if available == nil {
		available = []int{}
	}
	data, err := json.Marshal(available)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, availableKey, data)
}

func (a *Allocator) loadPending(ctx context.Context) (map[string]PendingPort, error) {
	pair, err := a.store.Get(ctx, pendingKey)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return map[string]PendingPort{}, nil
	}
	var pending map[string]PendingPort
	if err := json.Unmarshal(pair.Value, &pending); err != nil {
		return nil, fault.Wrap(fault.KVUnavailable, err, "corrupt %s record", pendingKey)
	}
	if pending == nil {
		pending = map[string]PendingPort{}
	}
	return pending, nil
}

func (a *Allocator) storePending(ctx context.Context, pending map[string]PendingPort) error {
	data, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return a.store.Put(ctx, pendingKey, data)
}

func (a *Allocator) fullRangeMinus(allocated []int, pending map[string]PendingPort) []int {
	used := make(map[int]bool, len(allocated)+len(pending))
	for _, p := range allocated {
		used[p] = true
	}
	for _, p := range pendingInts(pending) {
		used[p] = true
	}

	var available []int
	for p := a.portRange.Min; p <= a.portRange.Max; p++ {
		if !used[p] {
			available = append(available, p)
		}
	}
	return available
}

func pendingInts(pending map[string]PendingPort) []int {
	out := make([]int, 0, len(pending))
	for k := range pending {
		p, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

// subtract returns the members of base not present in any exclusion list,
// deduplicated.
func subtract(base []int, exclusions ...[]int) []int {
	excluded := make(map[int]bool)
	for _, list := range exclusions {
		for _, p := range list {
			excluded[p] = true
		}
	}

	var out []int
	seen := make(map[int]bool, len(base))
	for _, p := range base {
		if excluded[p] || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// remove returns list without p, preserving order.
func remove(list []int, p int) []int {
	out := list[:0]
	for _, v := range list {
		if v != p {
			out = append(out, v)
		}
	}
	return out
}
