package ports

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/host"
	"github.com/lxstack/lxmq/pkg/kv"
	"github.com/lxstack/lxmq/pkg/types"
)

func newTestAllocator(t *testing.T, store *kv.MemoryStore, driver *host.FakeDriver, min, max int) *Allocator {
	t.Helper()
	if store == nil {
		store = kv.NewMemory()
	}
	if driver == nil {
		driver = host.NewFake("node1")
	}
	a := NewAllocator(store, driver, config.PortRange{Min: min, Max: max}, "lxd", time.Second)
	a.now = func() time.Time { return time.Unix(1686799510, 0) }
	return a
}

func proxyInstance(name string, listenPorts ...int) *host.Instance {
	devices := make(map[string]types.Device)
	for i, p := range listenPorts {
		devices["proxy"+strconv.Itoa(i)] = types.Device{
			"type":    "proxy",
			"listen":  "tcp:127.0.0.1:" + strconv.Itoa(p),
			"connect": "tcp:127.0.0.1:8080",
		}
	}
	return &host.Instance{Name: name, Location: "node1", Devices: devices}
}

// TestPendingSnapshotEmpty tests that a missing pending record reads as empty
func TestPendingSnapshotEmpty(t *testing.T) {
	a := newTestAllocator(t, nil, nil, 9000, 9004)

	pending, err := a.PendingSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestPendingSnapshotRoundTrip tests that the stored record is returned verbatim
func TestPendingSnapshotRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	require.NoError(t, store.Put(context.Background(), "pending_ports",
		[]byte(`{"9000": {"reserved_at": "1686799510"}}`)))

	a := newTestAllocator(t, store, nil, 9000, 9004)

	pending, err := a.PendingSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]PendingPort{"9000": {ReservedAt: "1686799510"}}, pending)
}

// TestReserveFromFullRange tests reserving from an uninitialized cluster
func TestReserveFromFullRange(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, nil, nil, 9000, 9004)

	got, err := a.Reserve(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{9000, 9001, 9002}, got)

	available, err := a.AvailableSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{9003, 9004}, available)

	pending, err := a.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, key := range []string{"9000", "9001", "9002"} {
		assert.Equal(t, "1686799510", pending[key].ReservedAt)
	}
}

// TestReserveExcludesAllocated tests that ports on live instances are skipped
func TestReserveExcludesAllocated(t *testing.T) {
	ctx := context.Background()
	driver := host.NewFake("node1")
	driver.Add(proxyInstance("existing", 9000, 9002))

	a := newTestAllocator(t, nil, driver, 9000, 9004)

	got, err := a.Reserve(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{9001, 9003}, got)
}

// TestReserveShort tests that a short reservation returns what is free
func TestReserveShort(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, nil, nil, 9000, 9001)

	got, err := a.Reserve(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{9000, 9001}, got)

	// Nothing left now
	got, err = a.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestReserveDisjoint tests that available and pending stay disjoint across calls
func TestReserveDisjoint(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, nil, nil, 9000, 9009)

	_, err := a.Reserve(ctx, 3)
	require.NoError(t, err)
	_, err = a.Reserve(ctx, 2)
	require.NoError(t, err)

	available, err := a.AvailableSnapshot(ctx)
	require.NoError(t, err)
	pending, err := a.PendingSnapshot(ctx)
	require.NoError(t, err)

	require.Len(t, pending, 5)
	for _, p := range available {
		_, inPending := pending[strconv.Itoa(p)]
		assert.False(t, inPending, "port %d in both records", p)
	}
	assert.Len(t, available, 5)
}

// TestReleasePendingIdempotent tests that releasing twice is a no-op
func TestReleasePendingIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestAllocator(t, nil, nil, 9000, 9004)

	got, err := a.Reserve(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []int{9000}, got)

	require.NoError(t, a.ReleasePending(ctx, 9000))
	require.NoError(t, a.ReleasePending(ctx, 9000))
	require.NoError(t, a.ReleasePending(ctx, 9999))

	pending, err := a.PendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestRestoreAvailable tests the operator restore path
func TestRestoreAvailable(t *testing.T) {
	ctx := context.Background()
	driver := host.NewFake("node1")
	driver.Add(proxyInstance("existing", 9001))

	a := newTestAllocator(t, nil, driver, 9000, 9004)

	free, err := a.Free(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{9000, 9002, 9003, 9004}, free)

	require.NoError(t, a.RestoreAvailable(ctx, free))

	available, err := a.AvailableSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, free, available)
}

// TestAllocatedPredicate tests that only tcp proxy devices count
func TestAllocatedPredicate(t *testing.T) {
	ctx := context.Background()
	driver := host.NewFake("node1")
	driver.Add(&host.Instance{
		Name: "mixed",
		Devices: map[string]types.Device{
			"tcp":  {"type": "proxy", "listen": "tcp:127.0.0.1:9000"},
			"udp":  {"type": "proxy", "listen": "udp:127.0.0.1:9001"},
			"disk": {"type": "disk", "path": "/"},
		},
	})

	a := newTestAllocator(t, nil, driver, 9000, 9004)

	allocated, err := a.Allocated(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{9000}, allocated)
}

// TestReserveLockTimeout tests that a held lock aborts the reservation
func TestReserveLockTimeout(t *testing.T) {
	store := kv.NewMemory()
	blocker, err := store.Lock("lxd")
	require.NoError(t, err)
	require.NoError(t, blocker.Acquire(context.Background()))
	defer blocker.Release()

	a := newTestAllocator(t, store, nil, 9000, 9004)
	a.lockTimeout = 20 * time.Millisecond

	_, err = a.Reserve(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, fault.LockTimeout, fault.KindOf(err))
}

// TestConservation tests that available, pending and allocated partition the range
func TestConservation(t *testing.T) {
	ctx := context.Background()
	driver := host.NewFake("node1")
	driver.Add(proxyInstance("existing", 9002))

	a := newTestAllocator(t, nil, driver, 9000, 9005)

	reserved, err := a.Reserve(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reserved, 2)

	available, err := a.AvailableSnapshot(ctx)
	require.NoError(t, err)
	pending, err := a.PendingSnapshot(ctx)
	require.NoError(t, err)
	allocated, err := a.Allocated(ctx)
	require.NoError(t, err)

	seen := make(map[int]int)
	for _, p := range available {
		seen[p]++
	}
	for key := range pending {
		p, err := strconv.Atoi(key)
		require.NoError(t, err)
		seen[p]++
	}
	for _, p := range allocated {
		seen[p]++
	}

	for p := 9000; p <= 9005; p++ {
		assert.Equal(t, 1, seen[p], "port %d", p)
	}
}
