package bufcache_test

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"bufcache/internal/bufcache"
	"bufcache/internal/common"
	"bufcache/internal/device"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

// countingDevice wraps a MemDevice and counts transfers, so tests can
// observe which operations actually touched the device.
type countingDevice struct {
	*device.MemDevice
	mu     sync.Mutex
	reads  int
	writes int
}

func newCountingDevice() *countingDevice {
	return &countingDevice{MemDevice: device.NewMemDevice(testBlockSize)}
}

func (d *countingDevice) ReadBlock(ctx context.Context, blockNo common.BlockNo, dst []byte) error {
	d.mu.Lock()
	d.reads++
	d.mu.Unlock()
	return d.MemDevice.ReadBlock(ctx, blockNo, dst)
}

func (d *countingDevice) WriteBlock(ctx context.Context, blockNo common.BlockNo, src []byte) error {
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return d.MemDevice.WriteBlock(ctx, blockNo, src)
}

func (d *countingDevice) counts() (reads, writes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes
}

func openTestCache(t *testing.T, capacity int) (bufcache.Cache, *countingDevice) {
	t.Helper()
	cache := bufcache.New(bufcache.WithCapacity(capacity), bufcache.WithBlockSize(testBlockSize))
	dev := newCountingDevice()
	require.NoError(t, cache.MountDevice(0, dev))
	return cache, dev
}

func TestAcquireReturnsRequestedIdentity(t *testing.T) {
	cache, _ := openTestCache(t, 8)

	bufs := make([]*bufcache.Buf, 8)
	for i := range bufs {
		bufs[i] = cache.Acquire(0, common.BlockNo(i))
		require.Equal(t, common.DevNo(0), bufs[i].Dev())
		require.Equal(t, common.BlockNo(i), bufs[i].BlockNo())
	}
	for _, b := range bufs {
		cache.Release(b)
	}
}

func TestReacquireHitsSameSlot(t *testing.T) {
	cache, _ := openTestCache(t, 4)

	b := cache.Acquire(0, 7)
	cache.Release(b)

	again := cache.Acquire(0, 7)
	require.Same(t, b, again)
	cache.Release(again)

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
}

// Blocks must be recycled in the order they were released, not the order
// they were acquired.
func TestRecycleInReleaseOrder(t *testing.T) {
	cache, _ := openTestCache(t, 10)

	blocks := make([]*bufcache.Buf, 10)
	for i := range blocks {
		blocks[i] = cache.Acquire(0, common.BlockNo(i))
	}
	for _, b := range blocks {
		cache.Release(b)
	}

	// Ten new identities must reuse the slots in release order.
	for i := 0; i < 10; i++ {
		b := cache.Acquire(0, common.BlockNo(i+10))
		require.Same(t, blocks[i], b)
		cache.Release(b)
	}
}

// N+1 distinct identities on an N-slot pool: the slot released first must
// be the one recycled.
func TestLRUVictimIsColdest(t *testing.T) {
	cache, _ := openTestCache(t, 4)

	blocks := make([]*bufcache.Buf, 4)
	for i := range blocks {
		blocks[i] = cache.Acquire(0, common.BlockNo(i))
	}

	cache.Release(blocks[0])
	cache.Release(blocks[3])
	cache.Release(blocks[1])
	cache.Release(blocks[2])

	b := cache.Acquire(0, 100)
	require.Same(t, blocks[0], b)
	cache.Release(b)

	b = cache.Acquire(0, 101)
	require.Same(t, blocks[3], b)
	cache.Release(b)
}

func TestAcquireExhaustionPanics(t *testing.T) {
	cache, _ := openTestCache(t, 2)

	b0 := cache.Acquire(0, 0)
	b1 := cache.Acquire(0, 1)

	require.PanicsWithValue(t, bufcache.ErrNoBuffers, func() {
		cache.Acquire(0, 2)
	})

	// The cache recovers once a holder releases.
	cache.Release(b1)
	b2 := cache.Acquire(0, 2)
	cache.Release(b2)
	cache.Release(b0)
}

func TestEnsureLoadedIdempotent(t *testing.T) {
	ctx := context.Background()
	cache, dev := openTestCache(t, 4)

	b := cache.Acquire(0, 5)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	require.NoError(t, cache.EnsureLoaded(ctx, b))

	reads, _ := dev.counts()
	require.Equal(t, 1, reads)
	cache.Release(b)

	// A hit on the still-valid slot must not reload either.
	b = cache.Acquire(0, 5)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	reads, _ = dev.counts()
	require.Equal(t, 1, reads)
	cache.Release(b)
}

func TestFlushWritesThroughWithoutInvalidating(t *testing.T) {
	ctx := context.Background()
	cache, dev := openTestCache(t, 4)

	b := cache.Acquire(0, 2)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	copy(b.Data(), "payload")
	require.NoError(t, cache.Flush(ctx, b))

	_, writes := dev.counts()
	require.Equal(t, 1, writes)

	// Flush must not clear validity: no reload on the next EnsureLoaded.
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	reads, _ := dev.counts()
	require.Equal(t, 1, reads)
	cache.Release(b)

	// The device saw the written contents.
	raw := make([]byte, testBlockSize)
	require.NoError(t, dev.MemDevice.ReadBlock(ctx, 2, raw))
	require.Equal(t, []byte("payload"), raw[:7])
}

// Write, flush, evict, reload: the device must reproduce the flushed
// contents exactly.
func TestRoundTripThroughEviction(t *testing.T) {
	ctx := context.Background()
	cache, dev := openTestCache(t, 1)

	want := bytes.Repeat([]byte("xyz!"), testBlockSize/4)

	b := cache.Acquire(0, 3)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	copy(b.Data(), want)
	require.NoError(t, cache.Flush(ctx, b))
	cache.Release(b)

	// Force the single slot to be rebound to another identity.
	other := cache.Acquire(0, 4)
	require.NoError(t, cache.EnsureLoaded(ctx, other))
	cache.Release(other)

	b = cache.Acquire(0, 3)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	require.Equal(t, want, b.Data())
	cache.Release(b)

	reads, _ := dev.counts()
	require.Equal(t, 3, reads)
}

func TestPinPreventsRecycling(t *testing.T) {
	cache, _ := openTestCache(t, 4)

	pinned := cache.Acquire(0, 0)
	cache.Pin(pinned)
	cache.Release(pinned)

	// Churn through twice the pool size of other identities; the pinned
	// slot must never be chosen.
	for i := 1; i <= 8; i++ {
		b := cache.Acquire(0, common.BlockNo(i))
		require.NotSame(t, pinned, b)
		cache.Release(b)
	}

	// After unpinning, the slot is eligible again: holding the whole pool
	// must include it.
	cache.Unpin(pinned)
	held := make([]*bufcache.Buf, 4)
	reused := false
	for i := range held {
		held[i] = cache.Acquire(0, common.BlockNo(100+i))
		if held[i] == pinned {
			reused = true
		}
	}
	require.True(t, reused, "unpinned slot was never recycled")
	for _, b := range held {
		cache.Release(b)
	}
}

func TestUnpinUnderflowPanics(t *testing.T) {
	cache, _ := openTestCache(t, 2)

	b := cache.Acquire(0, 0)
	cache.Release(b)

	require.PanicsWithValue(t, bufcache.ErrUnpinUnused, func() {
		cache.Unpin(b)
	})
}

func TestLockDisciplineViolationsPanic(t *testing.T) {
	ctx := context.Background()
	cache, _ := openTestCache(t, 2)

	b := cache.Acquire(0, 0)
	cache.Release(b)

	require.PanicsWithValue(t, bufcache.ErrNotLocked, func() {
		cache.Flush(ctx, b)
	})
	require.PanicsWithValue(t, bufcache.ErrNotLocked, func() {
		cache.EnsureLoaded(ctx, b)
	})
	require.PanicsWithValue(t, bufcache.ErrNotLocked, func() {
		cache.Release(b)
	})
}

func TestAcquireUnmountedDevicePanics(t *testing.T) {
	cache, _ := openTestCache(t, 2)

	require.PanicsWithValue(t, bufcache.ErrNotMounted, func() {
		cache.Acquire(9, 0)
	})
}

func TestMountUnmount(t *testing.T) {
	ctx := context.Background()
	cache, dev := openTestCache(t, 4)

	require.ErrorIs(t, cache.MountDevice(0, newCountingDevice()), bufcache.ErrAlreadyMounted)
	require.ErrorIs(t, cache.UnmountDevice(5), bufcache.ErrUnknownDevice)

	b := cache.Acquire(0, 1)
	require.ErrorIs(t, cache.UnmountDevice(0), bufcache.ErrDeviceBusy)
	cache.Release(b)

	require.NoError(t, cache.UnmountDevice(0))
	require.PanicsWithValue(t, bufcache.ErrNotMounted, func() {
		cache.Acquire(0, 1)
	})

	// Remounting starts cold: the previously cached block reloads.
	require.NoError(t, cache.MountDevice(0, dev))
	b = cache.Acquire(0, 1)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	cache.Release(b)
	reads, _ := dev.counts()
	require.Equal(t, 1, reads)
}

func TestInvalidateDropsCachedBlocks(t *testing.T) {
	ctx := context.Background()
	cache, dev := openTestCache(t, 4)

	b := cache.Acquire(0, 6)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	cache.Release(b)

	cache.Invalidate(0)

	b = cache.Acquire(0, 6)
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	cache.Release(b)

	reads, _ := dev.counts()
	require.Equal(t, 2, reads)
	require.Equal(t, uint64(2), cache.Stats().Misses)
}

func TestResizeGrow(t *testing.T) {
	cache, _ := openTestCache(t, 2)

	b0 := cache.Acquire(0, 0)
	b1 := cache.Acquire(0, 1)

	cache.Resize(4)
	require.Equal(t, 4, cache.Capacity())

	b2 := cache.Acquire(0, 2)
	b3 := cache.Acquire(0, 3)
	for _, b := range []*bufcache.Buf{b0, b1, b2, b3} {
		cache.Release(b)
	}
}

func TestResizeShrink(t *testing.T) {
	cache, _ := openTestCache(t, 4)

	for i := 0; i < 4; i++ {
		b := cache.Acquire(0, common.BlockNo(i))
		cache.Release(b)
	}

	cache.Resize(2)
	require.Equal(t, 2, cache.Capacity())

	b0 := cache.Acquire(0, 10)
	b1 := cache.Acquire(0, 11)
	require.PanicsWithValue(t, bufcache.ErrNoBuffers, func() {
		cache.Acquire(0, 12)
	})
	cache.Release(b0)
	cache.Release(b1)
}

// Shrinking below the number of held buffers drains lazily: slots leave
// the pool as their holders release them.
func TestResizeShrinkDrainsLazily(t *testing.T) {
	cache, _ := openTestCache(t, 3)

	held := make([]*bufcache.Buf, 3)
	for i := range held {
		held[i] = cache.Acquire(0, common.BlockNo(i))
	}

	cache.Resize(1)
	for _, b := range held {
		cache.Release(b)
	}

	b := cache.Acquire(0, 20)
	require.PanicsWithValue(t, bufcache.ErrNoBuffers, func() {
		cache.Acquire(0, 21)
	})
	cache.Release(b)
}

func TestBadConfigPanics(t *testing.T) {
	require.PanicsWithValue(t, bufcache.ErrBadConfig, func() {
		bufcache.New(bufcache.WithCapacity(0))
	})
	require.PanicsWithValue(t, bufcache.ErrBadConfig, func() {
		bufcache.New(bufcache.WithBlockSize(-1))
	})

	cache, _ := openTestCache(t, 2)
	require.PanicsWithValue(t, bufcache.ErrBadConfig, func() {
		cache.Resize(0)
	})
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	cache, _ := openTestCache(t, 2)

	b := cache.Acquire(0, 0) // miss
	require.NoError(t, cache.EnsureLoaded(ctx, b))
	require.NoError(t, cache.Flush(ctx, b))
	cache.Release(b)

	b = cache.Acquire(0, 0) // hit
	cache.Release(b)

	b = cache.Acquire(0, 1) // miss
	cache.Release(b)
	b = cache.Acquire(0, 2) // miss, evicts
	cache.Release(b)

	stats := cache.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(3), stats.Misses)
	require.Equal(t, uint64(1), stats.Evictions)
	require.Equal(t, uint64(1), stats.Loads)
	require.Equal(t, uint64(1), stats.Flushes)
}
