package bufcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"bufcache/internal/common"
	"bufcache/internal/device"
)

// lruCache recycles buffers in least-recently-released order. Three
// structures cooperate under one structural mutex: the slot pool (the Buf
// values themselves), the identity index for O(1) lookup, and the recency
// list ordered by release time, front = most recently released.
//
// Locking: mu guards the index, the recency list, the device registry and
// every reference count, and is only ever held for short pointer/map work.
// Each buffer's sleepLock guards its contents and validity flag and may be
// held across device I/O. mu is always dropped before blocking on a
// sleepLock so one slow transfer cannot stall unrelated lookups. No
// operation takes two sleepLocks, so lock order between buffers is the
// callers' concern only.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	blkSize  int
	devices  map[common.DevNo]device.BlockDevice
	index    map[common.BlockID]*Buf
	recency  *list.List
	stats    Stats
}

var _ Cache = (*lruCache)(nil)

// New constructs a cache with every slot free and nothing indexed.
// Panics with ErrBadConfig on a non-positive capacity or block size.
func New(optFns ...Option) Cache {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity < 1 || opts.BlockSize < 1 {
		panic(ErrBadConfig)
	}

	c := &lruCache{
		capacity: opts.Capacity,
		blkSize:  opts.BlockSize,
		devices:  make(map[common.DevNo]device.BlockDevice),
		index:    make(map[common.BlockID]*Buf),
		recency:  list.New(),
	}
	for i := 0; i < opts.Capacity; i++ {
		c.addSlot()
	}
	return c
}

// addSlot appends a fresh free slot at the cold end of the recency list.
// Caller holds mu (or is the constructor).
func (c *lruCache) addSlot() {
	b := &Buf{data: make([]byte, c.blkSize)}
	b.lk.init()
	b.elem = c.recency.PushBack(b)
}

// retire removes a slot from the pool. Caller holds mu; the slot must be
// unreferenced.
func (c *lruCache) retire(b *Buf) {
	c.dropIdentity(b)
	c.recency.Remove(b.elem)
	b.elem = nil
}

// dropIdentity removes b's index entry if it still points at b. Fresh and
// recycled slots share the zero identity, so the entry is checked before
// deletion. Caller holds mu.
func (c *lruCache) dropIdentity(b *Buf) {
	id := b.ID()
	if cur, ok := c.index[id]; ok && cur == b {
		delete(c.index, id)
	}
}

func (c *lruCache) MountDevice(devno common.DevNo, dev device.BlockDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[devno]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyMounted, devno)
	}
	c.devices[devno] = dev
	return nil
}

func (c *lruCache) UnmountDevice(devno common.DevNo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[devno]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, devno)
	}
	for e := c.recency.Front(); e != nil; e = e.Next() {
		if b := e.Value.(*Buf); b.dev == devno && b.refcnt > 0 {
			return fmt.Errorf("%w: %d", ErrDeviceBusy, devno)
		}
	}
	c.invalidateLocked(devno)
	delete(c.devices, devno)
	return nil
}

func (c *lruCache) Invalidate(devno common.DevNo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(devno)
}

// invalidateLocked discards every unreferenced cached block of devno and
// moves the slots to the cold end of the recency list. Caller holds mu.
func (c *lruCache) invalidateLocked(devno common.DevNo) {
	var drop []*Buf
	for e := c.recency.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buf)
		if b.dev != devno || b.refcnt > 0 {
			continue
		}
		if cur, ok := c.index[b.ID()]; ok && cur == b {
			drop = append(drop, b)
		}
	}
	// Moves happen after the scan so the iteration order is not disturbed.
	for _, b := range drop {
		c.dropIdentity(b)
		b.valid = false
		c.recency.MoveToBack(b.elem)
	}
}

func (c *lruCache) Acquire(devno common.DevNo, blockNo common.BlockNo) *Buf {
	id := common.BlockID{Dev: devno, Block: blockNo}

	c.mu.Lock()
	if _, ok := c.devices[devno]; !ok {
		c.mu.Unlock()
		panic(ErrNotMounted)
	}

	// Cached, possibly still referenced by other holders.
	if b, ok := c.index[id]; ok {
		b.refcnt++
		c.stats.Hits++
		// mu is dropped before blocking on the buffer's lock so a long
		// device transfer on this block cannot stall other lookups.
		c.mu.Unlock()
		b.lk.acquire()
		return b
	}
	c.stats.Misses++

	// Not cached: recycle the least recently released unreferenced slot.
	// Scanning from the cold end gives strict LRU and a deterministic
	// victim when several slots are free.
	for e := c.recency.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buf)
		if b.refcnt != 0 {
			continue
		}
		if cur, ok := c.index[b.ID()]; ok && cur == b {
			c.stats.Evictions++
		}
		c.dropIdentity(b)
		b.dev = devno
		b.blockNo = blockNo
		b.valid = false
		b.refcnt = 1
		c.index[id] = b
		c.mu.Unlock()
		b.lk.acquire()
		return b
	}

	// Every slot is referenced. Callers are expected to bound how many
	// blocks they hold at once; exceeding capacity is unrecoverable.
	c.mu.Unlock()
	panic(ErrNoBuffers)
}

func (c *lruCache) EnsureLoaded(ctx context.Context, b *Buf) error {
	if !b.lk.held() {
		panic(ErrNotLocked)
	}
	if b.valid {
		return nil
	}

	dev := c.deviceFor(b.dev)
	if err := dev.ReadBlock(ctx, b.blockNo, b.data); err != nil {
		return err
	}
	b.valid = true

	c.mu.Lock()
	c.stats.Loads++
	c.mu.Unlock()
	return nil
}

func (c *lruCache) Flush(ctx context.Context, b *Buf) error {
	if !b.lk.held() {
		panic(ErrNotLocked)
	}

	dev := c.deviceFor(b.dev)
	if err := dev.WriteBlock(ctx, b.blockNo, b.data); err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.Flushes++
	c.mu.Unlock()
	return nil
}

func (c *lruCache) deviceFor(devno common.DevNo) device.BlockDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[devno]
	if !ok {
		panic(ErrNotMounted)
	}
	return dev
}

func (c *lruCache) Release(b *Buf) {
	if !b.lk.held() {
		panic(ErrNotLocked)
	}
	b.lk.release()

	c.mu.Lock()
	defer c.mu.Unlock()

	b.refcnt--
	if b.refcnt > 0 {
		return
	}
	if c.recency.Len() > c.capacity {
		// A shrink is still draining; this slot leaves the pool instead
		// of rejoining the recency order.
		c.retire(b)
		return
	}
	// Last holder gone: this slot becomes the most recently released and
	// therefore the final recycling candidate. Its identity stays indexed
	// so a re-acquire before recycling is a hit.
	c.recency.MoveToFront(b.elem)
}

func (c *lruCache) Pin(b *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.refcnt++
}

func (c *lruCache) Unpin(b *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.refcnt <= 0 {
		panic(ErrUnpinUnused)
	}
	b.refcnt--
	if b.refcnt == 0 && c.recency.Len() > c.capacity {
		c.retire(b)
	}
}

func (c *lruCache) Resize(capacity int) {
	if capacity < 1 {
		panic(ErrBadConfig)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	for c.recency.Len() < capacity {
		c.addSlot()
	}
	// Shrink by retiring cold unreferenced slots now. Referenced slots
	// are retired lazily in Release/Unpin as their counts reach zero.
	for c.recency.Len() > capacity {
		var victim *Buf
		for e := c.recency.Back(); e != nil; e = e.Prev() {
			if b := e.Value.(*Buf); b.refcnt == 0 {
				victim = b
				break
			}
		}
		if victim == nil {
			break
		}
		c.retire(victim)
	}
}

func (c *lruCache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

func (c *lruCache) BlockSize() int {
	return c.blkSize
}

func (c *lruCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
