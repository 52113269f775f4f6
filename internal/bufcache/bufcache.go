// Package bufcache implements a fixed-capacity cache of storage blocks
// sitting between block devices and higher-level consumers. It keeps
// recently used blocks resident, guarantees that all concurrent users of
// the same block share a single in-memory copy, and recycles the least
// recently released buffer when it needs a free slot.
//
// Usage:
//   - Acquire returns a buffer for a (device, block) identity with its
//     exclusive lock held.
//   - EnsureLoaded reads the block from the device if the buffer is not
//     yet valid.
//   - After mutating the contents, Flush writes them through to the device.
//   - Release gives the buffer back; do not use the handle afterwards.
//   - Pin/Unpin keep a buffer immune to recycling without holding its lock.
//
// Only one caller at a time holds a given buffer, so buffers should not be
// held longer than necessary. Callers violating the locking contract are
// treated as programming errors and abort via panic (see the Err sentinels).
package bufcache

import (
	"container/list"
	"context"
	"errors"

	"bufcache/internal/common"
	"bufcache/internal/device"
)

// Panic sentinels. These conditions are caller bugs or unrecoverable
// states, never ordinary runtime errors, so the cache panics with one of
// these values instead of returning it.
var (
	// ErrNoBuffers means every slot was referenced at lookup time.
	ErrNoBuffers = errors.New("bufcache: no free buffer slots")

	// ErrNotLocked means an operation requiring the buffer's exclusive
	// lock was called without holding it.
	ErrNotLocked = errors.New("bufcache: buffer lock not held")

	// ErrUnpinUnused means Unpin was called on a buffer whose reference
	// count was already zero.
	ErrUnpinUnused = errors.New("bufcache: unpin of unreferenced buffer")

	// ErrNotMounted means Acquire named a device number with no mounted
	// device.
	ErrNotMounted = errors.New("bufcache: device not mounted")

	// ErrBadConfig means a non-positive capacity or block size.
	ErrBadConfig = errors.New("bufcache: capacity and block size must be positive")
)

// Recoverable errors returned by the device registry.
var (
	ErrAlreadyMounted = errors.New("bufcache: device number already mounted")
	ErrDeviceBusy     = errors.New("bufcache: device has referenced buffers")
	ErrUnknownDevice  = errors.New("bufcache: unknown device number")
)

// Cache is the synchronization point for all block access. All methods are
// safe for concurrent use.
type Cache interface {
	// MountDevice registers dev under devno. Blocks of devno can then be
	// acquired.
	MountDevice(devno common.DevNo, dev device.BlockDevice) error

	// UnmountDevice drops devno's cached blocks and unregisters its
	// device. Fails with ErrDeviceBusy if any of its buffers are still
	// referenced.
	UnmountDevice(devno common.DevNo) error

	// Invalidate discards all unreferenced cached blocks of devno, making
	// their slots the preferred recycling victims.
	Invalidate(devno common.DevNo)

	// Acquire returns the buffer for the given identity with its
	// reference count incremented and its exclusive lock held. If the
	// block is not cached, the least recently released free slot is
	// rebound to the new identity with its contents marked invalid.
	// Panics with ErrNoBuffers when every slot is referenced and with
	// ErrNotMounted for an unknown device number.
	Acquire(devno common.DevNo, blockNo common.BlockNo) *Buf

	// EnsureLoaded reads the block from its device if the buffer's
	// contents are not valid. Idempotent. The caller must hold the
	// buffer's lock.
	EnsureLoaded(ctx context.Context, b *Buf) error

	// Flush writes the buffer's contents through to its device. The
	// caller must hold the buffer's lock.
	Flush(ctx context.Context, b *Buf) error

	// Release unlocks the buffer and drops one reference. When the count
	// reaches zero the slot becomes the last recycling candidate. The
	// handle must not be used after Release unless a Pin keeps it alive.
	Release(b *Buf)

	// Pin adds a reference without taking the buffer's lock, keeping the
	// slot immune to recycling.
	Pin(b *Buf)

	// Unpin drops a reference added by Pin. Panics with ErrUnpinUnused if
	// the count is already zero.
	Unpin(b *Buf)

	// Resize changes the cache capacity. Growing adds free slots;
	// shrinking retires unreferenced slots immediately and referenced
	// slots as they are released.
	Resize(capacity int)

	// Capacity reports the current capacity bound.
	Capacity() int

	// BlockSize reports the fixed block size in bytes.
	BlockSize() int

	// Stats returns a snapshot of the cache counters.
	Stats() Stats
}

// Stats counts cache activity since construction.
type Stats struct {
	Hits      uint64 // Acquire found the identity cached
	Misses    uint64 // Acquire had to rebind a slot
	Evictions uint64 // a rebind discarded a previously cached block
	Loads     uint64 // device reads issued by EnsureLoaded
	Flushes   uint64 // device writes issued by Flush
}

// Buf is a handle to one cached block. Between Acquire and Release the
// caller holds the buffer's exclusive lock and may read and mutate Data.
type Buf struct {
	dev     common.DevNo
	blockNo common.BlockNo
	valid   bool // contents reflect device state
	refcnt  int  // holders + pins; guarded by the cache's structural lock
	lk      sleepLock
	elem    *list.Element // position in the recency list; nil once retired
	data    []byte
}

// Dev returns the device number the buffer is bound to.
func (b *Buf) Dev() common.DevNo { return b.dev }

// BlockNo returns the block number the buffer is bound to.
func (b *Buf) BlockNo() common.BlockNo { return b.blockNo }

// ID returns the buffer's (device, block) identity.
func (b *Buf) ID() common.BlockID {
	return common.BlockID{Dev: b.dev, Block: b.blockNo}
}

// Data returns the buffer's contents. The caller must hold the buffer's
// lock (i.e. be between Acquire and Release) to read or mutate it.
func (b *Buf) Data() []byte { return b.data }
