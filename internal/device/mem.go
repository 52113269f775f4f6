package device

import (
	"context"
	"fmt"
	"sync"

	"bufcache/internal/common"
)

// MemDevice is a RAM-backed block device. Blocks that were never written
// read back as zeroes. Used by tests and the CLI as a ramdisk.
type MemDevice struct {
	mu        sync.Mutex
	blockSize int
	blocks    map[common.BlockNo][]byte
}

var _ BlockDevice = (*MemDevice)(nil)

// NewMemDevice creates an empty in-memory device with the given block size.
func NewMemDevice(blockSize int) *MemDevice {
	return &MemDevice{
		blockSize: blockSize,
		blocks:    make(map[common.BlockNo][]byte),
	}
}

// ReadBlock copies the stored contents of blockNo into dst, or zero-fills
// dst if the block was never written.
func (d *MemDevice) ReadBlock(ctx context.Context, blockNo common.BlockNo, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != d.blockSize {
		return fmt.Errorf("device: read buffer is %d bytes, block size is %d", len(dst), d.blockSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.blocks[blockNo]
	if !ok {
		clear(dst)
		return nil
	}
	copy(dst, stored)
	return nil
}

// WriteBlock stores a copy of src as the contents of blockNo.
func (d *MemDevice) WriteBlock(ctx context.Context, blockNo common.BlockNo, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != d.blockSize {
		return fmt.Errorf("device: write buffer is %d bytes, block size is %d", len(src), d.blockSize)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.blocks[blockNo]
	if !ok {
		stored = make([]byte, d.blockSize)
		d.blocks[blockNo] = stored
	}
	copy(stored, src)
	return nil
}

// Close is a no-op for a memory device.
func (d *MemDevice) Close() error {
	return nil
}

// Len returns the number of blocks that have been written.
func (d *MemDevice) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}
