package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"bufcache/internal/common"
)

// FileDevice stores blocks at blockNo*blockSize offsets within a single
// file. Reads past the end of the file return zeroes, so a fresh file
// behaves like zeroed media.
type FileDevice struct {
	file      *os.File
	path      string
	blockSize int
}

var _ BlockDevice = (*FileDevice)(nil)

// OpenFileDevice creates (or reopens) a file-backed device at path.
func OpenFileDevice(path string, blockSize int) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileDevice{file: f, path: path, blockSize: blockSize}, nil
}

// ReadBlock reads the block at blockNo into dst. Bytes beyond the current
// end of the file read as zero.
func (d *FileDevice) ReadBlock(ctx context.Context, blockNo common.BlockNo, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst) != d.blockSize {
		return fmt.Errorf("device: read buffer is %d bytes, block size is %d", len(dst), d.blockSize)
	}
	if d.file == nil {
		return errors.New("device: file device is closed")
	}

	n, err := d.file.ReadAt(dst, int64(blockNo)*int64(d.blockSize))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(dst[n:])
	return nil
}

// WriteBlock writes src at the block's file offset and syncs the file, so
// a completed call means the block is on the medium.
func (d *FileDevice) WriteBlock(ctx context.Context, blockNo common.BlockNo, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(src) != d.blockSize {
		return fmt.Errorf("device: write buffer is %d bytes, block size is %d", len(src), d.blockSize)
	}
	if d.file == nil {
		return errors.New("device: file device is closed")
	}

	if _, err := d.file.WriteAt(src, int64(blockNo)*int64(d.blockSize)); err != nil {
		return err
	}
	return d.file.Sync()
}

// Close releases the underlying file handle. Safe to call multiple times.
func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
