// Package device defines the boundary between the buffer cache and the
// media that back it. A BlockDevice moves whole fixed-size blocks; it has
// no notion of caching, sharing, or partial transfers.
package device

import (
	"context"

	"bufcache/internal/common"
)

// BlockDevice transfers fixed-size blocks to and from a backing medium.
// Both calls block for the duration of the transfer. Implementations must
// be safe for concurrent use; the cache serializes access per block but
// issues transfers for distinct blocks concurrently.
type BlockDevice interface {
	// ReadBlock fills dst with the contents of block blockNo.
	ReadBlock(ctx context.Context, blockNo common.BlockNo, dst []byte) error

	// WriteBlock persists src as the contents of block blockNo.
	WriteBlock(ctx context.Context, blockNo common.BlockNo, src []byte) error

	// Close releases any underlying resources.
	Close() error
}
