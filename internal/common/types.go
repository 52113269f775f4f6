package common

import "fmt"

// DevNo identifies a mounted block device.
type DevNo int

// BlockNo identifies a block within a device.
type BlockNo int

// BlockID names one block across all mounted devices. It is the cache's
// lookup key: two callers naming the same BlockID share the same buffer.
type BlockID struct {
	Dev   DevNo
	Block BlockNo
}

func (id BlockID) String() string {
	return fmt.Sprintf("dev %d block %d", id.Dev, id.Block)
}
