package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"bufcache/internal/bufcache"
	"bufcache/internal/common"
	"golang.org/x/sync/errgroup"
)

// runStress hammers a block range with concurrent read-modify-write
// cycles. Each block carries a little-endian counter in its first eight
// bytes; every cycle increments it under the buffer lock and flushes, so
// the final sum should equal workers*ops regardless of eviction churn.
func runStress(ctx context.Context, cache bufcache.Cache, devno common.DevNo, workers, blocks, ops int) {
	if cache.BlockSize() < 8 {
		fmt.Println("stress: block size must be at least 8 bytes")
		return
	}
	if workers > cache.Capacity() {
		// Each worker holds one buffer at a time; more workers than
		// slots could exhaust the pool, which is fatal.
		fmt.Printf("stress: workers (%d) must not exceed cache capacity (%d)\n", workers, cache.Capacity())
		return
	}

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < ops; i++ {
				blockNo := common.BlockNo(rng.Intn(blocks))
				b := cache.Acquire(devno, blockNo)
				if err := cache.EnsureLoaded(ctx, b); err != nil {
					cache.Release(b)
					return err
				}
				n := binary.LittleEndian.Uint64(b.Data())
				binary.LittleEndian.PutUint64(b.Data(), n+1)
				if err := cache.Flush(ctx, b); err != nil {
					cache.Release(b)
					return err
				}
				cache.Release(b)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Printf("stress error: %v\n", err)
		return
	}
	common.LogDuration(start, "stress: %d workers x %d ops over %d blocks", workers, ops, blocks)

	var total uint64
	for i := 0; i < blocks; i++ {
		b := cache.Acquire(devno, common.BlockNo(i))
		if err := cache.EnsureLoaded(ctx, b); err != nil {
			cache.Release(b)
			fmt.Printf("stress verify error: %v\n", err)
			return
		}
		total += binary.LittleEndian.Uint64(b.Data())
		cache.Release(b)
	}
	fmt.Printf("verified: %d increments across %d blocks (expected %d this run)\n",
		total, blocks, workers*ops)
}
