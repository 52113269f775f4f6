package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bufcache/internal/bufcache"
	"bufcache/internal/common"
	"bufcache/internal/device"
	"github.com/peterh/liner"
)

const dumpLimit = 128

func main() {
	capacity := flag.Int("capacity", 64, "number of buffer slots")
	blockSize := flag.Int("bs", 512, "block size in bytes")
	throttle := flag.Float64("throttle", 0, "limit mounted devices to this many transfers/sec (0 = unlimited)")
	flag.Parse()

	cache := bufcache.New(bufcache.WithCapacity(*capacity), bufcache.WithBlockSize(*blockSize))
	mounted := make(map[common.DevNo]device.BlockDevice)

	fmt.Println("bufcache - block buffer cache")
	fmt.Printf("config: capacity=%d block_size=%d throttle=%g\n", *capacity, *blockSize, *throttle)
	fmt.Println("commands: mount <dev> <path|mem> | unmount <dev> | read <dev> <block> | write <dev> <block> <text> | invalidate <dev> | resize <n> | stats | stress <dev> <workers> <blocks> <ops> | exit")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := historyPath()
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	ctx := context.Background()
	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "input error: %v\n", err)
			break
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "mount":
			if len(parts) != 3 {
				fmt.Println("usage: mount <dev> <path|mem>")
				continue
			}
			devno, ok := parseDevNo(parts[1])
			if !ok {
				continue
			}
			var dev device.BlockDevice
			if parts[2] == "mem" {
				dev = device.NewMemDevice(*blockSize)
			} else {
				fd, err := device.OpenFileDevice(parts[2], *blockSize)
				if err != nil {
					fmt.Printf("mount error: %v\n", err)
					continue
				}
				dev = fd
			}
			if *throttle > 0 {
				dev = device.Throttle(dev, *throttle)
			}
			if err := cache.MountDevice(devno, dev); err != nil {
				dev.Close()
				fmt.Printf("mount error: %v\n", err)
				continue
			}
			mounted[devno] = dev
			fmt.Println("ok")
		case "unmount":
			if len(parts) != 2 {
				fmt.Println("usage: unmount <dev>")
				continue
			}
			devno, ok := parseDevNo(parts[1])
			if !ok {
				continue
			}
			if err := cache.UnmountDevice(devno); err != nil {
				fmt.Printf("unmount error: %v\n", err)
				continue
			}
			if dev, ok := mounted[devno]; ok {
				dev.Close()
				delete(mounted, devno)
			}
			fmt.Println("ok")
		case "read":
			if len(parts) != 3 {
				fmt.Println("usage: read <dev> <block>")
				continue
			}
			devno, blockNo, ok := parseBlockArgs(parts[1], parts[2], mounted)
			if !ok {
				continue
			}
			start := time.Now()
			b := cache.Acquire(devno, blockNo)
			if err := cache.EnsureLoaded(ctx, b); err != nil {
				cache.Release(b)
				fmt.Printf("read error: %v\n", err)
				continue
			}
			dump := b.Data()
			if len(dump) > dumpLimit {
				dump = dump[:dumpLimit]
			}
			fmt.Print(hex.Dump(dump))
			id := b.ID()
			cache.Release(b)
			common.LogDuration(start, "read %s", id)
		case "write":
			if len(parts) < 4 {
				fmt.Println("usage: write <dev> <block> <text>")
				continue
			}
			devno, blockNo, ok := parseBlockArgs(parts[1], parts[2], mounted)
			if !ok {
				continue
			}
			text := strings.Join(parts[3:], " ")
			if len(text) > *blockSize {
				fmt.Printf("write: text longer than block size %d\n", *blockSize)
				continue
			}
			start := time.Now()
			b := cache.Acquire(devno, blockNo)
			if err := cache.EnsureLoaded(ctx, b); err != nil {
				cache.Release(b)
				fmt.Printf("write error: %v\n", err)
				continue
			}
			copy(b.Data(), text)
			if err := cache.Flush(ctx, b); err != nil {
				cache.Release(b)
				fmt.Printf("write error: %v\n", err)
				continue
			}
			id := b.ID()
			cache.Release(b)
			common.LogDuration(start, "wrote %d bytes to %s", len(text), id)
		case "invalidate":
			if len(parts) != 2 {
				fmt.Println("usage: invalidate <dev>")
				continue
			}
			devno, ok := parseDevNo(parts[1])
			if !ok {
				continue
			}
			cache.Invalidate(devno)
			fmt.Println("ok")
		case "resize":
			if len(parts) != 2 {
				fmt.Println("usage: resize <n>")
				continue
			}
			n, err := strconv.Atoi(parts[1])
			if err != nil || n < 1 {
				fmt.Println("resize: n must be a positive integer")
				continue
			}
			cache.Resize(n)
			fmt.Printf("capacity now %d\n", cache.Capacity())
		case "stats":
			s := cache.Stats()
			fmt.Printf("capacity=%d hits=%d misses=%d evictions=%d loads=%d flushes=%d\n",
				cache.Capacity(), s.Hits, s.Misses, s.Evictions, s.Loads, s.Flushes)
		case "stress":
			if len(parts) != 5 {
				fmt.Println("usage: stress <dev> <workers> <blocks> <ops>")
				continue
			}
			devno, ok := parseDevNo(parts[1])
			if !ok {
				continue
			}
			if _, ok := mounted[devno]; !ok {
				fmt.Printf("stress: device %d not mounted\n", devno)
				continue
			}
			workers, err1 := strconv.Atoi(parts[2])
			blocks, err2 := strconv.Atoi(parts[3])
			ops, err3 := strconv.Atoi(parts[4])
			if err1 != nil || err2 != nil || err3 != nil || workers < 1 || blocks < 1 || ops < 1 {
				fmt.Println("stress: workers, blocks and ops must be positive integers")
				continue
			}
			runStress(ctx, cache, devno, workers, blocks, ops)
		case "exit", "quit":
			for devno, dev := range mounted {
				if err := cache.UnmountDevice(devno); err != nil {
					fmt.Printf("unmount error: %v\n", err)
					continue
				}
				dev.Close()
			}
			return
		default:
			fmt.Println("unknown command")
		}
	}
}

func parseDevNo(s string) (common.DevNo, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		fmt.Println("dev must be a non-negative integer")
		return 0, false
	}
	return common.DevNo(n), true
}

func parseBlockArgs(devArg, blockArg string, mounted map[common.DevNo]device.BlockDevice) (common.DevNo, common.BlockNo, bool) {
	devno, ok := parseDevNo(devArg)
	if !ok {
		return 0, 0, false
	}
	if _, ok := mounted[devno]; !ok {
		fmt.Printf("device %d not mounted\n", devno)
		return 0, 0, false
	}
	n, err := strconv.Atoi(blockArg)
	if err != nil || n < 0 {
		fmt.Println("block must be a non-negative integer")
		return 0, 0, false
	}
	return devno, common.BlockNo(n), true
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bufcache_history"
	}
	return filepath.Join(home, ".bufcache_history")
}
