// Package cache implements the block read cache feeding the muxer's frame
// pump. Payload files are read in fixed-size blocks; a probe for bytes that
// are not resident reports a miss and kicks off an asynchronous load, and the
// host loop blocks in Wait before re-entering the muxer.
//
// Residency is tracked per slot so each producer (one slot per stream PID)
// keeps its own small working set and streams cannot evict each other's
// blocks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// DefaultBlockSize is the read granularity when the configuration leaves it
// unset.
const DefaultBlockSize = 256 * 1024

// DefaultSlotBlocks is the number of resident blocks kept per slot.
const DefaultSlotBlocks = 4

// ErrNothingPending is returned by Wait when no load is in flight: the next
// muxer entry will either progress or fail with its own diagnosis.
var ErrNothingPending = errors.New("no block load pending")

type blockKey struct {
	fileIndex  int
	blockIndex int64
}

type block struct {
	key  blockKey
	data []byte
}

// BlockCache is a slot-partitioned block cache over a set of payload files.
// GetFromCache never blocks; loads happen on background goroutines.
type BlockCache struct {
	logger     *slog.Logger
	files      []*os.File
	blockSize  int64
	slotBlocks int

	mu      sync.Mutex
	slots   map[uint16][]*block // most recently used first
	loading map[blockKey]uint16
	loadErr error

	// ready holds one pending completion signal; Wait drains it.
	ready chan struct{}
}

// New builds a cache over files, which are indexed by the streams'
// FramesFileIndex values. Zero sizes select the defaults.
func New(logger *slog.Logger, files []*os.File, blockSize int64, slotBlocks int) *BlockCache {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if slotBlocks <= 0 {
		slotBlocks = DefaultSlotBlocks
	}
	return &BlockCache{
		logger:     logger,
		files:      files,
		blockSize:  blockSize,
		slotBlocks: slotBlocks,
		slots:      make(map[uint16][]*block),
		loading:    make(map[blockKey]uint16),
		ready:      make(chan struct{}, 1),
	}
}

// GetFromCache reports whether bytes at offset are resident. A hit returns
// the contiguous resident bytes starting at offset, up to wanted and never
// past the block end; a miss schedules the block load and returns false.
func (c *BlockCache) GetFromCache(wanted uint32, slotID uint16, fileIndex int, offset int64) ([]byte, bool) {
	if wanted == 0 {
		return nil, true
	}
	if fileIndex < 0 || fileIndex >= len(c.files) {
		return nil, false
	}

	key := blockKey{fileIndex: fileIndex, blockIndex: offset / c.blockSize}

	c.mu.Lock()
	defer c.mu.Unlock()

	if b := c.lookup(slotID, key); b != nil {
		start := offset - key.blockIndex*c.blockSize
		if start >= int64(len(b.data)) {
			// Resident but short: the file ends before offset. Reported as a
			// miss with nothing pending so the muxer can diagnose truncation.
			return nil, false
		}
		end := start + int64(wanted)
		if end > int64(len(b.data)) {
			end = int64(len(b.data))
		}

		// The read continues into the next block: start fetching it now.
		if end == c.blockSize && int64(wanted) > end-start {
			c.scheduleLoad(slotID, blockKey{fileIndex: fileIndex, blockIndex: key.blockIndex + 1})
		}
		return b.data[start:end], true
	}

	c.scheduleLoad(slotID, key)
	return nil, false
}

// lookup moves a resident block to the front of its slot's use order.
func (c *BlockCache) lookup(slotID uint16, key blockKey) *block {
	blocks := c.slots[slotID]
	for i, b := range blocks {
		if b.key == key {
			copy(blocks[1:i+1], blocks[:i])
			blocks[0] = b
			return b
		}
	}
	return nil
}

// scheduleLoad starts a background read unless one is already in flight.
// Callers hold c.mu.
func (c *BlockCache) scheduleLoad(slotID uint16, key blockKey) {
	if _, inFlight := c.loading[key]; inFlight {
		return
	}
	c.loading[key] = slotID

	go func() {
		data := make([]byte, c.blockSize)
		n, err := c.files[key.fileIndex].ReadAt(data, key.blockIndex*c.blockSize)
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Error("block read failed",
				slog.Int("file_index", key.fileIndex),
				slog.Int64("block", key.blockIndex),
				slog.String("error", err.Error()))
			n = 0
		}

		c.mu.Lock()
		delete(c.loading, key)
		if err != nil && !errors.Is(err, io.EOF) {
			c.loadErr = fmt.Errorf("reading block %d of file %d: %w", key.blockIndex, key.fileIndex, err)
		}
		c.insert(slotID, &block{key: key, data: data[:n]})
		c.mu.Unlock()

		select {
		case c.ready <- struct{}{}:
		default:
		}
	}()
}

// insert places a block at the front of its slot, evicting the least
// recently used entry beyond the slot's capacity. Callers hold c.mu.
func (c *BlockCache) insert(slotID uint16, b *block) {
	blocks := append([]*block{b}, c.slots[slotID]...)
	if len(blocks) > c.slotBlocks {
		blocks = blocks[:c.slotBlocks]
	}
	c.slots[slotID] = blocks
}

// Err returns the first background read failure, if any.
func (c *BlockCache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// Wait blocks until a scheduled load completes or ctx ends. When no load is
// in flight and none has completed since the last call it returns
// ErrNothingPending immediately.
func (c *BlockCache) Wait(ctx context.Context) error {
	c.mu.Lock()
	pending := len(c.loading) > 0
	c.mu.Unlock()

	if !pending {
		select {
		case <-c.ready:
			return nil
		default:
			return ErrNothingPending
		}
	}

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
