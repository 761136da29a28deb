package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sheerbytes/hostagent/internal/bufpool"
)

// spillPool loads spilled payloads back into memory during the cascade drain.
var spillPool = bufpool.New(16 << 20)

type bufferedChunk struct {
	data      []byte
	spillPath string
	size      int64
}

// chunkBuffer holds chunks that arrived ahead of the commit cursor. Payloads
// stay in memory until memBytes would exceed threshold; after that they are
// written to individual files under a hidden directory next to the
// destination. A negative threshold never spills.
type chunkBuffer struct {
	dest      string
	threshold int64
	memBytes  int64
	dir       string
	entries   map[uint64]bufferedChunk
}

func newChunkBuffer(dest string, threshold int64) *chunkBuffer {
	return &chunkBuffer{
		dest:      dest,
		threshold: threshold,
		entries:   make(map[uint64]bufferedChunk),
	}
}

func (b *chunkBuffer) has(index uint64) bool {
	_, ok := b.entries[index]
	return ok
}

func (b *chunkBuffer) len() int {
	return len(b.entries)
}

// put stores data for index. An index that is already buffered keeps its
// first payload.
func (b *chunkBuffer) put(index uint64, data []byte) error {
	if b.has(index) {
		return nil
	}
	size := int64(len(data))
	if b.threshold < 0 || b.memBytes+size <= b.threshold {
		buf := make([]byte, len(data))
		copy(buf, data)
		b.entries[index] = bufferedChunk{data: buf, size: size}
		b.memBytes += size
		return nil
	}

	if err := b.ensureDir(); err != nil {
		return err
	}
	name, err := uniqueName(filepath.Join(b.dir, spillPrefix+strconv.FormatUint(index, 10)), "")
	if err != nil {
		return fmt.Errorf("failed to name spill file: %w", err)
	}
	if err := os.WriteFile(name, data, 0600); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("failed to spill chunk %d: %w", index, err)
	}
	b.entries[index] = bufferedChunk{spillPath: name, size: size}
	return nil
}

// load returns the payload for index and a release func that must be called
// once the payload is no longer referenced.
func (b *chunkBuffer) load(index uint64) ([]byte, func(), error) {
	entry, ok := b.entries[index]
	if !ok {
		return nil, nil, fmt.Errorf("chunk %d is not buffered", index)
	}
	if entry.spillPath == "" {
		return entry.data, func() {}, nil
	}
	f, err := os.Open(entry.spillPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open spilled chunk %d: %w", index, err)
	}
	defer f.Close()
	buf, err := spillPool.ReadAll(f, entry.size)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read spilled chunk %d: %w", index, err)
	}
	return buf.Bytes(), func() { spillPool.Put(buf) }, nil
}

// drop forgets index and deletes its spill file, if any.
func (b *chunkBuffer) drop(index uint64) {
	entry, ok := b.entries[index]
	if !ok {
		return
	}
	delete(b.entries, index)
	if entry.spillPath != "" {
		_ = os.Remove(entry.spillPath)
		return
	}
	b.memBytes -= entry.size
}

func (b *chunkBuffer) ensureDir() error {
	if b.dir != "" {
		return nil
	}
	dir, err := uniqueName(spillDirBase(b.dest), spillDirSuffix)
	if err != nil {
		return fmt.Errorf("failed to name spill directory: %w", err)
	}
	if err := os.Mkdir(dir, 0700); err != nil {
		return fmt.Errorf("failed to create spill directory: %w", err)
	}
	b.dir = dir
	return nil
}

// cleanup releases every buffered payload and removes the spill directory.
func (b *chunkBuffer) cleanup() error {
	b.entries = make(map[uint64]bufferedChunk)
	b.memBytes = 0
	if b.dir == "" {
		return nil
	}
	dir := b.dir
	b.dir = ""
	return os.RemoveAll(dir)
}
