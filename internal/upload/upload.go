// Package upload reassembles a chunked byte stream into a verified file and
// installs it atomically over its destination.
package upload

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/cespare/xxhash/v2"
)

const (
	// MaxAttempts is the number of failed chunk writes a transfer tolerates.
	MaxAttempts = 10
	// DefaultSpillThreshold is the number of out-of-order bytes held in memory
	// per transfer before further chunks are spilled to disk.
	DefaultSpillThreshold = 4 << 20
)

// State is the lifecycle position of a Transfer.
type State int

const (
	StateReceiving State = iota
	StateInstalling
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateInstalling:
		return "installing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds agent-side settings that are not part of the sender's request.
type Config struct {
	// SpillThreshold bounds in-memory out-of-order bytes. Zero spills every
	// buffered chunk; negative never spills.
	SpillThreshold int64
}

// Hooks for filesystem calls that tests need to fail on demand.
var (
	rename = os.Rename
	remove = os.Remove
)

// Transfer is one in-flight upload. It is not safe for concurrent use.
type Transfer struct {
	path        string
	exists      bool
	strategy    ReplaceStrategy
	stagingPath string
	staging     *os.File
	stagedBytes int64
	hash        *xxhash.Digest
	expected    uint64
	size        uint64
	totalChunks uint64
	committed   uint64
	buffer      *chunkBuffer
	failed      int
	state       State
	backupErr   error
}

// Register creates the staging file for req and returns a receiving Transfer.
func Register(req Request, cfg Config) (*Transfer, error) {
	if err := checkChunkCount(req.Size, req.TotalChunks); err != nil {
		return nil, err
	}
	info, err := os.Stat(req.Path)
	exists := err == nil
	switch {
	case exists && info.IsDir():
		return nil, ErrFileIsDirectory
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat destination: %w", err)
	}

	stagingPath, err := uniqueName(req.Path, stagingSuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to name staging file: %w", err)
	}
	staging, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return &Transfer{
		path:        req.Path,
		exists:      exists,
		strategy:    req.Options.strategy(),
		stagingPath: stagingPath,
		staging:     staging,
		hash:        xxhash.New(),
		expected:    req.Hash,
		size:        req.Size,
		totalChunks: req.TotalChunks,
		buffer:      newChunkBuffer(req.Path, cfg.SpillThreshold),
		state:       StateReceiving,
	}, nil
}

// Path returns the destination path.
func (t *Transfer) Path() string { return t.path }

// StagingPath returns the temporary file accumulating committed bytes.
func (t *Transfer) StagingPath() string { return t.stagingPath }

// Strategy returns the replace strategy chosen at registration.
func (t *Transfer) Strategy() ReplaceStrategy { return t.strategy }

// State returns the lifecycle state.
func (t *Transfer) State() State { return t.state }

// Committed returns the number of chunks written to staging in order.
func (t *Transfer) Committed() uint64 { return t.committed }

// Buffered returns the number of chunks waiting for a gap to close.
func (t *Transfer) Buffered() int { return t.buffer.len() }

// TotalChunks returns the declared chunk count.
func (t *Transfer) TotalChunks() uint64 { return t.totalChunks }

// Failures returns the number of failed writes so far.
func (t *Transfer) Failures() int { return t.failed }

// IsFinished reports whether every chunk has been committed.
func (t *Transfer) IsFinished() bool { return t.committed == t.totalChunks }

// CanRetry reports whether the retry budget is not yet exhausted.
func (t *Transfer) CanRetry() bool { return t.failed < MaxAttempts }

// Write accepts chunk index. The chunk at the commit cursor is appended to
// staging, followed by every buffered chunk that is now contiguous. A chunk
// ahead of the cursor is buffered; a chunk behind it is a duplicate and
// ignored. An IO failure counts against the retry budget and leaves the
// cursor where it was.
func (t *Transfer) Write(index uint64, data []byte) error {
	if t.state != StateReceiving {
		return ErrNotReceiving
	}
	if index >= t.totalChunks {
		return fmt.Errorf("%w: %d >= %d", ErrChunkOutOfRange, index, t.totalChunks)
	}
	if err := t.write(index, data); err != nil {
		t.failed++
		return err
	}
	return nil
}

func (t *Transfer) write(index uint64, data []byte) error {
	switch {
	case index == t.committed:
		if err := t.commit(data); err != nil {
			return err
		}
	case index > t.committed:
		if err := t.buffer.put(index, data); err != nil {
			return err
		}
	}
	return t.drain()
}

// drain commits buffered chunks while the next expected index is present.
func (t *Transfer) drain() error {
	for t.committed < t.totalChunks && t.buffer.has(t.committed) {
		index := t.committed
		data, release, err := t.buffer.load(index)
		if err != nil {
			return err
		}
		err = t.commit(data)
		release()
		if err != nil {
			return err
		}
		t.buffer.drop(index)
	}
	return nil
}

// commit appends data at the cursor. A short or failed write is truncated
// away so the same bytes can be committed again later.
func (t *Transfer) commit(data []byte) error {
	n, err := t.staging.Write(data)
	if err != nil {
		if n > 0 {
			if terr := t.rewind(); terr != nil {
				return errors.Join(fmt.Errorf("failed to write chunk %d: %w", t.committed, err), terr)
			}
		}
		return fmt.Errorf("failed to write chunk %d: %w", t.committed, err)
	}
	t.hash.Write(data)
	t.stagedBytes += int64(n)
	t.committed++
	return nil
}

func (t *Transfer) rewind() error {
	if err := t.staging.Truncate(t.stagedBytes); err != nil {
		return fmt.Errorf("failed to truncate staging file: %w", err)
	}
	if _, err := t.staging.Seek(t.stagedBytes, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek staging file: %w", err)
	}
	return nil
}

// Install verifies the staged content and renames it over the destination.
// An existing destination is first moved to a backup path; if the final
// rename fails the backup is moved back. The staging file and spill
// directory are removed on every path out of Install.
func (t *Transfer) Install() (err error) {
	if t.state != StateReceiving {
		return ErrNotReceiving
	}
	t.state = StateInstalling
	defer func() {
		if cerr := t.cleanup(); cerr != nil && err != nil {
			err = errors.Join(err, cerr)
		}
		if err != nil {
			t.state = StateFailed
			return
		}
		t.state = StateCompleted
	}()

	info, err := t.staging.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat staging file: %w", err)
	}
	if uint64(info.Size()) != t.size {
		return fmt.Errorf("%w: staged %d bytes, expected %d", ErrFileSizeMismatch, info.Size(), t.size)
	}
	if sum := t.hash.Sum64(); sum != t.expected {
		return fmt.Errorf("%w: got %d, expected %d", ErrFileHashMismatch, sum, t.expected)
	}
	if err := t.staging.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	t.staging = nil

	if !t.exists {
		if err := rename(t.stagingPath, t.path); err != nil {
			return fmt.Errorf("failed to install %s: %w", t.path, err)
		}
		return nil
	}

	backup, err := uniqueName(t.path, t.strategy.Suffix)
	if err != nil {
		return fmt.Errorf("failed to name backup file: %w", err)
	}
	if err := rename(t.path, backup); err != nil {
		return fmt.Errorf("failed to back up %s: %w", t.path, err)
	}
	if err := rename(t.stagingPath, t.path); err != nil {
		installErr := fmt.Errorf("failed to install %s: %w", t.path, err)
		if rerr := rename(backup, t.path); rerr != nil {
			return errors.Join(installErr, fmt.Errorf("failed to restore %s from %s: %w", t.path, backup, rerr))
		}
		return installErr
	}
	if t.strategy.Kind == ReplaceUnlink {
		if err := remove(backup); err != nil {
			t.backupErr = fmt.Errorf("failed to remove displaced %s: %w", backup, err)
		}
	}
	return nil
}

// BackupErr reports a displaced destination that Install could not delete
// under the unlink strategy. The install itself still succeeded.
func (t *Transfer) BackupErr() error { return t.backupErr }

// checkChunkCount rejects chunk counts no sender could produce for size:
// every chunk carries at least one byte, and an empty file is zero or one
// empty chunk.
func checkChunkCount(size, chunks uint64) error {
	switch {
	case size == 0 && chunks > 1:
		return fmt.Errorf("%w: %d chunks for an empty file", ErrInvalidChunkCount, chunks)
	case size > 0 && chunks == 0:
		return fmt.Errorf("%w: no chunks for %d bytes", ErrInvalidChunkCount, size)
	case chunks > size && size > 0:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidChunkCount, chunks, size)
	}
	return nil
}

// Abort discards the transfer's staging file and spill directory.
func (t *Transfer) Abort() error {
	if t.state == StateCompleted || t.state == StateFailed {
		return nil
	}
	t.state = StateFailed
	return t.cleanup()
}

func (t *Transfer) cleanup() error {
	var errs []error
	if t.staging != nil {
		if err := t.staging.Close(); err != nil {
			errs = append(errs, err)
		}
		t.staging = nil
	}
	if err := remove(t.stagingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove staging file: %w", err))
	}
	if err := t.buffer.cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove spill directory: %w", err))
	}
	return errors.Join(errs...)
}
