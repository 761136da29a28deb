package upload

import "errors"

var (
	// ErrFileIsDirectory indicates the destination path is an existing directory.
	ErrFileIsDirectory = errors.New("expected file but found directory")
	// ErrFileSizeMismatch indicates the staged byte count differs from the declared size.
	ErrFileSizeMismatch = errors.New("file size does not match expected size")
	// ErrFileHashMismatch indicates the staged content hash differs from the declared hash.
	ErrFileHashMismatch = errors.New("file hash does not match expected hash")
	// ErrChunkOutOfRange indicates a chunk index at or beyond the declared chunk count.
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	// ErrInvalidChunkCount indicates a chunk count that cannot cover the declared size.
	ErrInvalidChunkCount = errors.New("chunk count does not fit file size")
	// ErrUnknownOption indicates a registration option this agent does not understand.
	ErrUnknownOption = errors.New("unknown upload option")
	// ErrRelativePath indicates a destination that is not an absolute, clean path.
	ErrRelativePath = errors.New("destination path must be absolute and clean")
	// ErrNotReceiving indicates a write or install on a transfer that already left the receiving state.
	ErrNotReceiving = errors.New("transfer is not receiving")
)
