// Package control defines the messages exchanged between the transfer
// loops and the frame codec used to carry them across a transport.
package control

import "github.com/sheerbytes/hostagent/internal/upload"

// Message is the closed set of control messages. Only types in this package
// implement it.
type Message interface {
	controlMessage()
}

// Register asks the registration loop to open a transfer. The loop sends
// exactly one result on Reply when it is non-nil.
type Register struct {
	Request upload.Request
	Reply   chan<- error
}

// Chunk carries one chunk payload into the ingest loop.
type Chunk struct {
	Path  string
	Index uint64
	Data  []byte
}

// ChunkQueued asks the scheduler to request chunk Index of Path once a slot
// is free.
type ChunkQueued struct {
	Path  string
	Index uint64
}

// ChunksQueued asks the scheduler to request chunks 0 through Count-1 of
// Path, in order, as slots free up.
type ChunksQueued struct {
	Path  string
	Count uint64
}

// ChunkReady reports that the outstanding request for chunk Index of Path
// has been resolved, successfully or not.
type ChunkReady struct {
	Path  string
	Index uint64
}

// TransferDone reports that Path was installed.
type TransferDone struct {
	Path string
}

// TransferFailed reports that Path was abandoned.
type TransferFailed struct {
	Path   string
	Reason string
}

// Ack answers a Register frame on a stream transport. An empty Err means the
// transfer was accepted.
type Ack struct {
	Path string
	Err  string
}

// ChunkRequest asks a stream sender for chunk Index of Path.
type ChunkRequest struct {
	Path  string
	Index uint64
}

func (Register) controlMessage()       {}
func (Chunk) controlMessage()          {}
func (ChunkQueued) controlMessage()    {}
func (ChunksQueued) controlMessage()   {}
func (ChunkReady) controlMessage()     {}
func (TransferDone) controlMessage()   {}
func (TransferFailed) controlMessage() {}
func (Ack) controlMessage()            {}
func (ChunkRequest) controlMessage()   {}
