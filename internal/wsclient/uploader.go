package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sheerbytes/hostagent/pkg/protocol"
)

// DefaultChunkSize is the payload size of each chunk an Uploader sends.
const DefaultChunkSize = 64 << 10

var (
	// ErrRejected is returned when the agent refuses a registration.
	ErrRejected = errors.New("registration rejected")
	// ErrTransferFailed is returned when the agent abandons a transfer.
	ErrTransferFailed = errors.New("transfer failed")
)

// pending is one upload in flight. Chunk requests that arrive before the
// agent accepts the registration are held in early.
type pending struct {
	data       []byte
	result     chan error
	registered bool
	early      []uint64
}

// Uploader sends files through a Conn and answers the agent's chunk
// requests for them. Pass Handle to Conn.ReadLoop.
type Uploader struct {
	conn      *Conn
	chunkSize int

	mu    sync.Mutex
	files map[string]*pending
}

// NewUploader creates an Uploader. chunkSize <= 0 uses DefaultChunkSize.
func NewUploader(conn *Conn, chunkSize int) *Uploader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Uploader{
		conn:      conn,
		chunkSize: chunkSize,
		files:     make(map[string]*pending),
	}
}

// Upload registers data for dest and blocks until the agent reports the
// transfer installed or failed.
func (u *Uploader) Upload(ctx context.Context, dest string, data []byte, options []string) error {
	p := &pending{data: data, result: make(chan error, 1)}

	u.mu.Lock()
	if _, busy := u.files[dest]; busy {
		u.mu.Unlock()
		return fmt.Errorf("upload to %s already running", dest)
	}
	u.files[dest] = p
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.files, dest)
		u.mu.Unlock()
	}()

	total := uint64(0)
	if len(data) > 0 {
		total = uint64((len(data) + u.chunkSize - 1) / u.chunkSize)
	}
	if _, err := u.conn.RegisterTransfer(protocol.RegisterTransfer{
		Path:        dest,
		Hash:        xxhash.Sum64(data),
		Size:        uint64(len(data)),
		TotalChunks: total,
		Options:     options,
	}); err != nil {
		return fmt.Errorf("failed to register %s: %w", dest, err)
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes one envelope from the agent.
func (u *Uploader) Handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegisterResult:
		var res protocol.RegisterResult
		if err := env.DecodePayload(&res); err != nil {
			return
		}
		if !res.OK {
			u.finish(res.Path, fmt.Errorf("%w: %s", ErrRejected, res.Error))
			return
		}
		u.accept(res.Path)
	case protocol.TypeChunkRequest:
		var req protocol.ChunkRequest
		if err := env.DecodePayload(&req); err != nil {
			return
		}
		u.sendChunk(req)
	case protocol.TypeTransferDone:
		var done protocol.TransferDone
		if err := env.DecodePayload(&done); err != nil {
			return
		}
		u.finish(done.Path, nil)
	case protocol.TypeTransferError:
		var terr protocol.TransferError
		if err := env.DecodePayload(&terr); err != nil {
			return
		}
		u.finish(terr.Path, fmt.Errorf("%w: %s", ErrTransferFailed, terr.Reason))
	}
}

// accept marks path registered and answers the requests held for it.
func (u *Uploader) accept(path string) {
	u.mu.Lock()
	p, ok := u.files[path]
	if !ok || p.registered {
		u.mu.Unlock()
		return
	}
	p.registered = true
	early := p.early
	p.early = nil
	u.mu.Unlock()

	for _, index := range early {
		u.sendChunk(protocol.ChunkRequest{Path: path, Index: index})
	}
}

func (u *Uploader) sendChunk(req protocol.ChunkRequest) {
	u.mu.Lock()
	p, ok := u.files[req.Path]
	ready := ok && p.registered
	if ok && !ready {
		p.early = append(p.early, req.Index)
	}
	u.mu.Unlock()
	if !ready {
		return
	}
	start := req.Index * uint64(u.chunkSize)
	if start >= uint64(len(p.data)) {
		return
	}
	end := min(start+uint64(u.chunkSize), uint64(len(p.data)))
	if err := u.conn.SendChunk(req.Path, req.Index, p.data[start:end]); err != nil {
		u.finish(req.Path, err)
	}
}

func (u *Uploader) finish(path string, err error) {
	u.mu.Lock()
	p, ok := u.files[path]
	u.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.result <- err:
	default:
	}
}
