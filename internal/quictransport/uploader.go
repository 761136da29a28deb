package quictransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sheerbytes/hostagent/internal/control"
	"github.com/sheerbytes/hostagent/internal/upload"
)

// DefaultChunkSize is the payload size of each CHUNK frame an Uploader sends.
const DefaultChunkSize = 256 << 10

var (
	// ErrRejected is returned when the agent answers REGISTER with an error.
	ErrRejected = errors.New("registration rejected")
	// ErrTransferFailed is returned when the agent abandons a transfer.
	ErrTransferFailed = errors.New("transfer failed")
)

// pending is one upload in flight. REQUEST frames that arrive before the
// agent acks the registration are held in early.
type pending struct {
	data       []byte
	result     chan error
	registered bool
	early      []uint64
}

// Uploader sends files as frames on one stream and answers the agent's
// REQUEST frames for them. Run ReadLoop alongside Upload.
type Uploader struct {
	rw        io.ReadWriter
	w         frameWriter
	chunkSize int

	mu    sync.Mutex
	files map[string]*pending
}

// NewUploader creates an Uploader on rw. chunkSize <= 0 uses DefaultChunkSize.
func NewUploader(rw io.ReadWriter, chunkSize int) *Uploader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Uploader{
		rw:        rw,
		w:         frameWriter{w: rw},
		chunkSize: chunkSize,
		files:     make(map[string]*pending),
	}
}

// Upload registers data for dest and blocks until the agent reports the
// transfer installed or failed.
func (u *Uploader) Upload(ctx context.Context, dest string, data []byte, opts upload.Options) error {
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
	err := u.w.write(control.Register{Request: upload.Request{
		Path:        dest,
		Hash:        xxhash.Sum64(data),
		Size:        uint64(len(data)),
		TotalChunks: total,
		Options:     opts,
	}})
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", dest, err)
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadLoop handles frames from the agent until the stream ends.
func (u *Uploader) ReadLoop() error {
	for {
		f, err := control.ReadFrame(u.rw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := control.Decode(f)
		if err != nil {
			continue
		}
		u.handle(msg)
	}
}

func (u *Uploader) handle(msg control.Message) {
	switch m := msg.(type) {
	case control.Ack:
		if m.Err != "" {
			u.finish(m.Path, fmt.Errorf("%w: %s", ErrRejected, m.Err))
			return
		}
		go u.accept(m.Path)
	case control.ChunkRequest:
		go u.sendChunk(m)
	case control.TransferDone:
		u.finish(m.Path, nil)
	case control.TransferFailed:
		u.finish(m.Path, fmt.Errorf("%w: %s", ErrTransferFailed, m.Reason))
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
		u.sendChunk(control.ChunkRequest{Path: path, Index: index})
	}
}

func (u *Uploader) sendChunk(req control.ChunkRequest) {
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
	if err := u.w.write(control.Chunk{Path: req.Path, Index: req.Index, Data: p.data[start:end]}); err != nil {
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
