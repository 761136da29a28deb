// Package filehandler runs the file transfer engine: a registration loop, a
// chunk ingest loop and a flow-control loop joined by internal channels.
package filehandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/hostagent/internal/control"
	"github.com/sheerbytes/hostagent/internal/metrics"
	"github.com/sheerbytes/hostagent/internal/registry"
	"github.com/sheerbytes/hostagent/internal/scheduler"
	"github.com/sheerbytes/hostagent/internal/upload"
)

var (
	// ErrTransferInProgress rejects a registration for a path that already has a live transfer.
	ErrTransferInProgress = errors.New("transfer already in progress")
	// ErrRetriesExhausted is the failure reason once a chunk has failed too often.
	ErrRetriesExhausted = errors.New("chunk write retries exhausted")
	// ErrStopped is returned to callers once the handler has shut down.
	ErrStopped = errors.New("file handler stopped")
)

const defaultQueueDepth = 256

// Config configures a Handler.
type Config struct {
	MaxSlots       int
	SpillThreshold int64
	ChunkTimeout   time.Duration
	// QueueDepth sizes the inbound register and chunk channels.
	QueueDepth int
}

// Handler owns the transfer registry and the three loops that drive it.
type Handler struct {
	cfg      Config
	logger   *slog.Logger
	rec      metrics.Recorder
	registry *registry.Registry
	sched    *scheduler.Scheduler

	registerCh chan control.Register
	chunkCh    chan control.Chunk
	flowCh     chan control.Message
	done       chan struct{}
}

// New creates a Handler. pub receives chunk requests and terminal notices.
func New(cfg Config, pub scheduler.Publisher, logger *slog.Logger, rec metrics.Recorder) *Handler {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		rec:      rec,
		registry: registry.New(),
		sched: scheduler.New(scheduler.Config{
			MaxSlots:     cfg.MaxSlots,
			ChunkTimeout: cfg.ChunkTimeout,
		}, pub, rec, logger.With("component", "scheduler")),
		registerCh: make(chan control.Register, cfg.QueueDepth),
		chunkCh:    make(chan control.Chunk, cfg.QueueDepth),
		flowCh:     make(chan control.Message, cfg.QueueDepth),
		done:       make(chan struct{}),
	}
}

// Run drives the loops until ctx is cancelled, then aborts every transfer
// still in flight.
func (h *Handler) Run(ctx context.Context) error {
	defer close(h.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.registrationLoop(gctx) })
	g.Go(func() error { return h.ingestLoop(gctx) })
	g.Go(func() error { return h.sched.Run(gctx, h.flowCh) })
	err := g.Wait()

	for _, path := range h.registry.PurgeAll() {
		h.logger.Info("aborted transfer on shutdown", "path", path)
		h.rec.TransferFinished(metrics.OutcomeAborted)
	}
	return err
}

// Register opens a transfer and returns once the registration loop has
// accepted or rejected it.
func (h *Handler) Register(ctx context.Context, req upload.Request) error {
	reply := make(chan error, 1)
	select {
	case h.registerCh <- control.Register{Request: req, Reply: reply}:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands one chunk to the ingest loop.
func (h *Handler) Deliver(ctx context.Context, chunk control.Chunk) error {
	select {
	case h.chunkCh <- chunk:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the paths of transfers in flight.
func (h *Handler) Active() []string {
	return h.registry.Paths()
}

func (h *Handler) registrationLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.registerCh:
			err := h.open(msg.Request)
			if msg.Reply != nil {
				msg.Reply <- err
			}
			if err != nil {
				h.logger.Warn("registration rejected", "path", msg.Request.Path, "error", err)
				continue
			}
			h.logger.Info("transfer registered",
				"path", msg.Request.Path,
				"size", msg.Request.Size,
				"chunks", msg.Request.TotalChunks)
			if err := h.seed(ctx, msg.Request); err != nil {
				return nil
			}
		}
	}
}

func (h *Handler) open(req upload.Request) error {
	if h.registry.Contains(req.Path) {
		return fmt.Errorf("%w: %s", ErrTransferInProgress, req.Path)
	}
	t, err := upload.Register(req, upload.Config{SpillThreshold: h.cfg.SpillThreshold})
	if err != nil {
		return err
	}
	if err := h.registry.Insert(req.Path, t); err != nil {
		_ = t.Abort()
		return fmt.Errorf("%w: %s", ErrTransferInProgress, req.Path)
	}
	h.rec.TransferStarted()
	return nil
}

// seed queues every chunk of a new transfer as one range. A transfer with no
// chunks is installed immediately.
func (h *Handler) seed(ctx context.Context, req upload.Request) error {
	if req.TotalChunks == 0 {
		var err error
		h.registry.Update(req.Path, func(t *upload.Transfer) registry.Action {
			err = h.send(ctx, h.install(t))
			return registry.Drop
		})
		return err
	}
	return h.send(ctx, control.ChunksQueued{Path: req.Path, Count: req.TotalChunks})
}

func (h *Handler) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-h.chunkCh:
			if err := h.ingest(ctx, chunk); err != nil {
				return nil
			}
		}
	}
}

// ingest writes one chunk and passes the resulting notices to the flow loop.
// Every chunk releases its request slot; a failed write is queued again until
// the retry budget runs out. Notices are sent while the registry still holds
// the path, so a terminal notice reaches the flow loop before any request
// seeded by a later registration of the same path.
func (h *Handler) ingest(ctx context.Context, chunk control.Chunk) error {
	var sendErr error
	found := h.registry.Update(chunk.Path, func(t *upload.Transfer) registry.Action {
		notices, action := h.apply(t, chunk)
		for _, notice := range notices {
			if sendErr = h.send(ctx, notice); sendErr != nil {
				break
			}
		}
		return action
	})
	if !found {
		h.logger.Debug("chunk for unknown transfer", "path", chunk.Path, "index", chunk.Index)
	}
	return sendErr
}

// apply writes chunk into t and returns the notices it produces.
func (h *Handler) apply(t *upload.Transfer, chunk control.Chunk) ([]control.Message, registry.Action) {
	ready := control.ChunkReady{Path: chunk.Path, Index: chunk.Index}
	before := t.Committed()
	canRetry := t.CanRetry()
	err := t.Write(chunk.Index, chunk.Data)
	h.rec.ChunksCommitted(t.Committed() - before)

	switch {
	case errors.Is(err, upload.ErrChunkOutOfRange):
		h.logger.Warn("dropping chunk", "path", chunk.Path, "index", chunk.Index, "error", err)
		return []control.Message{ready}, registry.Keep
	case err != nil && canRetry:
		h.logger.Warn("chunk write failed, queueing again",
			"path", chunk.Path, "index", chunk.Index, "failures", t.Failures(), "error", err)
		h.rec.ChunkRetried()
		return []control.Message{ready, control.ChunkQueued{Path: chunk.Path, Index: chunk.Index}}, registry.Keep
	case err != nil:
		h.logger.Error("chunk write failed, abandoning transfer",
			"path", chunk.Path, "index", chunk.Index, "failures", t.Failures(), "error", err)
		if aerr := t.Abort(); aerr != nil {
			h.logger.Warn("failed to clean up transfer", "path", chunk.Path, "error", aerr)
		}
		h.rec.TransferFinished(metrics.OutcomeFailed)
		return []control.Message{ready, control.TransferFailed{
			Path:   chunk.Path,
			Reason: fmt.Sprintf("%v: %v", ErrRetriesExhausted, err),
		}}, registry.Drop
	}

	if !t.IsFinished() {
		return []control.Message{ready}, registry.Keep
	}
	return []control.Message{ready, h.install(t)}, registry.Drop
}

// install finalizes t and returns its terminal notice.
func (h *Handler) install(t *upload.Transfer) control.Message {
	if err := t.Install(); err != nil {
		h.logger.Error("install failed", "path", t.Path(), "error", err)
		h.rec.TransferFinished(metrics.OutcomeFailed)
		return control.TransferFailed{Path: t.Path(), Reason: err.Error()}
	}
	if err := t.BackupErr(); err != nil {
		h.logger.Warn("displaced destination left behind", "path", t.Path(), "error", err)
	}
	h.logger.Info("transfer installed", "path", t.Path(), "strategy", t.Strategy().String())
	h.rec.TransferFinished(metrics.OutcomeCompleted)
	return control.TransferDone{Path: t.Path()}
}

func (h *Handler) send(ctx context.Context, msg control.Message) error {
	select {
	case h.flowCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
