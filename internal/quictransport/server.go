package quictransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/hostagent/internal/control"
	"github.com/sheerbytes/hostagent/internal/peers"
	"github.com/sheerbytes/hostagent/internal/upload"
	"github.com/sheerbytes/hostagent/pkg/protocol"
)

// Engine is the transfer engine streams feed.
type Engine interface {
	Register(ctx context.Context, req upload.Request) error
	Deliver(ctx context.Context, chunk control.Chunk) error
}

// Server accepts QUIC connections and routes REGISTER and CHUNK frames
// from each stream into an Engine. When a hub is set, every stream also
// receives the agent's chunk requests and terminal notices as frames.
type Server struct {
	engine Engine
	hub    *peers.Hub
	logger *slog.Logger
}

// NewServer creates a Server. hub may be nil.
func NewServer(engine Engine, hub *peers.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, hub: hub, logger: logger}
}

// Serve accepts connections from ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}
		s.logger.Info("QUIC connection accepted", "remote_addr", conn.RemoteAddr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer conn.CloseWithError(0, "")

	remote := conn.RemoteAddr().String()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.logger.Debug("QUIC connection closed", "remote_addr", remote, "error", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close()
			if err := s.ServeStream(ctx, stream, remote); err != nil {
				s.logger.Warn("QUIC stream ended", "remote_addr", remote, "error", err)
				stream.CancelRead(0)
			}
		}()
	}
}

// ServeStream reads frames from rw until the sender closes it. Frames that
// decode badly are logged and skipped; a broken stream ends the call.
func (s *Server) ServeStream(ctx context.Context, rw io.ReadWriter, remote string) error {
	w := &frameWriter{w: rw}
	if s.hub != nil {
		remove := s.hub.Add(peers.Peer{ConnID: peers.NewConnID(), Remote: remote}, w.notice)
		defer remove()
	}

	for {
		f, err := control.ReadFrame(rw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		msg, err := control.Decode(f)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "verb", f.Verb, "error", err)
			continue
		}

		switch m := msg.(type) {
		case control.Register:
			ack := control.Ack{Path: m.Request.Path}
			if err := s.register(ctx, m.Request); err != nil {
				ack.Err = err.Error()
			}
			if err := w.write(ack); err != nil {
				return err
			}
		case control.Chunk:
			if err := s.engine.Deliver(ctx, m); err != nil {
				return err
			}
		default:
			s.logger.Warn("unexpected frame from sender", "verb", f.Verb, "remote_addr", remote)
		}
	}
}

func (s *Server) register(ctx context.Context, req upload.Request) error {
	if err := upload.ValidatePath(req.Path); err != nil {
		return err
	}
	return s.engine.Register(ctx, req)
}

// frameWriter serializes frame writes from the read loop and the hub
// writer goroutine.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (fw *frameWriter) write(msg control.Message) error {
	f, err := control.Encode(msg)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return control.WriteFrame(fw.w, f)
}

// notice converts a hub envelope into its frame.
func (fw *frameWriter) notice(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeChunkRequest:
		var req protocol.ChunkRequest
		if err := env.DecodePayload(&req); err != nil {
			return nil
		}
		return fw.write(control.ChunkRequest{Path: req.Path, Index: req.Index})
	case protocol.TypeTransferDone:
		var done protocol.TransferDone
		if err := env.DecodePayload(&done); err != nil {
			return nil
		}
		return fw.write(control.TransferDone{Path: done.Path})
	case protocol.TypeTransferError:
		var terr protocol.TransferError
		if err := env.DecodePayload(&terr); err != nil {
			return nil
		}
		return fw.write(control.TransferFailed{Path: terr.Path, Reason: terr.Reason})
	}
	return nil
}
