// Package server exposes the transfer engine to senders over websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/hostagent/internal/control"
	"github.com/sheerbytes/hostagent/internal/filehandler"
	"github.com/sheerbytes/hostagent/internal/peers"
	"github.com/sheerbytes/hostagent/internal/upload"
	"github.com/sheerbytes/hostagent/pkg/protocol"
)

// Engine is the transfer engine the server feeds.
type Engine interface {
	Register(ctx context.Context, req upload.Request) error
	Deliver(ctx context.Context, chunk control.Chunk) error
	Active() []string
}

// Options configures a Server.
type Options struct {
	MaxSlots        int
	MaxMessageBytes int64
	RegisterRate    float64 // per connection per second; 0 disables the limit
	RegisterBurst   int
	IdleTimeout     time.Duration
	Metrics         http.Handler // served at /metrics when non-nil
}

// Server routes sender messages into the engine and answers them.
type Server struct {
	engine   Engine
	hub      *peers.Hub
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a Server. hub must be the Publisher the engine was built with.
func New(engine Engine, hub *peers.Hub, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 8 << 20
	}
	return &Server{
		engine: engine,
		hub:    hub,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.status())
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}
	return mux
}

func (s *Server) status() protocol.Status {
	active := s.engine.Active()
	if active == nil {
		active = []string{}
	}
	return protocol.Status{Active: active, Senders: s.hub.Len()}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	var writeMu sync.Mutex
	if s.opts.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		conn.SetPingHandler(func(appData string) error {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			writeMu.Lock()
			err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
			writeMu.Unlock()
			return err
		})
	}

	connID := peers.NewConnID()
	logger := s.logger.With("conn_id", connID, "remote", r.RemoteAddr)

	sendFunc := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(env)
	}
	removePeer := s.hub.Add(peers.Peer{ConnID: connID, Remote: r.RemoteAddr}, sendFunc)
	defer removePeer()

	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		ConnID:          connID,
		MaxSlots:        s.opts.MaxSlots,
		MaxMessageBytes: s.opts.MaxMessageBytes,
	})
	if err != nil {
		logger.Error("failed to create hello envelope", "error", err)
		return
	}
	hello.From = peers.AgentID
	s.hub.SendTo(connID, hello)
	logger.Info("sender connected")
	defer logger.Info("sender disconnected")

	c := &connection{
		server:  s,
		connID:  connID,
		logger:  logger,
		limiter: newLimiter(s.opts.RegisterRate, s.opts.RegisterBurst),
	}
	ctx := r.Context()
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Info("websocket idle timeout")
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", "error", err)
			}
			return
		}
		if s.opts.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Warn("invalid JSON envelope", "error", err)
			c.replyError("", protocol.CodeInvalidEnvelope, "invalid JSON envelope")
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			logger.Warn("invalid envelope", "error", err)
			c.replyError(env.MsgID, protocol.CodeInvalidEnvelope, err.Error())
			continue
		}
		if err := c.dispatch(ctx, env); err != nil {
			return
		}
	}
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// connection is the per-sender message router.
type connection struct {
	server  *Server
	connID  string
	logger  *slog.Logger
	limiter *rate.Limiter
}

// dispatch handles one envelope. It returns an error only when the engine
// has stopped and the connection should close.
func (c *connection) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegisterTransfer:
		return c.register(ctx, env)
	case protocol.TypeChunk:
		var chunk protocol.Chunk
		if err := env.DecodePayload(&chunk); err != nil {
			c.replyError(env.MsgID, protocol.CodeInvalidPayload, err.Error())
			return nil
		}
		err := c.server.engine.Deliver(ctx, control.Chunk{Path: chunk.Path, Index: chunk.Index, Data: chunk.Data})
		if err != nil {
			c.replyError(env.MsgID, protocol.CodeUnavailable, err.Error())
			return err
		}
		return nil
	case protocol.TypeStatusRequest:
		c.reply(protocol.TypeStatus, env.MsgID, c.server.status())
		return nil
	default:
		c.replyError(env.MsgID, protocol.CodeUnsupportedType, "unsupported message type: "+env.Type)
		return nil
	}
}

func (c *connection) register(ctx context.Context, env protocol.Envelope) error {
	var reg protocol.RegisterTransfer
	if err := env.DecodePayload(&reg); err != nil {
		c.replyError(env.MsgID, protocol.CodeInvalidPayload, err.Error())
		return nil
	}
	fail := func(code, msg string) {
		c.reply(protocol.TypeRegisterResult, env.MsgID, protocol.RegisterResult{
			Path:  reg.Path,
			Code:  code,
			Error: msg,
		})
	}

	if !c.limiter.Allow() {
		c.logger.Warn("registration rate limit exceeded", "path", reg.Path)
		fail(protocol.CodeRateLimited, "registration rate limit exceeded")
		return nil
	}
	if err := upload.ValidatePath(reg.Path); err != nil {
		fail(protocol.CodeInvalidPayload, err.Error())
		return nil
	}
	opts, err := upload.ParseOptions(reg.Options)
	if err != nil {
		fail(protocol.CodeInvalidPayload, err.Error())
		return nil
	}

	err = c.server.engine.Register(ctx, upload.Request{
		Path:        reg.Path,
		Hash:        reg.Hash,
		Size:        reg.Size,
		TotalChunks: reg.TotalChunks,
		Options:     opts,
	})
	switch {
	case err == nil:
		c.reply(protocol.TypeRegisterResult, env.MsgID, protocol.RegisterResult{Path: reg.Path, OK: true})
		return nil
	case errors.Is(err, filehandler.ErrTransferInProgress):
		fail(protocol.CodeTransferInProcess, err.Error())
		return nil
	case errors.Is(err, filehandler.ErrStopped):
		fail(protocol.CodeUnavailable, err.Error())
		return err
	default:
		fail(protocol.CodeRegisterFailed, err.Error())
		return nil
	}
}

func (c *connection) reply(msgType, replyTo string, payload any) {
	env, err := protocol.NewReply(msgType, replyTo, payload)
	if err != nil {
		c.logger.Error("failed to create reply envelope", "type", msgType, "error", err)
		return
	}
	env.From = peers.AgentID
	c.server.hub.SendTo(c.connID, env)
}

func (c *connection) replyError(replyTo, code, message string) {
	c.reply(protocol.TypeError, replyTo, protocol.Error{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
