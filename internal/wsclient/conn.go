// Package wsclient is the sender side of the agent's websocket surface.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/hostagent/pkg/protocol"
)

const (
	outboxSize   = 256
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by Send once the connection is closing.
var ErrClosed = errors.New("connection closed")

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Conn is a sender's websocket connection to the agent. Envelopes queued by
// Send are written in order by one writer goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	outbox  chan protocol.Envelope
	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
	writeMu sync.Mutex

	hello atomic.Pointer[protocol.Hello]
}

// Dial connects to the agent at wsURL, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ws, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp == nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(body) > 0 {
			return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, body)
		}
		return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
	}

	c := &Conn{
		ws:      ws,
		logger:  logger,
		outbox:  make(chan protocol.Envelope, outboxSize),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// Hello returns the agent's greeting once ReadLoop has seen it.
func (c *Conn) Hello() (protocol.Hello, bool) {
	h := c.hello.Load()
	if h == nil {
		return protocol.Hello{}, false
	}
	return *h, true
}

// ReadLoop passes every envelope from the agent to onEnv until the
// connection fails or ctx is done.
func (c *Conn) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	c.extendDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendDeadline()
		return nil
	})
	go c.keepAlive(ctx)

	stop := context.AfterFunc(ctx, func() { c.ws.Close() })
	defer stop()

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if env.Type == protocol.TypeHello {
			var hello protocol.Hello
			if err := env.DecodePayload(&hello); err == nil {
				c.hello.Store(&hello)
			}
		}
		onEnv(env)
	}
}

func (c *Conn) extendDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
}

func (c *Conn) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closing:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send queues env for the writer goroutine.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closing:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- env:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Conn) writeLoop() {
	defer close(c.stopped)
	for {
		select {
		case env := <-c.outbox:
			if err := c.write(env); err != nil {
				c.logger.Error("websocket write error", "error", err)
				return
			}
		case <-c.closing:
			// flush what was queued before Close
			for {
				select {
				case env := <-c.outbox:
					if err := c.write(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

// Close flushes queued envelopes and closes the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		<-c.stopped
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// RegisterTransfer announces a transfer and returns the message id of the
// request. The agent answers with a register_result.
func (c *Conn) RegisterTransfer(reg protocol.RegisterTransfer) (string, error) {
	msgID := protocol.NewMsgID()
	env, err := protocol.NewEnvelope(protocol.TypeRegisterTransfer, msgID, reg)
	if err != nil {
		return "", err
	}
	return msgID, c.Send(env)
}

// SendChunk delivers one chunk payload.
func (c *Conn) SendChunk(path string, index uint64, data []byte) error {
	env, err := protocol.NewEnvelope(protocol.TypeChunk, protocol.NewMsgID(), protocol.Chunk{
		Path:  path,
		Index: index,
		Data:  data,
	})
	if err != nil {
		return err
	}
	return c.Send(env)
}
