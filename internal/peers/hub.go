// Package peers tracks connected senders and fans agent notices out to them.
package peers

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/hostagent/pkg/protocol"
)

const sendBuffer = 256

// AgentID is the From field of every envelope the agent originates.
const AgentID = "agent"

// Peer represents a connected sender.
type Peer struct {
	ConnID string // unique per connection
	Remote string
}

// NewConnID returns a fresh connection id.
func NewConnID() string {
	return uuid.NewString()
}

// peerConnection holds a peer and its send channel.
type peerConnection struct {
	peer Peer
	send chan protocol.Envelope
}

// Hub manages connected senders in a thread-safe manner.
// Chunk requests and terminal notices are broadcast to every sender; each
// sender ignores paths it did not register.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*peerConnection
	logger *slog.Logger
}

// NewHub creates a new peer hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]*peerConnection),
		logger: logger,
	}
}

// Add registers a peer and returns a remove function.
// The send function is called from a dedicated writer goroutine.
func (h *Hub) Add(p Peer, send func(env protocol.Envelope) error) (remove func()) {
	ch := make(chan protocol.Envelope, sendBuffer)
	pc := &peerConnection{
		peer: p,
		send: ch,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				return
			}
		}
	}()

	h.mu.Lock()
	if old, ok := h.conns[p.ConnID]; ok {
		close(old.send)
	}
	h.conns[p.ConnID] = pc
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			current, ok := h.conns[p.ConnID]
			if !ok || current != pc {
				h.mu.Unlock()
				return
			}
			delete(h.conns, p.ConnID)
			close(ch)
			h.mu.Unlock()

			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
		})
	}
}

// List returns the connected peers ordered by connection id.
func (h *Hub) List() []Peer {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.conns))
	for _, pc := range h.conns {
		peers = append(peers, pc.peer)
	}
	h.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ConnID < peers[j].ConnID })
	return peers
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues env for every peer. A peer whose buffer is full misses
// the message; a missed chunk_request is only recovered by the chunk timeout.
func (h *Hub) Broadcast(env protocol.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, pc := range h.conns {
		select {
		case pc.send <- env:
		default:
			h.logger.Warn("peer send buffer full, dropping message",
				"conn_id", pc.peer.ConnID, "type", env.Type, "msg_id", env.MsgID)
		}
	}
}

// SendTo queues env for one peer.
// Returns true if the peer was found, even when its buffer was full.
func (h *Hub) SendTo(connID string, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pc, ok := h.conns[connID]
	if !ok {
		return false
	}
	select {
	case pc.send <- env:
	default:
		h.logger.Warn("peer send buffer full, dropping message",
			"conn_id", connID, "type", env.Type, "msg_id", env.MsgID)
	}
	return true
}

// ChunkRequest broadcasts a request for one chunk.
func (h *Hub) ChunkRequest(path string, index uint64) {
	h.publish(protocol.TypeChunkRequest, protocol.ChunkRequest{Path: path, Index: index})
}

// Done broadcasts a completed transfer.
func (h *Hub) Done(path string) {
	h.publish(protocol.TypeTransferDone, protocol.TransferDone{Path: path})
}

// Failed broadcasts an abandoned transfer.
func (h *Hub) Failed(path, reason string) {
	h.publish(protocol.TypeTransferError, protocol.TransferError{Path: path, Reason: reason})
}

func (h *Hub) publish(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		return
	}
	env.From = AgentID
	h.Broadcast(env)
}
