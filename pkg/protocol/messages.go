package protocol

// Hello is sent by the agent when a sender connects.
type Hello struct {
	ConnID          string `json:"conn_id"`
	MaxSlots        int    `json:"max_slots"`
	MaxMessageBytes int64  `json:"max_message_bytes,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterTransfer announces a file the sender is about to upload.
type RegisterTransfer struct {
	Path        string   `json:"path"`
	Hash        uint64   `json:"hash"`
	Size        uint64   `json:"size"`
	TotalChunks uint64   `json:"total_chunks"`
	Options     []string `json:"options,omitempty"`
}

// RegisterResult answers a RegisterTransfer.
type RegisterResult struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Chunk carries one chunk payload. Data is base64 in JSON.
type Chunk struct {
	Path  string `json:"path"`
	Index uint64 `json:"index"`
	Data  []byte `json:"data"`
}

// ChunkRequest asks senders for one chunk.
type ChunkRequest struct {
	Path  string `json:"path"`
	Index uint64 `json:"index"`
}

// TransferDone reports a transfer installed at Path.
type TransferDone struct {
	Path string `json:"path"`
}

// TransferError reports a transfer abandoned with Reason.
type TransferError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Status lists the transfers in flight.
type Status struct {
	Active  []string `json:"active"`
	Senders int      `json:"senders"`
}
