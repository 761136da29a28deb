package protocol

// Message type constants for protocol envelopes.
const (
	TypeHello            = "hello"
	TypeError            = "error"
	TypeRegisterTransfer = "register_transfer"
	TypeRegisterResult   = "register_result"
	TypeChunk            = "chunk"
	TypeChunkRequest     = "chunk_request"
	TypeTransferDone     = "transfer_done"
	TypeTransferError    = "transfer_error"
	TypeStatusRequest    = "status_request"
	TypeStatus           = "status"
)

// Error codes carried in Error and RegisterResult payloads.
const (
	CodeInvalidEnvelope   = "INVALID_ENVELOPE"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeUnsupportedType   = "UNSUPPORTED_TYPE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	CodeTransferInProcess = "TRANSFER_IN_PROGRESS"
	CodeRegisterFailed    = "REGISTER_FAILED"
	CodeUnavailable       = "UNAVAILABLE"
)
