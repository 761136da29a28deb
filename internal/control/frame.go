package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/sheerbytes/hostagent/internal/upload"
)

// Verbs carried in a Frame.
const (
	VerbRegister = "REGISTER"
	VerbChunk    = "CHUNK"
	VerbQueue    = "QUEUE"
	VerbReady    = "READY"
	VerbDone     = "DONE"
	VerbErr      = "ERR"
	VerbAck      = "ACK"
	VerbRequest  = "REQUEST"
)

const (
	maxVerbLength = 32
	// MaxFields bounds the number of fields in one frame.
	MaxFields = 64
	// MaxFieldBytes bounds a single field, which for CHUNK frames is the payload.
	MaxFieldBytes = 64 << 20
)

var (
	ErrTooFewFields   = errors.New("too few fields for verb")
	ErrTooManyFields  = errors.New("too many fields for verb")
	ErrUnknownVerb    = errors.New("unknown verb")
	ErrMalformedField = errors.New("malformed field")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
)

// Frame is a verb followed by an ordered sequence of opaque fields.
type Frame struct {
	Verb   string
	Fields [][]byte
}

type arity struct {
	min int
	max int // -1 for unbounded
}

var arities = map[string]arity{
	VerbRegister: {min: 4, max: -1},
	VerbChunk:    {min: 3, max: 3},
	VerbQueue:    {min: 2, max: 2},
	VerbReady:    {min: 2, max: 2},
	VerbDone:     {min: 1, max: 1},
	VerbErr:      {min: 2, max: 2},
	VerbAck:      {min: 1, max: 2},
	VerbRequest:  {min: 2, max: 2},
}

// Validate checks the field count of f against its verb.
func (f Frame) Validate() error {
	a, ok := arities[f.Verb]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVerb, f.Verb)
	}
	n := len(f.Fields)
	if n < a.min {
		return fmt.Errorf("%w: %s wants at least %d, got %d", ErrTooFewFields, f.Verb, a.min, n)
	}
	if a.max >= 0 && n > a.max {
		return fmt.Errorf("%w: %s wants at most %d, got %d", ErrTooManyFields, f.Verb, a.max, n)
	}
	return nil
}

// Decode validates f and converts it to a Message. A decoded Register has no
// Reply channel.
func Decode(f Frame) (Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	path := string(f.Fields[0])

	switch f.Verb {
	case VerbRegister:
		nums := make([]uint64, 3)
		for i, name := range []string{"hash", "size", "total chunks"} {
			v, err := parseUint(f.Fields[i+1], name)
			if err != nil {
				return nil, err
			}
			nums[i] = v
		}
		raw := make([]string, 0, len(f.Fields)-4)
		for _, field := range f.Fields[4:] {
			raw = append(raw, string(field))
		}
		opts, err := upload.ParseOptions(raw)
		if err != nil {
			return nil, err
		}
		return Register{Request: upload.Request{
			Path:        path,
			Hash:        nums[0],
			Size:        nums[1],
			TotalChunks: nums[2],
			Options:     opts,
		}}, nil
	case VerbChunk:
		index, err := parseUint(f.Fields[1], "index")
		if err != nil {
			return nil, err
		}
		return Chunk{Path: path, Index: index, Data: f.Fields[2]}, nil
	case VerbQueue:
		index, err := parseUint(f.Fields[1], "index")
		if err != nil {
			return nil, err
		}
		return ChunkQueued{Path: path, Index: index}, nil
	case VerbReady:
		index, err := parseUint(f.Fields[1], "index")
		if err != nil {
			return nil, err
		}
		return ChunkReady{Path: path, Index: index}, nil
	case VerbDone:
		return TransferDone{Path: path}, nil
	case VerbErr:
		return TransferFailed{Path: path, Reason: string(f.Fields[1])}, nil
	case VerbAck:
		ack := Ack{Path: path}
		if len(f.Fields) == 2 {
			ack.Err = string(f.Fields[1])
		}
		return ack, nil
	case VerbRequest:
		index, err := parseUint(f.Fields[1], "index")
		if err != nil {
			return nil, err
		}
		return ChunkRequest{Path: path, Index: index}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, f.Verb)
}

// Encode converts m to its Frame.
func Encode(m Message) (Frame, error) {
	switch msg := m.(type) {
	case Register:
		req := msg.Request
		fields := [][]byte{
			[]byte(req.Path),
			formatUint(req.Hash),
			formatUint(req.Size),
			formatUint(req.TotalChunks),
		}
		for _, opt := range req.Options.Strings() {
			fields = append(fields, []byte(opt))
		}
		return Frame{Verb: VerbRegister, Fields: fields}, nil
	case Chunk:
		return Frame{Verb: VerbChunk, Fields: [][]byte{[]byte(msg.Path), formatUint(msg.Index), msg.Data}}, nil
	case ChunkQueued:
		return Frame{Verb: VerbQueue, Fields: [][]byte{[]byte(msg.Path), formatUint(msg.Index)}}, nil
	case ChunkReady:
		return Frame{Verb: VerbReady, Fields: [][]byte{[]byte(msg.Path), formatUint(msg.Index)}}, nil
	case TransferDone:
		return Frame{Verb: VerbDone, Fields: [][]byte{[]byte(msg.Path)}}, nil
	case TransferFailed:
		return Frame{Verb: VerbErr, Fields: [][]byte{[]byte(msg.Path), []byte(msg.Reason)}}, nil
	case Ack:
		fields := [][]byte{[]byte(msg.Path)}
		if msg.Err != "" {
			fields = append(fields, []byte(msg.Err))
		}
		return Frame{Verb: VerbAck, Fields: fields}, nil
	case ChunkRequest:
		return Frame{Verb: VerbRequest, Fields: [][]byte{[]byte(msg.Path), formatUint(msg.Index)}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %T", ErrUnknownVerb, m)
	}
}

// WriteFrame writes f as: verb length (uint16), verb, field count (uint16),
// then each field as length (uint32) and bytes. Big endian throughout.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Verb) > maxVerbLength || len(f.Fields) > MaxFields {
		return ErrFrameTooLarge
	}
	size := 2 + len(f.Verb) + 2
	for _, field := range f.Fields {
		if len(field) > MaxFieldBytes {
			return ErrFrameTooLarge
		}
		size += 4 + len(field)
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Verb)))
	buf = append(buf, f.Verb...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.Fields)))
	for _, field := range f.Fields {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Verb, err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. It returns io.EOF only
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame
	var hdr [4]byte

	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		if errors.Is(err, io.EOF) {
			return f, io.EOF
		}
		return f, fmt.Errorf("failed to read verb length: %w", err)
	}
	verbLen := binary.BigEndian.Uint16(hdr[:2])
	if verbLen > maxVerbLength {
		return f, fmt.Errorf("%w: verb length %d", ErrFrameTooLarge, verbLen)
	}
	verb := make([]byte, verbLen)
	if _, err := io.ReadFull(r, verb); err != nil {
		return f, fmt.Errorf("failed to read verb: %w", noEOF(err))
	}
	f.Verb = string(verb)

	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return f, fmt.Errorf("failed to read field count: %w", noEOF(err))
	}
	count := binary.BigEndian.Uint16(hdr[:2])
	if int(count) > MaxFields {
		return f, fmt.Errorf("%w: %d fields", ErrFrameTooLarge, count)
	}

	f.Fields = make([][]byte, count)
	for i := range f.Fields {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return f, fmt.Errorf("failed to read field %d length: %w", i, noEOF(err))
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxFieldBytes {
			return f, fmt.Errorf("%w: field %d is %d bytes", ErrFrameTooLarge, i, n)
		}
		field := make([]byte, n)
		if _, err := io.ReadFull(r, field); err != nil {
			return f, fmt.Errorf("failed to read field %d: %w", i, noEOF(err))
		}
		f.Fields[i] = field
	}
	return f, nil
}

func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func parseUint(field []byte, name string) (uint64, error) {
	v, err := strconv.ParseUint(string(field), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrMalformedField, name, field)
	}
	return v, nil
}

func formatUint(v uint64) []byte {
	return strconv.AppendUint(nil, v, 10)
}
