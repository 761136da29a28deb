package control

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/sheerbytes/hostagent/internal/upload"
)

func fields(values ...string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out
}

func TestFrame_ValidateArity(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
		want error
	}{
		{"queue ok", Frame{Verb: VerbQueue, Fields: fields("/a", "1")}, nil},
		{"queue short", Frame{Verb: VerbQueue, Fields: fields("/a")}, ErrTooFewFields},
		{"queue long", Frame{Verb: VerbQueue, Fields: fields("/a", "1", "x")}, ErrTooManyFields},
		{"done empty", Frame{Verb: VerbDone}, ErrTooFewFields},
		{"err long", Frame{Verb: VerbErr, Fields: fields("/a", "r", "x")}, ErrTooManyFields},
		{"register unbounded", Frame{Verb: VerbRegister, Fields: fields("/a", "1", "2", "3", "BackupExistingFile=.bak")}, nil},
		{"register short", Frame{Verb: VerbRegister, Fields: fields("/a", "1", "2")}, ErrTooFewFields},
		{"ack one", Frame{Verb: VerbAck, Fields: fields("/a")}, nil},
		{"ack two", Frame{Verb: VerbAck, Fields: fields("/a", "boom")}, nil},
		{"request ok", Frame{Verb: VerbRequest, Fields: fields("/a", "4")}, nil},
		{"request short", Frame{Verb: VerbRequest, Fields: fields("/a")}, ErrTooFewFields},
		{"unknown", Frame{Verb: "PING", Fields: fields("/a")}, ErrUnknownVerb},
	}
	for _, tc := range cases {
		err := tc.f.Validate()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestDecode_RegisterParsesOptions(t *testing.T) {
	msg, err := Decode(Frame{Verb: VerbRegister, Fields: fields("/tmp/x", "42", "12", "3", "BackupExistingFile=.bak")})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reg, ok := msg.(Register)
	if !ok {
		t.Fatalf("expected Register, got %T", msg)
	}
	want := upload.Request{Path: "/tmp/x", Hash: 42, Size: 12, TotalChunks: 3, Options: upload.Options{BackupSuffix: ".bak"}}
	if reg.Request != want {
		t.Fatalf("request mismatch: got %+v want %+v", reg.Request, want)
	}
}

func TestDecode_RejectsMalformedNumbers(t *testing.T) {
	_, err := Decode(Frame{Verb: VerbChunk, Fields: fields("/a", "one", "data")})
	if !errors.Is(err, ErrMalformedField) {
		t.Fatalf("expected ErrMalformedField, got %v", err)
	}
	_, err = Decode(Frame{Verb: VerbRegister, Fields: fields("/a", "1", "2", "3", "Bogus=1")})
	if !errors.Is(err, upload.ErrUnknownOption) {
		t.Fatalf("expected ErrUnknownOption, got %v", err)
	}
}

func TestFrame_StreamRoundTrip(t *testing.T) {
	msgs := []Message{
		Register{Request: upload.Request{Path: "/a", Hash: 7, Size: 8, TotalChunks: 2}},
		Chunk{Path: "/a", Index: 1, Data: []byte{0, 1, 2, 0xff}},
		ChunkQueued{Path: "/a", Index: 3},
		ChunkReady{Path: "/a", Index: 3},
		TransferDone{Path: "/a"},
		TransferFailed{Path: "/a", Reason: "disk full"},
		Ack{Path: "/a"},
		Ack{Path: "/a", Err: "busy"},
		ChunkRequest{Path: "/a", Index: 9},
	}

	var buf bytes.Buffer
	for _, m := range msgs {
		f, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode %T: %v", m, err)
		}
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame %T: %v", m, err)
		}
	}
	for _, want := range msgs {
		f, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got, err := Decode(f)
		if err != nil {
			t.Fatalf("Decode %s: %v", f.Verb, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("mismatch: got %+v want %+v", got, want)
		}
	}
	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Verb: VerbDone, Fields: fields("/a")}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	data := buf.Bytes()[:buf.Len()-1]
	_, err := ReadFrame(bytes.NewReader(data))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrame_TooManyFields(t *testing.T) {
	raw := []byte{0, 4, 'D', 'O', 'N', 'E', 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(raw))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
