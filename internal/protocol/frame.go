// Package protocol defines the wire format shared by both ends of a
// terminal channel: a msgpack-encoded envelope carrying a correlation id,
// a frame type and a type-specific payload. Terminal data and file chunk
// payloads are raw byte sequences and survive encoding untouched.
package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame types carried on a terminal channel.
const (
	TypeTerminalWrite      = "terminal-write"       // client→server, raw keystroke bytes
	TypeTerminalRead       = "terminal-read"        // server→client, raw rendered output
	TypeTerminalResize     = "terminal-resize"      // client→server, {rows, cols}
	TypeSetCookie          = "set-cookie"           // server→client, credential refresh directive
	TypeFileTransfer       = "file-transfer"        // client→server, chunked upload
	TypeFileTransferResult = "file-transfer-result" // server→client, upload outcome
)

// ErrUnknownFrameType is returned by Decode when the envelope is well
// formed but carries a frame type outside the known set. The decoded
// frame is returned alongside the error so the caller can log and
// discard it without tearing down the channel.
var ErrUnknownFrameType = errors.New("unknown frame type")

// FrameError reports a byte sequence that could not be decoded into a
// well-formed frame. Receiving one means framing on the connection is no
// longer reliable.
type FrameError struct {
	Reason string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("frame error: %s", e.Reason)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Frame is the atomic wire unit. ID is an opaque producer-generated
// correlation token; Type selects the payload shape; Payload is the
// still-encoded type-specific value.
type Frame struct {
	ID      string             `msgpack:"id"`
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ResizePayload is the payload of a terminal-resize frame.
type ResizePayload struct {
	Rows int `msgpack:"rows"`
	Cols int `msgpack:"cols"`
}

// FileChunk is the payload of a file-transfer frame. Name, Size and
// Modified are carried only on the announcement chunk (chunk 0).
type FileChunk struct {
	FileID   string  `msgpack:"file_id"`
	Chunk    int     `msgpack:"chunk"`
	Data     []byte  `msgpack:"data"`
	MoreData bool    `msgpack:"more_data"`
	Name     string  `msgpack:"name,omitempty"`
	Size     int64   `msgpack:"size,omitempty"`
	Modified float64 `msgpack:"modified,omitempty"`
}

// TransferResult is the payload of a file-transfer-result frame. Exactly
// one of Error and Result is set.
type TransferResult struct {
	FileID string      `msgpack:"file_id"`
	Error  *string     `msgpack:"error"`
	Result *StoredFile `msgpack:"result"`
}

// StoredFile reports where an uploaded file landed.
type StoredFile struct {
	Path string `msgpack:"path"`
}

// KnownType reports whether t is part of the frame type enumeration.
func KnownType(t string) bool {
	switch t {
	case TypeTerminalWrite, TypeTerminalRead, TypeTerminalResize,
		TypeSetCookie, TypeFileTransfer, TypeFileTransferResult:
		return true
	}
	return false
}

// New builds a frame of the given type around an already-structured
// payload value, generating a fresh correlation id.
func New(frameType string, payload interface{}) (Frame, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{ID: uuid.NewString(), Type: frameType, Payload: raw}, nil
}

// NewData builds a terminal-read or terminal-write frame around raw
// bytes. The bytes are carried as a msgpack bin value, uninterpreted.
func NewData(frameType string, data []byte) (Frame, error) {
	return New(frameType, data)
}

// Encode serializes a frame for the wire. A frame with no payload is
// carried with an explicit nil payload; RawMessage writes its bytes
// verbatim, so an empty one would truncate the envelope.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) == 0 {
		f.Payload = msgpack.RawMessage{0xc0} // msgpack nil
	}
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Decode parses a wire message into a Frame. It performs no I/O and
// mutates no state. A malformed envelope or a missing type yields a
// *FrameError. A well-formed envelope with an unrecognized type yields
// the frame plus ErrUnknownFrameType, so that the caller can apply its
// forward-compatibility policy instead of failing the connection.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, &FrameError{Reason: "not a well-formed frame", Err: err}
	}
	if f.Type == "" {
		return Frame{}, &FrameError{Reason: "missing frame type"}
	}
	if !KnownType(f.Type) {
		return f, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return f, nil
}

// Bytes decodes the payload as a raw byte sequence (terminal-read,
// terminal-write).
func (f Frame) Bytes() ([]byte, error) {
	var data []byte
	if err := msgpack.Unmarshal(f.Payload, &data); err != nil {
		return nil, &FrameError{Reason: "payload is not a byte sequence", Err: err}
	}
	return data, nil
}

// Text decodes the payload as a string (set-cookie).
func (f Frame) Text() (string, error) {
	var s string
	if err := msgpack.Unmarshal(f.Payload, &s); err != nil {
		return "", &FrameError{Reason: "payload is not a string", Err: err}
	}
	return s, nil
}

// Resize decodes the payload of a terminal-resize frame.
func (f Frame) Resize() (ResizePayload, error) {
	var p ResizePayload
	if err := msgpack.Unmarshal(f.Payload, &p); err != nil {
		return ResizePayload{}, &FrameError{Reason: "malformed resize payload", Err: err}
	}
	return p, nil
}

// FileChunk decodes the payload of a file-transfer frame.
func (f Frame) FileChunk() (FileChunk, error) {
	var c FileChunk
	if err := msgpack.Unmarshal(f.Payload, &c); err != nil {
		return FileChunk{}, &FrameError{Reason: "malformed file-transfer payload", Err: err}
	}
	return c, nil
}

// TransferResult decodes the payload of a file-transfer-result frame.
func (f Frame) TransferResult() (TransferResult, error) {
	var r TransferResult
	if err := msgpack.Unmarshal(f.Payload, &r); err != nil {
		return TransferResult{}, &FrameError{Reason: "malformed transfer result payload", Err: err}
	}
	return r, nil
}
