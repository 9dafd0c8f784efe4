// Package ipc implements multipart message framing for the control and data planes.
//
// A message is a list of byte-string parts. On the wire each message is one
// frame: a 4-byte big-endian length prefix followed by a msgpack array whose
// elements are the parts, each carried as an independent msgpack bin.
package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (64 MiB), including length prefix.
	MaxFrameSize = 64 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// MaxChunkSize is the maximum file chunk size (32 MiB raw bytes).
	// It leaves headroom for the metadata part inside one frame.
	MaxChunkSize = 32 * 1024 * 1024
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal for the connection.
// Partial and oversized frames desynchronize the stream.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Message is one multipart message.
type Message [][]byte

// Part returns part i as a string, or "" when out of range.
func (m Message) Part(i int) string {
	if i < 0 || i >= len(m) {
		return ""
	}
	return string(m[i])
}

// Strings builds a message from string parts.
func Strings(parts ...string) Message {
	m := make(Message, len(parts))
	for i, p := range parts {
		m[i] = []byte(p)
	}
	return m
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
// The reader is buffered so small reads are batched.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	if _, ok := r.(*bufio.Reader); !ok {
		r = bufio.NewReader(r)
	}
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - os.ErrDeadlineExceeded: read deadline hit before the frame started
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	n, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		// Deadline before any byte arrived: stream is still in sync.
		if n == 0 && errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, err
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// ReadMessage reads one frame and splits it into parts.
// A decode failure consumes the frame and is not fatal.
func (d *FrameDecoder) ReadMessage() (Message, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// DecodeMessage decodes a frame payload into parts.
func DecodeMessage(payload []byte) (Message, error) {
	var parts [][]byte
	if err := msgpack.Unmarshal(payload, &parts); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode message parts",
			Err:  err,
		}
	}
	if len(parts) == 0 {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "message has no parts",
		}
	}
	return Message(parts), nil
}

// EncodeMessage encodes parts into a complete frame, length prefix included.
func EncodeMessage(parts ...[]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, errors.New("message has no parts")
	}
	payload, err := msgpack.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame, nil
}

// WriteMessage encodes parts and writes the frame to w in a single call.
func WriteMessage(w io.Writer, parts ...[]byte) error {
	frame, err := EncodeMessage(parts...)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}
