package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/pithecene-io/shuttle/types"
)

// encodeFrame encodes a payload with length prefix.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

func TestFrameDecoder_DataMessage(t *testing.T) {
	meta := types.NewMetadata(types.FileEvent{SourcePath: "/a", RelativePath: "/b", Filename: "f.h5"})
	meta = meta.WithChunk(1)
	meta.Filesize = types.Ptr[int64](2048)
	meta.ChunkSize = types.Ptr[int64](1024)

	metaPart, err := EncodeMetadata(meta)
	if err != nil {
		t.Fatalf("EncodeMetadata failed: %v", err)
	}
	payload := bytes.Repeat([]byte{0xAB}, 1024)

	frame, err := EncodeMessage(metaPart, payload)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	msg, err := decoder.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if len(msg) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg))
	}

	decoded, err := DecodeMetadata(msg[0])
	if err != nil {
		t.Fatalf("DecodeMetadata failed: %v", err)
	}
	if decoded.Filename != "f.h5" {
		t.Errorf("Filename = %q, want f.h5", decoded.Filename)
	}
	if decoded.ChunkNumber == nil || *decoded.ChunkNumber != 1 {
		t.Errorf("ChunkNumber = %v, want 1", decoded.ChunkNumber)
	}
	if decoded.FileModTime != nil {
		t.Errorf("FileModTime = %v, want absent", *decoded.FileModTime)
	}
	if !bytes.Equal(msg[1], payload) {
		t.Error("payload mismatch")
	}
}

func TestFrameDecoder_MultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	for _, parts := range [][]string{
		{types.SignalAliveTest},
		{types.SignalNext, "host:6001"},
		{"START_STREAM", types.Version, "x"},
	} {
		if err := WriteMessage(&buf, Strings(parts...)...); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}

	decoder := NewFrameDecoder(&buf)
	wantFirst := []string{types.SignalAliveTest, types.SignalNext, "START_STREAM"}
	for i, want := range wantFirst {
		msg, err := decoder.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if msg.Part(0) != want {
			t.Errorf("message %d part 0 = %q, want %q", i, msg.Part(0), want)
		}
	}

	if _, err := decoder.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF after last message, got %v", err)
	}
}

func TestMessage_PartOutOfRange(t *testing.T) {
	msg := Strings("only")
	if got := msg.Part(3); got != "" {
		t.Errorf("Part(3) = %q, want empty", got)
	}
}

func TestEncodeMessage_NoParts(t *testing.T) {
	if _, err := EncodeMessage(); err == nil {
		t.Error("expected error for empty message")
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	frame, err := EncodeMessage([]byte("hello"), []byte("world"))
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	// Keep only length prefix + half payload
	truncated := frame[:LengthPrefixSize+len(frame[LengthPrefixSize:])/2]

	decoder := NewFrameDecoder(bytes.NewReader(truncated))
	_, err = decoder.ReadFrame()

	if err == nil {
		t.Fatal("expected error for truncated frame")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
	if !frameErr.IsFatal() {
		t.Error("FrameErrorPartial.IsFatal() should return true")
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxPayloadSize+1))

	decoder := NewFrameDecoder(&buf)
	_, err := decoder.ReadFrame()

	if !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got: %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader(nil))
	_, err := decoder.ReadFrame()

	if err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestFrameDecoder_TruncatedLengthPrefix(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x00}))
	_, err := decoder.ReadFrame()

	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}
}

// Decode errors are non-fatal: the frame was read correctly, just couldn't decode.
func TestFrameDecoder_MalformedMsgpack(t *testing.T) {
	frame := encodeFrame([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	_, err := decoder.ReadMessage()
	if err == nil {
		t.Fatal("expected decode error for malformed msgpack")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorDecode {
		t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
	}
	if IsFatalFrameError(err) {
		t.Error("decode errors should not be fatal")
	}
}

func TestDecodeMetadata_Malformed(t *testing.T) {
	_, err := DecodeMetadata([]byte("not msgpack \xc1"))
	if err == nil {
		t.Fatal("expected error for malformed metadata")
	}
	if IsFatalFrameError(err) {
		t.Error("metadata decode errors should not be fatal")
	}
}

func TestDecodeMetadata_NewerVersion(t *testing.T) {
	meta := &types.Metadata{Version: types.MetadataVersion + 1, Filename: "f"}
	b, err := EncodeMetadata(meta)
	if err != nil {
		t.Fatalf("EncodeMetadata failed: %v", err)
	}
	if _, err := DecodeMetadata(b); err == nil {
		t.Error("expected rejection of newer metadata version")
	}
}

func TestDecodeTargets(t *testing.T) {
	in := []types.Target{
		{SocketID: "node1:50101", Priority: 1, Suffixes: []string{".h5"}, Category: types.CategoryData},
		{SocketID: "node2:50102", Priority: 0, Suffixes: []string{""}, Category: types.CategoryMetadata},
	}
	b, err := EncodeTargets(in)
	if err != nil {
		t.Fatalf("EncodeTargets failed: %v", err)
	}
	out, err := DecodeTargets(b)
	if err != nil {
		t.Fatalf("DecodeTargets failed: %v", err)
	}
	if len(out) != 2 || out[1].SocketID != "node2:50102" || out[1].Category != types.CategoryMetadata {
		t.Errorf("DecodeTargets = %+v", out)
	}

	if _, err := DecodeTargets([]byte{0xc1}); !errors.Is(err, types.ErrFormat) {
		t.Errorf("malformed targets error = %v, want ErrFormat", err)
	}
}

func TestFrameError_Unwrap(t *testing.T) {
	underlying := io.ErrUnexpectedEOF
	err := &FrameError{
		Kind: FrameErrorPartial,
		Msg:  "test",
		Err:  underlying,
	}

	if !errors.Is(err, underlying) {
		t.Error("Unwrap should allow errors.Is to find underlying error")
	}
}

func TestIsFatalFrameError_NonFrameError(t *testing.T) {
	if IsFatalFrameError(errors.New("regular error")) {
		t.Error("regular errors should not be fatal frame errors")
	}
	if IsFatalFrameError(nil) {
		t.Error("nil should not be a fatal frame error")
	}
	if IsFatalFrameError(io.EOF) {
		t.Error("io.EOF should not be a fatal frame error")
	}
}
