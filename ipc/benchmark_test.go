package ipc

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/pithecene-io/shuttle/types"
)

func buildChunkStream(b *testing.B, n, chunk int) []byte {
	b.Helper()
	meta := types.NewMetadata(types.FileEvent{SourcePath: "/a", RelativePath: "/b", Filename: "f.h5"})
	meta.ChunkSize = types.Ptr(int64(chunk))
	payload := bytes.Repeat([]byte{0x42}, chunk)

	var buf bytes.Buffer
	for i := range n {
		mp, err := EncodeMetadata(meta.WithChunk(int64(i)))
		if err != nil {
			b.Fatal(err)
		}
		if err := WriteMessage(&buf, mp, payload); err != nil {
			b.Fatal(err)
		}
	}
	return buf.Bytes()
}

// BenchmarkReadMessage_Chunks measures decoding of a stream of 64 KiB chunks.
func BenchmarkReadMessage_Chunks(b *testing.B) {
	data := buildChunkStream(b, 100, 64*1024)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		decoder := NewFrameDecoder(bytes.NewReader(data))
		for {
			msg, err := decoder.ReadMessage()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
			if _, err := DecodeMetadata(msg[0]); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// BenchmarkReadFrame_OneByteReader simulates worst-case small reads; the
// decoder's buffering batches them.
func BenchmarkReadFrame_OneByteReader(b *testing.B) {
	data := buildChunkStream(b, 20, 1024)

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		decoder := NewFrameDecoder(iotest.OneByteReader(bytes.NewReader(data)))
		for {
			_, err := decoder.ReadFrame()
			if err == io.EOF {
				break
			}
			if err != nil {
				b.Fatal(err)
			}
		}
	}
}
