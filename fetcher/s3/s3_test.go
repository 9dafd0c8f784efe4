package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/types"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func (b *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(time.Unix(1700000000, 0)),
		ETag:          aws.String(`"e1"`),
	}, nil
}

func (b *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, aws.ToString(in.Key))
	b.deleted = append(b.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestParseBucket(t *testing.T) {
	tests := []struct{ in, bucket, prefix string }{
		{"data", "data", ""},
		{"data/beamtime/raw", "data", "beamtime/raw"},
	}
	for _, tt := range tests {
		b, p := ParseBucket(tt.in)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseBucket(%q) = %q, %q", tt.in, b, p)
		}
	}
}

func TestFetch(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{"raw/run1/f.h5": []byte("0123456789")}}
	f := NewWithClient(bucket, "data", "/raw/", nil)
	ev := types.FileEvent{SourcePath: "s3://data", RelativePath: "run1", Filename: "f.h5"}

	if got := f.Key(ev); got != "raw/run1/f.h5" {
		t.Fatalf("Key = %q", got)
	}

	r, meta, err := f.Fetch(t.Context(), ev, 4)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "0123456789" {
		t.Errorf("content = %q", data)
	}
	if *meta.Filesize != 10 || *meta.ChunkSize != 4 || *meta.FileModTime != 1700000000 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Extra["etag"] != `"e1"` || meta.Extra["key"] != "raw/run1/f.h5" {
		t.Errorf("extra = %v", meta.Extra)
	}
}

func TestFetch_NoSuchKey(t *testing.T) {
	f := NewWithClient(&fakeBucket{objects: map[string][]byte{}}, "data", "", nil)
	_, _, err := f.Fetch(t.Context(), types.FileEvent{Filename: "gone"}, 4)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestMove(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{"a.h5": []byte("payload")}}
	f := NewWithClient(bucket, "data", "", nil)
	meta := types.NewMetadata(types.FileEvent{Filename: "a.h5"})
	dst := filepath.Join(t.TempDir(), "a.h5")

	if err := f.Move(t.Context(), meta, dst); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "payload" {
		t.Errorf("stored = %q", got)
	}
	if len(bucket.deleted) != 1 || bucket.deleted[0] != "a.h5" {
		t.Errorf("deleted = %v", bucket.deleted)
	}
}

func TestMove_MissingDirKeepsObject(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{"a.h5": []byte("payload")}}
	f := NewWithClient(bucket, "data", "", nil)
	meta := types.NewMetadata(types.FileEvent{Filename: "a.h5"})

	err := f.Move(t.Context(), meta, filepath.Join(t.TempDir(), "nope", "a.h5"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
	if len(bucket.deleted) != 0 {
		t.Error("object deleted although the copy failed")
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(t.Context(), fetcher.Config{}, nil); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err = %v, want configuration error", err)
	}
}
