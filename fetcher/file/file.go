// Package file implements a fetcher for files on a local or mounted file
// system.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/iox"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// Fetcher reads files from disk.
type Fetcher struct {
	logger *log.Logger
}

// New creates a file fetcher.
func New(_ context.Context, _ fetcher.Config, logger *log.Logger) (fetcher.Fetcher, error) {
	return &Fetcher{logger: logger}, nil
}

// Fetch opens the source file.
func (f *Fetcher) Fetch(_ context.Context, ev types.FileEvent, chunkSize int64) (io.ReadCloser, *types.Metadata, error) {
	path := ev.SourceFile()
	fh, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = fh.Close()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	return fh, fetcher.Describe(ev, info.Size(), info.ModTime(), changeTime(info), chunkSize), nil
}

// Copy copies the source file to dst, preserving its mode.
func (f *Fetcher) Copy(_ context.Context, meta *types.Metadata, dst string) error {
	return iox.CopyFile(meta.Event().SourceFile(), dst)
}

// Move renames the source file to dst, copying across devices.
func (f *Fetcher) Move(_ context.Context, meta *types.Metadata, dst string) error {
	return iox.MoveFile(meta.Event().SourceFile(), dst)
}

// Remove deletes the source file.
func (f *Fetcher) Remove(_ context.Context, meta *types.Metadata) error {
	return os.Remove(meta.Event().SourceFile())
}

// Close is a no-op.
func (f *Fetcher) Close() error {
	return nil
}
