// Package fetcher defines the data source boundary of the broker.
//
// A fetcher opens the bytes of a reported file and describes it with
// metadata. It also carries out the post-send side effects (copy, move,
// remove) on the file's origin, which makes every fetcher a policy.Sink.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/policy"
	"github.com/pithecene-io/shuttle/types"
)

// Fetcher retrieves file content.
type Fetcher interface {
	policy.Sink

	// Fetch opens the file described by ev. The returned metadata carries
	// filesize, modification and creation time, and chunkSize. The caller
	// closes the reader.
	Fetch(ctx context.Context, ev types.FileEvent, chunkSize int64) (io.ReadCloser, *types.Metadata, error)
}

// Config carries the settings of every backend.
type Config struct {
	Type      string
	BaseURL   string
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
	Timeout   time.Duration
}

// DefaultTimeout bounds one remote request.
const DefaultTimeout = 30 * time.Second

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config, logger *log.Logger) (Fetcher, error)

// Registry maps type names to backends.
type Registry map[string]Factory

// Open builds the backend named by cfg.Type.
func (r Registry) Open(ctx context.Context, cfg Config, logger *log.Logger) (Fetcher, error) {
	f, ok := r[strings.ToLower(cfg.Type)]
	if !ok {
		names := make([]string, 0, len(r))
		for n := range r {
			names = append(names, n)
		}
		slices.Sort(names)
		return nil, types.NewError(types.ErrConfiguration, "data_fetcher",
			fmt.Errorf("unknown type %q (known: %s)", cfg.Type, strings.Join(names, ", ")))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return f(ctx, cfg, logger.Component("data_fetcher").With(map[string]any{"type": cfg.Type}))
}

// Describe builds the metadata of a fetched file.
func Describe(ev types.FileEvent, size int64, modTime, createTime time.Time, chunkSize int64) *types.Metadata {
	m := types.NewMetadata(ev)
	m.Filesize = types.Ptr(size)
	m.FileModTime = types.Ptr(unixSeconds(modTime))
	m.FileCreateTime = types.Ptr(unixSeconds(createTime))
	m.ChunkSize = types.Ptr(chunkSize)
	return m
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
