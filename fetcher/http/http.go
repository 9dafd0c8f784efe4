// Package http implements a fetcher that downloads files from an HTTP
// file server. The file URL is the base URL joined with the file's
// relative path and name; removal issues a DELETE.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/iox"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// Fetcher downloads files over HTTP.
type Fetcher struct {
	base   *url.URL
	client *http.Client
	logger *log.Logger
}

// New creates an HTTP fetcher for cfg.BaseURL.
func New(_ context.Context, cfg fetcher.Config, logger *log.Logger) (fetcher.Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, types.NewError(types.ErrConfiguration, "data_fetcher.base_url", errors.New("http fetcher requires a base URL"))
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, types.NewError(types.ErrConfiguration, "data_fetcher.base_url", fmt.Errorf("invalid base URL %q", cfg.BaseURL))
	}
	// The body is streamed chunk by chunk, so the client timeout covers
	// only the response header.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	return &Fetcher{
		base:   base,
		client: &http.Client{Transport: transport},
		logger: logger,
	}, nil
}

func (f *Fetcher) fileURL(ev types.FileEvent) string {
	return f.base.JoinPath(ev.Identifier()).String()
}

// Fetch issues a GET and streams the response body.
func (f *Fetcher) Fetch(ctx context.Context, ev types.FileEvent, chunkSize int64) (io.ReadCloser, *types.Metadata, error) {
	resp, err := f.do(ctx, http.MethodGet, f.fileURL(ev))
	if err != nil {
		return nil, nil, err
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	var modTime time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			modTime = t
		}
	}
	meta := fetcher.Describe(ev, size, modTime, modTime, chunkSize)
	if resp.ContentLength < 0 {
		meta.Filesize = nil
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		meta.Extra = map[string]any{"etag": etag}
	}
	return resp.Body, meta, nil
}

// Copy downloads the file into dst.
func (f *Fetcher) Copy(ctx context.Context, meta *types.Metadata, dst string) error {
	resp, err := f.do(ctx, http.MethodGet, f.fileURL(meta.Event()))
	if err != nil {
		return err
	}
	defer iox.DiscardClose(resp.Body)
	return iox.WriteFile(dst, resp.Body)
}

// Move downloads the file into dst, then deletes it on the server.
func (f *Fetcher) Move(ctx context.Context, meta *types.Metadata, dst string) error {
	if err := f.Copy(ctx, meta, dst); err != nil {
		return err
	}
	return f.Remove(ctx, meta)
}

// Remove deletes the file on the server.
func (f *Fetcher) Remove(ctx context.Context, meta *types.Metadata) error {
	resp, err := f.do(ctx, http.MethodDelete, f.fileURL(meta.Event()))
	if err != nil {
		return err
	}
	defer iox.DiscardClose(resp.Body)
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// do performs one request and returns the response on 2xx.
func (f *Fetcher) do(ctx context.Context, method, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		iox.DiscardClose(resp.Body)
		return nil, &StatusError{Method: method, URL: u, Code: resp.StatusCode}
	}
	f.logger.Debug("http request", map[string]any{"method": method, "url": u, "status": resp.StatusCode})
	return resp, nil
}

var _ fetcher.Fetcher = (*Fetcher)(nil)
