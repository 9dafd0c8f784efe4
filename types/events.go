// Package types defines the core domain types shared by the shuttle sender
// and its consumers: file events, chunk metadata, targets, connection
// types, control-plane signals and the error taxonomy.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// MetadataVersion is the schema version stamped on every Metadata record.
// Decoders accept records with a lower or equal version; unknown fields
// from newer producers are ignored by msgpack.
const MetadataVersion = 1

// FileEvent identifies one logical file reported by an event source.
type FileEvent struct {
	// SourcePath is the monitored base directory (or bucket, or URL base).
	SourcePath string `msgpack:"source_path" json:"source_path" yaml:"source_path"`
	// RelativePath is the path between SourcePath and the file.
	RelativePath string `msgpack:"relative_path" json:"relative_path" yaml:"relative_path"`
	// Filename is the base name of the file.
	Filename string `msgpack:"filename" json:"filename" yaml:"filename"`
}

// Identifier returns relative_path/filename without a leading separator.
// It keys reassembly on the client side.
func (e FileEvent) Identifier() string {
	rel := strings.Trim(filepath.ToSlash(e.RelativePath), "/")
	if rel == "" {
		return e.Filename
	}
	return path.Join(rel, e.Filename)
}

// SourceFile returns the full local path of the file.
func (e FileEvent) SourceFile() string {
	return filepath.Join(e.SourcePath, e.RelativePath, e.Filename)
}

// StorePath returns base/relative_path/filename. Leading separators of the
// relative path are stripped. A filename that is not a single path element,
// or a relative path with a ".." element, is an ErrFormat error so the
// result always stays under base.
func (e FileEvent) StorePath(base string) (string, error) {
	if e.Filename == "" || e.Filename == "." || e.Filename == ".." || strings.ContainsAny(e.Filename, `/\`) {
		return "", NewError(ErrFormat, "filename", fmt.Errorf("invalid filename %q", e.Filename))
	}
	rel := strings.Trim(strings.ReplaceAll(e.RelativePath, `\`, "/"), "/")
	for _, elem := range strings.Split(rel, "/") {
		if elem == ".." {
			return "", NewError(ErrFormat, "relative_path", fmt.Errorf("relative path %q leaves the base directory", e.RelativePath))
		}
	}
	return filepath.Join(base, filepath.FromSlash(rel), e.Filename), nil
}

// Subdir returns the first element of the relative path, or "".
func (e FileEvent) Subdir() string {
	rel := strings.Trim(filepath.ToSlash(e.RelativePath), "/")
	first, _, _ := strings.Cut(rel, "/")
	return first
}

// Metadata travels with every chunk. Optional fields are pointers so that
// absent values survive a round trip distinct from zero.
type Metadata struct {
	Version      int    `msgpack:"version" json:"version"`
	Filename     string `msgpack:"filename" json:"filename"`
	SourcePath   string `msgpack:"source_path" json:"source_path"`
	RelativePath string `msgpack:"relative_path" json:"relative_path"`

	Filesize       *int64   `msgpack:"filesize,omitempty" json:"filesize,omitempty"`
	FileModTime    *float64 `msgpack:"file_mod_time,omitempty" json:"file_mod_time,omitempty"`
	FileCreateTime *float64 `msgpack:"file_create_time,omitempty" json:"file_create_time,omitempty"`
	ChunkSize      *int64   `msgpack:"chunksize,omitempty" json:"chunksize,omitempty"`
	ChunkNumber    *int64   `msgpack:"chunk_number,omitempty" json:"chunk_number,omitempty"`

	// Extra carries backend specific scalars (e.g. s3 etag).
	Extra map[string]any `msgpack:"extra,omitempty" json:"extra,omitempty"`
}

// NewMetadata seeds metadata from an event.
func NewMetadata(ev FileEvent) *Metadata {
	return &Metadata{
		Version:      MetadataVersion,
		Filename:     ev.Filename,
		SourcePath:   ev.SourcePath,
		RelativePath: ev.RelativePath,
	}
}

// Event returns the FileEvent this metadata describes.
func (m *Metadata) Event() FileEvent {
	return FileEvent{
		SourcePath:   m.SourcePath,
		RelativePath: m.RelativePath,
		Filename:     m.Filename,
	}
}

// Identifier is a shorthand for m.Event().Identifier().
func (m *Metadata) Identifier() string {
	return m.Event().Identifier()
}

// Clone returns a deep copy.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	c.Filesize = clonePtr(m.Filesize)
	c.FileModTime = clonePtr(m.FileModTime)
	c.FileCreateTime = clonePtr(m.FileCreateTime)
	c.ChunkSize = clonePtr(m.ChunkSize)
	c.ChunkNumber = clonePtr(m.ChunkNumber)
	if m.Extra != nil {
		c.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// WithChunk returns a copy with chunk_number set to n.
func (m *Metadata) WithChunk(n int64) *Metadata {
	c := m.Clone()
	c.ChunkNumber = &n
	return c
}

// IsFinalChunk reports whether a chunk carrying payloadLen bytes closes the file.
// A chunk is final when its payload is shorter than the chunk size, or when
// (chunk_number+1)*chunk_size reaches the file size. Records without chunk
// information describe a whole file and are always final.
func (m *Metadata) IsFinalChunk(payloadLen int) bool {
	if m.ChunkSize == nil || m.ChunkNumber == nil || *m.ChunkSize <= 0 {
		return true
	}
	if int64(payloadLen) < *m.ChunkSize {
		return true
	}
	if m.Filesize == nil {
		return false
	}
	return (*m.ChunkNumber+1)*(*m.ChunkSize) >= *m.Filesize
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
