package types

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Category distinguishes targets that receive file bytes from those that
// only receive metadata.
type Category string

// Target categories.
const (
	CategoryData     Category = "data"
	CategoryMetadata Category = "metadata"
)

// Target is one registered consumer connection.
//
// Priority 0 marks a fixed, always-on target (e.g. a storage tier).
// Higher values are on-demand consumers.
type Target struct {
	SocketID string   `msgpack:"socket_id" json:"socket_id" yaml:"socket_id"`
	Priority int      `msgpack:"priority" json:"priority" yaml:"priority"`
	Suffixes []string `msgpack:"suffixes" json:"suffixes" yaml:"suffixes"`
	Category Category `msgpack:"category" json:"category" yaml:"category"`

	re *regexp.Regexp
}

// Compile validates the suffix list and caches its pattern.
func (t *Target) Compile() error {
	re, err := SuffixPattern(t.Suffixes)
	if err != nil {
		return NewError(ErrFormat, "suffixes", fmt.Errorf("target %s: %w", t.SocketID, err))
	}
	t.re = re
	return nil
}

// Matches reports whether filename passes the suffix filter.
// An uncompiled target with an invalid pattern matches nothing.
func (t *Target) Matches(filename string) bool {
	if t.re == nil {
		if err := t.Compile(); err != nil {
			return false
		}
	}
	return t.re.MatchString(filename)
}

// Host returns the host component of SocketID. Unix socket paths report
// "localhost".
func (t Target) Host() string {
	if IsUnixSocketID(t.SocketID) {
		return "localhost"
	}
	host, _, err := net.SplitHostPort(t.SocketID)
	if err != nil {
		return t.SocketID
	}
	return host
}

// IsUnixSocketID reports whether id names a unix socket path rather than host:port.
func IsUnixSocketID(id string) bool {
	return strings.HasPrefix(id, "/") || strings.HasPrefix(id, "@")
}

// SuffixPattern turns a suffix list into an anchored alternation.
// A nil, empty or [""] list matches everything.
func SuffixPattern(suffixes []string) (*regexp.Regexp, error) {
	nonEmpty := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return regexp.Compile(".*")
	}
	return regexp.Compile("(" + strings.Join(nonEmpty, "|") + ")$")
}

// ValidateTargets checks target list shape for registration.
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return NewError(ErrFormat, "targets", fmt.Errorf("target list is empty"))
	}
	for i := range targets {
		t := &targets[i]
		if t.SocketID == "" {
			return NewError(ErrFormat, "targets", fmt.Errorf("target %d: socket_id is required", i))
		}
		if !IsUnixSocketID(t.SocketID) {
			if _, _, err := net.SplitHostPort(t.SocketID); err != nil {
				return NewError(ErrFormat, "targets", fmt.Errorf("target %d: %w", i, err))
			}
		}
		if t.Priority < 0 {
			return NewError(ErrFormat, "targets", fmt.Errorf("target %d: priority must be >= 0, got %d", i, t.Priority))
		}
		switch t.Category {
		case "", CategoryData, CategoryMetadata:
		default:
			return NewError(ErrFormat, "targets", fmt.Errorf("target %d: unknown category %q", i, t.Category))
		}
		if err := t.Compile(); err != nil {
			return err
		}
	}
	return nil
}
