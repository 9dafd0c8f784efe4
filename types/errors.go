package types

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrConfiguration indicates malformed or missing required settings.
	ErrConfiguration = errors.New("configuration error")

	// ErrFormat indicates a malformed target list or metadata record.
	ErrFormat = errors.New("format error")

	// ErrAuthentication indicates a host outside the allow-list, or a
	// failure to resolve the allow-list.
	ErrAuthentication = errors.New("authentication failed")

	// ErrCommunication indicates a protocol-level rejection from the peer.
	ErrCommunication = errors.New("communication failed")

	// ErrVersion indicates a protocol version mismatch.
	ErrVersion = errors.New("version conflict")

	// ErrNotSupported indicates an unsupported protocol or connection style.
	ErrNotSupported = errors.New("not supported")
)

// Error wraps an underlying error with a kind and the operation or signal
// that failed.
type Error struct {
	// Kind is the sentinel for classification.
	Kind error
	// Op is the signal name, field or operation involved.
	Op string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewError creates a classified error.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
