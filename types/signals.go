package types

import (
	"fmt"
	"strings"
)

// ConnectionType is the consumption mode a client negotiates.
type ConnectionType int

// Connection types.
const (
	ConnStream ConnectionType = iota + 1
	ConnStreamMetadata
	ConnQueryNext
	ConnQueryNextMetadata
	ConnNexus
)

var connectionNames = map[ConnectionType]string{
	ConnStream:            "STREAM",
	ConnStreamMetadata:    "STREAM_METADATA",
	ConnQueryNext:         "QUERY_NEXT",
	ConnQueryNextMetadata: "QUERY_NEXT_METADATA",
	ConnNexus:             "NEXUS",
}

func (c ConnectionType) String() string {
	if n, ok := connectionNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ConnectionType(%d)", int(c))
}

// ParseConnectionType resolves a wire name such as "QUERY_NEXT".
func ParseConnectionType(s string) (ConnectionType, error) {
	for c, n := range connectionNames {
		if n == strings.ToUpper(s) {
			return c, nil
		}
	}
	return 0, NewError(ErrFormat, "connection_type", fmt.Errorf("unknown connection type %q", s))
}

// IsPull reports whether the type is served one file per NEXT request.
func (c ConnectionType) IsPull() bool {
	return c == ConnQueryNext || c == ConnQueryNextMetadata
}

// IsMetadataOnly reports whether consumers of this type receive no payload.
func (c ConnectionType) IsMetadataOnly() bool {
	return c == ConnStreamMetadata || c == ConnQueryNextMetadata
}

// Category is the target category registered for this type.
func (c ConnectionType) Category() Category {
	if c.IsMetadataOnly() {
		return CategoryMetadata
	}
	return CategoryData
}

// RequiresSignal reports whether start negotiates with the signal handler.
func (c ConnectionType) RequiresSignal() bool {
	return c != ConnNexus
}

// Control-protocol tokens.
const (
	SignalGetVersion  = "GET_VERSION"
	SignalGetRequests = "GET_REQUESTS"
	SignalNext        = "NEXT"
	SignalCancel      = "CANCEL"
	SignalAliveTest   = "ALIVE_TEST"
	SignalOpenFile    = "OPEN_FILE"
	SignalCloseFile   = "CLOSE_FILE"
	SignalStatusCheck = "STATUS_CHECK"
	SignalResetStatus = "RESET_STATUS"

	StatusOK    = "OK"
	StatusError = "ERROR"

	// NoRequests is the GET_REQUESTS reply when no target table exists yet.
	NoRequests = "None"
)

// Rejection tokens. Each maps to exactly one error kind.
const (
	ReplyVersionConflict       = "VERSION_CONFLICT"
	ReplyNoValidHost           = "NO_VALID_HOST"
	ReplyConnectionAlreadyOpen = "CONNECTION_ALREADY_OPEN"
	ReplyStoringDisabled       = "STORING_DISABLED"
	ReplyNoValidSignal         = "NO_VALID_SIGNAL"
)

// Signal verbs combined with a connection type.
const (
	VerbStart     = "START"
	VerbStop      = "STOP"
	VerbForceStop = "FORCE_STOP"
)

// Signal builds e.g. "START_QUERY_NEXT".
func Signal(verb string, c ConnectionType) string {
	return verb + "_" + c.String()
}

// ParseSignal splits a typed signal into verb and connection type.
func ParseSignal(s string) (string, ConnectionType, bool) {
	// FORCE_STOP must be checked before STOP.
	for _, verb := range []string{VerbForceStop, VerbStart, VerbStop} {
		rest, found := strings.CutPrefix(s, verb+"_")
		if !found {
			continue
		}
		c, err := ParseConnectionType(rest)
		if err != nil {
			return "", 0, false
		}
		return verb, c, true
	}
	return "", 0, false
}

// ReplyError maps a rejection token to its error. It returns nil for
// tokens that are not rejections.
func ReplyError(signal, reply string) error {
	switch reply {
	case ReplyVersionConflict:
		return NewError(ErrVersion, signal, fmt.Errorf("peer replied %s", reply))
	case ReplyNoValidHost:
		return NewError(ErrAuthentication, signal, fmt.Errorf("peer replied %s", reply))
	case ReplyConnectionAlreadyOpen, ReplyStoringDisabled, ReplyNoValidSignal:
		return NewError(ErrCommunication, signal, fmt.Errorf("peer replied %s", reply))
	}
	return nil
}
