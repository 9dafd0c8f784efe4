package ipc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/shuttle/types"
)

// EncodeMetadata serializes a metadata record for the first part of a data message.
func EncodeMetadata(m *types.Metadata) ([]byte, error) {
	return msgpack.Marshal(m)
}

// DecodeMetadata decodes a metadata part. Records newer than
// types.MetadataVersion are rejected.
func DecodeMetadata(b []byte) (*types.Metadata, error) {
	var m types.Metadata
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode metadata",
			Err:  err,
		}
	}
	if m.Version > types.MetadataVersion {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "unsupported metadata version",
			Err:  types.NewError(types.ErrFormat, "metadata", nil),
		}
	}
	return &m, nil
}

// EncodeTargets serializes a target list.
func EncodeTargets(targets []types.Target) ([]byte, error) {
	return msgpack.Marshal(targets)
}

// DecodeTargets decodes a target list. A malformed list is a format error.
func DecodeTargets(b []byte) ([]types.Target, error) {
	var targets []types.Target
	if err := msgpack.Unmarshal(b, &targets); err != nil {
		return nil, types.NewError(types.ErrFormat, "targets", err)
	}
	return targets, nil
}
