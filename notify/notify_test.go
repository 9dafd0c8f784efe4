package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/pithecene-io/shuttle/types"
)

func TestNewEvent(t *testing.T) {
	meta := types.NewMetadata(types.FileEvent{SourcePath: "/a", RelativePath: "b", Filename: "f.h5"})
	ev := NewEvent(meta, 0, nil, nil, "keep")
	if ev.Targets == nil {
		t.Error("targets must encode as an empty list")
	}
	if ev.Filesize != 0 || ev.Version != types.Version || ev.EventType != EventType {
		t.Errorf("event = %+v", ev)
	}
	if NewEvent(meta, 0, nil, nil, "keep").ID == ev.ID {
		t.Error("ids must be unique")
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Retry(t.Context(), "test", 3, func(context.Context) error {
		calls++
		return permanent
	}, func(err error) bool { return errors.Is(err, permanent) })
	if !errors.Is(err, permanent) || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}

func TestRetry_SucceedsFirstTime(t *testing.T) {
	calls := 0
	if err := Retry(t.Context(), "test", 3, func(context.Context) error { calls++; return nil }, nil); err != nil || calls != 1 {
		t.Errorf("err = %v after %d calls", err, calls)
	}
}
