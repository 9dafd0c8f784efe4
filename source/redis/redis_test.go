package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/shuttle/source"
)

func newSource(t *testing.T, mr *miniredis.Miniredis, batch int) source.Source {
	t.Helper()
	s, err := New(t.Context(), source.Config{
		URL:          "redis://" + mr.Addr(),
		MonitoredDir: "/data",
		Suffixes:     []string{".h5"},
		BatchSize:    batch,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSource_PopsInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSource(t, mr, 10)

	mr.RPush(DefaultKey, `{"relative_path":"b","filename":"1.h5"}`)
	mr.RPush(DefaultKey, `"b/2.h5"`)
	mr.RPush(DefaultKey, `{"filename":"skip.txt"}`)
	mr.RPush(DefaultKey, `garbage`)

	events, err := s.Poll(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[0].Filename != "1.h5" || events[1].Filename != "2.h5" {
		t.Errorf("order = %s, %s", events[0].Filename, events[1].Filename)
	}
	if events[0].SourcePath != "/data" {
		t.Errorf("source_path = %q, want /data", events[0].SourcePath)
	}
	if mr.Exists(DefaultKey) {
		t.Error("list not drained")
	}
}

func TestSource_BatchSize(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSource(t, mr, 2)
	for _, f := range []string{`"a.h5"`, `"b.h5"`, `"c.h5"`} {
		mr.RPush(DefaultKey, f)
	}

	first, _ := s.Poll(t.Context(), time.Second)
	second, _ := s.Poll(t.Context(), time.Second)
	if len(first) != 2 || len(second) != 1 {
		t.Errorf("batches = %d, %d; want 2, 1", len(first), len(second))
	}
}

func TestSource_EmptyOnTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	s := newSource(t, mr, 10)

	events, err := s.Poll(t.Context(), time.Second)
	if err != nil || len(events) != 0 {
		t.Errorf("Poll = %v, %v; want empty, nil", events, err)
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(t.Context(), source.Config{}, nil); err == nil {
		t.Error("expected error without URL")
	}
}
