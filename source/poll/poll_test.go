package poll

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pithecene-io/shuttle/source"
)

func TestSource_ReportsNewFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := New(t.Context(), source.Config{
		MonitoredDir: dir,
		Suffixes:     []string{".cbf"},
		PollInterval: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := os.WriteFile(filepath.Join(dir, "b", "100.cbf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, err := s.Poll(t.Context(), 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(events) == 0 {
			continue
		}
		if events[0].Filename != "100.cbf" || events[0].RelativePath != "b" {
			t.Errorf("event = %+v", events[0])
		}
		return
	}
	t.Fatal("no event before deadline")
}
