package source

import (
	"testing"
	"time"
)

func TestHistory_Bounded(t *testing.T) {
	h := NewHistory(2)
	h.Add("a")
	h.Add("b")
	h.Add("c")
	if h.Seen("a") {
		t.Error("oldest key not evicted")
	}
	if !h.Seen("b") || !h.Seen("c") {
		t.Error("recent keys forgotten")
	}
}

func TestSettler_QuietPeriod(t *testing.T) {
	now := time.Unix(1000, 0)
	s := NewSettler(time.Second, 16)
	s.now = func() time.Time { return now }

	s.Touch("/d/a")
	if got := s.Ready(); len(got) != 0 {
		t.Fatalf("ready before quiet period: %v", got)
	}

	now = now.Add(600 * time.Millisecond)
	s.Touch("/d/a") // still being written
	now = now.Add(600 * time.Millisecond)
	if got := s.Ready(); len(got) != 0 {
		t.Fatalf("ready although written 600ms ago: %v", got)
	}

	now = now.Add(500 * time.Millisecond)
	got := s.Ready()
	if len(got) != 1 || got[0] != "/d/a" {
		t.Fatalf("Ready = %v, want [/d/a]", got)
	}

	// Reported files are not reported again.
	s.Touch("/d/a")
	now = now.Add(2 * time.Second)
	if got := s.Ready(); len(got) != 0 {
		t.Errorf("file reported twice: %v", got)
	}
}

func TestSettler_Forget(t *testing.T) {
	s := NewSettler(0, 4)
	s.Touch("/d/a")
	s.Forget("/d/a")
	if s.Pending() != 0 || len(s.Ready()) != 0 {
		t.Error("forgotten path still pending")
	}
}
