package source

import (
	"slices"
	"sync"
	"time"
)

// History remembers the most recently reported keys, bounded in size.
type History struct {
	ring []string
	next int
	set  map[string]struct{}
}

// NewHistory creates a history holding up to size keys.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// Seen reports whether key is remembered.
func (h *History) Seen(key string) bool {
	_, ok := h.set[key]
	return ok
}

// Add remembers key, forgetting the oldest key when full.
func (h *History) Add(key string) {
	if h.Seen(key) {
		return
	}
	if old := h.ring[h.next]; old != "" {
		delete(h.set, old)
	}
	h.ring[h.next] = key
	h.set[key] = struct{}{}
	h.next = (h.next + 1) % len(h.ring)
}

// Settler turns raw write activity into "file ready" reports. A path is
// ready once no activity was seen for the quiet period. A path already
// reported is not reported again while it stays in history.
type Settler struct {
	mu      sync.Mutex
	quiet   time.Duration
	pending map[string]time.Time
	history *History
	now     func() time.Time
}

// NewSettler creates a settler.
func NewSettler(quiet time.Duration, historySize int) *Settler {
	return &Settler{
		quiet:   quiet,
		pending: make(map[string]time.Time),
		history: NewHistory(historySize),
		now:     time.Now,
	}
}

// Touch records activity on path.
func (s *Settler) Touch(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history.Seen(path) {
		return
	}
	s.pending[path] = s.now()
}

// Forget drops pending activity on path, e.g. after it was removed.
func (s *Settler) Forget(path string) {
	s.mu.Lock()
	delete(s.pending, path)
	s.mu.Unlock()
}

// Ready returns the paths that went quiet and moves them to history.
func (s *Settler) Ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.quiet)
	var out []string
	for p, last := range s.pending {
		if last.After(cutoff) {
			continue
		}
		out = append(out, p)
		delete(s.pending, p)
		s.history.Add(p)
	}
	slices.Sort(out)
	return out
}

// Pending returns how many paths await their quiet period.
func (s *Settler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
