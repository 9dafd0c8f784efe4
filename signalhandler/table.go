package signalhandler

import (
	"sort"

	"github.com/pithecene-io/shuttle/types"
)

// registration is one target plus the host that registered it.
type registration struct {
	target types.Target
	owner  string
}

// table is the authoritative subscription state. It is touched only from
// the handler's owner loop.
type table struct {
	fixed []types.Target
	conns map[types.ConnectionType][]registration
	// pending counts outstanding NEXT requests per pull-style socket id.
	pending map[string]int
}

func newTable(fixed []types.Target) *table {
	f := make([]types.Target, len(fixed))
	copy(f, fixed)
	for i := range f {
		f[i].Priority = 0
		if f[i].Category == "" {
			f[i].Category = types.CategoryData
		}
	}
	return &table{
		fixed:   f,
		conns:   make(map[types.ConnectionType][]registration),
		pending: make(map[string]int),
	}
}

// empty reports whether no target of any kind is known.
func (t *table) empty() bool {
	if len(t.fixed) > 0 {
		return false
	}
	for _, regs := range t.conns {
		if len(regs) > 0 {
			return false
		}
	}
	return true
}

// isOpen reports whether socketID is already registered for ct.
func (t *table) isOpen(ct types.ConnectionType, socketID string) bool {
	for _, r := range t.conns[ct] {
		if r.target.SocketID == socketID {
			return true
		}
	}
	return false
}

// start registers targets for ct. It returns false without changing state
// when any socket id is already open for that type.
func (t *table) start(ct types.ConnectionType, owner string, targets []types.Target) bool {
	for _, tgt := range targets {
		if t.isOpen(ct, tgt.SocketID) {
			return false
		}
	}
	for _, tgt := range targets {
		tgt.Category = ct.Category()
		t.conns[ct] = append(t.conns[ct], registration{target: tgt, owner: owner})
	}
	return true
}

// stop removes registrations of ct. With force, ownership is ignored.
// An empty socket id list removes everything owner registered (or, with
// force, everything of that type). It returns how many were removed.
func (t *table) stop(ct types.ConnectionType, owner string, socketIDs []string, force bool) int {
	want := make(map[string]struct{}, len(socketIDs))
	for _, id := range socketIDs {
		want[id] = struct{}{}
	}

	kept := t.conns[ct][:0]
	removed := 0
	for _, r := range t.conns[ct] {
		_, listed := want[r.target.SocketID]
		match := len(want) == 0 || listed
		if match && (force || r.owner == owner) {
			removed++
			if ct.IsPull() {
				delete(t.pending, r.target.SocketID)
			}
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(t.conns, ct)
	} else {
		t.conns[ct] = kept
	}
	return removed
}

// next records one outstanding request for a registered pull target.
func (t *table) next(socketID string) bool {
	if !t.isOpen(types.ConnQueryNext, socketID) && !t.isOpen(types.ConnQueryNextMetadata, socketID) {
		return false
	}
	t.pending[socketID]++
	return true
}

// cancel drops every outstanding request for socketID.
func (t *table) cancel(socketID string) int {
	n := t.pending[socketID]
	delete(t.pending, socketID)
	return n
}

// requests resolves the targets interested in filename. Pull targets are
// included only while they hold a pending request, which is consumed.
// Fixed (priority 0) targets come first, then descending priority; equal
// priorities keep registration order. ok is false when the table is empty.
func (t *table) requests(filename string) ([]types.Target, bool) {
	if t.empty() {
		return nil, false
	}

	out := make([]types.Target, 0, len(t.fixed))
	seen := make(map[string]struct{})
	add := func(tgt types.Target) bool {
		if _, dup := seen[tgt.SocketID]; dup {
			return false
		}
		if !tgt.Matches(filename) {
			return false
		}
		seen[tgt.SocketID] = struct{}{}
		out = append(out, tgt)
		return true
	}

	for _, tgt := range t.fixed {
		add(tgt)
	}
	for _, ct := range []types.ConnectionType{types.ConnStream, types.ConnStreamMetadata} {
		for _, r := range t.conns[ct] {
			add(r.target)
		}
	}
	for _, ct := range []types.ConnectionType{types.ConnQueryNext, types.ConnQueryNextMetadata} {
		for _, r := range t.conns[ct] {
			id := r.target.SocketID
			if t.pending[id] == 0 {
				continue
			}
			if add(r.target) {
				t.pending[id]--
				if t.pending[id] == 0 {
					delete(t.pending, id)
				}
			}
		}
	}

	sortByPriority(out)
	return out, true
}

// sortByPriority orders priority 0 first, then descending priority.
func sortByPriority(targets []types.Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		pi, pj := targets[i].Priority, targets[j].Priority
		if pi == 0 || pj == 0 {
			return pi == 0 && pj != 0
		}
		return pi > pj
	})
}

// snapshot returns a copy of the registrations per type.
func (t *table) snapshot() map[types.ConnectionType][]types.Target {
	out := make(map[types.ConnectionType][]types.Target, len(t.conns))
	for ct, regs := range t.conns {
		for _, r := range regs {
			out[ct] = append(out[ct], r.target)
		}
	}
	return out
}
