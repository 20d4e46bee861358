package calls

import "sync"

// table is the active-call registry. The outer mutex guards only the map;
// each entry carries its own lock so transitions on one call never serialize
// against unrelated calls. The gone flag closes the race where a goroutine
// holds an entry that a concurrent transition already removed.
type table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	call *ActiveCall
	gone bool
}

func newTable() *table {
	return &table{entries: make(map[string]*entry)}
}

func (t *table) insert(c *ActiveCall) {
	t.mu.Lock()
	t.entries[c.ID] = &entry{call: c}
	t.mu.Unlock()
}

// with runs fn under callID's lock. fn returns remove=true to destroy the
// entry once it reaches a terminal state. Unknown ids fail with
// ErrInvalidCall without side effects.
func (t *table) with(callID string, fn func(c *ActiveCall) (remove bool, err error)) error {
	t.mu.Lock()
	e, ok := t.entries[callID]
	t.mu.Unlock()
	if !ok {
		return ErrInvalidCall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return ErrInvalidCall
	}

	remove, err := fn(e.call)
	if remove {
		e.gone = true
		t.mu.Lock()
		delete(t.entries, callID)
		t.mu.Unlock()
	}
	return err
}

func (t *table) contains(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[callID]
	return ok
}

// idsInvolving snapshots the calls a user participates in. Callers must
// re-check involvement under the per-call lock; the set can change between
// snapshot and use.
func (t *table) idsInvolving(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0)
	for id, e := range t.entries {
		if e.call.Involves(userID) {
			out = append(out, id)
		}
	}
	return out
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
