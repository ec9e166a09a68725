// Package replication broadcasts state mutations to peer replicas and
// applies the ones it receives at most once.
package replication

import "sync"

// Deduplicator remembers every event ID this replica has originated or
// applied. It has its own lock so dedup checks never wait behind state
// mutation. The set is never compacted.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// MarkIfNew records id and reports whether it was unseen. Check and record
// happen atomically, so two goroutines racing on the same id cannot both
// win.
func (d *Deduplicator) MarkIfNew(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Seen reports whether id has been recorded.
func (d *Deduplicator) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Len returns the number of recorded ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
