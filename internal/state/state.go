// Package state holds a replica's chat state: the user set, the channel set
// and the append-only message log.
package state

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"replichat/internal/protocol"
)

// SharedState is guarded by a single lock so a dispatcher mutation and a
// gossip-applied mutation never interleave partially. Writes go to the
// Store first; memory only changes once the write succeeded.
type SharedState struct {
	mu       sync.RWMutex
	users    map[string]struct{}
	channels map[string]struct{}
	entries  []protocol.LogEntry
	store    Store
}

// New creates the state and loads whatever store holds. A nil store keeps
// state in memory only.
func New(store Store) (*SharedState, error) {
	s := &SharedState{
		users:    make(map[string]struct{}),
		channels: make(map[string]struct{}),
		store:    store,
	}
	if store == nil {
		return s, nil
	}

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}
	for _, u := range snap.Users {
		s.users[u] = struct{}{}
	}
	for _, c := range snap.Channels {
		s.channels[c] = struct{}{}
	}
	s.entries = snap.Entries
	return s, nil
}

// AddUser inserts name if absent. added is false when it was already known.
func (s *SharedState) AddUser(name string) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(s.users, name, s.putUser)
}

// AddChannel inserts name if absent. added is false when it was already known.
func (s *SharedState) AddChannel(name string) (added bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(s.channels, name, s.putChannel)
}

func (s *SharedState) addLocked(set map[string]struct{}, name string, persist func(string) error) (bool, error) {
	if _, ok := set[name]; ok {
		return false, nil
	}
	if err := persist(name); err != nil {
		return false, err
	}
	set[name] = struct{}{}
	return true, nil
}

func (s *SharedState) putUser(name string) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.PutUser(name); err != nil {
		return fmt.Errorf("failed to persist user %q: %w", name, err)
	}
	return nil
}

func (s *SharedState) putChannel(name string) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.PutChannel(name); err != nil {
		return fmt.Errorf("failed to persist channel %q: %w", name, err)
	}
	return nil
}

// AppendEntry adds entry to the log unconditionally. For channel entries the
// channel is registered if it was not known yet. Both changes happen under
// one lock acquisition.
func (s *SharedState) AppendEntry(entry protocol.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Type == protocol.EntryChannel && entry.Channel != "" {
		if _, err := s.addLocked(s.channels, entry.Channel, s.putChannel); err != nil {
			return err
		}
	}

	if s.store != nil {
		if err := s.store.AppendEntry(entry); err != nil {
			return fmt.Errorf("failed to persist log entry: %w", err)
		}
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *SharedState) HasUser(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[name]
	return ok
}

func (s *SharedState) HasChannel(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// Users returns a sorted snapshot of the user set.
func (s *SharedState) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.users)
}

// Channels returns a sorted snapshot of the channel set.
func (s *SharedState) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.channels)
}

// Entries returns a copy of the log in local append order.
func (s *SharedState) Entries() []protocol.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
