package state

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replichat/internal/protocol"
)

func createTempStore(t *testing.T) (*BboltStore, string) {
	path := filepath.Join(t.TempDir(), "replica.db")

	store, err := NewBboltStore(path)
	require.NoError(t, err)
	require.NotNil(t, store)
	return store, path
}

func TestSharedStateMemoryOnly(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	t.Run("add user is idempotent", func(t *testing.T) {
		added, err := s.AddUser("alice")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddUser("alice")
		require.NoError(t, err)
		assert.False(t, added)

		assert.Equal(t, []string{"alice"}, s.Users())
		assert.True(t, s.HasUser("alice"))
		assert.False(t, s.HasUser("bob"))
	})

	t.Run("snapshots are sorted", func(t *testing.T) {
		for _, c := range []string{"zeta", "alpha", "mid"} {
			_, err := s.AddChannel(c)
			require.NoError(t, err)
		}
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, s.Channels())
	})

	t.Run("channel entry registers unseen channel", func(t *testing.T) {
		require.NoError(t, s.AppendEntry(protocol.LogEntry{
			Type: protocol.EntryChannel, Channel: "fresh", User: "alice", Message: "hi",
		}))
		assert.True(t, s.HasChannel("fresh"))
	})

	t.Run("private entry does not touch channels", func(t *testing.T) {
		before := s.Channels()
		require.NoError(t, s.AppendEntry(protocol.LogEntry{
			Type: protocol.EntryPrivate, From: "alice", To: "bob", Message: "psst",
		}))
		assert.Equal(t, before, s.Channels())
		assert.Len(t, s.Entries(), 2)
	})

	t.Run("entries snapshot is a copy", func(t *testing.T) {
		entries := s.Entries()
		entries[0].Message = "mutated"
		assert.Equal(t, "hi", s.Entries()[0].Message)
	})
}

func TestSharedStateConcurrentAdds(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added, err := s.AddChannel("general")
			assert.NoError(t, err)
			if added {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestBboltStore(t *testing.T) {
	t.Run("persists and reloads state", func(t *testing.T) {
		store, path := createTempStore(t)

		s, err := New(store)
		require.NoError(t, err)

		_, err = s.AddUser("bob")
		require.NoError(t, err)
		_, err = s.AddUser("alice")
		require.NoError(t, err)
		_, err = s.AddChannel("general")
		require.NoError(t, err)
		for _, msg := range []string{"one", "two", "three"} {
			require.NoError(t, s.AppendEntry(protocol.LogEntry{
				Type: protocol.EntryChannel, Channel: "general", User: "alice", Message: msg,
			}))
		}
		require.NoError(t, store.Close())

		reopened, err := NewBboltStore(path)
		require.NoError(t, err)
		defer reopened.Close()

		s2, err := New(reopened)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, s2.Users())
		assert.Equal(t, []string{"general"}, s2.Channels())

		entries := s2.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, "one", entries[0].Message)
		assert.Equal(t, "three", entries[2].Message)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		store, err := NewBboltStore("/invalid/path/that/does/not/exist/replica.db")
		assert.Error(t, err)
		assert.Nil(t, store)
	})
}

// failingStore rejects every write.
type failingStore struct{}

var errDiskFull = errors.New("disk full")

func (failingStore) Load() (Snapshot, error)             { return Snapshot{}, nil }
func (failingStore) PutUser(string) error                { return errDiskFull }
func (failingStore) PutChannel(string) error             { return errDiskFull }
func (failingStore) AppendEntry(protocol.LogEntry) error { return errDiskFull }
func (failingStore) Close() error                        { return nil }

func TestSharedStateStoreFailure(t *testing.T) {
	s, err := New(failingStore{})
	require.NoError(t, err)

	added, err := s.AddUser("alice")
	assert.ErrorIs(t, err, errDiskFull)
	assert.False(t, added)
	assert.False(t, s.HasUser("alice"), "memory must not change when persisting fails")

	err = s.AppendEntry(protocol.LogEntry{Type: protocol.EntryPrivate, From: "a", To: "b"})
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, s.Entries())
}
