package state

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"replichat/internal/protocol"
)

var (
	// Bucket names
	usersBucket    = []byte("users")
	channelsBucket = []byte("channels")
	messagesBucket = []byte("messages")
)

// Snapshot is everything a Store holds, as loaded at startup.
type Snapshot struct {
	Users    []string
	Channels []string
	Entries  []protocol.LogEntry
}

// Store persists SharedState mutations. Each call must be atomic.
type Store interface {
	Load() (Snapshot, error)
	PutUser(name string) error
	PutChannel(name string) error
	AppendEntry(entry protocol.LogEntry) error
	Close() error
}

var _ Store = (*BboltStore)(nil)

// BboltStore keeps users and channels as bucket keys, which bbolt keeps
// sorted and unique, and the message log under sequence-numbered keys.
type BboltStore struct {
	conn *bbolt.DB
}

// NewBboltStore opens or creates the database at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, channelsBucket, messagesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

func (b *BboltStore) Load() (Snapshot, error) {
	var snap Snapshot
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(usersBucket).ForEach(func(k, _ []byte) error {
			snap.Users = append(snap.Users, string(k))
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(channelsBucket).ForEach(func(k, _ []byte) error {
			snap.Channels = append(snap.Channels, string(k))
			return nil
		}); err != nil {
			return err
		}

		// Sequence keys are big-endian, so cursor order is append order.
		c := tx.Bucket(messagesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry protocol.LogEntry
			if err := msgpack.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to unmarshal log entry %d: %w", bytesToUint64(k), err)
			}
			snap.Entries = append(snap.Entries, entry)
		}
		return nil
	})
	return snap, err
}

func (b *BboltStore) PutUser(name string) error {
	return b.putKey(usersBucket, name)
}

func (b *BboltStore) PutChannel(name string) error {
	return b.putKey(channelsBucket, name)
}

func (b *BboltStore) putKey(bucket []byte, name string) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(name), []byte{})
	})
}

// AppendEntry adds the entry at the next log sequence. Records are never
// rewritten.
func (b *BboltStore) AppendEntry(entry protocol.LogEntry) error {
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(messagesBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate log sequence: %w", err)
		}
		return bucket.Put(uint64ToBytes(seq), data)
	})
}

// Close closes the database.
func (b *BboltStore) Close() error {
	return b.conn.Close()
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
