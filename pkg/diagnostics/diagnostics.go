// Package diagnostics keeps a local, non-authoritative record of
// control-plane occurrences (process spawns, kills, scene state
// changes, time-sync mismatches) for operator inspection. It is never
// consulted to decide cluster behavior; losing this store costs an
// operator some history, never correctness.
package diagnostics

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/swgcluster/controlplane/pkg/types"
)

var bucketEvents = []byte("events")

// Store is a bbolt-backed append-only log of DiagnosticEvent records,
// ordered by insertion.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the diagnostics database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a new event, assigning it an ID if it doesn't already
// have one. The bucket key is the autoincrement sequence, so keys sort
// in insertion order and Recent can walk them backwards, newest first.
func (s *Store) Append(event types.DiagnosticEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to limit of the most recently appended events,
// newest first.
func (s *Store) Recent(limit int) ([]types.DiagnosticEvent, error) {
	var events []types.DiagnosticEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var event types.DiagnosticEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	return events, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
