package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/weir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUpdates = []byte("updates")
	bucketCounter = []byte("counter")
	counterKey    = []byte("next")
)

// BoltUpdateLogStore implements UpdateLogStore on a dedicated bbolt
// database, one per index directory (updates-<uuid>/, spec.md §6).
type BoltUpdateLogStore struct {
	db *bolt.DB
}

// NewBoltUpdateLogStore opens (creating if necessary) the per-index update
// log database at <dataDir>/updates/updates-<id>/data.db.
func NewBoltUpdateLogStore(dataDir string, id types.IndexId) (*BoltUpdateLogStore, error) {
	dbPath := filepath.Join(dataDir, "updates", "updates-"+id.String(), "data.db")
	db, err := openBucketed(dbPath, bucketUpdates)
	if err != nil {
		return nil, fmt.Errorf("failed to open update log for %s: %w", id, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounter)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltUpdateLogStore{db: db}, nil
}

func idKey(id types.UpdateId) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func (s *BoltUpdateLogStore) Append(kind types.UpdateKind, payloadPath string) (*types.UpdateRecord, error) {
	var rec types.UpdateRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		counter := tx.Bucket(bucketCounter)
		next := uint64(1)
		if raw := counter.Get(counterKey); raw != nil {
			next = binary.BigEndian.Uint64(raw) + 1
		}
		nextBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(nextBytes, next)
		if err := counter.Put(counterKey, nextBytes); err != nil {
			return err
		}

		rec = types.UpdateRecord{
			UpdateId:    types.UpdateId(next),
			Kind:        kind,
			PayloadPath: payloadPath,
			EnqueuedAt:  time.Now(),
			State:       types.StateEnqueued,
		}
		return s.put(tx, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltUpdateLogStore) put(tx *bolt.Tx, rec *types.UpdateRecord) error {
	b := tx.Bucket(bucketUpdates)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(idKey(rec.UpdateId), data)
}

func (s *BoltUpdateLogStore) transition(id types.UpdateId, mutate func(rec *types.UpdateRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		data := b.Get(idKey(id))
		if data == nil {
			return &types.UnknownIndexError{}
		}
		var rec types.UpdateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		return s.put(tx, &rec)
	})
}

func (s *BoltUpdateLogStore) MarkProcessing(id types.UpdateId) error {
	return s.transition(id, func(rec *types.UpdateRecord) error {
		rec.State = types.StateProcessing
		return nil
	})
}

func (s *BoltUpdateLogStore) MarkEnqueued(id types.UpdateId) error {
	return s.transition(id, func(rec *types.UpdateRecord) error {
		rec.State = types.StateEnqueued
		return nil
	})
}

func (s *BoltUpdateLogStore) MarkProcessed(id types.UpdateId, stats types.ProcessedStats) error {
	return s.transition(id, func(rec *types.UpdateRecord) error {
		now := time.Now()
		rec.State = types.StateProcessed
		rec.Stats = &stats
		rec.TerminatedAt = &now
		return nil
	})
}

func (s *BoltUpdateLogStore) MarkFailed(id types.UpdateId, message string) error {
	return s.transition(id, func(rec *types.UpdateRecord) error {
		now := time.Now()
		rec.State = types.StateFailed
		rec.ErrorMessage = message
		rec.TerminatedAt = &now
		return nil
	})
}

func (s *BoltUpdateLogStore) Get(id types.UpdateId) (*types.UpdateRecord, bool, error) {
	var rec types.UpdateRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		data := b.Get(idKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if !found {
		return nil, false, err
	}
	return &rec, true, err
}

func (s *BoltUpdateLogStore) List() ([]*types.UpdateRecord, error) {
	var records []*types.UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUpdates)
		return b.ForEach(func(k, v []byte) error {
			var rec types.UpdateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	// bbolt iterates keys in byte order; big-endian uint64 keys already
	// sort ascending, but keep this explicit rather than relying on it.
	sort.Slice(records, func(i, j int) bool { return records[i].UpdateId < records[j].UpdateId })
	return records, err
}

func (s *BoltUpdateLogStore) NextEnqueued() (*types.UpdateRecord, bool, error) {
	records, err := s.List()
	if err != nil {
		return nil, false, err
	}
	for _, rec := range records {
		if rec.State == types.StateEnqueued {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func (s *BoltUpdateLogStore) Close() error {
	return s.db.Close()
}
