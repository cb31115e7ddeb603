package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/weir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNames = []byte("names")
	bucketMeta  = []byte("meta")
)

// BoltNameStore implements NameStore on a single bbolt database, the
// uuids/ store of spec.md §6.
type BoltNameStore struct {
	db *bolt.DB
}

// nameRecord is the on-disk value for a NameStore entry.
type nameRecord struct {
	ID        types.IndexId `json:"id"`
	CreatedAt string        `json:"createdAt"`
}

// NewBoltNameStore opens (creating if necessary) the uuids/ bbolt database
// under dataDir.
func NewBoltNameStore(dataDir string) (*BoltNameStore, error) {
	dbPath := filepath.Join(dataDir, "uuids", "data.db")
	db, err := openBucketed(dbPath, bucketNames)
	if err != nil {
		return nil, fmt.Errorf("failed to open name store: %w", err)
	}
	return &BoltNameStore{db: db}, nil
}

func (s *BoltNameStore) Create(name string, id types.IndexId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		if b.Get([]byte(name)) != nil {
			return &types.NameAlreadyExistsError{Name: name}
		}
		rec := nameRecord{ID: id, CreatedAt: nowRFC3339()}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func (s *BoltNameStore) Get(name string) (types.IndexId, bool, error) {
	var rec nameRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec.ID, found, err
}

func (s *BoltNameStore) Delete(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		if b.Get([]byte(name)) == nil {
			return &types.UnknownIndexError{Name: name}
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltNameStore) List() ([]types.NameEntry, error) {
	var entries []types.NameEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		return b.ForEach(func(k, v []byte) error {
			var rec nameRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			created, _ := parseRFC3339(rec.CreatedAt)
			entries = append(entries, types.NameEntry{
				Name:      string(k),
				ID:        rec.ID,
				CreatedAt: created,
			})
			return nil
		})
	})
	sortNameEntries(entries)
	return entries, err
}

func (s *BoltNameStore) Close() error {
	return s.db.Close()
}

// SnapshotTo writes a consistent point-in-time copy of the name store to
// path, for spec.md §4.1 "snapshot_to(path)".
func (s *BoltNameStore) SnapshotTo(path string) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0o600)
	})
}

// LoadFrom replaces the name store's contents with the database at path.
// The store must not be used concurrently with LoadFrom; the resolver
// actor's mailbox serialization guarantees this since LoadFrom only ever
// runs as one more serialized mailbox operation.
func (s *BoltNameStore) LoadFrom(path string) error {
	dbPath := s.db.Path()
	if err := s.db.Close(); err != nil {
		return err
	}
	replacement, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	err = replacement.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dbPath, 0o600)
	})
	replacement.Close()
	if err != nil {
		return err
	}
	reopened, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return err
	}
	s.db = reopened
	return nil
}

// BoltMetaStore implements MetaStore on a single bbolt database shared by
// all indexes (IndexMeta is small and rarely written relative to documents,
// so one database for all of them keeps file-descriptor usage low).
type BoltMetaStore struct {
	db *bolt.DB
}

// NewBoltMetaStore opens (creating if necessary) the index metadata bbolt
// database under dataDir.
func NewBoltMetaStore(dataDir string) (*BoltMetaStore, error) {
	dbPath := filepath.Join(dataDir, "indexes", "meta.db")
	db, err := openBucketed(dbPath, bucketMeta)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store: %w", err)
	}
	return &BoltMetaStore{db: db}, nil
}

func (s *BoltMetaStore) Put(meta *types.IndexMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.ID), data)
	})
}

func (s *BoltMetaStore) Get(id types.IndexId) (*types.IndexMeta, bool, error) {
	var meta types.IndexMeta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	if !found {
		return nil, false, err
	}
	return &meta, true, err
}

func (s *BoltMetaStore) Delete(id types.IndexId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Delete([]byte(id))
	})
}

func (s *BoltMetaStore) Close() error {
	return s.db.Close()
}
