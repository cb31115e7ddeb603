package storage

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/weir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// openBucketed opens (creating parent directories as needed) a bbolt
// database at path and ensures the given bucket exists.
func openBucketed(path string, bucket []byte) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func sortNameEntries(entries []types.NameEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
