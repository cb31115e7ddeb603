package engine

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/weir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDocuments = []byte("documents")
	bucketSettings  = []byte("settings")
)

const settingsKey = "settings"
const facetsKey = "facets"
const defaultPrimaryKey = "id"

// BoltEngine is the default SearchIndex implementation: one bbolt database
// per index directory. Writes are serialized by writeMu, matching the
// engine contract's "single writer transaction" expectation (spec.md §5);
// reads take the bbolt read-lock directly since bbolt itself supports
// concurrent readers.
type BoltEngine struct {
	db         *bolt.DB
	writeMu    sync.Mutex
	primaryKey string
}

// New opens (creating if necessary) a BoltEngine at dir.
func New(dir string, opts Options) (*BoltEngine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	dbPath := filepath.Join(dir, "data.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	primaryKey := opts.PrimaryKey
	if primaryKey == "" {
		primaryKey = defaultPrimaryKey
	}
	return &BoltEngine{db: db, primaryKey: primaryKey}, nil
}

// PrepareForClosing flushes pending writes. It must be called (and
// awaited) before the caller removes the engine's directory, per spec.md
// §6's SearchIndex contract.
func (e *BoltEngine) PrepareForClosing(_ context.Context) error {
	return e.db.Sync()
}

// Close releases the underlying file handle. Not part of the SearchIndex
// contract (callers reach it with an interface{ Close() error } assertion)
// since most callers only ever PrepareForClosing then drop the last
// reference; Close exists for the holder that actually deletes the
// directory afterwards.
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) ApplyUpdate(ctx context.Context, kind types.UpdateKind, stagedFile string) (*types.ProcessedStats, error) {
	switch kind.Tag {
	case types.KindDocumentsAddition:
		return e.applyDocumentsAddition(kind, stagedFile)
	case types.KindClearDocuments:
		return e.applyClearDocuments()
	case types.KindDeleteDocuments:
		return e.applyDeleteDocuments(stagedFile)
	case types.KindSettings:
		return e.applySettings(kind.Settings)
	case types.KindFacets:
		return e.applyFacets(kind.Facets)
	default:
		return nil, &types.EngineError{Cause: fmt.Errorf("unknown update kind %q", kind.Tag), UserCaused: true}
	}
}

func (e *BoltEngine) applyDocumentsAddition(kind types.UpdateKind, stagedFile string) (*types.ProcessedStats, error) {
	if kind.PrimaryKey != nil && *kind.PrimaryKey != "" {
		e.primaryKey = *kind.PrimaryKey
	}

	docs, err := decodeDocuments(stagedFile, kind.Format)
	if err != nil {
		return nil, &types.EngineError{Cause: err, UserCaused: true}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	indexed := 0
	err = e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, doc := range docs {
			key, ok := doc[e.primaryKey]
			if !ok {
				return fmt.Errorf("document missing primary key %q", e.primaryKey)
			}
			keyStr := fmt.Sprintf("%v", key)

			final := doc
			if kind.Method == types.AdditionUpdateOrInsert {
				if existing := b.Get([]byte(keyStr)); existing != nil {
					var prev types.Document
					if err := json.Unmarshal(existing, &prev); err != nil {
						return err
					}
					for k, v := range doc {
						prev[k] = v
					}
					final = prev
				}
			}

			data, err := json.Marshal(final)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(keyStr), data); err != nil {
				return err
			}
			indexed++
		}
		return nil
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}

	total, err := e.countDocuments()
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	return &types.ProcessedStats{IndexedDocuments: indexed, NumberOfDocuments: total}, nil
}

func (e *BoltEngine) applyClearDocuments() (*types.ProcessedStats, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	err := e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketDocuments)
		return err
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	return &types.ProcessedStats{IndexedDocuments: 0, NumberOfDocuments: 0}, nil
}

func (e *BoltEngine) applyDeleteDocuments(stagedFile string) (*types.ProcessedStats, error) {
	raw, err := os.ReadFile(stagedFile)
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	var ids []interface{}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, &types.EngineError{Cause: fmt.Errorf("delete-documents payload must be a JSON array of ids: %w", err), UserCaused: true}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	deleted := 0
	err = e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		for _, id := range ids {
			key := []byte(fmt.Sprintf("%v", id))
			if b.Get(key) != nil {
				deleted++
			}
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}

	total, err := e.countDocuments()
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	return &types.ProcessedStats{IndexedDocuments: deleted, NumberOfDocuments: total}, nil
}

func (e *BoltEngine) applySettings(patch *types.SettingsPatch) (*types.ProcessedStats, error) {
	if patch == nil {
		return nil, &types.EngineError{Cause: fmt.Errorf("settings update with no patch"), UserCaused: true}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		current, err := readSettings(b)
		if err != nil {
			return err
		}
		mergeSettings(current, patch)
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		return b.Put([]byte(settingsKey), data)
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}

	total, err := e.countDocuments()
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	return &types.ProcessedStats{IndexedDocuments: 0, NumberOfDocuments: total}, nil
}

func (e *BoltEngine) applyFacets(cfg *types.FacetsConfig) (*types.ProcessedStats, error) {
	if cfg == nil {
		return nil, &types.EngineError{Cause: fmt.Errorf("facets update with no config"), UserCaused: true}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	err := e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(facetsKey), data)
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}

	total, err := e.countDocuments()
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	return &types.ProcessedStats{IndexedDocuments: 0, NumberOfDocuments: total}, nil
}

func (e *BoltEngine) countDocuments() (int, error) {
	count := 0
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (e *BoltEngine) Settings(_ context.Context) (*types.SettingsPatch, error) {
	var patch *types.SettingsPatch
	err := e.db.View(func(tx *bolt.Tx) error {
		var err error
		patch, err = readSettings(tx.Bucket(bucketSettings))
		return err
	})
	return patch, err
}

func (e *BoltEngine) RetrieveDocuments(_ context.Context, offset, limit int, attrs []string) ([]types.Document, error) {
	var docs []types.Document
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		i := 0
		return b.ForEach(func(_, v []byte) error {
			if i < offset {
				i++
				return nil
			}
			if limit > 0 && len(docs) >= limit {
				return nil
			}
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			docs = append(docs, projectAttrs(doc, attrs))
			i++
			return nil
		})
	})
	return docs, err
}

func (e *BoltEngine) RetrieveDocument(_ context.Context, docID string, attrs []string) (types.Document, error) {
	var doc types.Document
	found := false
	err := e.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(docID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}
	if !found {
		return nil, fmt.Errorf("document %q not found", docID)
	}
	return projectAttrs(doc, attrs), nil
}

func (e *BoltEngine) PerformSearch(_ context.Context, query types.SearchQuery) (*types.SearchResult, error) {
	needle := strings.ToLower(strings.TrimSpace(query.Query))
	var matches []types.Document

	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, v []byte) error {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if needle == "" || documentContains(doc, needle) {
				matches = append(matches, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &types.EngineError{Cause: err}
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 20
	}
	total := len(matches)
	start := query.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	hits := make([]types.Document, 0, end-start)
	for _, doc := range matches[start:end] {
		hits = append(hits, projectAttrs(doc, query.AttributesToRetrieve))
	}

	return &types.SearchResult{
		Hits:   hits,
		NbHits: total,
		Offset: query.Offset,
		Limit:  limit,
		Query:  query.Query,
	}, nil
}

func documentContains(doc types.Document, needle string) bool {
	for _, v := range doc {
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), needle) {
			return true
		}
	}
	return false
}

func projectAttrs(doc types.Document, attrs []string) types.Document {
	if len(attrs) == 0 {
		return doc
	}
	projected := make(types.Document, len(attrs))
	for _, a := range attrs {
		if v, ok := doc[a]; ok {
			projected[a] = v
		}
	}
	return projected
}

func readSettings(b *bolt.Bucket) (*types.SettingsPatch, error) {
	data := b.Get([]byte(settingsKey))
	patch := &types.SettingsPatch{}
	if data == nil {
		return patch, nil
	}
	if err := json.Unmarshal(data, patch); err != nil {
		return nil, err
	}
	return patch, nil
}

func mergeSettings(current *types.SettingsPatch, patch *types.SettingsPatch) {
	if patch.SearchableAttributes != nil {
		current.SearchableAttributes = patch.SearchableAttributes
	}
	if patch.DisplayedAttributes != nil {
		current.DisplayedAttributes = patch.DisplayedAttributes
	}
	if patch.FilterableAttributes != nil {
		current.FilterableAttributes = patch.FilterableAttributes
	}
	if patch.SortableAttributes != nil {
		current.SortableAttributes = patch.SortableAttributes
	}
	if patch.StopWords != nil {
		current.StopWords = patch.StopWords
	}
	if patch.Synonyms != nil {
		current.Synonyms = patch.Synonyms
	}
	if patch.RankingRules != nil {
		current.RankingRules = patch.RankingRules
	}
}

// decodeDocuments parses a staged payload file according to format into a
// slice of documents. Truncated/partial input (spec.md §5 "Cancellation")
// surfaces here as a parse error, which the caller wraps as a
// user-caused EngineError.
func decodeDocuments(path string, format types.PayloadFormat) ([]types.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch format {
	case types.FormatNDJSON:
		var docs []types.Document
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var doc types.Document
			if err := json.Unmarshal([]byte(line), &doc); err != nil {
				return nil, fmt.Errorf("invalid ndjson line: %w", err)
			}
			docs = append(docs, doc)
		}
		return docs, scanner.Err()

	case types.FormatCSV:
		reader := csv.NewReader(f)
		header, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("invalid csv header: %w", err)
		}
		var docs []types.Document
		for {
			record, err := reader.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid csv row: %w", err)
			}
			doc := make(types.Document, len(header))
			for i, col := range header {
				if i < len(record) {
					doc[col] = csvValue(record[i])
				}
			}
			docs = append(docs, doc)
		}
		return docs, nil

	case types.FormatJSON, "":
		var docs []types.Document
		if err := json.NewDecoder(f).Decode(&docs); err != nil {
			return nil, fmt.Errorf("invalid json document array: %w", err)
		}
		return docs, nil

	default:
		return nil, fmt.Errorf("unsupported payload format %q", format)
	}
}

func csvValue(s string) interface{} {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
