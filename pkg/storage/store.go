package storage

import (
	"github.com/cuemby/weir/pkg/types"
)

// NameStore persists the name -> IndexId bijection owned exclusively by the
// uuid resolver (spec.md §3 "NameMap").
type NameStore interface {
	Create(name string, id types.IndexId) error
	Get(name string) (types.IndexId, bool, error)
	Delete(name string) error
	List() ([]types.NameEntry, error)
	Close() error
}

// MetaStore persists IndexMeta, owned exclusively by the index actor.
type MetaStore interface {
	Put(meta *types.IndexMeta) error
	Get(id types.IndexId) (*types.IndexMeta, bool, error)
	Delete(id types.IndexId) error
	Close() error
}

// UpdateLogStore persists one index's ordered UpdateRecord sequence, owned
// exclusively by the update actor. One UpdateLogStore backs one index's
// updates-<uuid>/ directory.
type UpdateLogStore interface {
	// Append assigns the next UpdateId and durably writes the record in
	// the Enqueued state, returning the assigned record.
	Append(kind types.UpdateKind, payloadPath string) (*types.UpdateRecord, error)

	// MarkProcessing transitions a record to Processing.
	MarkProcessing(id types.UpdateId) error

	// MarkEnqueued resets a record to Enqueued, used during crash recovery
	// to requeue a record that was Processing when the process died.
	MarkEnqueued(id types.UpdateId) error

	// MarkProcessed transitions a record to its Processed terminal state.
	MarkProcessed(id types.UpdateId, stats types.ProcessedStats) error

	// MarkFailed transitions a record to its Failed terminal state.
	MarkFailed(id types.UpdateId, message string) error

	// Get returns a single record by id.
	Get(id types.UpdateId) (*types.UpdateRecord, bool, error)

	// List returns all records ordered by UpdateId ascending.
	List() ([]*types.UpdateRecord, error)

	// NextEnqueued returns the lowest-UpdateId record still in the
	// Enqueued state, for pull-based dispatch to the index actor.
	NextEnqueued() (*types.UpdateRecord, bool, error)

	Close() error
}
