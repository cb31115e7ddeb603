// Package resolver implements the UUID Resolver actor (spec.md §4.1): a
// single mailbox goroutine serializing all access to the name <-> id
// bijection, backed by storage.NameStore.
package resolver

import (
	"fmt"
	"os"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

type opKind int

const (
	opCreate opKind = iota
	opGetOrCreate
	opResolve
	opDelete
	opList
	opSnapshot
	opLoad
)

type request struct {
	op    opKind
	name  string
	path  string
	reply chan reply
}

type reply struct {
	id      types.IndexId
	entries []types.NameEntry
	err     error
}

// Resolver is the UUID Resolver actor. All public methods send a request
// over the mailbox and block for the actor's reply; the actor itself runs
// single-threaded on its own goroutine, so every operation is serialized.
type Resolver struct {
	store   storage.NameStore
	dataDir string
	logger  zerolog.Logger

	mailbox chan request
	stopCh  chan struct{}
}

// Config controls the mailbox capacity; see spec.md §5 "Backpressure".
type Config struct {
	DataDir         string
	MailboxCapacity int
}

// New creates a Resolver backed by a bbolt NameStore under cfg.DataDir and
// starts its mailbox goroutine.
func New(cfg Config) (*Resolver, error) {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 100
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltNameStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open name store: %w", err)
	}

	r := &Resolver{
		store:   store,
		dataDir: cfg.DataDir,
		logger:  log.WithComponent("resolver"),
		mailbox: make(chan request, cfg.MailboxCapacity),
		stopCh:  make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Stop signals the mailbox goroutine to exit. Requests still queued on the
// mailbox when it exits are not processed and their callers get no reply;
// calls made after Stop block forever, so callers must not use the
// Resolver after calling Stop.
func (r *Resolver) Stop() {
	close(r.stopCh)
}

func (r *Resolver) run() {
	for {
		select {
		case req := <-r.mailbox:
			r.handle(req)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Resolver) send(req request) reply {
	req.reply = make(chan reply, 1)
	r.mailbox <- req
	rep := <-req.reply
	return rep
}

func (r *Resolver) handle(req request) {
	var rep reply
	switch req.op {
	case opCreate:
		rep.id, rep.err = r.doCreate(req.name)
	case opGetOrCreate:
		rep.id, rep.err = r.doGetOrCreate(req.name)
	case opResolve:
		rep.id, rep.err = r.doResolve(req.name)
	case opDelete:
		rep.id, rep.err = r.doDelete(req.name)
	case opList:
		rep.entries, rep.err = r.store.List()
	case opSnapshot:
		rep.err = r.doSnapshot(req.path)
	case opLoad:
		rep.err = r.doLoad(req.path)
	}

	// If the caller already gave up waiting, the reply channel has
	// nobody listening; a dropped reply is not a failure of the actor
	// itself, it just gets discarded (spec.md §5 "Cancellation").
	select {
	case req.reply <- rep:
	default:
	}
}

func (r *Resolver) doCreate(name string) (types.IndexId, error) {
	if !types.ValidIndexName(name) {
		return "", types.ErrBadlyFormattedName
	}
	id := types.NewIndexId()
	if err := r.store.Create(name, id); err != nil {
		return "", err
	}
	metrics.IndexesTotal.Inc()
	r.logger.Info().Str("index_name", name).Str("index_id", id.String()).Msg("index created")
	return id, nil
}

func (r *Resolver) doGetOrCreate(name string) (types.IndexId, error) {
	if !types.ValidIndexName(name) {
		return "", types.ErrBadlyFormattedName
	}
	if id, ok, err := r.store.Get(name); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	id := types.NewIndexId()
	if err := r.store.Create(name, id); err != nil {
		// Another create raced us between Get and Create; since the
		// actor is single-threaded this can only happen via external
		// mutation of the store, but handle it defensively by
		// re-reading rather than surfacing a spurious conflict.
		if existing, ok, getErr := r.store.Get(name); getErr == nil && ok {
			return existing, nil
		}
		return "", err
	}
	metrics.IndexesTotal.Inc()
	r.logger.Info().Str("index_name", name).Str("index_id", id.String()).Msg("index created")
	return id, nil
}

func (r *Resolver) doResolve(name string) (types.IndexId, error) {
	if !types.ValidIndexName(name) {
		return "", types.ErrBadlyFormattedName
	}
	id, ok, err := r.store.Get(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &types.UnknownIndexError{Name: name}
	}
	return id, nil
}

// snapshotter is implemented by storage.NameStore implementations that
// support point-in-time backup/restore; the default BoltNameStore does.
type snapshotter interface {
	SnapshotTo(path string) error
	LoadFrom(path string) error
}

func (r *Resolver) doSnapshot(path string) error {
	s, ok := r.store.(snapshotter)
	if !ok {
		return fmt.Errorf("name store does not support snapshotting")
	}
	return s.SnapshotTo(path)
}

func (r *Resolver) doLoad(path string) error {
	s, ok := r.store.(snapshotter)
	if !ok {
		return fmt.Errorf("name store does not support restoring from a snapshot")
	}
	return s.LoadFrom(path)
}

func (r *Resolver) doDelete(name string) (types.IndexId, error) {
	id, ok, err := r.store.Get(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &types.UnknownIndexError{Name: name}
	}
	if err := r.store.Delete(name); err != nil {
		return "", err
	}
	metrics.IndexesTotal.Dec()
	r.logger.Info().Str("index_name", name).Str("index_id", id.String()).Msg("index deleted")
	return id, nil
}

// Create mints a new IndexId for name, failing if the name already exists.
func (r *Resolver) Create(name string) (types.IndexId, error) {
	rep := r.send(request{op: opCreate, name: name})
	return rep.id, rep.err
}

// GetOrCreate returns the existing id for name, or mints and persists a new
// one. Idempotent under concurrent callers (S6): the mailbox serializes
// the check-then-create so only one id is ever minted per name.
func (r *Resolver) GetOrCreate(name string) (types.IndexId, error) {
	rep := r.send(request{op: opGetOrCreate, name: name})
	return rep.id, rep.err
}

// Resolve returns the id currently bound to name.
func (r *Resolver) Resolve(name string) (types.IndexId, error) {
	rep := r.send(request{op: opResolve, name: name})
	return rep.id, rep.err
}

// Delete removes name's binding and returns the id it was bound to.
func (r *Resolver) Delete(name string) (types.IndexId, error) {
	rep := r.send(request{op: opDelete, name: name})
	return rep.id, rep.err
}

// List returns every (name, id) pair, ordered by creation time.
func (r *Resolver) List() ([]types.NameEntry, error) {
	rep := r.send(request{op: opList})
	return rep.entries, rep.err
}

// SnapshotTo and LoadFrom back up and restore the name store; both are
// thin wrappers kept for §4.1 API completeness. pkg/dump does not call
// them. The default implementation copies the bbolt file,
// which is safe to do from within the actor's own goroutine since bbolt
// serializes its own writers.
func (r *Resolver) SnapshotTo(path string) error {
	rep := r.send(request{op: opSnapshot, path: path})
	return rep.err
}

func (r *Resolver) LoadFrom(path string) error {
	rep := r.send(request{op: opLoad, path: path})
	return rep.err
}

// DataDir returns the root directory the resolver was configured with, for
// callers that need to derive sibling paths for the update and index
// stores.
func (r *Resolver) DataDir() string {
	return r.dataDir
}

// Close stops the mailbox and closes the underlying store. Safe to call
// once, after which the Resolver must not be used again.
func (r *Resolver) Close() error {
	r.Stop()
	return r.store.Close()
}
