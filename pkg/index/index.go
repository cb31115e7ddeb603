// Package index implements the Index Actor (spec.md §4.3): it opens and
// caches per-index SearchIndex handles, owns IndexMeta, and dispatches
// reads concurrently (bounded) and writes serially per index.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/engine"
	"github.com/cuemby/weir/pkg/events"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// deletionGraceAttempts bounds how many deletionBackoff intervals Delete
// waits for a handle to drain before giving up, rather than blocking the
// write mailbox forever on a stuck caller.
const deletionGraceAttempts = 50

// UpdateSource is the subset of the update actor the index actor depends
// on to dispatch and terminate updates. Defined here, not in pkg/updates,
// so the two packages stay decoupled (the index actor never knows about
// names or pending queues, spec.md §2).
type UpdateSource interface {
	NextEnqueued(id types.IndexId) (*types.UpdateRecord, bool, error)
	MarkProcessing(id types.IndexId, updateID types.UpdateId) error
	Terminate(id types.IndexId, updateID types.UpdateId, stats *types.ProcessedStats, failure error) error
}

// handle pairs an open SearchIndex with the latch tracking outstanding
// readers/writers, and the directory it lives in so deletion can remove
// it once the latch drains.
type handle struct {
	engine engine.SearchIndex
	latch  *events.Latch
	dir    string
}

// readRequest and writeRequest are the two mailbox message shapes
// (spec.md §4.3 "two mailboxes"). Every public method on Actor sends one
// or the other and blocks on its reply channel.
type readRequest struct {
	fn    func() (interface{}, error)
	reply chan actorReply
}

type writeRequest struct {
	fn    func() (interface{}, error)
	reply chan actorReply
}

type actorReply struct {
	value interface{}
	err   error
}

// Config controls mailbox capacity, read concurrency, and deletion grace.
type Config struct {
	DataDir             string
	MailboxCapacity     int
	ReadConcurrency     int
	StrictIndexCreation bool
	DeletionBackoff     time.Duration
	Broker              *events.Broker
}

// Actor is the Index Actor.
type Actor struct {
	dataDir             string
	meta                storage.MetaStore
	updates             UpdateSource
	broker              *events.Broker
	logger              zerolog.Logger
	strictIndexCreation bool
	deletionBackoff     time.Duration

	mu      sync.RWMutex
	handles map[types.IndexId]*handle

	readMailbox  chan readRequest
	writeMailbox chan writeRequest
	readSem      chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New creates an Index Actor and starts its two mailbox loops.
func New(cfg Config, updates UpdateSource) (*Actor, error) {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = 100
	}
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 10
	}
	if cfg.DeletionBackoff <= 0 {
		cfg.DeletionBackoff = 100 * time.Millisecond
	}
	meta, err := storage.NewBoltMetaStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open meta store: %w", err)
	}

	a := &Actor{
		dataDir:             cfg.DataDir,
		meta:                meta,
		updates:             updates,
		broker:              cfg.Broker,
		logger:              log.WithComponent("index-actor"),
		strictIndexCreation: cfg.StrictIndexCreation,
		deletionBackoff:     cfg.DeletionBackoff,
		handles:             make(map[types.IndexId]*handle),
		readMailbox:         make(chan readRequest, cfg.MailboxCapacity),
		writeMailbox:        make(chan writeRequest, cfg.MailboxCapacity),
		readSem:             make(chan struct{}, cfg.ReadConcurrency),
		stopCh:              make(chan struct{}),
	}
	a.wg.Add(2)
	go a.runReads()
	go a.runWrites()
	return a, nil
}

// Stop halts both mailbox loops after in-flight work drains.
func (a *Actor) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Close stops the actor, closes every open handle, and closes the meta
// store. Safe to call once at shutdown.
func (a *Actor) Close() error {
	a.Stop()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, h := range a.handles {
		if closer, ok := h.engine.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	a.handles = make(map[types.IndexId]*handle)
	return a.meta.Close()
}

// runReads drains the read mailbox, spawning up to ReadConcurrency
// processing goroutines in flight, grounded on the teacher's reconciler/
// scheduler run-loop scaffold generalized to bounded fan-out.
func (a *Actor) runReads() {
	defer a.wg.Done()
	for {
		select {
		case req := <-a.readMailbox:
			a.readSem <- struct{}{}
			metrics.ReadMailboxInFlight.Inc()
			a.wg.Add(1)
			go func(req readRequest) {
				defer func() { <-a.readSem; metrics.ReadMailboxInFlight.Dec(); a.wg.Done() }()
				value, err := req.fn()
				select {
				case req.reply <- actorReply{value: value, err: err}:
				default:
				}
			}(req)
		case <-a.stopCh:
			return
		}
	}
}

// runWrites drains the write mailbox with concurrency 1: one in-flight
// write per call to this loop, enforcing per-index update ordering
// (spec.md §5 "enforced by the single-writer channel").
func (a *Actor) runWrites() {
	defer a.wg.Done()
	for {
		select {
		case req := <-a.writeMailbox:
			value, err := req.fn()
			select {
			case req.reply <- actorReply{value: value, err: err}:
			default:
			}
		case <-a.stopCh:
			return
		}
	}
}

func (a *Actor) sendRead(fn func() (interface{}, error)) actorReply {
	reply := make(chan actorReply, 1)
	a.readMailbox <- readRequest{fn: fn, reply: reply}
	return <-reply
}

func (a *Actor) sendWrite(fn func() (interface{}, error)) actorReply {
	reply := make(chan actorReply, 1)
	a.writeMailbox <- writeRequest{fn: fn, reply: reply}
	return <-reply
}

// acquire returns the SearchIndex handle for id, double-checked lazy-open
// as in pkg/updates. create forces creation of a fresh directory even if
// one does not exist; when false and none exists, ErrUnknownIndex is
// returned to callers in strict mode, or the caller creates it anyway
// (lazy creation path) when StrictIndexCreation is false.
//
// A handle found draining (Delete has called latch.Drain on it) is never
// reopened here: it stays in a.handles until Delete itself removes the
// entry once the drain completes, so acquire can never race a fresh
// engine.New/bolt.Open against a bbolt file Delete still has open (a
// second Open on the same file blocks forever on its exclusive flock,
// and doing so while holding a.mu would freeze every other index too).
// A caller that lands in this window simply sees the index as gone.
func (a *Actor) acquire(id types.IndexId, create bool) (*handle, error) {
	a.mu.RLock()
	if h, ok := a.handles[id]; ok {
		acquired := h.latch.Acquire()
		a.mu.RUnlock()
		if acquired {
			return h, nil
		}
		return nil, &types.UnknownIndexError{ID: id}
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if h, ok := a.handles[id]; ok {
		if h.latch.Acquire() {
			return h, nil
		}
		return nil, &types.UnknownIndexError{ID: id}
	}

	dir := filepath.Join(a.dataDir, "indexes", "index-"+id.String())
	_, statErr := os.Stat(dir)
	exists := statErr == nil
	if !exists && !create {
		return nil, &types.UnknownIndexError{ID: id}
	}

	eng, err := engine.New(dir, engine.Options{})
	if err != nil {
		return nil, &types.InternalError{Cause: err}
	}
	h := &handle{engine: eng, latch: events.NewLatch(), dir: dir}
	a.handles[id] = h
	metrics.IndexesOpen.Inc()
	return h, nil
}

// waitDrained blocks until h's latch reports no outstanding references,
// polling every deletionBackoff interval so a caller stuck well past a
// normal operation's lifetime does not wedge deletion forever (spec.md §9
// "Arc-spin on deletion" grace period).
func (a *Actor) waitDrained(h *handle) error {
	for i := 0; i < deletionGraceAttempts; i++ {
		select {
		case <-h.latch.Closed():
			return nil
		case <-time.After(a.deletionBackoff):
		}
	}
	select {
	case <-h.latch.Closed():
		return nil
	default:
		return &types.InternalError{Cause: fmt.Errorf("timed out waiting for in-flight operations on index to drain")}
	}
}

// CreateIndex explicitly creates index id with the given optional primary
// key. Errors if the index already exists (spec.md §4.3 "not idempotent
// for explicit create").
func (a *Actor) CreateIndex(id types.IndexId, primaryKey *string) (*types.IndexMeta, error) {
	rep := a.sendWrite(func() (interface{}, error) {
		if _, ok, err := a.meta.Get(id); err != nil {
			return nil, &types.InternalError{Cause: err}
		} else if ok {
			return nil, &types.IndexAlreadyExistsError{ID: id}
		}

		h, err := a.acquire(id, true)
		if err != nil {
			return nil, err
		}
		defer h.latch.Release()

		now := time.Now()
		meta := &types.IndexMeta{ID: id, CreatedAt: now, UpdatedAt: now, PrimaryKey: primaryKey}
		if err := a.meta.Put(meta); err != nil {
			return nil, &types.InternalError{Cause: err}
		}
		if a.broker != nil {
			a.broker.Publish(&events.Event{Type: events.EventIndexCreated, IndexID: id.String()})
		}
		return meta, nil
	})
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.value.(*types.IndexMeta), nil
}

// ApplyNext pulls the next Enqueued update for id from updates and applies
// it, transitioning it to Processed or Failed. It is the write-mailbox
// entry point the controller drives after RegisterUpdate (spec.md §4.2
// step 5, "pull-based dispatch").
func (a *Actor) ApplyNext(ctx context.Context, id types.IndexId) (*types.UpdateStatus, bool, error) {
	rec, ok, err := a.updates.NextEnqueued(id)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	rep := a.sendWrite(func() (interface{}, error) {
		return a.applyUpdate(ctx, id, rec)
	})
	if rep.err != nil {
		// A record was found and attempted; the failure (e.g. a strict-mode
		// unknown index) is still reported through the terminal status the
		// update store now holds, but the caller also sees the error that
		// caused it.
		return nil, true, rep.err
	}
	status := rep.value.(types.UpdateStatus)
	return &status, true, nil
}

func (a *Actor) applyUpdate(ctx context.Context, id types.IndexId, rec *types.UpdateRecord) (types.UpdateStatus, error) {
	if err := a.updates.MarkProcessing(id, rec.UpdateId); err != nil {
		return types.UpdateStatus{}, err
	}

	h, err := a.acquire(id, !a.strictIndexCreation)
	if err != nil {
		a.updates.Terminate(id, rec.UpdateId, nil, err)
		return types.UpdateStatus{}, err
	}
	defer h.latch.Release()

	timer := metrics.NewTimer()
	stats, applyErr := h.engine.ApplyUpdate(ctx, rec.Kind, rec.PayloadPath)
	timer.ObserveDuration(metrics.UpdateApplyDuration)

	now := time.Now()
	if meta, ok, _ := a.meta.Get(id); ok {
		meta.UpdatedAt = now
		a.meta.Put(meta)
	} else {
		a.meta.Put(&types.IndexMeta{ID: id, CreatedAt: now, UpdatedAt: now})
	}

	if err := a.updates.Terminate(id, rec.UpdateId, stats, applyErr); err != nil {
		return types.UpdateStatus{}, err
	}

	if applyErr != nil {
		return types.UpdateStatus{UpdateId: rec.UpdateId, Kind: rec.Kind, State: types.StateFailed, ErrorMessage: applyErr.Error()}, nil
	}
	return types.UpdateStatus{UpdateId: rec.UpdateId, Kind: rec.Kind, State: types.StateProcessed, Stats: stats}, nil
}

// Search performs a search against id on the read mailbox.
func (a *Actor) Search(ctx context.Context, id types.IndexId, query types.SearchQuery) (*types.SearchResult, error) {
	rep := a.sendRead(func() (interface{}, error) {
		h, err := a.acquire(id, false)
		if err != nil {
			return nil, err
		}
		defer h.latch.Release()
		timer := metrics.NewTimer()
		result, err := h.engine.PerformSearch(ctx, query)
		timer.ObserveDuration(metrics.SearchDuration)
		if result != nil {
			result.ProcessingTimeMs = timer.Duration().Milliseconds()
		}
		return result, err
	})
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.value.(*types.SearchResult), nil
}

// Settings retrieves id's current settings.
func (a *Actor) Settings(ctx context.Context, id types.IndexId) (*types.SettingsPatch, error) {
	rep := a.sendRead(func() (interface{}, error) {
		h, err := a.acquire(id, false)
		if err != nil {
			return nil, err
		}
		defer h.latch.Release()
		return h.engine.Settings(ctx)
	})
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.value.(*types.SettingsPatch), nil
}

// Documents retrieves a page of id's documents.
func (a *Actor) Documents(ctx context.Context, id types.IndexId, offset, limit int, attrs []string) ([]types.Document, error) {
	rep := a.sendRead(func() (interface{}, error) {
		h, err := a.acquire(id, false)
		if err != nil {
			return nil, err
		}
		defer h.latch.Release()
		return h.engine.RetrieveDocuments(ctx, offset, limit, attrs)
	})
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.value.([]types.Document), nil
}

// Document retrieves a single document from id.
func (a *Actor) Document(ctx context.Context, id types.IndexId, docID string, attrs []string) (types.Document, error) {
	rep := a.sendRead(func() (interface{}, error) {
		h, err := a.acquire(id, false)
		if err != nil {
			return nil, err
		}
		defer h.latch.Release()
		return h.engine.RetrieveDocument(ctx, docID, attrs)
	})
	if rep.err != nil {
		return nil, rep.err
	}
	return rep.value.(types.Document), nil
}

// GetMeta returns id's metadata, if any.
func (a *Actor) GetMeta(id types.IndexId) (*types.IndexMeta, bool, error) {
	rep := a.sendRead(func() (interface{}, error) {
		meta, ok, err := a.meta.Get(id)
		return struct {
			meta *types.IndexMeta
			ok   bool
		}{meta, ok}, err
	})
	if rep.err != nil {
		return nil, false, rep.err
	}
	result := rep.value.(struct {
		meta *types.IndexMeta
		ok   bool
	})
	return result.meta, result.ok, nil
}

// Delete removes id's handle and metadata, idempotently (spec.md §4.3
// "Delete on a non-existent id: silently succeeds"). If other callers
// still hold the handle, it waits on the latch to drain before invoking
// PrepareForClosing and removing the directory, so a concurrent in-flight
// read never observes a partially removed directory (spec.md §8, property
// 7). The handle stays registered in a.handles for the duration of the
// drain (draining, not deleted) so a concurrent acquire rendezvous with
// this same handle and fails fast instead of racing a second bolt.Open
// against the file this handle still has open.
func (a *Actor) Delete(ctx context.Context, id types.IndexId) error {
	rep := a.sendWrite(func() (interface{}, error) {
		a.mu.Lock()
		h, ok := a.handles[id]
		a.mu.Unlock()

		a.meta.Delete(id)

		if !ok {
			return nil, nil
		}

		h.latch.Drain()
		if err := a.waitDrained(h); err != nil {
			return nil, err
		}

		a.mu.Lock()
		delete(a.handles, id)
		a.mu.Unlock()

		if err := h.engine.PrepareForClosing(ctx); err != nil {
			a.logger.Warn().Err(err).Str("index_id", id.String()).Msg("prepare_for_closing failed")
		}
		if closer, ok := h.engine.(interface{ Close() error }); ok {
			closer.Close()
		}
		if err := os.RemoveAll(h.dir); err != nil {
			return nil, &types.InternalError{Cause: err}
		}
		metrics.IndexesOpen.Dec()
		if a.broker != nil {
			a.broker.Publish(&events.Event{Type: events.EventIndexDeleted, IndexID: id.String()})
		}
		return nil, nil
	})
	return rep.err
}
