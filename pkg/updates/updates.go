// Package updates implements the Update Actor (spec.md §4.2): a per-index
// write-ahead log of updates, a payload staging protocol that decouples
// streaming ingest from disk writes, and a cache of per-index update
// stores with double-checked lazy open.
package updates

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/events"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChunkQueueCapacity is the capacity for a payload staging queue
// (spec.md §4.2). RegisterUpdate reads from whatever channel its caller
// supplies and does not create, size or check that channel itself.
const ChunkQueueCapacity = 10

// deletionGraceAttempts bounds how many deletionBackoff intervals
// DeleteStore waits for a store handle to drain before giving up.
const deletionGraceAttempts = 50

// storeHandle pairs an open UpdateLogStore with the latch tracking how
// many callers currently hold a reference to it, mirroring the refcounted
// deletion protocol the index actor also uses for SearchIndex handles.
type storeHandle struct {
	store storage.UpdateLogStore
	latch *events.Latch
}

// Actor is the Update Actor. Its store cache is guarded by a RWMutex with
// the double-checked lazy-open protocol spec.md §4.2 mandates, grounded on
// the teacher's worker.go containers map.
type Actor struct {
	dataDir string
	broker  *events.Broker
	logger  zerolog.Logger

	mu     sync.RWMutex
	stores map[types.IndexId]*storeHandle

	deletionBackoff time.Duration
}

// Config configures an Actor.
type Config struct {
	DataDir         string
	Broker          *events.Broker
	DeletionBackoff time.Duration
}

// New creates an Update Actor rooted at cfg.DataDir. No stores are opened
// eagerly; they are lazily opened on first use or recovered at Reload.
func New(cfg Config) (*Actor, error) {
	if cfg.DeletionBackoff <= 0 {
		cfg.DeletionBackoff = 100 * time.Millisecond
	}
	stagedDir := filepath.Join(cfg.DataDir, "updates", "update_files")
	if err := os.MkdirAll(stagedDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staged payload directory: %w", err)
	}
	return &Actor{
		dataDir:         cfg.DataDir,
		broker:          cfg.Broker,
		logger:          log.WithComponent("update-actor"),
		stores:          make(map[types.IndexId]*storeHandle),
		deletionBackoff: cfg.DeletionBackoff,
	}, nil
}

// stagedFilesDir is the single global directory every index's staged
// payloads live under (spec.md §9 "Global index of staged files";
// preserved here for on-disk compatibility rather than moved per-index).
func (a *Actor) stagedFilesDir() string {
	return filepath.Join(a.dataDir, "updates", "update_files")
}

// acquire returns the store for id, opening it from disk if its directory
// already exists, or creating it if create is true. The double-checked
// lazy-open: a shared read first, then an exclusive upgrade that re-checks
// before opening, so concurrent callers never open the same store twice.
//
// A handle found draining (DeleteStore has called latch.Drain on it) is
// never reopened here: it stays in a.stores until DeleteStore itself
// removes the entry once the drain completes, so acquire can never race a
// fresh storage.NewBoltUpdateLogStore/bolt.Open against a bbolt file
// DeleteStore still has open (a second Open on the same file blocks
// forever on its exclusive flock, and doing so while holding a.mu would
// freeze the whole actor). A caller that lands in this window simply sees
// the store as gone.
func (a *Actor) acquire(id types.IndexId, create bool) (*storeHandle, error) {
	a.mu.RLock()
	if h, ok := a.stores[id]; ok {
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

	if h, ok := a.stores[id]; ok {
		if h.latch.Acquire() {
			return h, nil
		}
		return nil, &types.UnknownIndexError{ID: id}
	}

	dir := filepath.Join(a.dataDir, "updates", "updates-"+id.String())
	_, statErr := os.Stat(dir)
	if statErr != nil && os.IsNotExist(statErr) && !create {
		return nil, &types.UnknownIndexError{ID: id}
	}

	store, err := storage.NewBoltUpdateLogStore(a.dataDir, id)
	if err != nil {
		return nil, &types.InternalError{Cause: err}
	}
	h := &storeHandle{store: store, latch: events.NewLatch()}
	a.stores[id] = h
	return h, nil
}

// waitDrained blocks until h's latch reports no outstanding references,
// polling every deletionBackoff interval so a caller stuck well past a
// normal operation's lifetime does not wedge deletion forever.
func (a *Actor) waitDrained(h *storeHandle) error {
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
		return &types.InternalError{Cause: fmt.Errorf("timed out waiting for in-flight operations on update store to drain")}
	}
}

// CreateStore ensures a store exists for id, creating it if necessary.
// Idempotent per spec.md §4.2.
func (a *Actor) CreateStore(id types.IndexId) error {
	h, err := a.acquire(id, true)
	if err != nil {
		return err
	}
	h.latch.Release()
	return nil
}

// DeleteStore removes the in-memory entry and the on-disk update log
// directory for id. If other callers still hold the store (via acquire),
// it waits, bounded by deletionBackoff, until it becomes the sole owner
// before removing the directory (spec.md §4.2 "Deletion"). The handle
// stays registered in a.stores for the duration of the drain so a
// concurrent acquire rendezvous with this same handle instead of racing a
// second bolt.Open against the file this handle still has open.
func (a *Actor) DeleteStore(id types.IndexId) error {
	a.mu.Lock()
	h, ok := a.stores[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	h.latch.Drain()
	if err := a.waitDrained(h); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.stores, id)
	a.mu.Unlock()

	if err := h.store.Close(); err != nil {
		return &types.InternalError{Cause: err}
	}
	dir := filepath.Join(a.dataDir, "updates", "updates-"+id.String())
	if err := os.RemoveAll(dir); err != nil {
		return &types.InternalError{Cause: err}
	}
	return nil
}

// RegisterUpdate stages the bytes read from chunks to a fresh payload
// file, then appends the update to id's log. chunks must be populated by a
// task spawned before this call returns control to the caller's own
// caller — never inline — so registration can proceed concurrently with
// bytes still arriving (spec.md §4.2 "Deadlock avoidance").
//
// Partial input (the channel closing early due to upstream cancellation)
// is committed as end-of-stream and the update is still registered; it is
// expected to fail later at the engine's parse step (spec.md §9, decision
// recorded in SPEC_FULL.md).
func (a *Actor) RegisterUpdate(id types.IndexId, kind types.UpdateKind, chunks <-chan []byte, chunkErrs <-chan error) (*types.UpdateRecord, error) {
	h, err := a.acquire(id, true)
	if err != nil {
		return nil, err
	}
	defer h.latch.Release()

	timer := metrics.NewTimer()
	path, stageErr := a.stagePayload(chunks, chunkErrs)
	timer.ObserveDuration(metrics.PayloadStagingDuration)
	if stageErr != nil {
		return nil, &types.PayloadError{Cause: stageErr}
	}

	rec, err := h.store.Append(kind, path)
	if err != nil {
		os.Remove(path)
		return nil, &types.InternalError{Cause: err}
	}

	metrics.UpdatesRegisteredTotal.WithLabelValues(string(kind.Tag)).Inc()
	metrics.UpdateQueueDepth.WithLabelValues(id.String()).Inc()
	a.logger.Info().Str("index_id", id.String()).Uint64("update_id", uint64(rec.UpdateId)).Str("kind", string(kind.Tag)).Msg("update registered")
	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: events.EventUpdateEnqueued, IndexID: id.String(), Message: fmt.Sprintf("update %d enqueued", rec.UpdateId)})
	}
	return rec, nil
}

// stagePayload drains chunks into a fresh file under update_files/,
// returning its path. Any error on chunkErrs aborts staging and removes
// the partial file.
func (a *Actor) stagePayload(chunks <-chan []byte, chunkErrs <-chan error) (string, error) {
	name := "update_" + uuid.New().String()
	path := filepath.Join(a.stagedFilesDir(), name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}

	var written int64
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if err := f.Close(); err != nil {
					os.Remove(path)
					return "", err
				}
				metrics.StagedBytesTotal.Add(float64(written))
				return path, nil
			}
			n, err := f.Write(chunk)
			written += int64(n)
			if err != nil {
				f.Close()
				os.Remove(path)
				return "", err
			}
		case err := <-chunkErrs:
			f.Close()
			os.Remove(path)
			return "", err
		}
	}
}

// ListUpdates returns every UpdateStatus for id, ordered by update_id.
func (a *Actor) ListUpdates(id types.IndexId) ([]types.UpdateStatus, error) {
	h, err := a.acquire(id, false)
	if err != nil {
		return nil, err
	}
	defer h.latch.Release()

	records, err := h.store.List()
	if err != nil {
		return nil, &types.InternalError{Cause: err}
	}
	statuses := make([]types.UpdateStatus, len(records))
	for i, rec := range records {
		statuses[i] = rec.Status()
	}
	return statuses, nil
}

// GetUpdate returns a single update's status by id.
func (a *Actor) GetUpdate(id types.IndexId, updateID types.UpdateId) (*types.UpdateStatus, bool, error) {
	h, err := a.acquire(id, false)
	if err != nil {
		return nil, false, err
	}
	defer h.latch.Release()

	rec, ok, err := h.store.Get(updateID)
	if err != nil {
		return nil, false, &types.InternalError{Cause: err}
	}
	if !ok {
		return nil, false, nil
	}
	status := rec.Status()
	return &status, true, nil
}

// NextEnqueued returns the oldest Enqueued record for id, if any. The
// index actor pulls this to dispatch work (spec.md §4.2 step 5,
// "pull-based").
func (a *Actor) NextEnqueued(id types.IndexId) (*types.UpdateRecord, bool, error) {
	h, err := a.acquire(id, false)
	if err != nil {
		return nil, false, err
	}
	defer h.latch.Release()

	rec, ok, err := h.store.NextEnqueued()
	if err != nil {
		return nil, false, &types.InternalError{Cause: err}
	}
	return rec, ok, nil
}

// MarkProcessing transitions an update to Processing. Called by the index
// actor immediately before dispatching the blocking apply task.
func (a *Actor) MarkProcessing(id types.IndexId, updateID types.UpdateId) error {
	h, err := a.acquire(id, false)
	if err != nil {
		return err
	}
	defer h.latch.Release()
	if err := h.store.MarkProcessing(updateID); err != nil {
		return &types.InternalError{Cause: err}
	}
	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: events.EventUpdateProcessing, IndexID: id.String(), Message: fmt.Sprintf("update %d processing", updateID)})
	}
	return nil
}

// Terminate transitions an update to its terminal state (Processed or
// Failed) and deletes its staged payload file, satisfying the
// staged-file-cleanup invariant (spec.md §8, property 5).
func (a *Actor) Terminate(id types.IndexId, updateID types.UpdateId, stats *types.ProcessedStats, failure error) error {
	h, err := a.acquire(id, false)
	if err != nil {
		return err
	}
	defer h.latch.Release()

	rec, ok, err := h.store.Get(updateID)
	if err != nil {
		return &types.InternalError{Cause: err}
	}

	var terminalErr error
	var eventType events.EventType
	var state string
	if failure != nil {
		terminalErr = h.store.MarkFailed(updateID, failure.Error())
		eventType = events.EventUpdateFailed
		state = string(types.StateFailed)
	} else {
		terminalErr = h.store.MarkProcessed(updateID, *stats)
		eventType = events.EventUpdateProcessed
		state = string(types.StateProcessed)
	}
	if terminalErr != nil {
		return &types.InternalError{Cause: terminalErr}
	}

	if ok && rec.PayloadPath != "" {
		if err := os.Remove(rec.PayloadPath); err != nil && !os.IsNotExist(err) {
			a.logger.Warn().Err(err).Str("path", rec.PayloadPath).Msg("failed to remove staged payload")
		}
	}

	metrics.UpdatesTerminatedTotal.WithLabelValues(state).Inc()
	metrics.UpdateQueueDepth.WithLabelValues(id.String()).Dec()
	if a.broker != nil {
		a.broker.Publish(&events.Event{Type: eventType, IndexID: id.String(), Message: fmt.Sprintf("update %d %s", updateID, state)})
	}
	return nil
}

// Reload recovers non-terminal update records at boot for every store
// already present on disk under dataDir/updates/. Non-terminal records
// are re-attempted as Enqueued unless their staged payload file is
// missing, in which case they are marked Failed without deleting the
// record (decision recorded in SPEC_FULL.md per spec.md §9).
func (a *Actor) Reload() ([]types.IndexId, error) {
	root := filepath.Join(a.dataDir, "updates")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &types.InternalError{Cause: err}
	}

	var recovered []types.IndexId
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) < len("updates-") {
			continue
		}
		if entry.Name()[:len("updates-")] != "updates-" {
			continue
		}
		id := types.IndexId(entry.Name()[len("updates-"):])
		if err := a.recoverStore(id); err != nil {
			return nil, err
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

func (a *Actor) recoverStore(id types.IndexId) error {
	h, err := a.acquire(id, false)
	if err != nil {
		return err
	}
	defer h.latch.Release()

	records, err := h.store.List()
	if err != nil {
		return &types.InternalError{Cause: err}
	}
	for _, rec := range records {
		if rec.State.IsTerminal() {
			continue
		}
		if _, statErr := os.Stat(rec.PayloadPath); statErr != nil {
			if err := h.store.MarkFailed(rec.UpdateId, "staged payload missing after restart"); err != nil {
				return &types.InternalError{Cause: err}
			}
			a.logger.Warn().Str("index_id", id.String()).Uint64("update_id", uint64(rec.UpdateId)).Msg("staged payload missing after restart, marking failed")
			continue
		}
		if rec.State != types.StateEnqueued {
			if err := h.store.MarkEnqueued(rec.UpdateId); err != nil {
				return &types.InternalError{Cause: err}
			}
		}
		a.logger.Info().Str("index_id", id.String()).Uint64("update_id", uint64(rec.UpdateId)).Msg("recovered non-terminal update as enqueued")
	}
	return nil
}

// Close closes every open store. Safe to call once at shutdown.
func (a *Actor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, h := range a.stores {
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.stores = make(map[types.IndexId]*storeHandle)
	return firstErr
}
