package updates

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	a, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func registerSync(t *testing.T, a *Actor, id types.IndexId, kind types.UpdateKind, payload []byte) *types.UpdateRecord {
	t.Helper()
	chunks := make(chan []byte, 1)
	errs := make(chan error)
	go func() {
		chunks <- payload
		close(chunks)
	}()
	rec, err := a.RegisterUpdate(id, kind, chunks, errs)
	require.NoError(t, err)
	return rec
}

// S2: three updates enqueued in order must be listed in that order.
func TestRegisterUpdateOrdering(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	kind := types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatJSON}
	recA := registerSync(t, a, id, kind, []byte(`[{"id":"a"}]`))
	recB := registerSync(t, a, id, kind, []byte(`[{"id":"b"}]`))
	recC := registerSync(t, a, id, kind, []byte(`[{"id":"c"}]`))

	assert.Less(t, recA.UpdateId, recB.UpdateId)
	assert.Less(t, recB.UpdateId, recC.UpdateId)

	statuses, err := a.ListUpdates(id)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, recA.UpdateId, statuses[0].UpdateId)
	assert.Equal(t, recB.UpdateId, statuses[1].UpdateId)
	assert.Equal(t, recC.UpdateId, statuses[2].UpdateId)
}

// Property 5 (staged-file cleanup): Terminate removes the staged payload file.
func TestTerminateRemovesStagedFile(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	rec := registerSync(t, a, id, types.UpdateKind{Tag: types.KindDocumentsAddition}, []byte(`[{"id":"a"}]`))
	_, err := os.Stat(rec.PayloadPath)
	require.NoError(t, err)

	require.NoError(t, a.Terminate(id, rec.UpdateId, &types.ProcessedStats{IndexedDocuments: 1}, nil))

	_, err = os.Stat(rec.PayloadPath)
	assert.True(t, os.IsNotExist(err))

	status, ok, err := a.GetUpdate(id, rec.UpdateId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StateProcessed, status.State)
}

func TestTerminateFailedRemovesStagedFile(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	rec := registerSync(t, a, id, types.UpdateKind{Tag: types.KindDocumentsAddition}, []byte(`not json`))
	require.NoError(t, a.Terminate(id, rec.UpdateId, nil, assert.AnError))

	_, err := os.Stat(rec.PayloadPath)
	assert.True(t, os.IsNotExist(err))

	status, ok, err := a.GetUpdate(id, rec.UpdateId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StateFailed, status.State)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestRegisterUpdateUnknownIndexWithoutCreate(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()

	chunks := make(chan []byte)
	errs := make(chan error)
	close(chunks)

	// RegisterUpdate lazily creates the store (spec.md §4.2's own store
	// cache is always permissive; strictness lives in the index actor), so
	// this should succeed rather than error.
	rec, err := a.RegisterUpdate(id, types.UpdateKind{Tag: types.KindClearDocuments}, chunks, errs)
	require.NoError(t, err)
	assert.Equal(t, types.UpdateId(1), rec.UpdateId)
}

func TestNextEnqueuedUnknownStoreErrors(t *testing.T) {
	a := newTestActor(t)
	_, _, err := a.NextEnqueued(types.NewIndexId())
	assert.ErrorIs(t, err, types.ErrUnknownIndex)
}

func TestDeleteStoreRemovesDirectory(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	require.NoError(t, a.DeleteStore(id))

	_, _, err := a.NextEnqueued(id)
	assert.ErrorIs(t, err, types.ErrUnknownIndex)
}

// A store handle being drained by DeleteStore must stay registered in the
// cache so a concurrent acquire for the same id fails fast instead of
// racing a second bolt.Open against the file DeleteStore still has open.
func TestAcquireDuringDeleteStoreFailsFastInsteadOfReopening(t *testing.T) {
	a := newTestActor(t)
	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	h, err := a.acquire(id, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.DeleteStore(id) }()

	select {
	case err := <-done:
		t.Fatalf("delete returned before handle released: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	_, err = a.acquire(id, false)
	assert.ErrorIs(t, err, types.ErrUnknownIndex)

	h.latch.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("delete did not complete after handle released")
	}
}

// DeleteStore must give up and report an error rather than block forever
// when a held handle is never released, bounded by Config.DeletionBackoff.
func TestDeleteStoreGivesUpAfterDeletionBackoffExhausted(t *testing.T) {
	a, err := New(Config{DataDir: t.TempDir(), DeletionBackoff: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	id := types.NewIndexId()
	require.NoError(t, a.CreateStore(id))

	_, err = a.acquire(id, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.DeleteStore(id) }()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("delete store did not give up on a handle that was never released")
	}
}

func TestReloadRecoversNonTerminalAsEnqueuedOrFailsMissingPayload(t *testing.T) {
	dir := t.TempDir()
	id := types.NewIndexId()

	a, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, a.CreateStore(id))

	rec := registerSync(t, a, id, types.UpdateKind{Tag: types.KindDocumentsAddition}, []byte(`[{"id":"a"}]`))
	require.NoError(t, os.Remove(rec.PayloadPath))
	require.NoError(t, a.Close())

	a2, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { a2.Close() })

	_, err = a2.Reload()
	require.NoError(t, err)

	status, ok, err := a2.GetUpdate(id, rec.UpdateId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StateFailed, status.State)
	assert.Contains(t, status.ErrorMessage, "missing")
}

// A record left in Processing when the process died (payload still on disk)
// must come back as Enqueued so NextEnqueued can pick it up again, not stay
// stuck in Processing forever.
func TestReloadRequeuesInterruptedProcessingRecord(t *testing.T) {
	dir := t.TempDir()
	id := types.NewIndexId()

	a, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, a.CreateStore(id))

	rec := registerSync(t, a, id, types.UpdateKind{Tag: types.KindDocumentsAddition}, []byte(`[{"id":"a"}]`))
	require.NoError(t, a.MarkProcessing(id, rec.UpdateId))
	require.NoError(t, a.Close())

	a2, err := New(Config{DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { a2.Close() })

	_, err = a2.Reload()
	require.NoError(t, err)

	status, ok, err := a2.GetUpdate(id, rec.UpdateId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.StateEnqueued, status.State)

	next, ok, err := a2.NextEnqueued(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.UpdateId, next.UpdateId)
}
