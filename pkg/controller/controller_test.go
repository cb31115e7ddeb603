package controller

import (
	"context"
	"testing"

	"github.com/cuemby/weir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func registerAndApply(t *testing.T, c *Controller, name string, kind types.UpdateKind, payload []byte) *types.UpdateStatus {
	t.Helper()
	chunks := make(chan []byte, 1)
	errs := make(chan error)
	go func() {
		chunks <- payload
		close(chunks)
	}()
	_, err := c.RegisterUpdate(name, kind, chunks, errs)
	require.NoError(t, err)

	status, applied, err := c.ApplyNext(context.Background(), name)
	require.NoError(t, err)
	require.True(t, applied)
	return status
}

func TestControllerEndToEndWriteThenSearch(t *testing.T) {
	c := newTestController(t)

	meta, err := c.CreateIndex("books", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.ID)

	kind := types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatJSON}
	status := registerAndApply(t, c, "books", kind, []byte(`[{"id":"1","title":"Dune"}]`))
	assert.Equal(t, types.StateProcessed, status.State)

	result, err := c.Search(context.Background(), "books", types.SearchQuery{Query: "Dune"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)

	statuses, err := c.ListUpdates("books")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, types.StateProcessed, statuses[0].State)
}

func TestControllerLazyMaterializationOnRegisterUpdate(t *testing.T) {
	c := newTestController(t)

	kind := types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatJSON}
	status := registerAndApply(t, c, "unknown-yet", kind, []byte(`[{"id":"1"}]`))
	assert.Equal(t, types.StateProcessed, status.State)

	meta, ok, err := c.GetMeta("unknown-yet")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, meta.ID)
}

func TestControllerDeleteIndexIsClean(t *testing.T) {
	c := newTestController(t)

	_, err := c.CreateIndex("temp", nil)
	require.NoError(t, err)

	require.NoError(t, c.DeleteIndex(context.Background(), "temp"))

	_, err = c.resolver.Resolve("temp")
	assert.ErrorIs(t, err, types.ErrUnknownIndex)
}

func TestControllerListIndexes(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateIndex("a", nil)
	require.NoError(t, err)
	_, err = c.CreateIndex("b", nil)
	require.NoError(t, err)

	entries, err := c.ListIndexes()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// S1, run through the controller's public surface.
func TestControllerCreateDuplicateThenRecreate(t *testing.T) {
	c := newTestController(t)

	id1, err := c.CreateIndex("books", nil)
	require.NoError(t, err)

	_, err = c.CreateIndex("books", nil)
	assert.ErrorIs(t, err, types.ErrNameAlreadyExists)

	require.NoError(t, c.DeleteIndex(context.Background(), "books"))

	id2, err := c.CreateIndex("books", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1.ID, id2.ID)
}
