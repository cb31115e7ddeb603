package resolver

import (
	"sync"
	"testing"

	"github.com/cuemby/weir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// S1: create, duplicate create fails, delete, re-create yields a new id.
func TestCreateDeleteRecreate(t *testing.T) {
	r := newTestResolver(t)

	id1, err := r.Create("books")
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	_, err = r.Create("books")
	assert.ErrorIs(t, err, types.ErrNameAlreadyExists)

	_, err = r.Delete("books")
	require.NoError(t, err)

	id2, err := r.Create("books")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestResolveUnknown(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve("missing")
	assert.ErrorIs(t, err, types.ErrUnknownIndex)
}

func TestBadlyFormattedName(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Create("has a space")
	assert.ErrorIs(t, err, types.ErrBadlyFormattedName)
}

// S6: two concurrent get_or_create calls on the same name race; both must
// return the same id and the name map must contain exactly one entry.
func TestGetOrCreateConcurrentRace(t *testing.T) {
	r := newTestResolver(t)

	const callers = 20
	ids := make([]types.IndexId, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			id, err := r.GetOrCreate("logs")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	entries, err := r.List()
	require.NoError(t, err)
	count := 0
	for _, e := range entries {
		if e.Name == "logs" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestListOrdered(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Create("a")
	require.NoError(t, err)
	_, err = r.Create("b")
	require.NoError(t, err)

	entries, err := r.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, "b", entries[1].Name)
}

func TestSnapshotAndLoad(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Create("books")
	require.NoError(t, err)

	snapshotPath := t.TempDir() + "/names.snapshot"
	require.NoError(t, r.SnapshotTo(snapshotPath))

	r2 := newTestResolver(t)
	_, err = r2.Create("placeholder")
	require.NoError(t, err)
	require.NoError(t, r2.LoadFrom(snapshotPath))

	id, err := r2.Resolve("books")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}
