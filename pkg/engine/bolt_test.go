package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/weir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePayload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestApplyDocumentsAdditionAndSearch(t *testing.T) {
	e, err := New(t.TempDir(), Options{PrimaryKey: "id"})
	require.NoError(t, err)
	defer e.Close()

	payload := writePayload(t, `[{"id":"1","title":"Pride and Prejudice"},{"id":"2","title":"Moby Dick"}]`)
	kind := types.UpdateKind{Tag: types.KindDocumentsAddition, Method: types.AdditionReplace, Format: types.FormatJSON}

	stats, err := e.ApplyUpdate(context.Background(), kind, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.IndexedDocuments)
	assert.Equal(t, 2, stats.NumberOfDocuments)

	result, err := e.PerformSearch(context.Background(), types.SearchQuery{Query: "Moby"})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "2", result.Hits[0]["id"])
}

func TestApplyDocumentsAdditionUpdateOrInsertMerges(t *testing.T) {
	e, err := New(t.TempDir(), Options{PrimaryKey: "id"})
	require.NoError(t, err)
	defer e.Close()

	first := writePayload(t, `[{"id":"1","title":"Dune","author":"Herbert"}]`)
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Method: types.AdditionReplace, Format: types.FormatJSON}, first)
	require.NoError(t, err)

	second := writePayload(t, `[{"id":"1","year":1965}]`)
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Method: types.AdditionUpdateOrInsert, Format: types.FormatJSON}, second)
	require.NoError(t, err)

	doc, err := e.RetrieveDocument(context.Background(), "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Dune", doc["title"])
	assert.Equal(t, "Herbert", doc["author"])
	assert.EqualValues(t, 1965, doc["year"])
}

func TestApplyClearAndDeleteDocuments(t *testing.T) {
	e, err := New(t.TempDir(), Options{PrimaryKey: "id"})
	require.NoError(t, err)
	defer e.Close()

	add := writePayload(t, `[{"id":"1"},{"id":"2"},{"id":"3"}]`)
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatJSON}, add)
	require.NoError(t, err)

	del := writePayload(t, `["2"]`)
	stats, err := e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDeleteDocuments}, del)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IndexedDocuments)
	assert.Equal(t, 2, stats.NumberOfDocuments)

	stats, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindClearDocuments}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.NumberOfDocuments)

	docs, err := e.RetrieveDocuments(context.Background(), 0, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestApplySettingsMerge(t *testing.T) {
	e, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	defer e.Close()

	searchable := []string{"title"}
	patch := &types.SettingsPatch{SearchableAttributes: &searchable}
	data, err := json.Marshal(patch)
	require.NoError(t, err)
	path := writePayload(t, string(data))

	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindSettings, Settings: patch}, path)
	require.NoError(t, err)

	got, err := e.Settings(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got.SearchableAttributes)
	assert.Equal(t, []string{"title"}, *got.SearchableAttributes)

	stopWords := []string{"the", "a"}
	patch2 := &types.SettingsPatch{StopWords: &stopWords}
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindSettings, Settings: patch2}, path)
	require.NoError(t, err)

	got, err = e.Settings(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got.SearchableAttributes)
	require.NotNil(t, got.StopWords)
}

func TestApplyFacets(t *testing.T) {
	e, err := New(t.TempDir(), Options{})
	require.NoError(t, err)
	defer e.Close()

	cfg := &types.FacetsConfig{Attributes: []string{"genre"}}
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindFacets, Facets: cfg}, "")
	require.NoError(t, err)
}

func TestDecodeNDJSONAndCSV(t *testing.T) {
	e, err := New(t.TempDir(), Options{PrimaryKey: "id"})
	require.NoError(t, err)
	defer e.Close()

	nd := writePayload(t, "{\"id\":\"1\",\"title\":\"A\"}\n{\"id\":\"2\",\"title\":\"B\"}\n")
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatNDJSON}, nd)
	require.NoError(t, err)

	docs, err := e.RetrieveDocuments(context.Background(), 0, 10, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	csvPath := filepath.Join(t.TempDir(), "docs.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,title\n3,C\n"), 0o644))
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatCSV}, csvPath)
	require.NoError(t, err)

	doc, err := e.RetrieveDocument(context.Background(), "3", nil)
	require.NoError(t, err)
	assert.Equal(t, "C", doc["title"])
}

func TestRetrieveDocumentsAttributeProjection(t *testing.T) {
	e, err := New(t.TempDir(), Options{PrimaryKey: "id"})
	require.NoError(t, err)
	defer e.Close()

	payload := writePayload(t, `[{"id":"1","title":"A","secret":"x"}]`)
	_, err = e.ApplyUpdate(context.Background(), types.UpdateKind{Tag: types.KindDocumentsAddition, Format: types.FormatJSON}, payload)
	require.NoError(t, err)

	doc, err := e.RetrieveDocument(context.Background(), "1", []string{"title"})
	require.NoError(t, err)
	_, hasSecret := doc["secret"]
	assert.False(t, hasSecret)
	assert.Equal(t, "A", doc["title"])
}
