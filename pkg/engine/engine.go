// Package engine provides a minimal, swappable default implementation of
// the SearchIndex capability described in spec.md §6. It is deliberately
// simple: one bbolt database per index directory, documents keyed by
// their primary key, settings stored as a single JSON blob, and a naive
// substring match in place of ranking (ranking is explicitly out of scope
// for the control plane, spec.md §1). Production deployments swap this
// for a real engine without touching the resolver, update or index
// actors, since all three only ever see the SearchIndex interface.
package engine

import (
	"context"

	"github.com/cuemby/weir/pkg/types"
)

// SearchIndex is the capability contract spec.md §6 requires of the
// embedded engine. The three actors this repo implements depend only on
// this interface, never on a concrete engine.
type SearchIndex interface {
	PerformSearch(ctx context.Context, query types.SearchQuery) (*types.SearchResult, error)
	Settings(ctx context.Context) (*types.SettingsPatch, error)
	RetrieveDocuments(ctx context.Context, offset, limit int, attrs []string) ([]types.Document, error)
	RetrieveDocument(ctx context.Context, docID string, attrs []string) (types.Document, error)
	ApplyUpdate(ctx context.Context, kind types.UpdateKind, stagedFile string) (*types.ProcessedStats, error)
	PrepareForClosing(ctx context.Context) error
}

// Options configures a new engine instance. PrimaryKey may be empty, in
// which case it defaults to "id". Any later documents-addition update that
// names a primary key replaces it for that engine instance.
type Options struct {
	PrimaryKey string
}
