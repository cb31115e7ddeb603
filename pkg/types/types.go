package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// IndexId is a process-stable 128-bit opaque identity minted on index
// creation. It is never reused after deletion and is used as the on-disk
// directory suffix for both the search engine directory and the update
// store directory.
type IndexId string

// NewIndexId mints a fresh, random IndexId.
func NewIndexId() IndexId {
	return IndexId(uuid.New().String())
}

// String satisfies fmt.Stringer.
func (id IndexId) String() string {
	return string(id)
}

var indexNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidIndexName reports whether name is a valid, URL-safe slug: non-empty,
// ASCII letters/digits/-/_, length <= 64.
func ValidIndexName(name string) bool {
	return indexNamePattern.MatchString(name)
}

// IndexMeta is the metadata record the Index Actor owns for each index.
type IndexMeta struct {
	ID         IndexId    `json:"id"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	PrimaryKey *string    `json:"primaryKey,omitempty"`
}

// UpdateId is monotonic within a single index, not globally.
type UpdateId uint64

// AdditionMethod controls how a documents-addition update merges into
// existing documents.
type AdditionMethod string

const (
	AdditionReplace        AdditionMethod = "replace"
	AdditionUpdateOrInsert AdditionMethod = "updateOrInsert"
)

// PayloadFormat is the wire format of a documents-addition payload.
type PayloadFormat string

const (
	FormatJSON   PayloadFormat = "json"
	FormatNDJSON PayloadFormat = "ndjson"
	FormatCSV    PayloadFormat = "csv"
)

// UpdateKindTag discriminates the UpdateKind tagged variant.
type UpdateKindTag string

const (
	KindDocumentsAddition UpdateKindTag = "documentsAddition"
	KindClearDocuments    UpdateKindTag = "clearDocuments"
	KindDeleteDocuments   UpdateKindTag = "deleteDocuments"
	KindSettings          UpdateKindTag = "settings"
	KindFacets            UpdateKindTag = "facets"
)

// UpdateKind is the tagged variant describing what an update does. Only the
// fields relevant to Tag are populated.
type UpdateKind struct {
	Tag UpdateKindTag `json:"tag"`

	// DocumentsAddition fields.
	Method     AdditionMethod `json:"method,omitempty"`
	Format     PayloadFormat  `json:"format,omitempty"`
	PrimaryKey *string        `json:"primaryKey,omitempty"`

	// Settings fields.
	Settings *SettingsPatch `json:"settings,omitempty"`

	// Facets fields.
	Facets *FacetsConfig `json:"facets,omitempty"`
}

// SettingsPatch is a partial update to an index's settings. Nil fields are
// left unchanged.
type SettingsPatch struct {
	SearchableAttributes *[]string          `json:"searchableAttributes,omitempty"`
	DisplayedAttributes  *[]string          `json:"displayedAttributes,omitempty"`
	FilterableAttributes *[]string          `json:"filterableAttributes,omitempty"`
	SortableAttributes   *[]string          `json:"sortableAttributes,omitempty"`
	StopWords            *[]string          `json:"stopWords,omitempty"`
	Synonyms             *map[string][]string `json:"synonyms,omitempty"`
	RankingRules         *[]string          `json:"rankingRules,omitempty"`
}

// FacetsConfig configures which attributes are faceted.
type FacetsConfig struct {
	Attributes []string `json:"attributes"`
}

// Document is a single opaque JSON document, keyed by its id attribute.
type Document map[string]interface{}

// UpdateState is a node in the update lifecycle state machine:
// Enqueued -> Processing -> (Processed | Failed).
type UpdateState string

const (
	StateEnqueued   UpdateState = "enqueued"
	StateProcessing UpdateState = "processing"
	StateProcessed  UpdateState = "processed"
	StateFailed     UpdateState = "failed"
)

// IsTerminal reports whether the state is Processed or Failed.
func (s UpdateState) IsTerminal() bool {
	return s == StateProcessed || s == StateFailed
}

// ProcessedStats carries engine-reported stats for a successfully applied
// update.
type ProcessedStats struct {
	IndexedDocuments  int `json:"indexedDocuments"`
	NumberOfDocuments int `json:"numberOfDocuments"`
}

// UpdateRecord is the durable, on-disk representation of a single update's
// lifecycle, as described by spec.md §6 "Update log record".
type UpdateRecord struct {
	UpdateId     UpdateId        `json:"updateId"`
	Kind         UpdateKind      `json:"kind"`
	PayloadPath  string          `json:"payloadPath"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	State        UpdateState     `json:"state"`
	Stats        *ProcessedStats `json:"stats,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	TerminatedAt *time.Time      `json:"terminatedAt,omitempty"`
}

// UpdateStatus is the projection of an UpdateRecord returned to callers; it
// omits the internal staged-payload path.
type UpdateStatus struct {
	UpdateId     UpdateId        `json:"updateId"`
	Kind         UpdateKind      `json:"kind"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	State        UpdateState     `json:"state"`
	Stats        *ProcessedStats `json:"stats,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	TerminatedAt *time.Time      `json:"terminatedAt,omitempty"`
}

// Status projects an UpdateRecord down to the caller-visible UpdateStatus.
func (r UpdateRecord) Status() UpdateStatus {
	return UpdateStatus{
		UpdateId:     r.UpdateId,
		Kind:         r.Kind,
		EnqueuedAt:   r.EnqueuedAt,
		State:        r.State,
		Stats:        r.Stats,
		ErrorMessage: r.ErrorMessage,
		TerminatedAt: r.TerminatedAt,
	}
}

// NameEntry is a single (name, id) pair as returned by the resolver's List.
type NameEntry struct {
	Name      string    `json:"name"`
	ID        IndexId   `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// SearchQuery is the input to a search operation.
type SearchQuery struct {
	Query                string   `json:"q"`
	Offset               int      `json:"offset"`
	Limit                int      `json:"limit"`
	AttributesToRetrieve []string `json:"attributesToRetrieve,omitempty"`
	Filter               string   `json:"filter,omitempty"`
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Hits             []Document `json:"hits"`
	NbHits           int        `json:"nbHits"`
	Offset           int        `json:"offset"`
	Limit            int        `json:"limit"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
	Query            string     `json:"query"`
}
