// Package memory implements Donna's long-term memory: a durable collection
// of short factual statements with embedding-based similarity recall.
//
// Records come from three sources: idle-session transfers (the lifecycle
// manager summarises a finished conversation into one record per fact),
// explicit /remember commands, and document ingestion. They are retained
// indefinitely unless explicitly deleted.
package memory

import (
	"context"
	"errors"
	"time"
)

// Scope values recognised on a memory record.
const (
	ScopeChat   = "chat"
	ScopeGlobal = "global"
)

// Source values recognised on a memory record.
const (
	SourceSessionTransfer = "session_transfer"
	SourceExplicit        = "explicit"
	SourceDocument        = "document"
)

// ErrEmbeddingUnavailable is returned by Store when the embedder fails
// after the retry policy is exhausted. The record is not inserted.
var ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")

// Record is one durable memory: a natural-language statement plus the
// embedding it is recalled by. Text is stored verbatim.
type Record struct {
	ID        string            // UUID
	Text      string            // the statement, verbatim
	Vector    []float32         // embedding of Text
	Owner     string            // ChatID, or the global owner for privileged facts
	Scope     string            // ScopeChat | ScopeGlobal
	Source    string            // SourceSessionTransfer | SourceExplicit | SourceDocument
	CreatedAt time.Time         // UTC
	Metadata  map[string]string // free-form extras
}

// Recalled pairs a record with its similarity to the recall query.
type Recalled struct {
	Record
	Similarity float64
}

// Attributes describes a record at store time. CreatedAt defaults to the
// current UTC instant when zero.
type Attributes struct {
	Owner     string
	Scope     string
	Source    string
	CreatedAt time.Time
	Metadata  map[string]string
}

// OwnerScope is one (owner, scope) pair a recall is restricted to. Recall
// accepts several pairs so a privileged caller can union its chat-scoped
// records with the global ones.
type OwnerScope struct {
	Owner string
	Scope string
}

// LongTermMemory is the pluggable interface for the memory collection.
// Implementations must be safe for concurrent use; writes may be serialised
// internally.
type LongTermMemory interface {
	// Store embeds text and inserts a record, returning its id. Fails with
	// ErrEmbeddingUnavailable when the embedder cannot produce a vector.
	Store(ctx context.Context, text string, attrs Attributes) (string, error)

	// Recall embeds the query and returns at most k records matching any of
	// the given owner/scope pairs with cosine similarity >= minSimilarity,
	// sorted by similarity descending; ties break toward the more recently
	// created record.
	Recall(ctx context.Context, query string, filters []OwnerScope, k int, minSimilarity float64) ([]Recalled, error)

	// Delete removes a record; reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}
