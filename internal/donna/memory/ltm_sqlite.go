package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/donna/common/retry"
)

// SQLiteLTM implements LongTermMemory on SQLite with brute-force cosine
// similarity. Embeddings are stored as JSON-encoded float32 arrays; search
// loads the candidate rows for the requested owner/scope pairs and scores
// them in Go.
//
// Writes are serialised behind a store-level mutex (the index is a
// single-writer structure); reads go through the same shared connection and
// are serialised by database/sql.
type SQLiteLTM struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	writeMu sync.Mutex
}

// NewSQLiteLTM creates a SQLiteLTM over an open collection database.
// If logger is nil, the default slog logger is used.
func NewSQLiteLTM(db *sql.DB, embedder Embedder, logger *slog.Logger) *SQLiteLTM {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteLTM{db: db, embedder: embedder, logger: logger}
}

// Store embeds text and inserts a record. The embedder gets one retry;
// a final failure surfaces as ErrEmbeddingUnavailable and nothing is
// inserted.
func (s *SQLiteLTM) Store(ctx context.Context, text string, attrs Attributes) (string, error) {
	if text == "" {
		return "", fmt.Errorf("memory: refusing to store empty text")
	}

	var vector []float32
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		var embedErr error
		vector, embedErr = s.embedder.Embed(ctx, text)
		return embedErr
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	createdAt := attrs.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var embeddingJSON []byte
	if vector != nil {
		embeddingJSON, err = json.Marshal(vector)
		if err != nil {
			return "", fmt.Errorf("memory: marshal embedding: %w", err)
		}
	}

	var metadataJSON []byte
	if len(attrs.Metadata) > 0 {
		metadataJSON, err = json.Marshal(attrs.Metadata)
		if err != nil {
			return "", fmt.Errorf("memory: marshal metadata: %w", err)
		}
	}

	id := uuid.New().String()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, text, embedding, owner, scope, source, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		text,
		embeddingJSON,
		attrs.Owner,
		attrs.Scope,
		attrs.Source,
		createdAt.UTC().Format(time.RFC3339Nano),
		metadataJSON,
	)
	if err != nil {
		return "", fmt.Errorf("memory: insert record: %w", err)
	}

	s.logger.Debug("memory: stored record",
		"memory_id", id,
		"owner", attrs.Owner,
		"scope", attrs.Scope,
		"source", attrs.Source,
		"text_len", len(text),
		"has_embedding", vector != nil,
	)

	return id, nil
}

// Recall embeds the query and returns the top-k matches across the given
// owner/scope pairs. Failures to embed or read are returned to the caller,
// who is expected to degrade to an empty memory block.
func (s *SQLiteLTM) Recall(ctx context.Context, query string, filters []OwnerScope, k int, minSimilarity float64) ([]Recalled, error) {
	if k <= 0 || len(filters) == 0 {
		return nil, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	if queryVec == nil {
		// Noop embedder: similarity search is meaningless.
		return nil, nil
	}

	where, args := filterClause(filters)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, text, embedding, owner, scope, source, created_at, metadata
		FROM memories
		WHERE embedding IS NOT NULL AND (`+where+`)
		ORDER BY created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: query records: %w", err)
	}
	defer rows.Close()

	var candidates []Recalled
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("memory: skip malformed row", "err", err)
			continue
		}
		if len(rec.Vector) == 0 {
			continue
		}

		sim := cosineSimilarity(queryVec, rec.Vector)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, Recalled{Record: rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate rows: %w", err)
	}

	// Similarity descending; the candidate slice is already ordered newest
	// first, and the insertion sort is stable, so equal scores keep the more
	// recent record ahead.
	sortBySimilarity(candidates)

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// Delete removes a record by id; reports whether it existed.
func (s *SQLiteLTM) Delete(ctx context.Context, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("memory: delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("memory: rows affected: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of stored records.
func (s *SQLiteLTM) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("memory: count records: %w", err)
	}
	return n, nil
}

// filterClause builds the OR'ed (owner, scope) predicate and its args.
func filterClause(filters []OwnerScope) (string, []interface{}) {
	clauses := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters)*2)
	for _, f := range filters {
		clauses = append(clauses, "(owner = ? AND scope = ?)")
		args = append(args, f.Owner, f.Scope)
	}
	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " OR " + c
	}
	return where, args
}

// scanRecord reads a single row from the memories table.
func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec           Record
		embeddingJSON sql.NullString
		createdAtStr  string
		metadataJSON  sql.NullString
	)

	err := rows.Scan(
		&rec.ID,
		&rec.Text,
		&embeddingJSON,
		&rec.Owner,
		&rec.Scope,
		&rec.Source,
		&createdAtStr,
		&metadataJSON,
	)
	if err != nil {
		return Record{}, fmt.Errorf("scan row: %w", err)
	}

	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &rec.Vector); err != nil {
			return Record{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}

	t, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return Record{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t

	if metadataJSON.Valid && metadataJSON.String != "" {
		rec.Metadata = make(map[string]string)
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return rec, nil
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the vectors differ in length or have zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortBySimilarity sorts recalled records by descending similarity using a
// stable insertion sort — fine for the small candidate sets expected.
func sortBySimilarity(items []Recalled) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && items[j].Similarity < key.Similarity {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}

// Compile-time interface satisfaction check.
var _ LongTermMemory = (*SQLiteLTM)(nil)
