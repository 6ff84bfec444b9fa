package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	arbor "github.com/okvist/arbor"
)

// MemoryStore implements arbor.MemoryStore on a shared Store handle.
type MemoryStore struct {
	s *Store
}

var _ arbor.MemoryStore = (*MemoryStore)(nil)
var _ arbor.FTSSearcher = (*MemoryStore)(nil)

// NewMemoryStore creates the memory facade over a Store.
func NewMemoryStore(s *Store) *MemoryStore {
	return &MemoryStore{s: s}
}

const memoryColumns = `id, content, memory_type, importance, created_at, updated_at,
	last_accessed_at, access_count, source, channel_id, forgotten`

// Save inserts a new memory and its FTS row. Importance is clamped on
// the way in.
func (m *MemoryStore) Save(ctx context.Context, memory arbor.Memory) error {
	start := time.Now()
	memory.Importance = clamp01(memory.Importance)

	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		memory.ID, memory.Content, string(memory.MemoryType), memory.Importance,
		unixMS(memory.CreatedAt), unixMS(memory.UpdatedAt), unixMS(memory.LastAccessedAt),
		memory.AccessCount, nullable(memory.Source), nullable(string(memory.ChannelID)),
		boolInt(memory.Forgotten),
	)
	if err != nil {
		return fmt.Errorf("save memory %s: %w", memory.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`,
		memory.ID, memory.Content); err != nil {
		return fmt.Errorf("index memory %s: %w", memory.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	m.s.logger.Debug("sqlite: memory saved", "id", memory.ID, "type", memory.MemoryType, "duration", time.Since(start))
	return nil
}

// Load fetches a memory by id.
func (m *MemoryStore) Load(ctx context.Context, id string) (arbor.Memory, bool, error) {
	row := m.s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return arbor.Memory{}, false, nil
	}
	if err != nil {
		return arbor.Memory{}, false, fmt.Errorf("load memory %s: %w", id, err)
	}
	return memory, true, nil
}

// Update rewrites a memory and refreshes its FTS row.
func (m *MemoryStore) Update(ctx context.Context, memory arbor.Memory) error {
	memory.Importance = clamp01(memory.Importance)

	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx,
		`UPDATE memories SET content = ?, memory_type = ?, importance = ?, updated_at = ?,
		 last_accessed_at = ?, access_count = ?, source = ?, channel_id = ?, forgotten = ?
		 WHERE id = ?`,
		memory.Content, string(memory.MemoryType), memory.Importance, unixMS(memory.UpdatedAt),
		unixMS(memory.LastAccessedAt), memory.AccessCount, nullable(memory.Source),
		nullable(string(memory.ChannelID)), boolInt(memory.Forgotten), memory.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", memory.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &arbor.ErrMemory{Op: "update", Message: "memory not found: " + memory.ID}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, memory.ID); err != nil {
		return fmt.Errorf("reindex memory %s: %w", memory.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories_fts(memory_id, content) VALUES (?, ?)`,
		memory.ID, memory.Content); err != nil {
		return fmt.Errorf("reindex memory %s: %w", memory.ID, err)
	}
	return tx.Commit()
}

// Delete removes a memory, its FTS row, its embedding, and (via cascade)
// all associations touching it.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	tx, err := m.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	// Cascade covers associations; FTS and embeddings are external tables.
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory fts %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("delete memory embedding %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM associations WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("delete memory associations %s: %w", id, err)
	}
	return tx.Commit()
}

// RecordAccess bumps last_accessed_at and atomically increments
// access_count.
func (m *MemoryStore) RecordAccess(ctx context.Context, id string) error {
	_, err := m.s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`,
		unixMS(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("record access %s: %w", id, err)
	}
	return nil
}

// CreateAssociation upserts on (source, target, relation), updating the
// weight when the edge already exists. Both endpoints must exist.
func (m *MemoryStore) CreateAssociation(ctx context.Context, a arbor.Association) error {
	for _, endpoint := range []string{a.SourceID, a.TargetID} {
		var one int
		err := m.s.db.QueryRowContext(ctx, `SELECT 1 FROM memories WHERE id = ?`, endpoint).Scan(&one)
		if err == sql.ErrNoRows {
			return &arbor.ErrMemory{Op: "associate", Message: "endpoint not found: " + endpoint}
		}
		if err != nil {
			return fmt.Errorf("check endpoint %s: %w", endpoint, err)
		}
	}

	a.Weight = clamp01(a.Weight)
	_, err := m.s.db.ExecContext(ctx,
		`INSERT INTO associations (id, source_id, target_id, relation_type, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, target_id, relation_type) DO UPDATE SET weight = excluded.weight`,
		a.ID, a.SourceID, a.TargetID, string(a.RelationType), a.Weight, unixMS(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create association %s->%s: %w", a.SourceID, a.TargetID, err)
	}
	return nil
}

// GetAssociations returns all edges touching a memory, incoming and
// outgoing.
func (m *MemoryStore) GetAssociations(ctx context.Context, memoryID string) ([]arbor.Association, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT id, source_id, target_id, relation_type, weight, created_at
		 FROM associations WHERE source_id = ? OR target_id = ?`,
		memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("get associations %s: %w", memoryID, err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

// GetAssociationsBetween returns edges whose endpoints are both in ids.
func (m *MemoryStore) GetAssociationsBetween(ctx context.Context, ids []string) ([]arbor.Association, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT id, source_id, target_id, relation_type, weight, created_at
		 FROM associations WHERE source_id IN (`+placeholders+`) AND target_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get associations between: %w", err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

// GetByType returns memories of one type, most important and newest first.
func (m *MemoryStore) GetByType(ctx context.Context, memoryType arbor.MemoryType, limit int) ([]arbor.Memory, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE memory_type = ? AND forgotten = 0
		 ORDER BY importance DESC, updated_at DESC LIMIT ?`,
		string(memoryType), limit)
	if err != nil {
		return nil, fmt.Errorf("get by type %s: %w", memoryType, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetHighImportance returns memories at or above a threshold.
func (m *MemoryStore) GetHighImportance(ctx context.Context, threshold float32, limit int) ([]arbor.Memory, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE importance >= ? AND forgotten = 0
		 ORDER BY importance DESC, updated_at DESC LIMIT ?`,
		threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("get high importance: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchContent matches content by substring, ranked by importance.
func (m *MemoryStore) SearchContent(ctx context.Context, query string, limit int) ([]arbor.Memory, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE content LIKE ? AND forgotten = 0
		 ORDER BY importance DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search content: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchFTS matches content through the FTS5 index and orders the matches
// by importance alone; the FTS5 match rank is not used for ordering. Falls
// back to SearchContent when the FTS query fails (punctuation-heavy user
// input).
func (m *MemoryStore) SearchFTS(ctx context.Context, query string, limit int) ([]arbor.Memory, error) {
	rows, err := m.s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE id IN (SELECT memory_id FROM memories_fts WHERE memories_fts MATCH ?)
		   AND forgotten = 0
		 ORDER BY importance DESC LIMIT ?`,
		ftsQuote(query), limit)
	if err != nil {
		return m.SearchContent(ctx, query, limit)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetSorted lists memories by the requested order, optionally filtered
// by type.
func (m *MemoryStore) GetSorted(ctx context.Context, sortBy arbor.MemorySort, limit int, memoryType *arbor.MemoryType) ([]arbor.Memory, error) {
	order := "importance DESC, updated_at DESC"
	switch sortBy {
	case arbor.SortByRecent:
		order = "created_at DESC"
	case arbor.SortByAccessed:
		order = "last_accessed_at DESC"
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE forgotten = 0`
	var args []any
	if memoryType != nil {
		query += ` AND memory_type = ?`
		args = append(args, string(*memoryType))
	}
	query += ` ORDER BY ` + order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := m.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get sorted: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetNeighbors walks the association graph breadth-first from id up to
// depth hops, excluding the given ids.
func (m *MemoryStore) GetNeighbors(ctx context.Context, id string, depth int, exclude []string) ([]arbor.Memory, error) {
	excluded := make(map[string]bool, len(exclude)+1)
	excluded[id] = true
	for _, e := range exclude {
		excluded[e] = true
	}

	type queued struct {
		id    string
		depth int
	}
	queue := []queued{{id: id, depth: 0}}
	visited := map[string]bool{id: true}
	var neighbors []arbor.Memory

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= depth {
			continue
		}

		associations, err := m.GetAssociations(ctx, current.id)
		if err != nil {
			return nil, err
		}
		for _, assoc := range associations {
			next := assoc.TargetID
			if next == current.id {
				next = assoc.SourceID
			}
			if visited[next] {
				continue
			}
			visited[next] = true

			if !excluded[next] {
				memory, ok, err := m.Load(ctx, next)
				if err != nil {
					return nil, err
				}
				if ok && !memory.Forgotten {
					neighbors = append(neighbors, memory)
				}
			}
			queue = append(queue, queued{id: next, depth: current.depth + 1})
		}
	}
	return neighbors, nil
}

// ListIDs returns non-forgotten memory ids, optionally restricted to
// those created or updated after since. The unrestricted (backfill)
// listing comes back most-important first.
func (m *MemoryStore) ListIDs(ctx context.Context, since *time.Time) ([]string, error) {
	var rows *sql.Rows
	var err error
	if since != nil {
		stamp := unixMS(*since)
		rows, err = m.s.db.QueryContext(ctx,
			`SELECT id FROM memories WHERE forgotten = 0 AND (created_at > ? OR updated_at > ?)
			 ORDER BY created_at DESC`, stamp, stamp)
	} else {
		rows, err = m.s.db.QueryContext(ctx,
			`SELECT id FROM memories WHERE forgotten = 0
			 ORDER BY importance DESC, created_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list memory ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- EmbeddingIndex ---

// EmbeddingIndex implements arbor.EmbeddingIndex with brute-force cosine
// similarity over JSON-encoded vectors.
type EmbeddingIndex struct {
	s *Store
}

var _ arbor.EmbeddingIndex = (*EmbeddingIndex)(nil)

// NewEmbeddingIndex creates the embedding facade over a Store.
func NewEmbeddingIndex(s *Store) *EmbeddingIndex {
	return &EmbeddingIndex{s: s}
}

// Upsert stores the embedding for a memory.
func (e *EmbeddingIndex) Upsert(ctx context.Context, memoryID string, vector []float32) error {
	_, err := e.s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_embeddings (memory_id, embedding) VALUES (?, ?)`,
		memoryID, serializeEmbedding(vector))
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", memoryID, err)
	}
	return nil
}

// Remove drops a memory's embedding.
func (e *EmbeddingIndex) Remove(ctx context.Context, memoryID string) error {
	_, err := e.s.db.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id = ?`, memoryID)
	return err
}

// Search returns the topK nearest memory ids by cosine similarity.
func (e *EmbeddingIndex) Search(ctx context.Context, vector []float32, topK int) ([]arbor.Neighbor, error) {
	neighbors, err := e.scanAll(ctx, "", vector)
	if err != nil {
		return nil, err
	}
	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	return neighbors, nil
}

// FindSimilar returns up to limit neighbors of a memory's own embedding
// above threshold, excluding the memory itself.
func (e *EmbeddingIndex) FindSimilar(ctx context.Context, memoryID string, threshold float32, limit int) ([]arbor.Neighbor, error) {
	var embText string
	err := e.s.db.QueryRowContext(ctx,
		`SELECT embedding FROM memory_embeddings WHERE memory_id = ?`, memoryID).Scan(&embText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load embedding %s: %w", memoryID, err)
	}
	vector, err := deserializeEmbedding(embText)
	if err != nil {
		return nil, fmt.Errorf("decode embedding %s: %w", memoryID, err)
	}

	neighbors, err := e.scanAll(ctx, memoryID, vector)
	if err != nil {
		return nil, err
	}
	var filtered []arbor.Neighbor
	for _, n := range neighbors {
		if n.Similarity >= threshold {
			filtered = append(filtered, n)
		}
		if len(filtered) >= limit {
			break
		}
	}
	return filtered, nil
}

// scanAll brute-forces cosine similarity over the whole table, skipping
// excludeID, sorted descending.
func (e *EmbeddingIndex) scanAll(ctx context.Context, excludeID string, vector []float32) ([]arbor.Neighbor, error) {
	rows, err := e.s.db.QueryContext(ctx, `SELECT memory_id, embedding FROM memory_embeddings`)
	if err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	var neighbors []arbor.Neighbor
	for rows.Next() {
		var id, embText string
		if err := rows.Scan(&id, &embText); err != nil {
			return nil, err
		}
		if id == excludeID {
			continue
		}
		stored, err := deserializeEmbedding(embText)
		if err != nil {
			continue
		}
		neighbors = append(neighbors, arbor.Neighbor{ID: id, Similarity: cosineSimilarity(vector, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Similarity > neighbors[j].Similarity
	})
	return neighbors, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (arbor.Memory, error) {
	var m arbor.Memory
	var memType string
	var createdAt, updatedAt, accessedAt int64
	var source, channelID sql.NullString
	var forgotten int
	err := row.Scan(&m.ID, &m.Content, &memType, &m.Importance,
		&createdAt, &updatedAt, &accessedAt, &m.AccessCount,
		&source, &channelID, &forgotten)
	if err != nil {
		return arbor.Memory{}, err
	}
	m.MemoryType = arbor.ParseMemoryType(memType)
	m.CreatedAt = fromUnixMS(createdAt)
	m.UpdatedAt = fromUnixMS(updatedAt)
	m.LastAccessedAt = fromUnixMS(accessedAt)
	m.Source = source.String
	m.ChannelID = channelID.String
	m.Forgotten = forgotten != 0
	return m, nil
}

func scanMemories(rows *sql.Rows) ([]arbor.Memory, error) {
	var memories []arbor.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanAssociations(rows *sql.Rows) ([]arbor.Association, error) {
	var associations []arbor.Association
	for rows.Next() {
		var a arbor.Association
		var relation string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.SourceID, &a.TargetID, &relation, &a.Weight, &createdAt); err != nil {
			return nil, err
		}
		a.RelationType = arbor.ParseRelationType(relation)
		a.CreatedAt = fromUnixMS(createdAt)
		associations = append(associations, a)
	}
	return associations, rows.Err()
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ftsQuote wraps a user query so FTS5 treats it as literal terms.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
