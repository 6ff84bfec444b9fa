// Package postgres implements arbor.MemoryStore using PostgreSQL via
// pgx. The memory graph lives in relational tables; content search uses
// ILIKE. Deployments that already run Postgres use this in place of the
// SQLite store.
//
// The store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	arbor "github.com/okvist/arbor"
)

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *MemoryStore) { s.logger = l }
}

// MemoryStore implements arbor.MemoryStore backed by PostgreSQL.
type MemoryStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ arbor.MemoryStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewMemoryStore(pool *pgxpool.Pool, opts ...Option) *MemoryStore {
	s := &MemoryStore{pool: pool, logger: arbor.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the memories and associations tables and their indexes.
// Safe to call multiple times.
func (s *MemoryStore) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_accessed_at TIMESTAMPTZ NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0,
			source TEXT,
			channel_id TEXT,
			forgotten BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS associations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			relation_type TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(source_id, target_id, relation_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_source ON associations(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_target ON associations(target_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: memory init: %w", err)
		}
	}
	s.logger.Info("postgres: memory init completed", "duration", time.Since(start))
	return nil
}

const memoryColumns = `id, content, memory_type, importance, created_at, updated_at,
	last_accessed_at, access_count, COALESCE(source, ''), COALESCE(channel_id, ''), forgotten`

// Save inserts a new memory.
func (s *MemoryStore) Save(ctx context.Context, m arbor.Memory) error {
	m.Importance = clamp01(m.Importance)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, content, memory_type, importance, created_at, updated_at,
		   last_accessed_at, access_count, source, channel_id, forgotten)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)`,
		m.ID, m.Content, string(m.MemoryType), m.Importance, m.CreatedAt, m.UpdatedAt,
		m.LastAccessedAt, m.AccessCount, m.Source, string(m.ChannelID), m.Forgotten)
	if err != nil {
		return fmt.Errorf("save memory %s: %w", m.ID, err)
	}
	return nil
}

// Load fetches a memory by id.
func (s *MemoryStore) Load(ctx context.Context, id string) (arbor.Memory, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err == pgx.ErrNoRows {
		return arbor.Memory{}, false, nil
	}
	if err != nil {
		return arbor.Memory{}, false, fmt.Errorf("load memory %s: %w", id, err)
	}
	return m, true, nil
}

// Update rewrites a memory.
func (s *MemoryStore) Update(ctx context.Context, m arbor.Memory) error {
	m.Importance = clamp01(m.Importance)
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET content = $1, memory_type = $2, importance = $3, updated_at = $4,
		   last_accessed_at = $5, access_count = $6, source = NULLIF($7, ''),
		   channel_id = NULLIF($8, ''), forgotten = $9
		 WHERE id = $10`,
		m.Content, string(m.MemoryType), m.Importance, m.UpdatedAt,
		m.LastAccessedAt, m.AccessCount, m.Source, string(m.ChannelID), m.Forgotten, m.ID)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &arbor.ErrMemory{Op: "update", Message: "memory not found: " + m.ID}
	}
	return nil
}

// Delete removes a memory; associations cascade.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	return nil
}

// RecordAccess bumps last_accessed_at and increments access_count.
func (s *MemoryStore) RecordAccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET last_accessed_at = NOW(), access_count = access_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record access %s: %w", id, err)
	}
	return nil
}

// CreateAssociation upserts on (source, target, relation).
func (s *MemoryStore) CreateAssociation(ctx context.Context, a arbor.Association) error {
	a.Weight = clamp01(a.Weight)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO associations (id, source_id, target_id, relation_type, weight, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id, target_id, relation_type) DO UPDATE SET weight = EXCLUDED.weight`,
		a.ID, a.SourceID, a.TargetID, string(a.RelationType), a.Weight, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create association %s->%s: %w", a.SourceID, a.TargetID, err)
	}
	return nil
}

// GetAssociations returns all edges touching a memory.
func (s *MemoryStore) GetAssociations(ctx context.Context, memoryID string) ([]arbor.Association, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation_type, weight, created_at
		 FROM associations WHERE source_id = $1 OR target_id = $1`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("get associations %s: %w", memoryID, err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

// GetAssociationsBetween returns edges whose endpoints are both in ids.
func (s *MemoryStore) GetAssociationsBetween(ctx context.Context, ids []string) ([]arbor.Association, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation_type, weight, created_at
		 FROM associations WHERE source_id = ANY($1) AND target_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get associations between: %w", err)
	}
	defer rows.Close()
	return scanAssociations(rows)
}

// GetByType returns memories of one type.
func (s *MemoryStore) GetByType(ctx context.Context, memoryType arbor.MemoryType, limit int) ([]arbor.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE memory_type = $1 AND NOT forgotten
		 ORDER BY importance DESC, updated_at DESC LIMIT $2`,
		string(memoryType), limit)
	if err != nil {
		return nil, fmt.Errorf("get by type %s: %w", memoryType, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetHighImportance returns memories at or above a threshold.
func (s *MemoryStore) GetHighImportance(ctx context.Context, threshold float32, limit int) ([]arbor.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE importance >= $1 AND NOT forgotten
		 ORDER BY importance DESC, updated_at DESC LIMIT $2`,
		threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("get high importance: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchContent matches content case-insensitively, ranked by importance.
func (s *MemoryStore) SearchContent(ctx context.Context, query string, limit int) ([]arbor.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE content ILIKE $1 AND NOT forgotten
		 ORDER BY importance DESC LIMIT $2`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search content: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetSorted lists memories by the requested order.
func (s *MemoryStore) GetSorted(ctx context.Context, sortBy arbor.MemorySort, limit int, memoryType *arbor.MemoryType) ([]arbor.Memory, error) {
	order := "importance DESC, updated_at DESC"
	switch sortBy {
	case arbor.SortByRecent:
		order = "created_at DESC"
	case arbor.SortByAccessed:
		order = "last_accessed_at DESC"
	}
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE NOT forgotten`
	args := []any{}
	if memoryType != nil {
		query += ` AND memory_type = $1 ORDER BY ` + order + ` LIMIT $2`
		args = append(args, string(*memoryType), limit)
	} else {
		query += ` ORDER BY ` + order + ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get sorted: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetNeighbors walks the association graph breadth-first.
func (s *MemoryStore) GetNeighbors(ctx context.Context, id string, depth int, exclude []string) ([]arbor.Memory, error) {
	excluded := make(map[string]bool, len(exclude)+1)
	excluded[id] = true
	for _, e := range exclude {
		excluded[e] = true
	}

	type queued struct {
		id    string
		depth int
	}
	queue := []queued{{id: id}}
	visited := map[string]bool{id: true}
	var neighbors []arbor.Memory

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= depth {
			continue
		}
		associations, err := s.GetAssociations(ctx, current.id)
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
				memory, ok, err := s.Load(ctx, next)
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

// ListIDs returns non-forgotten memory ids, optionally restricted by
// recency.
func (s *MemoryStore) ListIDs(ctx context.Context, since *time.Time) ([]string, error) {
	var rows pgx.Rows
	var err error
	if since != nil {
		rows, err = s.pool.Query(ctx,
			`SELECT id FROM memories WHERE NOT forgotten AND (created_at > $1 OR updated_at > $1)
			 ORDER BY created_at DESC`, *since)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id FROM memories WHERE NOT forgotten ORDER BY importance DESC, created_at DESC`)
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

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (arbor.Memory, error) {
	var m arbor.Memory
	var memType, source, channelID string
	err := row.Scan(&m.ID, &m.Content, &memType, &m.Importance,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount,
		&source, &channelID, &m.Forgotten)
	if err != nil {
		return arbor.Memory{}, err
	}
	m.MemoryType = arbor.ParseMemoryType(memType)
	m.Source = source
	m.ChannelID = channelID
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]arbor.Memory, error) {
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

func scanAssociations(rows pgx.Rows) ([]arbor.Association, error) {
	var associations []arbor.Association
	for rows.Next() {
		var a arbor.Association
		var relation string
		if err := rows.Scan(&a.ID, &a.SourceID, &a.TargetID, &relation, &a.Weight, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RelationType = arbor.ParseRelationType(relation)
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
