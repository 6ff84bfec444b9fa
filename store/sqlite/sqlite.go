// Package sqlite implements arbor's persistence contracts using pure-Go
// SQLite: the memory graph with FTS5 and in-process vector search, the
// conversation and process-run logs, cortex events, agent profiles, and
// the task queue. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	arbor "github.com/okvist/arbor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. The store logs at
// debug on open and on each memory save (with its duration), at info when
// Init completes, and at warn when a fire-and-forget write fails.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store is the shared SQLite handle behind all per-concern facades
// (MemoryStore, EmbeddingIndex, ConversationLog, RunLog, CortexLog,
// TaskStore).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors from concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: arbor.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle for facades and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			source TEXT,
			channel_id TEXT,
			forgotten INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS associations (
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			relation_type TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 0.5,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
			FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE,
			UNIQUE(source_id, target_id, relation_type)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			memory_id TEXT PRIMARY KEY,
			embedding TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			role TEXT NOT NULL,
			sender_name TEXT,
			sender_id TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS branch_runs (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			description TEXT NOT NULL,
			conclusion TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS worker_runs (
			id TEXT PRIMARY KEY,
			channel_id TEXT,
			agent_id TEXT NOT NULL,
			task TEXT NOT NULL,
			result TEXT,
			status TEXT NOT NULL DEFAULT 'running',
			worker_type TEXT NOT NULL DEFAULT 'builtin',
			transcript BLOB,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS cortex_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			details TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_profile (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT,
			status TEXT,
			bio TEXT,
			avatar_seed TEXT,
			generated_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			agent_id TEXT NOT NULL,
			task_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL DEFAULT 'backlog',
			priority TEXT NOT NULL DEFAULT 'normal',
			subtasks TEXT,
			worker_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (agent_id, task_number)
		)`,
		`CREATE TABLE IF NOT EXISTS cron_jobs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			schedule TEXT NOT NULL,
			prompt TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cron_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			result TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_files (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			path TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_progress (
			file_id TEXT PRIMARY KEY,
			processed INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_importance ON memories(importance)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_source ON associations(source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_associations_target ON associations(target_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON conversation_messages(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_branch_runs_channel ON branch_runs(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_channel ON worker_runs(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_agent ON worker_runs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cortex_events_type ON cortex_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(agent_id, status)`,
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	// FTS5 full-text index over memory content.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, content)`); err != nil {
		return fmt.Errorf("create memories fts: %w", err)
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- shared helpers ---

// serializeEmbedding encodes a vector as a JSON array string.
func serializeEmbedding(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// deserializeEmbedding decodes a JSON array string into a vector.
func deserializeEmbedding(text string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
// Returns 0 when dimensions differ or either vector is zero.
func cosineSimilarity(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// unixMS converts a time to the stored millisecond stamp.
func unixMS(t time.Time) int64 { return t.UnixMilli() }

// fromUnixMS converts a stored stamp back to UTC time.
func fromUnixMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// spawn runs a fire-and-forget write, logging failures at warn.
func (s *Store) spawn(op string, fn func(ctx context.Context) error) {
	go func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("sqlite: fire-and-forget write failed", "op", op, "error", err)
		}
	}()
}
