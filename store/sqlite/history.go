package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	arbor "github.com/okvist/arbor"
)

// ConversationLog implements arbor.ConversationLogger. Writes spawn a
// goroutine and return immediately; failures log at warn and are
// swallowed.
type ConversationLog struct {
	s *Store
}

var _ arbor.ConversationLogger = (*ConversationLog)(nil)

// NewConversationLog creates the conversation facade over a Store.
func NewConversationLog(s *Store) *ConversationLog {
	return &ConversationLog{s: s}
}

// LogUserMessage persists a user message. Fire-and-forget.
func (l *ConversationLog) LogUserMessage(channelID arbor.ChannelID, senderName, senderID, content string, metadata map[string]any) {
	id := arbor.NewID()
	now := unixMS(time.Now().UTC())
	var metaJSON any
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			metaJSON = string(data)
		}
	}
	l.s.spawn("log user message", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`INSERT INTO conversation_messages (id, channel_id, role, sender_name, sender_id, content, metadata, created_at)
			 VALUES (?, ?, 'user', ?, ?, ?, ?, ?)`,
			id, channelID, nullable(senderName), nullable(senderID), content, metaJSON, now)
		return err
	})
}

// LogAssistantMessage persists an assistant message. Fire-and-forget.
func (l *ConversationLog) LogAssistantMessage(channelID arbor.ChannelID, content, senderName string) {
	id := arbor.NewID()
	now := unixMS(time.Now().UTC())
	l.s.spawn("log assistant message", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`INSERT INTO conversation_messages (id, channel_id, role, sender_name, content, created_at)
			 VALUES (?, ?, 'assistant', ?, ?, ?)`,
			id, channelID, nullable(senderName), content, now)
		return err
	})
}

// LoadRecent returns the newest messages for a channel, reversed to
// chronological order.
func (l *ConversationLog) LoadRecent(ctx context.Context, channelID arbor.ChannelID, limit int) ([]arbor.ConversationMessage, error) {
	rows, err := l.s.db.QueryContext(ctx,
		`SELECT id, channel_id, role, sender_name, sender_id, content, metadata, created_at
		 FROM conversation_messages WHERE channel_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	defer rows.Close()

	var messages []arbor.ConversationMessage
	for rows.Next() {
		var m arbor.ConversationMessage
		var senderName, senderID, metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.Role, &senderName, &senderID, &m.Content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderName = senderName.String
		m.SenderID = senderID.String
		m.Metadata = metadata.String
		m.CreatedAt = fromUnixMS(createdAt)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// RunLog implements arbor.ProcessRunLogger: branch runs, worker runs,
// transcripts, and the unified channel timeline.
type RunLog struct {
	s *Store
}

var _ arbor.ProcessRunLogger = (*RunLog)(nil)

// NewRunLog creates the run-log facade over a Store.
func NewRunLog(s *Store) *RunLog {
	return &RunLog{s: s}
}

// LogBranchStarted records a branch start. Fire-and-forget.
func (l *RunLog) LogBranchStarted(channelID arbor.ChannelID, branchID arbor.BranchID, description string) {
	now := unixMS(time.Now().UTC())
	l.s.spawn("log branch started", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO branch_runs (id, channel_id, description, started_at) VALUES (?, ?, ?, ?)`,
			branchID, channelID, description, now)
		return err
	})
}

// LogBranchCompleted records a branch conclusion. Fire-and-forget.
func (l *RunLog) LogBranchCompleted(branchID arbor.BranchID, conclusion string) {
	now := unixMS(time.Now().UTC())
	l.s.spawn("log branch completed", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`UPDATE branch_runs SET conclusion = ?, completed_at = ? WHERE id = ?`,
			conclusion, now, branchID)
		return err
	})
}

// LogWorkerStarted records a worker start. channelID is empty for
// task-pickup workers. Fire-and-forget.
func (l *RunLog) LogWorkerStarted(channelID arbor.ChannelID, workerID arbor.WorkerID, task, workerType string, agentID arbor.AgentID) {
	now := unixMS(time.Now().UTC())
	l.s.spawn("log worker started", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO worker_runs (id, channel_id, agent_id, task, worker_type, started_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			workerID, nullable(string(channelID)), agentID, task, workerType, now)
		return err
	})
}

// LogWorkerCompleted records a worker result. Fire-and-forget.
func (l *RunLog) LogWorkerCompleted(workerID arbor.WorkerID, result string, success bool) {
	status := "done"
	if !success {
		status = "failed"
	}
	now := unixMS(time.Now().UTC())
	l.s.spawn("log worker completed", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`UPDATE worker_runs SET result = ?, status = ?, completed_at = ? WHERE id = ?`,
			result, status, now, workerID)
		return err
	})
}

// LogWorkerTranscript stores the compressed transcript blob and tool
// call count. Fire-and-forget.
func (l *RunLog) LogWorkerTranscript(workerID arbor.WorkerID, transcript []byte, toolCalls int64) {
	l.s.spawn("log worker transcript", func(ctx context.Context) error {
		_, err := l.s.db.ExecContext(ctx,
			`UPDATE worker_runs SET transcript = ?, tool_calls = ? WHERE id = ?`,
			transcript, toolCalls, workerID)
		return err
	})
}

// LoadChannelTimeline returns messages, branch runs, and worker runs for
// a channel interleaved chronologically. Pagination is keyset: when
// before is non-nil only items strictly older are returned; the query
// runs newest-first and the page is reversed to chronological order.
func (l *RunLog) LoadChannelTimeline(ctx context.Context, channelID arbor.ChannelID, limit int, before *time.Time) ([]arbor.TimelineItem, error) {
	query := `SELECT * FROM (
		SELECT 'message' AS item_type, id, role, sender_name, sender_id, content,
		       NULL AS description, NULL AS conclusion, NULL AS task, NULL AS result, NULL AS status,
		       created_at AS ts, NULL AS completed_at
		FROM conversation_messages WHERE channel_id = ?1
		UNION ALL
		SELECT 'branch_run', id, NULL, NULL, NULL, NULL,
		       description, conclusion, NULL, NULL, NULL,
		       started_at, completed_at
		FROM branch_runs WHERE channel_id = ?1
		UNION ALL
		SELECT 'worker_run', id, NULL, NULL, NULL, NULL,
		       NULL, NULL, task, result, status,
		       started_at, completed_at
		FROM worker_runs WHERE channel_id = ?1
	)`
	args := []any{channelID}
	if before != nil {
		query += ` WHERE ts < ?2 ORDER BY ts DESC LIMIT ?3`
		args = append(args, unixMS(*before), limit)
	} else {
		query += ` ORDER BY ts DESC LIMIT ?2`
		args = append(args, limit)
	}

	rows, err := l.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load channel timeline: %w", err)
	}
	defer rows.Close()

	var items []arbor.TimelineItem
	for rows.Next() {
		var itemType, id string
		var role, senderName, senderID, content sql.NullString
		var description, conclusion, task, result, status sql.NullString
		var ts int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&itemType, &id, &role, &senderName, &senderID, &content,
			&description, &conclusion, &task, &result, &status, &ts, &completedAt); err != nil {
			return nil, fmt.Errorf("scan timeline item: %w", err)
		}

		item := arbor.TimelineItem{
			Type:      arbor.TimelineItemType(itemType),
			ID:        id,
			Timestamp: fromUnixMS(ts),
		}
		if completedAt.Valid {
			t := fromUnixMS(completedAt.Int64)
			item.CompletedAt = &t
		}
		switch item.Type {
		case arbor.TimelineMessage:
			item.Role = role.String
			item.SenderName = senderName.String
			item.SenderID = senderID.String
			item.Content = content.String
		case arbor.TimelineBranchRun:
			item.Description = description.String
			item.Conclusion = conclusion.String
		case arbor.TimelineWorkerRun:
			item.Task = task.String
			item.Result = result.String
			item.Status = status.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// ListWorkerRuns lists runs for an agent, newest first, without the
// transcript blob.
func (l *RunLog) ListWorkerRuns(ctx context.Context, agentID arbor.AgentID, limit, offset int, statusFilter string) ([]arbor.WorkerRunSummary, int64, error) {
	countQuery := `SELECT COUNT(*) FROM worker_runs WHERE agent_id = ?`
	listQuery := `SELECT id, task, status, worker_type, channel_id, started_at, completed_at,
		transcript IS NOT NULL, tool_calls
		FROM worker_runs WHERE agent_id = ?`
	countArgs := []any{agentID}
	listArgs := []any{agentID}
	if statusFilter != "" {
		countQuery += ` AND status = ?`
		listQuery += ` AND status = ?`
		countArgs = append(countArgs, statusFilter)
		listArgs = append(listArgs, statusFilter)
	}
	listQuery += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	listArgs = append(listArgs, limit, offset)

	var total int64
	if err := l.s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count worker runs: %w", err)
	}

	rows, err := l.s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list worker runs: %w", err)
	}
	defer rows.Close()

	var runs []arbor.WorkerRunSummary
	for rows.Next() {
		var r arbor.WorkerRunSummary
		var channelID sql.NullString
		var startedAt int64
		var completedAt sql.NullInt64
		var hasTranscript bool
		if err := rows.Scan(&r.ID, &r.Task, &r.Status, &r.WorkerType, &channelID,
			&startedAt, &completedAt, &hasTranscript, &r.ToolCalls); err != nil {
			return nil, 0, fmt.Errorf("scan worker run: %w", err)
		}
		r.ChannelID = channelID.String
		r.StartedAt = fromUnixMS(startedAt)
		if completedAt.Valid {
			t := fromUnixMS(completedAt.Int64)
			r.CompletedAt = &t
		}
		r.HasTranscript = hasTranscript
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// GetWorkerDetail returns one run including the transcript blob.
func (l *RunLog) GetWorkerDetail(ctx context.Context, agentID arbor.AgentID, workerID arbor.WorkerID) (arbor.WorkerRunDetail, bool, error) {
	row := l.s.db.QueryRowContext(ctx,
		`SELECT id, task, result, status, worker_type, channel_id, started_at, completed_at, transcript, tool_calls
		 FROM worker_runs WHERE agent_id = ? AND id = ?`,
		agentID, workerID)

	var d arbor.WorkerRunDetail
	var result, channelID sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64
	var transcript []byte
	err := row.Scan(&d.ID, &d.Task, &result, &d.Status, &d.WorkerType, &channelID,
		&startedAt, &completedAt, &transcript, &d.ToolCalls)
	if err == sql.ErrNoRows {
		return arbor.WorkerRunDetail{}, false, nil
	}
	if err != nil {
		return arbor.WorkerRunDetail{}, false, fmt.Errorf("get worker detail: %w", err)
	}
	d.Result = result.String
	d.ChannelID = channelID.String
	d.StartedAt = fromUnixMS(startedAt)
	if completedAt.Valid {
		t := fromUnixMS(completedAt.Int64)
		d.CompletedAt = &t
	}
	d.Transcript = transcript
	d.HasTranscript = len(transcript) > 0
	return d, true, nil
}
