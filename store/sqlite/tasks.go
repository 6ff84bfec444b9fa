package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	arbor "github.com/okvist/arbor"
)

// TaskStore implements arbor.TaskStore. Task numbers are agent-scoped
// and monotonic; ClaimNextReady is atomic under concurrent callers.
type TaskStore struct {
	s *Store
}

var _ arbor.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates the task facade over a Store.
func NewTaskStore(s *Store) *TaskStore {
	return &TaskStore{s: s}
}

// Create inserts a task with the next agent-scoped task number.
func (t *TaskStore) Create(ctx context.Context, agentID arbor.AgentID, input arbor.CreateTaskInput) (arbor.Task, error) {
	now := time.Now().UTC()
	status := input.Status
	if status == "" {
		status = arbor.TaskBacklog
	}
	priority := input.Priority
	if priority == "" {
		priority = "normal"
	}
	var subtasksJSON any
	if len(input.Subtasks) > 0 {
		data, err := json.Marshal(input.Subtasks)
		if err != nil {
			return arbor.Task{}, fmt.Errorf("marshal subtasks: %w", err)
		}
		subtasksJSON = string(data)
	}

	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return arbor.Task{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(task_number), 0) + 1 FROM tasks WHERE agent_id = ?`, agentID).Scan(&next); err != nil {
		return arbor.Task{}, fmt.Errorf("next task number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (agent_id, task_number, title, description, status, priority, subtasks, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agentID, next, input.Title, nullable(input.Description), string(status), priority,
		subtasksJSON, unixMS(now), unixMS(now))
	if err != nil {
		return arbor.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return arbor.Task{}, fmt.Errorf("commit task: %w", err)
	}

	return arbor.Task{
		TaskNumber:  next,
		AgentID:     agentID,
		Title:       input.Title,
		Description: input.Description,
		Status:      status,
		Priority:    priority,
		Subtasks:    input.Subtasks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const taskColumns = `agent_id, task_number, title, description, status, priority, subtasks, worker_id, created_at, updated_at`

// Get fetches one task.
func (t *TaskStore) Get(ctx context.Context, agentID arbor.AgentID, taskNumber int64) (arbor.Task, bool, error) {
	row := t.s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? AND task_number = ?`,
		agentID, taskNumber)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return arbor.Task{}, false, nil
	}
	if err != nil {
		return arbor.Task{}, false, fmt.Errorf("get task #%d: %w", taskNumber, err)
	}
	return task, true, nil
}

// List returns tasks for an agent, optionally filtered by status, newest
// first.
func (t *TaskStore) List(ctx context.Context, agentID arbor.AgentID, status *arbor.TaskStatus, limit int) ([]arbor.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE agent_id = ?`
	args := []any{agentID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY task_number DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []arbor.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update applies a partial update.
func (t *TaskStore) Update(ctx context.Context, agentID arbor.AgentID, taskNumber int64, input arbor.UpdateTaskInput) error {
	sets := []string{"updated_at = ?"}
	args := []any{unixMS(time.Now().UTC())}

	if input.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*input.Status))
	}
	if input.ClearWorkerID {
		sets = append(sets, "worker_id = NULL")
	} else if input.WorkerID != nil {
		sets = append(sets, "worker_id = ?")
		args = append(args, *input.WorkerID)
	}
	if input.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *input.Title)
	}
	if input.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *input.Description)
	}
	args = append(args, agentID, taskNumber)

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE agent_id = ? AND task_number = ?`
	result, err := t.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task #%d: %w", taskNumber, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update task #%d: not found", taskNumber)
	}
	return nil
}

// ClaimNextReady atomically transitions the oldest Ready task to
// InProgress and returns it. The guarded UPDATE makes the claim
// at-most-once: with concurrent callers, each Ready task is returned to
// exactly one of them.
func (t *TaskStore) ClaimNextReady(ctx context.Context, agentID arbor.AgentID) (arbor.Task, bool, error) {
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return arbor.Task{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT task_number FROM tasks WHERE agent_id = ? AND status = ?
		 ORDER BY task_number ASC LIMIT 1`,
		agentID, string(arbor.TaskReady))
	var taskNumber int64
	err = row.Scan(&taskNumber)
	if err == sql.ErrNoRows {
		return arbor.Task{}, false, nil
	}
	if err != nil {
		return arbor.Task{}, false, fmt.Errorf("select ready task: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE agent_id = ? AND task_number = ? AND status = ?`,
		string(arbor.TaskInProgress), unixMS(time.Now().UTC()),
		agentID, taskNumber, string(arbor.TaskReady))
	if err != nil {
		return arbor.Task{}, false, fmt.Errorf("claim task #%d: %w", taskNumber, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Another claimer won the race inside this window.
		return arbor.Task{}, false, nil
	}

	claimedRow := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? AND task_number = ?`,
		agentID, taskNumber)
	task, err := scanTask(claimedRow)
	if err != nil {
		return arbor.Task{}, false, fmt.Errorf("reload claimed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return arbor.Task{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return task, true, nil
}

func scanTask(row rowScanner) (arbor.Task, error) {
	var task arbor.Task
	var description, subtasks, workerID sql.NullString
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&task.AgentID, &task.TaskNumber, &task.Title, &description,
		&status, &task.Priority, &subtasks, &workerID, &createdAt, &updatedAt)
	if err != nil {
		return arbor.Task{}, err
	}
	task.Description = description.String
	task.Status = arbor.TaskStatus(status)
	task.WorkerID = workerID.String
	task.CreatedAt = fromUnixMS(createdAt)
	task.UpdatedAt = fromUnixMS(updatedAt)
	if subtasks.Valid && subtasks.String != "" {
		_ = json.Unmarshal([]byte(subtasks.String), &task.Subtasks)
	}
	return task, nil
}
