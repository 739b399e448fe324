package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/game_launcher/internal/storage"
)

// Fixed-width so that started_at orders lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// TaskRepository implements storage.TaskJournal on SQLite.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// RecordTaskStarted inserts a task row, replacing any previous row with the same id.
func (r *TaskRepository) RecordTaskStarted(ctx context.Context, record storage.TaskRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, kind, game_id, state, started_at, instance_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			instance_id = excluded.instance_id`,
		record.TaskID, record.Kind, record.GameID, record.State,
		record.StartedAt.UTC().Format(timeLayout), record.InstanceID,
	)

	return err
}

// RecordTaskFinished stores the terminal state of a task.
func (r *TaskRepository) RecordTaskFinished(ctx context.Context, taskID, state, errMsg string, finishedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, error = ?, finished_at = ? WHERE task_id = ?`,
		state, nullString(errMsg), finishedAt.UTC().Format(timeLayout), taskID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("task %s is not journaled", taskID)
	}

	return nil
}

// ListTasks returns the most recently started tasks first.
func (r *TaskRepository) ListTasks(ctx context.Context, limit int) ([]storage.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			task_id,
			kind,
			game_id,
			state,
			error,
			started_at,
			finished_at,
			instance_id
		FROM tasks
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var records []storage.TaskRecord

	for rows.Next() {
		var (
			record     storage.TaskRecord
			errMsg     sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)

		if err := rows.Scan(&record.TaskID, &record.Kind, &record.GameID, &record.State,
			&errMsg, &startedAt, &finishedAt, &record.InstanceID); err != nil {
			return nil, err
		}

		record.Error = errMsg.String

		if record.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("task %s: invalid started_at: %w", record.TaskID, err)
		}

		if finishedAt.Valid {
			if record.FinishedAt, err = time.Parse(timeLayout, finishedAt.String); err != nil {
				return nil, fmt.Errorf("task %s: invalid finished_at: %w", record.TaskID, err)
			}
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// MarkInterrupted closes RUNNING and PENDING rows that belong to other instances.
func (r *TaskRepository) MarkInterrupted(ctx context.Context, instanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, finished_at = ?
		WHERE state IN ('PENDING', 'RUNNING') AND instance_id != ?`,
		storage.StateInterrupted, time.Now().UTC().Format(timeLayout), instanceID,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
