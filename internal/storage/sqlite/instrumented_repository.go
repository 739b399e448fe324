package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/game_launcher/internal/storage"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

// InstrumentedTaskRepository wraps TaskRepository with telemetry.
type InstrumentedTaskRepository struct {
	repo      *TaskRepository
	telemetry *telemetry.Telemetry
}

var _ storage.TaskJournal = (*InstrumentedTaskRepository)(nil)

func NewInstrumentedTaskRepository(db *sql.DB, tel *telemetry.Telemetry) *InstrumentedTaskRepository {
	return &InstrumentedTaskRepository{
		repo:      NewTaskRepository(db),
		telemetry: tel,
	}
}

func (r *InstrumentedTaskRepository) RecordTaskStarted(ctx context.Context, record storage.TaskRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_task_started", func(ctx context.Context) error {
		return r.repo.RecordTaskStarted(ctx, record)
	})
}

func (r *InstrumentedTaskRepository) RecordTaskFinished(ctx context.Context, taskID, state, errMsg string, finishedAt time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_task_finished", func(ctx context.Context) error {
		return r.repo.RecordTaskFinished(ctx, taskID, state, errMsg, finishedAt)
	})
}

// ListTasks retrieves the journal with telemetry.
func (r *InstrumentedTaskRepository) ListTasks(ctx context.Context, limit int) ([]storage.TaskRecord, error) {
	var result []storage.TaskRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_tasks", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListTasks(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedTaskRepository) MarkInterrupted(ctx context.Context, instanceID string) (int64, error) {
	var affected int64

	err := r.telemetry.InstrumentDBOperation(ctx, "mark_interrupted", func(ctx context.Context) error {
		var err error

		affected, err = r.repo.MarkInterrupted(ctx, instanceID)

		return err
	})

	return affected, err
}
