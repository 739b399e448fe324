package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"
)

// StateInterrupted marks tasks whose process ended before they reached a terminal state.
const StateInterrupted = "INTERRUPTED"

// TaskRecord is one row of the task journal.
type TaskRecord struct {
	TaskID     string
	Kind       string
	GameID     string
	State      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	InstanceID string
}

// TaskJournal records the history of download and delete tasks.
type TaskJournal interface {
	RecordTaskStarted(ctx context.Context, record TaskRecord) error
	RecordTaskFinished(ctx context.Context, taskID, state, errMsg string, finishedAt time.Time) error
	ListTasks(ctx context.Context, limit int) ([]TaskRecord, error)
	// MarkInterrupted closes RUNNING rows left by other processes and returns how many it changed.
	MarkInterrupted(ctx context.Context, instanceID string) (int64, error)
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random)
func GenerateInstanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
