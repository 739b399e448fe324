package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/model"
)

type Kind string

const (
	KindDownload Kind = "download"
	KindDelete   Kind = "delete"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	}

	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, candidate := range []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled} {
		if candidate.String() == string(b) {
			*s = candidate

			return nil
		}
	}

	return fmt.Errorf("unknown task state %q", b)
}

// Update is one observation of a task's progress.
type Update struct {
	State         State
	Progress      float64
	Indeterminate bool
}

// Info is a point-in-time copy of a Task.
type Info struct {
	ID            string               `json:"id"`
	Kind          Kind                 `json:"kind"`
	Target        model.GameIdentifier `json:"target"`
	State         State                `json:"state"`
	Progress      float64              `json:"progress"`
	Indeterminate bool                 `json:"indeterminate,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	FinishedAt    time.Time            `json:"finished_at,omitempty"`
}

// Task is one download or delete invocation. It is never reused: a retry is a new Task.
type Task struct {
	id        string
	kind      Kind
	target    model.GameIdentifier
	op        Operation
	lease     *game.Lease
	ctx       context.Context
	cancel    context.CancelFunc
	createdAt time.Time
	done      chan struct{}
	updates   chan Update

	mu            sync.RWMutex
	state         State
	progress      float64
	indeterminate bool
	err           error
	startedAt     time.Time
	finishedAt    time.Time
}

func newTask(ctx context.Context, op Operation, lease *game.Lease) *Task {
	ctx, cancel := context.WithCancel(ctx)

	return &Task{
		id:        uuid.New().String(),
		kind:      op.Kind(),
		target:    op.Target(),
		op:        op,
		lease:     lease,
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		updates:   make(chan Update, 1),
	}
}

func (t *Task) ID() string {
	return t.id
}

func (t *Task) Kind() Kind {
	return t.kind
}

func (t *Task) Target() model.GameIdentifier {
	return t.target
}

// Lease is the exclusion token the task holds on its target.
func (t *Task) Lease() *game.Lease {
	return t.lease
}

func (t *Task) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.state
}

// Progress is the completed fraction in [0,1]. It never decreases while RUNNING.
func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.progress
}

// Err is the failure cause once the task is FAILED or CANCELLED.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.err
}

// Done is closed once the task is in a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Updates delivers the latest progress observation. Slow readers only see the most
// recent value. The channel is closed after the terminal update.
func (t *Task) Updates() <-chan Update {
	return t.updates
}

// Wait blocks until the task is terminal or ctx is done and returns the task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cooperative cancellation. A PENDING task is cancelled on the spot;
// a RUNNING one stops at its next checkpoint. Cancelling a terminal task does nothing.
func (t *Task) Cancel() {
	t.mu.Lock()

	switch {
	case t.state.Terminal():
		t.mu.Unlock()

		return
	case t.state == StatePending:
		t.lease.Release()
		t.finishLocked(StateCancelled, context.Canceled)
		t.mu.Unlock()
		t.cancel()

		return
	}

	t.mu.Unlock()
	t.cancel()
}

func (t *Task) Info() Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := Info{
		ID:            t.id,
		Kind:          t.kind,
		Target:        t.target,
		State:         t.state,
		Progress:      t.progress,
		Indeterminate: t.indeterminate,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
	}

	if t.err != nil {
		info.Error = t.err.Error()
	}

	return info
}

// ReportProgress records a completed fraction. Values below the last report are ignored.
func (t *Task) ReportProgress(fraction float64) {
	if fraction > 1 {
		fraction = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning {
		return
	}

	if fraction < t.progress && !t.indeterminate {
		return
	}

	if fraction < t.progress {
		fraction = t.progress
	}

	t.progress = fraction
	t.indeterminate = false
	t.publishLocked()
}

// ReportIndeterminate marks the progress as unknown until the next ReportProgress.
func (t *Task) ReportIndeterminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateRunning || t.indeterminate {
		return
	}

	t.indeterminate = true
	t.publishLocked()
}

// begin moves a PENDING task to RUNNING. It reports false if the task was
// cancelled while queued.
func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return false
	}

	t.state = StateRunning
	t.startedAt = time.Now()
	t.publishLocked()

	return true
}

// complete releases the lease and then publishes the terminal state, so anyone
// observing the terminal state may immediately start a new operation on the target.
func (t *Task) complete(err error) {
	state := StateSucceeded

	switch {
	case err == nil:
	case t.ctx.Err() != nil:
		state = StateCancelled
	default:
		state = StateFailed
	}

	t.lease.Release()

	t.mu.Lock()
	if state == StateSucceeded {
		t.progress = 1
		t.indeterminate = false
	}

	t.finishLocked(state, err)
	t.mu.Unlock()

	t.cancel()
}

func (t *Task) finishLocked(state State, err error) {
	t.state = state
	t.err = err
	t.finishedAt = time.Now()
	t.publishLocked()

	close(t.updates)
	close(t.done)
}

// publishLocked replaces any unread update with the current one.
func (t *Task) publishLocked() {
	u := Update{State: t.state, Progress: t.progress, Indeterminate: t.indeterminate}

	select {
	case <-t.updates:
	default:
	}

	t.updates <- u
}
