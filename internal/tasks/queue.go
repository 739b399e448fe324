package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

const defaultRetainedTasks = 100

var ErrQueueClosed = errors.New("task queue is shut down")

// Operation is the work a Task performs on the worker lane.
type Operation interface {
	Kind() Kind
	Target() model.GameIdentifier
	// Admit runs synchronously on Submit, before the lease is taken.
	Admit() error
	// Run performs the mutation. It must commit to the installed-set through
	// t.Lease() before returning nil.
	Run(ctx context.Context, t *Task) error
}

type TaskListener func(*Task)

// Queue runs filesystem-mutating tasks one at a time in submission order.
type Queue struct {
	manager   *game.Manager
	telemetry *telemetry.Telemetry
	retain    int

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	pending  []*Task
	all      []*Task
	closed   bool
	started  bool
	wake     chan struct{}
	stopped  chan struct{}
	onStart  []TaskListener
	onFinish []TaskListener
}

type QueueOption func(*Queue)

func WithQueueTelemetry(t *telemetry.Telemetry) QueueOption {
	return func(q *Queue) {
		q.telemetry = t
	}
}

// WithRetainedTasks bounds how many finished tasks Get and Tasks still return.
func WithRetainedTasks(n int) QueueOption {
	return func(q *Queue) {
		q.retain = n
	}
}

func NewQueue(manager *game.Manager, opts ...QueueOption) *Queue {
	q := &Queue{
		manager: manager,
		retain:  defaultRetainedTasks,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// OnTaskStarted registers fn to run on the worker lane when a task becomes RUNNING.
func (q *Queue) OnTaskStarted(fn TaskListener) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onStart = append(q.onStart, fn)
}

// OnTaskFinished registers fn to run once a task is terminal, including tasks
// cancelled before they started.
func (q *Queue) OnTaskFinished(fn TaskListener) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onFinish = append(q.onFinish, fn)
}

// Start launches the worker lane. Tasks inherit ctx's values but not its cancellation;
// use Shutdown to stop them.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.closed {
		return
	}

	q.started = true
	q.baseCtx, q.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	go q.work()
}

// Submit admits op, takes the target's lease and enqueues a PENDING task. It never
// blocks on the worker lane.
func (q *Queue) Submit(ctx context.Context, op Operation) (*Task, error) {
	q.mu.Lock()
	closed, started := q.closed, q.started
	base := q.baseCtx
	q.mu.Unlock()

	if closed {
		return nil, ErrQueueClosed
	}

	if !started {
		return nil, errors.New("task queue is not started")
	}

	if err := op.Admit(); err != nil {
		return nil, err
	}

	lease, err := q.manager.Acquire(op.Target(), string(op.Kind()))
	if err != nil {
		return nil, err
	}

	t := newTask(base, op, lease)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		lease.Release()

		return nil, ErrQueueClosed
	}

	q.pending = append(q.pending, t)
	q.all = append(q.all, t)
	q.pruneLocked()
	q.mu.Unlock()

	q.signal()

	go q.watchPendingCancel(t)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "task submitted",
		"task_id", t.id, "kind", t.kind, "game_id", t.target.String())

	return t, nil
}

// Get returns a task by id while it is pending, running or among the retained finished tasks.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.all {
		if t.id == id {
			return t, true
		}
	}

	return nil, false
}

// Tasks returns known tasks in submission order.
func (q *Queue) Tasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*Task(nil), q.all...)
}

// Active returns the non-terminal task of the given kind for id, if any.
func (q *Queue) Active(id model.GameIdentifier, kind Kind) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.all) - 1; i >= 0; i-- {
		t := q.all[i]
		if t.target == id && t.kind == kind && !t.State().Terminal() {
			return t, true
		}
	}

	return nil, false
}

// HasActive reports whether any task of kind is pending or running.
func (q *Queue) HasActive(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.all {
		if t.kind == kind && !t.State().Terminal() {
			return true
		}
	}

	return false
}

// Shutdown stops accepting tasks, cancels pending and running ones and waits for
// the worker lane to drain or ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return q.waitStopped(ctx)
	}

	q.closed = true
	started := q.started
	outstanding := append([]*Task(nil), q.all...)
	q.mu.Unlock()

	for _, t := range outstanding {
		t.Cancel()
	}

	if !started {
		close(q.stopped)

		return nil
	}

	q.cancelBase()
	q.signal()

	return q.waitStopped(ctx)
}

func (q *Queue) waitStopped(ctx context.Context) error {
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for tasks to stop: %w", ctx.Err())
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work() {
	defer close(q.stopped)

	for {
		t := q.next()
		if t == nil {
			return
		}

		q.execute(t)
	}
}

// next pops the oldest pending task, or returns nil once the queue is closed and drained.
func (q *Queue) next() *Task {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			return t
		}

		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil
		}

		<-q.wake
	}
}

func (q *Queue) execute(t *Task) {
	if !t.begin() {
		return
	}

	ctx := logctx.WithTaskID(t.ctx, t.id)
	ctx = logctx.With(ctx, "kind", t.kind, "game_id", t.target.String())
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "task started")

	for _, fn := range q.listeners(true) {
		fn(t)
	}

	err := q.telemetry.InstrumentTask(ctx, string(t.kind), func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "panic in task", "panic", r)
				q.telemetry.RecordSystemError("tasks", "panic")

				err = fmt.Errorf("task panicked: %v", r)
			}
		}()

		return t.op.Run(ctx, t)
	})

	t.complete(err)

	switch t.State() {
	case StateSucceeded:
		logger.InfoContext(ctx, "task succeeded")
	case StateCancelled:
		logger.InfoContext(ctx, "task cancelled")
	default:
		logger.ErrorContext(ctx, "task failed", "err", err)
	}

	for _, fn := range q.listeners(false) {
		fn(t)
	}
}

// watchPendingCancel reports tasks cancelled before the worker reached them.
func (q *Queue) watchPendingCancel(t *Task) {
	<-t.done

	if !t.Info().StartedAt.IsZero() {
		return
	}

	for _, fn := range q.listeners(false) {
		fn(t)
	}
}

func (q *Queue) listeners(start bool) []TaskListener {
	q.mu.Lock()
	defer q.mu.Unlock()

	if start {
		return append([]TaskListener(nil), q.onStart...)
	}

	return append([]TaskListener(nil), q.onFinish...)
}

func (q *Queue) pruneLocked() {
	excess := len(q.all) - q.retain
	if excess <= 0 {
		return
	}

	kept := q.all[:0]

	for _, t := range q.all {
		if excess > 0 && t.State().Terminal() {
			excess--

			continue
		}

		kept = append(kept, t)
	}

	for i := len(kept); i < len(q.all); i++ {
		q.all[i] = nil
	}

	q.all = kept
}
