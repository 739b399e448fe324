package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

type RunState int

const (
	RunIdle RunState = iota
	RunStarting
	RunRunning
	RunFinished
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "IDLE"
	case RunStarting:
		return "STARTING"
	case RunRunning:
		return "RUNNING"
	case RunFinished:
		return "FINISHED"
	case RunFailed:
		return "FAILED"
	}

	return "UNKNOWN"
}

func (s RunState) Terminal() bool {
	return s == RunFinished || s == RunFailed
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Process is a spawned game process.
type Process interface {
	Pid() int
	Wait() error
}

// Spawner starts external processes.
type Spawner interface {
	Spawn(spec LaunchSpec) (Process, error)
}

// ExecSpawner runs the game with os/exec. The process is not tied to any context:
// the game keeps running when the request that started it ends.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s ExecSpawner) Spawn(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p execProcess) Wait() error {
	return p.cmd.Wait()
}

// Session is one attempt to run the game.
type Session struct {
	id   model.GameIdentifier
	done chan struct{}

	mu        sync.RWMutex
	state     RunState
	err       error
	pid       int
	startedAt time.Time
	endedAt   time.Time
}

// SessionInfo is a point-in-time copy of a Session.
type SessionInfo struct {
	ID        model.GameIdentifier `json:"id"`
	State     RunState             `json:"state"`
	Error     string               `json:"error,omitempty"`
	Pid       int                  `json:"pid,omitempty"`
	StartedAt time.Time            `json:"started_at,omitempty"`
	EndedAt   time.Time            `json:"ended_at,omitempty"`
}

func (s *Session) ID() model.GameIdentifier {
	return s.id
}

func (s *Session) State() RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Err is the failure cause once the session is FAILED.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

// Done is closed when the session reaches FINISHED or FAILED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:        s.id,
		State:     s.state,
		Pid:       s.pid,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}

	if s.err != nil {
		info.Error = s.err.Error()
	}

	return info
}

func (s *Session) running(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = RunRunning
	s.pid = pid
	s.startedAt = time.Now()
}

// finish moves the session to its terminal state. It reports false if the
// session had already ended. Done is closed separately by the supervisor once
// listeners have run.
func (s *Session) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false
	}

	if err != nil {
		s.state = RunFailed
		s.err = err
	} else {
		s.state = RunFinished
	}

	s.endedAt = time.Now()

	return true
}

type RunListener func(*Session)

// Service supervises the single game process this launcher may run.
type Service struct {
	javaBin   string
	spawner   Spawner
	telemetry *telemetry.Telemetry

	mu        sync.Mutex
	current   *Session
	onStarted []RunListener
	onFailed  []RunListener
}

type ServiceOption func(*Service)

func WithServiceTelemetry(t *telemetry.Telemetry) ServiceOption {
	return func(s *Service) {
		s.telemetry = t
	}
}

func NewService(javaBin string, spawner Spawner, opts ...ServiceOption) *Service {
	if spawner == nil {
		spawner = ExecSpawner{}
	}

	s := &Service{javaBin: javaBin, spawner: spawner}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnRunStarted registers fn to be called once per session that reaches RUNNING.
func (s *Service) OnRunStarted(fn RunListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onStarted = append(s.onStarted, fn)
}

// OnRunFailed registers fn to be called when a session ends FAILED.
func (s *Service) OnRunFailed(fn RunListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onFailed = append(s.onFailed, fn)
}

// Current returns the most recent session, or nil.
func (s *Service) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

// IsRunning reports whether a session is STARTING or RUNNING.
func (s *Service) IsRunning() bool {
	cur := s.Current()

	return cur != nil && !cur.State().Terminal()
}

// IsRunningGame reports whether the active session belongs to id.
func (s *Service) IsRunningGame(id model.GameIdentifier) bool {
	cur := s.Current()

	return cur != nil && cur.id == id && !cur.State().Terminal()
}

// Start launches inst asynchronously. It fails with ConflictError while another
// session is STARTING or RUNNING.
func (s *Service) Start(ctx context.Context, id model.GameIdentifier, inst Runnable, opts LaunchOptions) (*Session, error) {
	if inst == nil {
		return nil, errors.New("installation is required")
	}

	s.mu.Lock()
	if s.current != nil && !s.current.State().Terminal() {
		cur := s.current
		s.mu.Unlock()

		return nil, &model.ConflictError{
			ID:        id,
			Operation: "run",
			Reason:    fmt.Sprintf("%s is already %s", cur.id, cur.State()),
		}
	}

	session := &Session{id: id, state: RunStarting, done: make(chan struct{})}
	s.current = session
	s.mu.Unlock()

	ctx = logctx.With(context.WithoutCancel(ctx), "game_id", id.String())

	go s.supervise(ctx, session, inst, opts)

	return session, nil
}

func (s *Service) supervise(ctx context.Context, session *Session, inst Runnable, opts LaunchOptions) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic in run supervisor", "panic", r)
			s.telemetry.RecordSystemError("run_supervisor", "panic")
			s.fail(ctx, session, fmt.Errorf("run supervisor panicked: %v", r))
		}
	}()

	spec, err := BuildLaunchSpec(s.javaBin, inst, opts)
	if err != nil {
		s.fail(ctx, session, &model.ProcessSpawnError{Executable: s.javaBin, Err: err})

		return
	}

	proc, err := s.spawner.Spawn(spec)
	if err != nil {
		s.fail(ctx, session, &model.ProcessSpawnError{Executable: spec.Executable, Err: err})

		return
	}

	session.running(proc.Pid())
	s.telemetry.IncrementRunningGames()

	logger.InfoContext(ctx, "game started", "pid", proc.Pid(), "engine_version", spec.EngineVersion, "dir", spec.Dir)

	for _, fn := range s.listeners(true) {
		fn(session)
	}

	err = proc.Wait()

	s.telemetry.DecrementRunningGames()

	if err != nil {
		s.fail(ctx, session, fmt.Errorf("game exited abnormally: %w", err))

		return
	}

	session.finish(nil)
	close(session.done)
	s.telemetry.RecordGameRun(telemetry.StatusSuccess)

	logger.InfoContext(ctx, "game finished")
}

func (s *Service) fail(ctx context.Context, session *Session, err error) {
	if !session.finish(err) {
		return
	}

	defer close(session.done)

	s.telemetry.RecordGameRun(telemetry.StatusError)

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "game run failed", "err", err)

	for _, fn := range s.listeners(false) {
		fn(session)
	}
}

func (s *Service) listeners(started bool) []RunListener {
	s.mu.Lock()
	defer s.mu.Unlock()

	if started {
		return append([]RunListener(nil), s.onStarted...)
	}

	return append([]RunListener(nil), s.onFailed...)
}
