package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/game_launcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubInstallation is a Runnable that never touches the disk.
type stubInstallation struct {
	dir     string
	jar     string
	version string
	err     error
}

func (s stubInstallation) Dir() string { return s.dir }

func (s stubInstallation) GameJarPath() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	return s.jar, nil
}

func (s stubInstallation) EngineVersion() (string, error) { return s.version, nil }

type fakeProcess struct {
	exit chan error
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Wait() error { return <-p.exit }

type fakeSpawner struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	procs    []*fakeProcess
	spawnErr error
}

func (s *fakeSpawner) Spawn(spec LaunchSpec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spawnErr != nil {
		return nil, s.spawnErr
	}

	p := &fakeProcess{exit: make(chan error, 1)}
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)

	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.procs)
}

func (s *fakeSpawner) process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.procs[i]
}

var stub = stubInstallation{dir: "/games/omega", jar: "/games/omega/libs/Terasology.jar", version: "5.3.0"}

func TestServiceRejectsSecondStart(t *testing.T) {
	spawner := &fakeSpawner{}
	svc := NewService("java", spawner)
	id := mustID(t, "OMEGA/STABLE/1.0.0")

	started := make(chan *Session, 2)
	svc.OnRunStarted(func(s *Session) { started <- s })

	first, err := svc.Start(context.Background(), id, stub, LaunchOptions{})
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), id, stub, LaunchOptions{})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	select {
	case s := <-started:
		assert.Same(t, first, s)
	case <-time.After(time.Second):
		t.Fatal("run started signal not emitted")
	}

	assert.Equal(t, RunRunning, first.State())
	assert.True(t, svc.IsRunning())
	assert.True(t, svc.IsRunningGame(id))

	_, err = svc.Start(context.Background(), mustID(t, "OMEGA/STABLE/2.0.0"), stub, LaunchOptions{})
	assert.True(t, model.IsConflict(err), "only one game runs at a time")
	assert.Equal(t, 1, spawner.spawned())

	spawner.process(0).exit <- nil

	require.NoError(t, first.Wait(context.Background()))
	assert.Equal(t, RunFinished, first.State())
	assert.False(t, svc.IsRunning())
	assert.Empty(t, started, "started fires once per session")

	second, err := svc.Start(context.Background(), id, stub, LaunchOptions{})
	require.NoError(t, err, "a finished session does not block a new one")

	<-started
	spawner.process(1).exit <- nil
	require.NoError(t, second.Wait(context.Background()))
}

func TestServiceFailures(t *testing.T) {
	id := mustID(t, "OMEGA/STABLE/1.0.0")

	tests := []struct {
		name       string
		inst       Runnable
		spawnErr   error
		exitErr    error
		wantSpawn  bool
		wantStarts int
	}{
		{name: "missing entry point", inst: stubInstallation{err: errors.New("no jar")}, wantSpawn: true},
		{name: "spawn fails", inst: stub, spawnErr: errors.New("exec: not found"), wantSpawn: true},
		{name: "abnormal exit", inst: stub, exitErr: errors.New("exit status 1"), wantStarts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spawner := &fakeSpawner{spawnErr: tt.spawnErr}
			svc := NewService("java", spawner)

			var (
				mu     sync.Mutex
				starts int
				failed []*Session
			)

			svc.OnRunStarted(func(s *Session) {
				mu.Lock()
				defer mu.Unlock()
				starts++

				if tt.exitErr != nil {
					spawner.process(0).exit <- tt.exitErr
				}
			})
			svc.OnRunFailed(func(s *Session) {
				mu.Lock()
				defer mu.Unlock()
				failed = append(failed, s)
			})

			session, err := svc.Start(context.Background(), id, tt.inst, LaunchOptions{})
			require.NoError(t, err)

			runErr := session.Wait(context.Background())
			require.Error(t, runErr)
			assert.Equal(t, RunFailed, session.State())

			var spawnErr *model.ProcessSpawnError
			assert.Equal(t, tt.wantSpawn, errors.As(runErr, &spawnErr))

			mu.Lock()
			defer mu.Unlock()

			assert.Equal(t, tt.wantStarts, starts)
			require.Len(t, failed, 1)
			assert.Same(t, session, failed[0])
		})
	}
}

func TestServicePassesLaunchSpec(t *testing.T) {
	spawner := &fakeSpawner{}
	svc := NewService("/usr/bin/java", spawner)

	session, err := svc.Start(context.Background(), mustID(t, "OMEGA/STABLE/1.0.0"), stub, LaunchOptions{
		MaxHeapSize: "2G",
		MinHeapSize: "512M",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return spawner.spawned() == 1 }, time.Second, 5*time.Millisecond)
	spawner.process(0).exit <- nil
	require.NoError(t, session.Wait(context.Background()))

	spec := spawner.specs[0]
	assert.Equal(t, "/usr/bin/java", spec.Executable)
	assert.Equal(t, stub.dir, spec.Dir)
	assert.Equal(t, []string{"-Xms512M", "-Xmx2G", "-jar", stub.jar}, spec.Args)

	info := session.Info()
	assert.Equal(t, RunFinished, info.State)
	assert.Equal(t, 4242, info.Pid)
}
