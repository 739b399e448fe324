package rest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/launcher"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/repository"
	"github.com/italolelis/game_launcher/internal/settings"
	"github.com/italolelis/game_launcher/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []model.GameRelease

func (s staticSource) Name() string {
	return "static"
}

func (s staticSource) Fetch(context.Context) ([]model.GameRelease, error) {
	return s, nil
}

type blockingProcess struct {
	exit chan error
}

func (p *blockingProcess) Pid() int {
	return 1
}

func (p *blockingProcess) Wait() error {
	return <-p.exit
}

type spawner struct {
	proc *blockingProcess
}

func (s *spawner) Spawn(game.LaunchSpec) (game.Process, error) {
	return s.proc, nil
}

func archive(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	for _, name := range []string{"Terasology/libs/Terasology.jar", "Terasology/libs/engine-5.1.0.jar", "Terasology/README.md"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(name))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

type apiEnv struct {
	server  *httptest.Server
	proc    *blockingProcess
	stable  model.GameIdentifier
	nightly model.GameIdentifier
}

func newAPI(t *testing.T, username, password string) *apiEnv {
	t.Helper()

	data := archive(t)
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(files.Close)

	stable := model.GameIdentifier{Profile: model.ProfileOmega, Build: model.BuildStable, Version: "1.0.0"}
	nightly := model.GameIdentifier{Profile: model.ProfileOmega, Build: model.BuildNightly, Version: "1.1.0"}
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	catalog := repository.NewManager([]repository.Source{staticSource{
		{ID: stable, Timestamp: ts, DownloadURL: files.URL + "/stable.zip", Source: "static"},
		{ID: nightly, Timestamp: ts.Add(time.Hour), DownloadURL: files.URL + "/nightly.zip", Source: "static"},
	}})
	_, err := catalog.Refresh(context.Background())
	require.NoError(t, err)

	base := t.TempDir()

	store, err := settings.NewStore(filepath.Join(base, "settings.toml"))
	require.NoError(t, err)

	proc := &blockingProcess{exit: make(chan error, 1)}

	l, err := launcher.New(launcher.Config{
		InstallDir:      filepath.Join(base, "games"),
		CacheDir:        filepath.Join(base, "cache"),
		JavaBin:         "java",
		ShutdownTimeout: 5 * time.Second,
	}, catalog, store,
		launcher.WithSpawner(&spawner{proc: proc}),
		launcher.WithHTTPClient(files.Client()),
		launcher.WithFreeSpace(func(string) (uint64, error) { return 1 << 40, nil }),
	)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))

	server := httptest.NewServer(NewLauncherHandler(username, password, l, nil).Routes())

	t.Cleanup(func() {
		proc.exit <- nil
		server.Close()
		_ = l.Shutdown(context.Background())
	})

	return &apiEnv{server: server, proc: proc, stable: stable, nightly: nightly}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp, buf.Bytes()
}

func (e *apiEnv) waitTask(t *testing.T, id string) tasks.Info {
	t.Helper()

	var info tasks.Info

	require.Eventually(t, func() bool {
		resp, body := e.do(t, http.MethodGet, "/tasks/"+id, "")
		if resp.StatusCode != http.StatusOK {
			return false
		}

		info = tasks.Info{}
		require.NoError(t, json.Unmarshal(body, &info))

		return info.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	return info
}

func TestReleases(t *testing.T) {
	env := newAPI(t, "", "")

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{"stable only", "", http.StatusOK, []string{"OMEGA/STABLE/1.0.0"}},
		{"with prereleases", "?prereleases=true", http.StatusOK, []string{"OMEGA/NIGHTLY/1.1.0", "OMEGA/STABLE/1.0.0"}},
		{"other profile", "?profile=engine", http.StatusOK, []string{}},
		{"invalid profile", "?profile=nope", http.StatusBadRequest, nil},
		{"invalid flag", "?prereleases=maybe", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, "/releases"+tt.query, "")
			require.Equal(t, tt.wantStatus, resp.StatusCode, string(body))

			if tt.wantIDs == nil {
				return
			}

			var views []ReleaseView
			require.NoError(t, json.Unmarshal(body, &views))

			ids := make([]string, 0, len(views))
			for _, v := range views {
				ids = append(ids, v.ID.String())
				assert.Equal(t, launcher.ActionDownload, v.Action)
			}

			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestDownloadRunDeleteOverHTTP(t *testing.T) {
	env := newAPI(t, "", "")
	body := `{"id":"OMEGA/STABLE/1.0.0"}`

	resp, raw := env.do(t, http.MethodPost, "/downloads", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	var submitted tasks.Info
	require.NoError(t, json.Unmarshal(raw, &submitted))
	assert.Equal(t, env.stable, submitted.Target)

	info := env.waitTask(t, submitted.ID)
	require.Equal(t, tasks.StateSucceeded, info.State, info.Error)

	resp, raw = env.do(t, http.MethodGet, "/installed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["OMEGA/STABLE/1.0.0"]`, string(raw))

	resp, _ = env.do(t, http.MethodPost, "/downloads", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "already installed")

	resp, raw = env.do(t, http.MethodPost, "/runs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	require.Eventually(t, func() bool {
		resp, raw := env.do(t, http.MethodGet, "/runs/current", "")

		return resp.StatusCode == http.StatusOK && strings.Contains(string(raw), `"RUNNING"`)
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = env.do(t, http.MethodPost, "/runs", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second run")

	resp, _ = env.do(t, http.MethodPost, "/deletes", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "delete while running")

	env.proc.exit <- nil

	require.Eventually(t, func() bool {
		_, raw := env.do(t, http.MethodGet, "/runs/current", "")

		return strings.Contains(string(raw), `"FINISHED"`)
	}, 5*time.Second, 10*time.Millisecond)

	resp, raw = env.do(t, http.MethodPost, "/deletes", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	var deletion tasks.Info
	require.NoError(t, json.Unmarshal(raw, &deletion))
	info = env.waitTask(t, deletion.ID)
	assert.Equal(t, tasks.StateSucceeded, info.State, info.Error)

	_, raw = env.do(t, http.MethodGet, "/installed", "")
	assert.JSONEq(t, `[]`, string(raw))

	_, raw = env.do(t, http.MethodGet, "/tasks", "")

	var all []tasks.Info
	require.NoError(t, json.Unmarshal(raw, &all))
	assert.Len(t, all, 2)
}

func TestRequestErrors(t *testing.T) {
	env := newAPI(t, "", "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/downloads", `{`, http.StatusBadRequest},
		{"missing id", http.MethodPost, "/downloads", `{}`, http.StatusBadRequest},
		{"invalid id", http.MethodPost, "/downloads", `{"id":"nope"}`, http.StatusBadRequest},
		{"unknown release", http.MethodPost, "/downloads", `{"id":"ENGINE/STABLE/9.9.9"}`, http.StatusNotFound},
		{"run not installed", http.MethodPost, "/runs", `{"id":"OMEGA/STABLE/1.0.0"}`, http.StatusNotFound},
		{"unknown task", http.MethodGet, "/tasks/nope", "", http.StatusNotFound},
		{"cancel unknown task", http.MethodDelete, "/tasks/nope", "", http.StatusNotFound},
		{"no run yet", http.MethodGet, "/runs/current", "", http.StatusNotFound},
		{"invalid history limit", http.MethodGet, "/tasks/history?limit=-1", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, string(body))
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestHealthWarningsAndRefresh(t *testing.T) {
	env := newAPI(t, "", "")

	resp, raw := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	resp, raw = env.do(t, http.MethodGet, "/warnings", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))

	resp, raw = env.do(t, http.MethodPost, "/releases/refresh", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"releases":2,"warnings":[]}`, string(raw))

	resp, raw = env.do(t, http.MethodGet, "/tasks/history", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestBasicAuth(t *testing.T) {
	env := newAPI(t, "admin", "secret")

	resp, _ := env.do(t, http.MethodGet, "/installed", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/installed", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")

	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "secret")

	resp, err = env.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&model.ConflictError{Operation: "run"}, http.StatusConflict},
		{&model.NotFoundError{}, http.StatusNotFound},
		{&model.UnknownReleaseError{}, http.StatusNotFound},
		{launcher.ErrTaskNotFound, http.StatusNotFound},
		{tasks.ErrQueueClosed, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
