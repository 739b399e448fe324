package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/launcher"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/repository"
	"github.com/italolelis/game_launcher/internal/storage"
	"github.com/italolelis/game_launcher/internal/tasks"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

const defaultHistoryLimit = 50

// Lifecycle is the launcher API the handler exposes.
type Lifecycle interface {
	Releases(q repository.Query) []model.GameRelease
	Refresh(ctx context.Context) (*repository.Snapshot, error)
	InstalledGames() []model.GameIdentifier
	Action(id model.GameIdentifier) launcher.Action
	Download(ctx context.Context, id model.GameIdentifier) (*tasks.Task, error)
	Delete(ctx context.Context, id model.GameIdentifier) (*tasks.Task, error)
	Run(ctx context.Context, id model.GameIdentifier) (*game.Session, error)
	CurrentRun() *game.Session
	Task(id string) (*tasks.Task, bool)
	Tasks() []*tasks.Task
	CancelTask(id string) (*tasks.Task, error)
	History(ctx context.Context, limit int) ([]storage.TaskRecord, error)
	Warnings(ctx context.Context) []launcher.Warning
}

type ReleaseView struct {
	ID        model.GameIdentifier `json:"id"`
	Timestamp time.Time            `json:"timestamp"`
	URL       string               `json:"url"`
	Changelog []string             `json:"changelog,omitempty"`
	Source    string               `json:"source"`
	Action    launcher.Action      `json:"action"`
}

type HistoryView struct {
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"kind"`
	GameID     string    `json:"game_id"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type gameRequest struct {
	ID model.GameIdentifier `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type LauncherHandler struct {
	username  string
	password  string
	launcher  Lifecycle
	telemetry *telemetry.Telemetry
}

// NewLauncherHandler creates the control API. Basic auth is enforced when username is set.
func NewLauncherHandler(username, password string, l Lifecycle, t *telemetry.Telemetry) *LauncherHandler {
	return &LauncherHandler{
		username:  username,
		password:  password,
		launcher:  l,
		telemetry: t,
	}
}

func (h *LauncherHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.telemetry.Handler())

	r.Group(func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Get("/releases", h.HandleReleases)
		r.Post("/releases/refresh", h.HandleRefresh)
		r.Get("/installed", h.HandleInstalled)
		r.Post("/downloads", h.HandleDownload)
		r.Post("/deletes", h.HandleDelete)
		r.Get("/tasks", h.HandleTasks)
		r.Get("/tasks/history", h.HandleHistory)
		r.Get("/tasks/{taskID}", h.HandleTask)
		r.Delete("/tasks/{taskID}", h.HandleCancelTask)
		r.Post("/runs", h.HandleRun)
		r.Get("/runs/current", h.HandleCurrentRun)
		r.Get("/warnings", h.HandleWarnings)
	})

	return r
}

func (h *LauncherHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *LauncherHandler) HandleReleases(w http.ResponseWriter, r *http.Request) {
	var q repository.Query

	if p := r.URL.Query().Get("profile"); p != "" {
		q.Profile = model.Profile(strings.ToUpper(p))
		if !q.Profile.Valid() {
			writeError(r.Context(), w, http.StatusBadRequest, errors.New("invalid profile "+p))

			return
		}
	}

	if v := r.URL.Query().Get("prereleases"); v != "" {
		pre, err := strconv.ParseBool(v)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, errors.New("invalid prereleases "+v))

			return
		}

		q.PreReleases = pre
	}

	writeJSON(r.Context(), w, http.StatusOK, h.releaseViews(h.launcher.Releases(q)))
}

func (h *LauncherHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.launcher.Refresh(r.Context())
	if err != nil {
		h.fail(w, r, err)

		return
	}

	warnings := make([]string, 0, len(snap.Warnings))
	for _, warn := range snap.Warnings {
		warnings = append(warnings, warn.Error())
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"releases": len(snap.Releases),
		"warnings": warnings,
	})
}

func (h *LauncherHandler) HandleInstalled(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.launcher.InstalledGames())
}

func (h *LauncherHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.launcher.Download)
}

func (h *LauncherHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.launcher.Delete)
}

func (h *LauncherHandler) submit(w http.ResponseWriter, r *http.Request, fn func(context.Context, model.GameIdentifier) (*tasks.Task, error)) {
	id, ok := decodeGameRequest(w, r)
	if !ok {
		return
	}

	t, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, t.Info())
}

func (h *LauncherHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	all := h.launcher.Tasks()

	infos := make([]tasks.Info, 0, len(all))
	for _, t := range all {
		infos = append(infos, t.Info())
	}

	writeJSON(r.Context(), w, http.StatusOK, infos)
}

func (h *LauncherHandler) HandleTask(w http.ResponseWriter, r *http.Request) {
	t, ok := h.launcher.Task(chi.URLParam(r, "taskID"))
	if !ok {
		h.fail(w, r, launcher.ErrTaskNotFound)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, t.Info())
}

func (h *LauncherHandler) HandleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.launcher.CancelTask(chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, t.Info())
}

func (h *LauncherHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, errors.New("invalid limit "+v))

			return
		}

		limit = n
	}

	records, err := h.launcher.History(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	views := make([]HistoryView, 0, len(records))
	for _, rec := range records {
		views = append(views, HistoryView{
			TaskID:     rec.TaskID,
			Kind:       rec.Kind,
			GameID:     rec.GameID,
			State:      rec.State,
			Error:      rec.Error,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}

	writeJSON(r.Context(), w, http.StatusOK, views)
}

func (h *LauncherHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeGameRequest(w, r)
	if !ok {
		return
	}

	session, err := h.launcher.Run(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, session.Info())
}

func (h *LauncherHandler) HandleCurrentRun(w http.ResponseWriter, r *http.Request) {
	session := h.launcher.CurrentRun()
	if session == nil {
		writeError(r.Context(), w, http.StatusNotFound, errors.New("no game has been started"))

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, session.Info())
}

func (h *LauncherHandler) HandleWarnings(w http.ResponseWriter, r *http.Request) {
	warnings := h.launcher.Warnings(r.Context())
	if warnings == nil {
		warnings = []launcher.Warning{}
	}

	writeJSON(r.Context(), w, http.StatusOK, warnings)
}

func (h *LauncherHandler) releaseViews(releases []model.GameRelease) []ReleaseView {
	views := make([]ReleaseView, 0, len(releases))

	for _, rel := range releases {
		views = append(views, ReleaseView{
			ID:        rel.ID,
			Timestamp: rel.Timestamp,
			URL:       rel.DownloadURL,
			Changelog: rel.Changelog,
			Source:    rel.Source,
			Action:    h.launcher.Action(rel.ID),
		})
	}

	return views
}

func (h *LauncherHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// fail maps lifecycle errors to status codes.
func (h *LauncherHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		h.telemetry.RecordSystemError("http", "internal")
	}

	writeError(r.Context(), w, status, err)
}

func statusFor(err error) int {
	switch {
	case model.IsConflict(err):
		return http.StatusConflict
	case model.IsNotFound(err), errors.Is(err, launcher.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}

	return http.StatusInternalServerError
}

func decodeGameRequest(w http.ResponseWriter, r *http.Request) (model.GameIdentifier, bool) {
	var req gameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))

		return model.GameIdentifier{}, false
	}

	if req.ID.IsZero() {
		writeError(r.Context(), w, http.StatusBadRequest, errors.New("missing id"))

		return model.GameIdentifier{}, false
	}

	return req.ID, true
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}
