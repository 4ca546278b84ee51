// Package server exposes the benchmark runtime over HTTP: session lifecycle
// and actions, task listings, preload control, replay logs, and static
// serving of rendered step images and cached panoramas.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/cache"
	"github.com/MeKo-Tech/panowalk/internal/config"
	"github.com/MeKo-Tech/panowalk/internal/geofence"
	"github.com/MeKo-Tech/panowalk/internal/preload"
	"github.com/MeKo-Tech/panowalk/internal/session"
)

// API is the HTTP adapter over the runtime components. It holds no state of
// its own beyond the handles it delegates to.
type API struct {
	cfg       config.Settings
	manager   *session.Manager
	tasks     *session.TaskStore
	preloader *preload.Preloader
	fences    *geofence.Service
	store     *cache.Store
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New builds the API and its routes.
func New(cfg config.Settings, manager *session.Manager, tasks *session.TaskStore,
	preloader *preload.Preloader, fences *geofence.Service, store *cache.Store,
	logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		cfg:       cfg,
		manager:   manager,
		tasks:     tasks,
		preloader: preloader,
		fences:    fences,
		store:     store,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("POST /api/session/create", a.handleCreateSession)
	a.mux.HandleFunc("GET /api/session/{id}/state", a.handleSessionState)
	a.mux.HandleFunc("POST /api/session/{id}/action", a.handleAction)
	a.mux.HandleFunc("POST /api/session/{id}/end", a.handleEndSession)
	a.mux.HandleFunc("POST /api/session/{id}/pause", a.handlePause)
	a.mux.HandleFunc("POST /api/session/{id}/resume", a.handleResume)
	a.mux.HandleFunc("GET /api/sessions", a.handleListSessions)
	a.mux.HandleFunc("GET /api/sessions/{id}/log", a.handleSessionLog)

	a.mux.HandleFunc("GET /api/tasks", a.handleListTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.handleGetTask)
	a.mux.HandleFunc("POST /api/tasks/{id}/preload", a.handleTaskPreload)
	a.mux.HandleFunc("GET /api/tasks/{id}/preload/status", a.handleTaskPreloadStatus)

	a.mux.HandleFunc("GET /api/geofences", a.handleListGeofences)
	a.mux.HandleFunc("POST /api/geofences/reload", a.handleReloadGeofences)
	a.mux.HandleFunc("POST /api/geofences/{name}/preload", a.handleGeofencePreload)
	a.mux.HandleFunc("GET /api/geofences/{name}/preload/status", a.handleGeofencePreloadStatus)

	a.mux.HandleFunc("GET /api/players/{id}/progress", a.handlePlayerProgress)

	a.mux.HandleFunc("GET /healthz", a.handleHealthz)

	a.mux.HandleFunc("GET /temp_images/", a.handleTempImage)
	a.mux.Handle("GET /data/panoramas/",
		http.StripPrefix("/data/panoramas/", http.FileServer(http.Dir(a.cfg.PanoramasDir()))))
}

// Handler returns the root handler with request logging.
func (a *API) Handler() http.Handler {
	return a.withLogging(a.mux)
}

func (a *API) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"elapsed", time.Since(start).Round(time.Microsecond))
	})
}

// === Sessions ===

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		TaskID  string `json:"task_id"`
		Mode    string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, apierr.New(apierr.BadTask, "invalid request body: %v", err))
		return
	}
	if req.Mode == "" {
		req.Mode = string(session.ModeAgent)
	}

	s, obs, err := a.manager.Create(req.AgentID, req.TaskID, session.Mode(req.Mode))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  s.ID,
		"observation": obs,
	})
}

func (a *API) handleSessionState(w http.ResponseWriter, r *http.Request) {
	status, obs, err := a.manager.State(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"observation": obs,
	})
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var act session.Action
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		a.writeError(w, apierr.New(apierr.ActionInvalid, "invalid request body: %v", err))
		return
	}

	result, err := a.manager.Action(r.PathValue("id"), act)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, result)
}

func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	summary, err := a.manager.End(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, summary)
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Pause(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": session.StatusPaused})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Resume(r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": session.StatusRunning})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := a.manager.List(session.Status(r.URL.Query().Get("status")))
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": infos, "count": len(infos)})
}

func (a *API) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := a.manager.LogEntries(id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if entries == nil {
		a.writeError(w, apierr.New(apierr.SessionNotFound, "no log for session %s", id))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

// === Tasks & preload ===

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.tasks.List()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := a.tasks.Load(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, task)
}

func (a *API) handleTaskPreload(w http.ResponseWriter, r *http.Request) {
	task, err := a.tasks.Load(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req struct {
		ZoomLevel *int `json:"zoom_level"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means defaults
	}
	zoom := a.cfg.PanoramaZoomLevel
	if req.ZoomLevel != nil {
		zoom = *req.ZoomLevel
	}

	a.startPreload(w, task.Geofence, zoom)
}

func (a *API) handleTaskPreloadStatus(w http.ResponseWriter, r *http.Request) {
	task, err := a.tasks.Load(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	progress, _ := a.preloader.Status(task.Geofence)
	a.writeJSON(w, http.StatusOK, progress)
}

// === Geofences ===

func (a *API) handleListGeofences(w http.ResponseWriter, r *http.Request) {
	names := a.fences.Names()
	fences := make([]map[string]any, 0, len(names))
	for _, name := range names {
		fences = append(fences, map[string]any{
			"name": name,
			"size": a.fences.Size(name),
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"geofences": fences, "count": len(fences)})
}

func (a *API) handleReloadGeofences(w http.ResponseWriter, r *http.Request) {
	if err := a.fences.Reload(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(a.fences.Names())})
}

func (a *API) handleGeofencePreload(w http.ResponseWriter, r *http.Request) {
	a.startPreload(w, r.PathValue("name"), a.cfg.PanoramaZoomLevel)
}

func (a *API) handleGeofencePreloadStatus(w http.ResponseWriter, r *http.Request) {
	progress, _ := a.preloader.Status(r.PathValue("name"))
	a.writeJSON(w, http.StatusOK, progress)
}

func (a *API) startPreload(w http.ResponseWriter, name string, zoom int) {
	ids := a.fences.Members(name)
	if ids == nil {
		a.writeError(w, apierr.New(apierr.BadTask, "geofence %s is not defined", name))
		return
	}
	progress := a.preloader.Start(context.Background(), name, ids, zoom)
	a.writeJSON(w, http.StatusOK, progress)
}

// === Players ===

func (a *API) handlePlayerProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.GetProgress(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"player_id": r.PathValue("id"),
		"progress":  rows,
		"count":     len(rows),
	})
}

// === Static & health ===

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTempImage serves a rendered step image. Under the delete_on_send
// policy the file is removed once it has been sent.
func (a *API) handleTempImage(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/temp_images/")
	rel = filepath.Clean(rel)
	if rel == "." || strings.HasPrefix(rel, "..") {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(a.cfg.TempImagesDir, rel)
	http.ServeFile(w, r, path)

	if a.cfg.TempImageCleanupPolicy == config.DeleteOnSend {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.Error("delete_on_send cleanup failed", "path", path, "error", err)
		}
	}
}

// === Helpers ===

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("response encode failed", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		a.logger.Error("request failed", "error_kind", kind, "error", err)
	}
	if kind == "" {
		kind = "internal_error"
	}

	detail := err.Error()
	var e *apierr.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	a.writeJSON(w, status, map[string]any{
		"success":    false,
		"error_kind": kind,
		"detail":     detail,
	})
}

func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.BadTask, apierr.ActionInvalid, apierr.RotationInvalid:
		return http.StatusBadRequest
	case apierr.SessionNotFound, apierr.TaskNotFound:
		return http.StatusNotFound
	case apierr.SessionTerminated:
		return http.StatusConflict
	case apierr.CacheMissMeta, apierr.CacheMissImage:
		return http.StatusConflict
	case apierr.SourceUnavailable, apierr.RateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
