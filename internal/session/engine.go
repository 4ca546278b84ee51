package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/config"
	"github.com/MeKo-Tech/panowalk/internal/directions"
	"github.com/MeKo-Tech/panowalk/internal/geofence"
	"github.com/MeKo-Tech/panowalk/internal/pano"
	"github.com/MeKo-Tech/panowalk/internal/render"
)

// MetaStore is the cache surface the engine reads. Satisfied by *cache.Store.
type MetaStore interface {
	GetMeta(panoID string) (*pano.Metadata, error)
	GetLocations(panoIDs []string) (map[string][2]float64, error)
	RecordProgress(playerID, taskID, sessionID, status string, score *float64) error
}

// Manager owns all live sessions and applies their transitions. It is the
// only writer of session state; a background monitor terminates stalled
// sessions and sweeps expired temp images.
type Manager struct {
	cfg      config.Settings
	store    MetaStore
	fences   *geofence.Service
	renderer *render.Renderer
	tasks    *TaskStore
	log      *Log
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce  sync.Once
	stop      chan struct{}
	lastSweep time.Time
}

// NewManager wires the engine together and starts the monitor goroutine.
func NewManager(cfg config.Settings, store MetaStore, fences *geofence.Service,
	renderer *render.Renderer, tasks *TaskStore, log *Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		fences:   fences,
		renderer: renderer,
		tasks:    tasks,
		log:      log,
		logger:   logger,
		now:      time.Now,
		sessions: map[string]*Session{},
		stop:     make(chan struct{}),
	}
	go m.monitor()
	return m
}

// Close stops the monitor and flushes open log files.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.log.Close()
}

// Create spawns a new session on a task and returns the initial observation.
func (m *Manager) Create(agentID, taskID string, mode Mode) (*Session, *Observation, error) {
	task, err := m.tasks.Load(taskID)
	if err != nil {
		return nil, nil, err
	}
	if mode != ModeAgent && mode != ModeHuman {
		return nil, nil, apierr.New(apierr.BadTask, "unknown mode %q", mode)
	}
	if !m.fences.Contains(task.Geofence, task.SpawnPoint) {
		return nil, nil, apierr.New(apierr.BadTask,
			"spawn point %s is not in geofence %s", task.SpawnPoint, task.Geofence)
	}

	now := m.now()
	s := &Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Task:    task,
		Mode:    mode,
		state: State{
			PanoID:  task.SpawnPoint,
			Heading: pano.NormalizeHeading(task.SpawnHeading),
			Pitch:   0,
			FOV:     m.cfg.RenderDefaultFOV,
		},
		status:       StatusRunning,
		startedAt:    now,
		lastActiveAt: now,
		trajectory:   []string{task.SpawnPoint},
	}

	start := map[string]any{
		"event":            "session_start",
		"session_id":       s.ID,
		"agent_id":         agentID,
		"task_id":          taskID,
		"mode":             mode,
		"timestamp":        now,
		"initial_state":    s.state,
		"task_description": task.Description,
	}
	if err := m.log.Append(s.ID, start); err != nil {
		return nil, nil, apierr.New(apierr.LogWriteFailed, "session start log: %v", err)
	}

	s.mu.Lock()
	obs, err := m.observeLocked(s)
	s.mu.Unlock()
	if err != nil {
		m.log.CloseSession(s.ID)
		return nil, nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created",
		"session_id", s.ID, "agent_id", agentID, "task_id", taskID, "mode", mode)
	return s, obs, nil
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.SessionNotFound, "session %s not found", sessionID)
	}
	return s, nil
}

// List snapshots all sessions, optionally filtered by status.
func (m *Manager) List(status Status) []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	now := m.now()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info := s.Snapshot(now)
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, info)
	}
	return out
}

// State returns the current status and a fresh observation for a session.
func (m *Manager) State(sessionID string) (Status, *Observation, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return s.status, nil, nil
	}
	obs, err := m.observeLocked(s)
	if err != nil {
		return s.status, nil, err
	}
	return s.status, obs, nil
}

// LogEntries returns the raw step-log entries of a session (live or past).
func (m *Manager) LogEntries(sessionID string) ([]map[string]any, error) {
	return m.log.Read(sessionID)
}

// Action applies one agent action. Validation failures leave state and log
// untouched; on success the step-log record is durably appended before the
// state commits.
func (m *Manager) Action(sessionID string, act Action) (*Result, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return nil, apierr.New(apierr.SessionTerminated,
			"session %s is %s", s.ID, s.status)
	}
	if s.status == StatusPaused {
		return nil, apierr.New(apierr.ActionInvalid, "session %s is paused", s.ID)
	}

	now := m.now()
	newState := s.state
	newStep := s.stepCount
	newStatus := s.status
	doneReason := ""
	answer := s.answer

	switch act.Type {
	case "move":
		mv, ok := findMove(s.lastMoves, act.MoveID)
		if !ok {
			return nil, apierr.New(apierr.ActionInvalid,
				"unknown move_id %d", act.MoveID)
		}
		if !m.fences.Contains(s.Task.Geofence, mv.PanoID) {
			// Invariant violation: kill the session, surface a 500.
			s.status = StatusStopped
			s.doneReason = "error"
			m.finalizeLocked(s, now)
			return nil, apierr.New(apierr.OutOfGeofence,
				"move target %s left geofence %s", mv.PanoID, s.Task.Geofence)
		}
		newState = State{
			PanoID:  mv.PanoID,
			Heading: mv.Heading, // face the direction of travel
			Pitch:   s.state.Pitch,
			FOV:     m.cfg.RenderDefaultFOV,
		}
		newStep++

	case "rotation":
		if s.Mode != ModeAgent {
			return nil, apierr.New(apierr.ActionInvalid,
				"rotation is only available in agent mode")
		}
		if act.Heading != nil {
			if *act.Heading < 0 || *act.Heading >= 360 {
				return nil, apierr.New(apierr.RotationInvalid,
					"heading %.2f out of range [0, 360)", *act.Heading)
			}
			newState.Heading = *act.Heading
		}
		if act.Pitch != nil {
			if *act.Pitch < render.MinPitch || *act.Pitch > render.MaxPitch {
				return nil, apierr.New(apierr.RotationInvalid,
					"pitch %.2f out of range [%v, %v]", *act.Pitch, render.MinPitch, render.MaxPitch)
			}
			newState.Pitch = *act.Pitch
		}
		if act.FOV != nil {
			if *act.FOV < render.MinFOV || *act.FOV > render.MaxFOV {
				return nil, apierr.New(apierr.RotationInvalid,
					"fov %.2f out of range [%v, %v]", *act.FOV, render.MinFOV, render.MaxFOV)
			}
			newState.FOV = *act.FOV
		}

	case "stop":
		newStatus = StatusStopped
		doneReason = "stopped"
		answer = act.Answer

	default:
		return nil, apierr.New(apierr.ActionInvalid,
			"unknown action type %q", act.Type)
	}

	// Termination after the transition.
	if newStatus == StatusRunning && act.Type == "move" {
		if s.Task.MaxSteps > 0 && newStep >= s.Task.MaxSteps {
			newStatus = StatusCompleted
			doneReason = "max_steps"
		} else if s.Task.MaxTimeSeconds > 0 &&
			s.elapsedLocked(now).Seconds() >= s.Task.MaxTimeSeconds {
			newStatus = StatusTimeout
			doneReason = "max_time"
		}
	}

	// Log-then-commit: the record must be durable before state changes.
	entry := map[string]any{
		"event":           "action",
		"session_id":      s.ID,
		"timestamp":       now,
		"step":            newStep,
		"state":           newState,
		"action":          act,
		"available_moves": s.lastMoves,
	}
	if s.Mode == ModeAgent {
		entry["image_path"] = m.stepImagePath(s.ID, newStep)
	}
	if err := m.log.Append(s.ID, entry); err != nil {
		return nil, apierr.New(apierr.LogWriteFailed, "step log: %v", err)
	}

	s.state = newState
	s.stepCount = newStep
	s.lastActiveAt = now
	s.answer = answer
	if act.Type == "move" {
		s.trajectory = append(s.trajectory, newState.PanoID)
	}

	if newStatus != StatusRunning {
		s.status = newStatus
		s.doneReason = doneReason
		m.finalizeLocked(s, now)
		return &Result{Success: true, Done: true, DoneReason: doneReason}, nil
	}

	obs, err := m.observeLocked(s)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Observation: obs, Done: false}, nil
}

// Pause suspends time accounting for a human session.
func (m *Manager) Pause(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Mode != ModeHuman {
		return apierr.New(apierr.ActionInvalid, "pause is only available in human mode")
	}
	if s.status.Terminal() {
		return apierr.New(apierr.SessionTerminated, "session %s is %s", s.ID, s.status)
	}
	if s.status == StatusPaused {
		return nil
	}

	now := m.now()
	if err := m.log.Append(s.ID, map[string]any{
		"event": "pause", "session_id": s.ID, "timestamp": now, "step": s.stepCount,
	}); err != nil {
		return apierr.New(apierr.LogWriteFailed, "pause log: %v", err)
	}
	s.status = StatusPaused
	s.pausedAt = now
	return nil
}

// Resume restarts a paused human session.
func (m *Manager) Resume(sessionID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return apierr.New(apierr.SessionTerminated, "session %s is %s", s.ID, s.status)
	}
	if s.status != StatusPaused {
		return nil
	}

	now := m.now()
	if err := m.log.Append(s.ID, map[string]any{
		"event": "resume", "session_id": s.ID, "timestamp": now, "step": s.stepCount,
	}); err != nil {
		return apierr.New(apierr.LogWriteFailed, "resume log: %v", err)
	}
	s.pausedDuration += now.Sub(s.pausedAt)
	s.status = StatusRunning
	return nil
}

// End terminates a session without an answer and returns its summary.
// Idempotent: ending a finished session returns the existing summary.
func (m *Manager) End(sessionID string) (*Summary, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return s.summary, nil
	}

	now := m.now()
	s.status = StatusStopped
	s.doneReason = "stopped"
	m.finalizeLocked(s, now)
	return s.summary, nil
}

// finalizeLocked writes the session_end record and summary, closes the log,
// applies the temp-image cleanup policy, and records player progress.
// Caller holds s.mu; the session status is already terminal.
func (m *Manager) finalizeLocked(s *Session, now time.Time) {
	elapsed := s.elapsedLocked(now).Seconds()
	summary := &Summary{
		SessionID:       s.ID,
		AgentID:         s.AgentID,
		TaskID:          s.Task.TaskID,
		Status:          s.status,
		DoneReason:      s.doneReason,
		FinalPanoID:     s.state.PanoID,
		Trajectory:      append([]string(nil), s.trajectory...),
		ReachedTarget:   s.Task.IsTarget(s.state.PanoID),
		SubmittedAnswer: s.answer,
		ElapsedSeconds:  elapsed,
		TotalSteps:      s.stepCount,
		EndedAt:         now,
	}
	s.summary = summary

	end := map[string]any{
		"event":          "session_end",
		"session_id":     s.ID,
		"agent_id":       s.AgentID,
		"task_id":        s.Task.TaskID,
		"timestamp":      now,
		"total_steps":    s.stepCount,
		"elapsed_time":   elapsed,
		"status":         s.status,
		"done_reason":    s.doneReason,
		"final_pano_id":  s.state.PanoID,
		"reached_target": summary.ReachedTarget,
		"agent_answer":   s.answer,
		"trajectory":     s.trajectory,
	}
	if err := m.log.Append(s.ID, end); err != nil {
		m.logger.Error("session end log failed", "session_id", s.ID, "error", err)
	}
	if err := m.log.WriteSummary(summary); err != nil {
		m.logger.Error("summary write failed", "session_id", s.ID, "error", err)
	}
	m.log.CloseSession(s.ID)
	m.cleanupTempImages(s)

	if err := m.store.RecordProgress(s.AgentID, s.Task.TaskID, s.ID, string(s.status), nil); err != nil {
		m.logger.Error("progress record failed", "session_id", s.ID, "error", err)
	}

	m.logger.Info("session ended",
		"session_id", s.ID, "status", s.status, "done_reason", s.doneReason,
		"steps", s.stepCount, "reached_target", summary.ReachedTarget)
}

// observeLocked renders the current view and recomputes available moves.
// Caller holds s.mu.
func (m *Manager) observeLocked(s *Session) (*Observation, error) {
	meta, err := m.store.GetMeta(s.state.PanoID)
	if err != nil {
		return nil, err
	}
	neighbors, err := m.fences.Neighbors(s.Task.Geofence, meta, m.store)
	if err != nil {
		return nil, err
	}

	moves := make([]Move, 0, len(neighbors))
	for i, n := range neighbors {
		moves = append(moves, Move{
			ID:        i + 1,
			Direction: directions.Label(s.state.Heading, n.Heading),
			PanoID:    n.TargetID,
			Heading:   n.Heading,
			Distance:  n.Distance,
			Virtual:   n.Virtual,
		})
	}

	obs := &Observation{
		TaskDescription: s.Task.Description,
		AvailableMoves:  moves,
		Heading:         s.state.Heading,
		Pitch:           s.state.Pitch,
		FOV:             s.state.FOV,
		CenterHeading:   meta.CenterHeading,
	}

	switch s.Mode {
	case ModeHuman:
		obs.PanoramaURL = "/data/panoramas/" + pano.ImageName(s.state.PanoID, m.cfg.PanoramaZoomLevel)
	default:
		data, err := m.renderer.Render(s.state.PanoID, m.cfg.PanoramaZoomLevel,
			s.state.Heading, meta.CenterHeading, s.state.Pitch, s.state.FOV,
			m.cfg.RenderOutputWidth, m.cfg.RenderOutputHeight)
		if err != nil {
			return nil, err
		}
		rel := m.stepImagePath(s.ID, s.stepCount)
		full := filepath.Join(m.cfg.TempImagesDir, s.ID, stepImageName(s.stepCount))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create temp image dir: %w", err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write step image: %w", err)
		}
		obs.CurrentImage = "/" + rel
	}

	s.lastMoves = moves
	return obs, nil
}

func (m *Manager) stepImagePath(sessionID string, step int) string {
	return "temp_images/" + sessionID + "/" + stepImageName(step)
}

func stepImageName(step int) string {
	return fmt.Sprintf("step_%d.jpg", step)
}

func (m *Manager) cleanupTempImages(s *Session) {
	dir := filepath.Join(m.cfg.TempImagesDir, s.ID)
	switch m.cfg.TempImageCleanupPolicy {
	case config.KeepAll, config.AutoExpire:
		return
	case config.KeepOnComplete:
		if s.status == StatusCompleted {
			return
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error("temp image cleanup failed", "session_id", s.ID, "error", err)
	}
}

// monitor terminates stalled sessions whose max time elapsed while no
// action arrived, and sweeps expired temp images under the auto_expire
// policy.
func (m *Manager) monitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		now := m.now()
		m.mu.RLock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.RUnlock()

		for _, s := range sessions {
			s.mu.Lock()
			if s.status == StatusRunning && s.Task.MaxTimeSeconds > 0 &&
				s.elapsedLocked(now).Seconds() >= s.Task.MaxTimeSeconds {
				s.status = StatusTimeout
				s.doneReason = "max_time"
				m.finalizeLocked(s, now)
			}
			s.mu.Unlock()
		}

		if m.cfg.TempImageCleanupPolicy == config.AutoExpire &&
			now.Sub(m.lastSweep) >= time.Minute {
			m.lastSweep = now
			m.sweepExpired(now)
		}
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	maxAge := time.Duration(m.cfg.TempImageExpireHours) * time.Hour
	entries, err := os.ReadDir(m.cfg.TempImagesDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			path := filepath.Join(m.cfg.TempImagesDir, e.Name())
			if err := os.RemoveAll(path); err != nil {
				m.logger.Error("expired image sweep failed", "path", path, "error", err)
			}
		}
	}
}

func findMove(moves []Move, id int) (Move, bool) {
	for _, mv := range moves {
		if mv.ID == id {
			return mv, true
		}
	}
	return Move{}, false
}
