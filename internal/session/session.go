// Package session implements the per-session state machine at the heart of
// the benchmark: spawn, repeated observe/act cycles, and termination, with a
// durable JSON-Lines step log written before any state commits.
package session

import (
	"sync"
	"time"
)

// Status of a session. Completed, Timeout and Stopped are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further actions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimeout || s == StatusStopped
}

// Mode distinguishes autonomous agents from human players.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModeHuman Mode = "human"
)

// State is the agent's pose: which panorama it stands in and where it looks.
type State struct {
	PanoID  string  `json:"pano_id"`
	Heading float64 `json:"heading"`
	Pitch   float64 `json:"pitch"`
	FOV     float64 `json:"fov"`
}

// Move is one legal next step offered in an observation. Ids are assigned
// per observation and are only valid for the very next action.
type Move struct {
	ID        int     `json:"id"`
	Direction string  `json:"direction"`
	PanoID    string  `json:"pano_id"`
	Heading   float64 `json:"heading"`
	Distance  float64 `json:"distance,omitempty"`
	Virtual   bool    `json:"virtual,omitempty"`
}

// Observation is what the agent sees after each transition. Agent mode gets
// a rendered perspective view; human mode gets the raw panorama for an
// interactive viewer.
type Observation struct {
	TaskDescription string  `json:"task_description"`
	CurrentImage    string  `json:"current_image,omitempty"`
	PanoramaURL     string  `json:"panorama_url,omitempty"`
	AvailableMoves  []Move  `json:"available_moves"`
	Heading         float64 `json:"heading"`
	Pitch           float64 `json:"pitch"`
	FOV             float64 `json:"fov"`
	CenterHeading   float64 `json:"center_heading"`
}

// Action is the agent's request: move along a link, rotate the view, or
// stop with an optional answer. Nil pointer fields on rotation mean "keep
// the current value".
type Action struct {
	Type    string   `json:"type"`
	MoveID  int      `json:"move_id,omitempty"`
	Heading *float64 `json:"heading,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	FOV     *float64 `json:"fov,omitempty"`
	Answer  string   `json:"answer,omitempty"`
}

// Result of an executed action.
type Result struct {
	Success     bool         `json:"success"`
	Observation *Observation `json:"observation,omitempty"`
	Done        bool         `json:"done"`
	DoneReason  string       `json:"done_reason,omitempty"`
}

// Session is one run of one agent over one task. All mutation happens under
// mu through Manager transitions, so concurrent actions against the same
// session are totally ordered.
type Session struct {
	ID      string
	AgentID string
	Task    *Task
	Mode    Mode

	mu             sync.Mutex
	state          State
	status         Status
	stepCount      int
	startedAt      time.Time
	lastActiveAt   time.Time
	pausedAt       time.Time
	pausedDuration time.Duration
	doneReason     string
	answer         string
	trajectory     []string
	lastMoves      []Move
	summary        *Summary
}

// elapsedLocked is wall time since start excluding paused intervals.
// Caller holds mu.
func (s *Session) elapsedLocked(now time.Time) time.Duration {
	elapsed := now.Sub(s.startedAt) - s.pausedDuration
	if s.status == StatusPaused {
		elapsed -= now.Sub(s.pausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// Info is a read-only snapshot for listings and the state endpoint.
type Info struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	TaskID      string    `json:"task_id"`
	Mode        Mode      `json:"mode"`
	Status      Status    `json:"status"`
	State       State     `json:"state"`
	StepCount   int       `json:"step_count"`
	StartTime   time.Time `json:"start_time"`
	ElapsedTime float64   `json:"elapsed_time"`
	Trajectory  []string  `json:"trajectory"`
	DoneReason  string    `json:"done_reason,omitempty"`
}

// Snapshot returns a consistent copy of the session's externals.
func (s *Session) Snapshot(now time.Time) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:   s.ID,
		AgentID:     s.AgentID,
		TaskID:      s.Task.TaskID,
		Mode:        s.Mode,
		Status:      s.status,
		State:       s.state,
		StepCount:   s.stepCount,
		StartTime:   s.startedAt,
		ElapsedTime: s.elapsedLocked(now).Seconds(),
		Trajectory:  append([]string(nil), s.trajectory...),
		DoneReason:  s.doneReason,
	}
}
