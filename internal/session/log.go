package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Log writes per-session JSON-Lines step logs and the end-of-session
// summary. Appends are durable (fsynced) before they return so a crash
// cannot reorder history.
type Log struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewLog creates the logs directory and a Log over it.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs dir: %w", err)
	}
	return &Log{dir: dir, files: map[string]*os.File{}}, nil
}

// Path returns the step-log path for a session.
func (l *Log) Path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".jsonl")
}

// SummaryPath returns the summary path for a session.
func (l *Log) SummaryPath(sessionID string) string {
	return filepath.Join(l.dir, sessionID+".summary.json")
}

// Append marshals entry and durably appends it to the session's log.
func (l *Log) Append(sessionID string, entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[sessionID]
	if !ok {
		f, err = os.OpenFile(l.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		l.files[sessionID] = f
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync session log: %w", err)
	}
	return nil
}

// CloseSession closes the open file handle for a finished session.
func (l *Log) CloseSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[sessionID]; ok {
		f.Close()
		delete(l.files, sessionID)
	}
}

// Close closes every open log file.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, f := range l.files {
		f.Close()
		delete(l.files, id)
	}
}

// Read returns all entries of a session's log in order.
func (l *Log) Read(sessionID string) ([]map[string]any, error) {
	f, err := os.Open(l.Path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("corrupt log entry in %s: %w", sessionID, err)
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return entries, nil
}

// Summary is the terminal record of one session, persisted alongside the
// step log for offline scoring.
type Summary struct {
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	TaskID          string    `json:"task_id"`
	Status          Status    `json:"status"`
	DoneReason      string    `json:"done_reason"`
	FinalPanoID     string    `json:"final_pano_id"`
	Trajectory      []string  `json:"trajectory"`
	ReachedTarget   bool      `json:"reached_target"`
	SubmittedAnswer string    `json:"agent_answer,omitempty"`
	ElapsedSeconds  float64   `json:"elapsed_time"`
	TotalSteps      int       `json:"total_steps"`
	EndedAt         time.Time `json:"ended_at"`
}

// WriteSummary persists the session summary next to the step log.
func (l *Log) WriteSummary(s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(l.SummaryPath(s.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// ReadSummary loads a previously written summary, nil if none exists.
func (l *Log) ReadSummary(sessionID string) (*Summary, error) {
	data, err := os.ReadFile(l.SummaryPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt summary for %s: %w", sessionID, err)
	}
	return &s, nil
}
