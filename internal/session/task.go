package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
)

// GroundTruth is the optional scoring reference attached to a task.
type GroundTruth struct {
	TargetPanoID          string  `json:"target_pano_id"`
	TargetName            string  `json:"target_name"`
	OptimalDistanceMeters float64 `json:"optimal_distance_meters,omitempty"`
	Answer                string  `json:"answer,omitempty"`
}

// Task is the offline-generated definition of one benchmark run.
type Task struct {
	TaskID         string       `json:"task_id"`
	TaskType       string       `json:"task_type"`
	Geofence       string       `json:"geofence"`
	SpawnPoint     string       `json:"spawn_point"`
	SpawnHeading   float64      `json:"spawn_heading"`
	Description    string       `json:"description"`
	Answer         string       `json:"answer,omitempty"`
	TargetPanoIDs  []string     `json:"target_pano_ids"`
	MaxSteps       int          `json:"max_steps,omitempty"`
	MaxTimeSeconds float64      `json:"max_time_seconds,omitempty"`
	GroundTruth    *GroundTruth `json:"ground_truth,omitempty"`
}

// IsTarget reports whether a panorama is one of the task's targets.
func (t *Task) IsTarget(panoID string) bool {
	for _, id := range t.TargetPanoIDs {
		if id == panoID {
			return true
		}
	}
	return false
}

// TaskStore loads task files from the tasks directory, caching parsed tasks.
type TaskStore struct {
	dir string

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskStore creates a store over a tasks directory.
func NewTaskStore(dir string) *TaskStore {
	return &TaskStore{dir: dir, tasks: map[string]*Task{}}
}

// Load reads and validates a task. task_not_found if no file exists,
// bad_task if a required field is missing.
func (ts *TaskStore) Load(taskID string) (*Task, error) {
	ts.mu.Lock()
	if t, ok := ts.tasks[taskID]; ok {
		ts.mu.Unlock()
		return t, nil
	}
	ts.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(ts.dir, taskID+".json"))
	if os.IsNotExist(err) {
		return nil, apierr.New(apierr.TaskNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", taskID, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, apierr.New(apierr.BadTask, "task %s is not valid JSON: %v", taskID, err)
	}
	if t.TaskID == "" {
		t.TaskID = taskID
	}
	if t.SpawnPoint == "" {
		return nil, apierr.New(apierr.BadTask, "task %s has no spawn_point", taskID)
	}
	if t.Geofence == "" {
		return nil, apierr.New(apierr.BadTask, "task %s has no geofence", taskID)
	}

	ts.mu.Lock()
	ts.tasks[taskID] = &t
	ts.mu.Unlock()
	return &t, nil
}

// List returns every task present in the tasks directory, sorted by id.
func (ts *TaskStore) List() ([]*Task, error) {
	entries, err := os.ReadDir(ts.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	var out []*Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := ts.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue // skip malformed task files in listings
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}
