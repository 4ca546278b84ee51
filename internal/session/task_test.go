package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/panowalk/internal/apierr"
)

func writeTaskFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestTaskLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "nav_001.json", `{
		"task_type": "navigation_to_poi",
		"geofence": "g1",
		"spawn_point": "P0",
		"spawn_heading": 90,
		"description": "Find the station entrance.",
		"target_pano_ids": ["P5", "P6"],
		"max_steps": 40
	}`)
	ts := NewTaskStore(dir)

	task, err := ts.Load("nav_001")
	require.NoError(t, err)
	require.Equal(t, "nav_001", task.TaskID, "task id falls back to the file name")
	require.Equal(t, "P0", task.SpawnPoint)
	require.Equal(t, 40, task.MaxSteps)
	require.True(t, task.IsTarget("P6"))
	require.False(t, task.IsTarget("P0"))

	// Second load comes from the cache and returns the same pointer.
	again, err := ts.Load("nav_001")
	require.NoError(t, err)
	require.Same(t, task, again)
}

func TestTaskLoadErrors(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "broken.json", `{not json`)
	writeTaskFile(t, dir, "no_spawn.json", `{"geofence": "g1"}`)
	writeTaskFile(t, dir, "no_fence.json", `{"spawn_point": "P0"}`)
	ts := NewTaskStore(dir)

	tests := []struct {
		taskID string
		want   apierr.Kind
	}{
		{"missing", apierr.TaskNotFound},
		{"broken", apierr.BadTask},
		{"no_spawn", apierr.BadTask},
		{"no_fence", apierr.BadTask},
	}
	for _, tt := range tests {
		t.Run(tt.taskID, func(t *testing.T) {
			_, err := ts.Load(tt.taskID)
			require.Equal(t, tt.want, apierr.KindOf(err))
		})
	}
}

func TestTaskListSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeTaskFile(t, dir, "b_task.json", `{"geofence": "g", "spawn_point": "P0"}`)
	writeTaskFile(t, dir, "a_task.json", `{"geofence": "g", "spawn_point": "P1"}`)
	writeTaskFile(t, dir, "broken.json", `not json`)
	writeTaskFile(t, dir, "notes.txt", `ignored`)
	ts := NewTaskStore(dir)

	out, err := ts.List()
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "a_task", out[0].TaskID)
	require.Equal(t, "b_task", out[1].TaskID)
}

func TestTaskListEmptyDir(t *testing.T) {
	ts := NewTaskStore(filepath.Join(t.TempDir(), "does-not-exist"))
	out, err := ts.List()
	require.NoError(t, err)
	require.Empty(t, out)
}
