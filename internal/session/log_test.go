package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogAppendRead(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append("s1", map[string]any{"event": "session_start", "step": 0}))
	require.NoError(t, l.Append("s1", map[string]any{"event": "action", "step": 1}))
	require.NoError(t, l.Append("s2", map[string]any{"event": "session_start"}))

	entries, err := l.Read("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "session_start", entries[0]["event"])
	require.Equal(t, 1.0, entries[1]["step"])

	other, err := l.Read("s2")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestLogReadMissingSession(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	entries, err := l.Read("never-logged")
	require.NoError(t, err)
	require.Nil(t, entries)
}

func TestLogSurvivesCloseSession(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Append("s1", map[string]any{"event": "session_start"}))
	l.CloseSession("s1")

	// Appending after close reopens the file in append mode.
	require.NoError(t, l.Append("s1", map[string]any{"event": "session_end"}))
	l.CloseSession("s1")

	entries, err := l.Read("s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "session_end", entries[1]["event"])
}

func TestSummaryRoundTrip(t *testing.T) {
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)

	in := &Summary{
		SessionID:       "s1",
		AgentID:         "agent-1",
		TaskID:          "nav_001",
		Status:          StatusCompleted,
		DoneReason:      "max_steps",
		FinalPanoID:     "P5",
		Trajectory:      []string{"P0", "P3", "P5"},
		ReachedTarget:   true,
		SubmittedAnswer: "the red door",
		ElapsedSeconds:  42.5,
		TotalSteps:      2,
		EndedAt:         time.Date(2026, 8, 1, 12, 0, 42, 0, time.UTC),
	}
	require.NoError(t, l.WriteSummary(in))

	out, err := l.ReadSummary("s1")
	require.NoError(t, err)
	require.Equal(t, in, out)

	// Summary file sits next to the step log for offline scoring.
	_, err = os.Stat(l.SummaryPath("s1"))
	require.NoError(t, err)

	none, err := l.ReadSummary("unknown")
	require.NoError(t, err)
	require.Nil(t, none)
}
