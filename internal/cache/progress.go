package cache

import (
	"database/sql"
	"fmt"
	"time"
)

// ProgressRow is one player's record for one task.
type ProgressRow struct {
	PlayerID      string    `json:"player_id"`
	TaskID        string    `json:"task_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Status        string    `json:"status"`
	Score         *float64  `json:"score,omitempty"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// RecordProgress upserts a player's progress for a task, bumping the attempt
// counter. Called when a session reaches a terminal status.
func (s *Store) RecordProgress(playerID, taskID, sessionID, status string, score *float64) error {
	_, err := s.db.Exec(`
		INSERT INTO player_progress (player_id, task_id, session_id, status, score, attempts, last_attempt_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(player_id, task_id) DO UPDATE SET
			session_id = excluded.session_id,
			status = excluded.status,
			score = excluded.score,
			attempts = player_progress.attempts + 1,
			last_attempt_at = excluded.last_attempt_at`,
		playerID, taskID, sessionID, status, score, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record progress for %s/%s: %w", playerID, taskID, err)
	}
	return nil
}

// GetProgress returns all task records for a player.
func (s *Store) GetProgress(playerID string) ([]ProgressRow, error) {
	rows, err := s.db.Query(`
		SELECT task_id, session_id, status, score, attempts, last_attempt_at
		FROM player_progress WHERE player_id = ? ORDER BY task_id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read progress for %s: %w", playerID, err)
	}
	defer rows.Close()

	var out []ProgressRow
	for rows.Next() {
		var (
			r         ProgressRow
			sessionID sql.NullString
			score     sql.NullFloat64
			last      sql.NullString
		)
		r.PlayerID = playerID
		if err := rows.Scan(&r.TaskID, &sessionID, &r.Status, &score, &r.Attempts, &last); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		r.SessionID = sessionID.String
		if score.Valid {
			v := score.Float64
			r.Score = &v
		}
		if last.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, last.String); perr == nil {
				r.LastAttemptAt = t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
