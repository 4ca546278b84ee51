// Package cache is the runtime store for panorama metadata and assembled
// equirectangular images. Metadata and the image index live in a sqlite
// database (WAL mode, many readers + one writer); image bytes live as JPEG
// files under a content-addressed directory. The preloader is the only
// writer; every other component reads.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/MeKo-Tech/panowalk/internal/apierr"
	"github.com/MeKo-Tech/panowalk/internal/pano"
)

// Store is the process-wide cache handle. Safe for concurrent use.
type Store struct {
	db           *sql.DB
	panoramasDir string
	logger       *slog.Logger
}

// Open opens (creating if necessary) the cache database and image directory.
func Open(dbPath, panoramasDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(panoramasDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create panoramas dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 50000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, panoramasDir: panoramasDir, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS panoramas (
			pano_id TEXT NOT NULL,
			zoom INTEGER NOT NULL,
			image_path TEXT NOT NULL,
			fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (pano_id, zoom)
		);

		CREATE TABLE IF NOT EXISTS metadata (
			pano_id TEXT PRIMARY KEY,
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			capture_date TEXT,
			center_heading REAL,
			links_json TEXT,
			fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			source TEXT
		);

		CREATE TABLE IF NOT EXISTS locations (
			pano_id TEXT PRIMARY KEY,
			lat REAL NOT NULL,
			lng REAL NOT NULL
		);

		CREATE TABLE IF NOT EXISTS player_progress (
			player_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			session_id TEXT,
			status TEXT DEFAULT 'not_started',
			score REAL,
			attempts INTEGER DEFAULT 0,
			last_attempt_at TIMESTAMP,
			PRIMARY KEY (player_id, task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_panoramas_pano_id ON panoramas(pano_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// === Images ===

// ImagePath returns the canonical file path for a panorama at a zoom level.
func (s *Store) ImagePath(panoID string, zoom int) string {
	return filepath.Join(s.panoramasDir, pano.ImageName(panoID, zoom))
}

// HasImage reports whether an image is cached, checking both the index row
// and the file on disk.
func (s *Store) HasImage(panoID string, zoom int) bool {
	if _, err := os.Stat(s.ImagePath(panoID, zoom)); err != nil {
		return false
	}
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM panoramas WHERE pano_id = ? AND zoom = ?",
		panoID, zoom,
	).Scan(&one)
	return err == nil
}

// GetImage returns the file path of a cached panorama image. The JPEG header
// is verified on every read; a corrupt file is reported and treated as a
// miss — the runtime never repairs the cache.
func (s *Store) GetImage(panoID string, zoom int) (string, error) {
	path := s.ImagePath(panoID, zoom)
	f, err := os.Open(path)
	if err != nil {
		return "", apierr.New(apierr.CacheMissImage,
			"panorama %s zoom %d not cached; run preload first", panoID, zoom)
	}
	defer f.Close()

	if _, err := jpeg.DecodeConfig(f); err != nil {
		s.logger.Error("corrupt cached panorama", "pano_id", panoID, "zoom", zoom, "error", err)
		return "", apierr.New(apierr.CacheMissImage,
			"panorama %s zoom %d is corrupt; re-run preload", panoID, zoom)
	}
	return path, nil
}

// PutImage writes image bytes to disk and records the index row.
// Idempotent: re-putting replaces both file and row.
func (s *Store) PutImage(panoID string, zoom int, data []byte) (string, error) {
	path := s.ImagePath(panoID, zoom)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move image into place: %w", err)
	}

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO panoramas (pano_id, zoom, image_path, fetched_at) VALUES (?, ?, ?, ?)",
		panoID, zoom, path, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to index image %s_z%d: %w", panoID, zoom, err)
	}
	return path, nil
}

// === Metadata ===

// HasMeta reports whether metadata exists for a panorama.
func (s *Store) HasMeta(panoID string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM metadata WHERE pano_id = ?", panoID).Scan(&one)
	return err == nil
}

// GetMeta loads the metadata row for a panorama. A missing row is a
// cache_miss_meta error: it means the preload is incomplete, not a transient
// condition.
func (s *Store) GetMeta(panoID string) (*pano.Metadata, error) {
	var (
		m         pano.Metadata
		capture   sql.NullString
		heading   sql.NullFloat64
		linksJSON sql.NullString
		source    sql.NullString
		fetchedAt sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT pano_id, lat, lng, capture_date, center_heading, links_json, fetched_at, source
		 FROM metadata WHERE pano_id = ?`, panoID,
	).Scan(&m.PanoID, &m.Lat, &m.Lng, &capture, &heading, &linksJSON, &fetchedAt, &source)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.CacheMissMeta,
			"metadata for %s not cached; run preload first", panoID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", panoID, err)
	}

	m.CaptureDate = capture.String
	m.CenterHeading = heading.Float64
	m.Source = source.String
	if fetchedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, fetchedAt.String); perr == nil {
			m.FetchedAt = t
		}
	}
	if linksJSON.Valid && linksJSON.String != "" {
		if err := json.Unmarshal([]byte(linksJSON.String), &m.Links); err != nil {
			return nil, fmt.Errorf("failed to decode links for %s: %w", panoID, err)
		}
	}
	return &m, nil
}

// PutMeta stores metadata and the companion location row. Headings are
// normalized into [0,360) here so everything downstream works in true-north
// space. Idempotent (INSERT OR REPLACE).
func (s *Store) PutMeta(m *pano.Metadata) error {
	m.CenterHeading = pano.NormalizeHeading(m.CenterHeading)
	for i := range m.Links {
		m.Links[i].Heading = pano.NormalizeHeading(m.Links[i].Heading)
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}
	if m.FetchedAt.IsZero() {
		m.FetchedAt = time.Now().UTC()
	}

	linksJSON, err := json.Marshal(m.Links)
	if err != nil {
		return fmt.Errorf("failed to encode links for %s: %w", m.PanoID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO metadata
		 (pano_id, lat, lng, capture_date, center_heading, links_json, fetched_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.PanoID, m.Lat, m.Lng, m.CaptureDate, m.CenterHeading,
		string(linksJSON), m.FetchedAt.Format(time.RFC3339Nano), m.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metadata for %s: %w", m.PanoID, err)
	}

	_, err = tx.Exec(
		"INSERT OR REPLACE INTO locations (pano_id, lat, lng) VALUES (?, ?, ?)",
		m.PanoID, m.Lat, m.Lng,
	)
	if err != nil {
		return fmt.Errorf("failed to insert location for %s: %w", m.PanoID, err)
	}

	return tx.Commit()
}

// GetLocation returns the coordinates of a panorama.
func (s *Store) GetLocation(panoID string) (lat, lng float64, err error) {
	err = s.db.QueryRow(
		"SELECT lat, lng FROM locations WHERE pano_id = ?", panoID,
	).Scan(&lat, &lng)
	if err == sql.ErrNoRows {
		return 0, 0, apierr.New(apierr.CacheMissMeta, "location for %s not cached", panoID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read location for %s: %w", panoID, err)
	}
	return lat, lng, nil
}

// GetLocations batch-resolves coordinates for a set of panoramas.
// IDs without a cached location are simply absent from the result.
func (s *Store) GetLocations(panoIDs []string) (map[string][2]float64, error) {
	out := make(map[string][2]float64, len(panoIDs))
	if len(panoIDs) == 0 {
		return out, nil
	}

	query := "SELECT pano_id, lat, lng FROM locations WHERE pano_id IN (?" +
		repeat(",?", len(panoIDs)-1) + ")"
	args := make([]any, len(panoIDs))
	for i, id := range panoIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			lat, lng float64
		)
		if err := rows.Scan(&id, &lat, &lng); err != nil {
			return nil, fmt.Errorf("failed to scan location row: %w", err)
		}
		out[id] = [2]float64{lat, lng}
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
