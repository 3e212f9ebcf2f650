package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"areawatch/internal/pipeline"
)

// Store handles SQLite persistence: the NG episode log, the operator
// account, and the last-saved runtime parameters.
type Store struct {
	db *sql.DB
}

var _ pipeline.EpisodeStore = (*Store)(nil)

// EpisodeRecord represents one NG episode stored in the database
type EpisodeRecord struct {
	ID           uuid.UUID
	EnteredAt    time.Time
	ExitedAt     *time.Time // nil while the episode is still open
	PeakSmoothed float64
	ReportPath   string
}

// OperatorRecord represents the single operator account
type OperatorRecord struct {
	Username     string
	PasswordHash string
	UpdatedAt    time.Time
}

// New opens (or creates) the database at dbPath
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			entered_at DATETIME NOT NULL,
			exited_at DATETIME,
			peak_smoothed REAL NOT NULL DEFAULT 0,
			report_path TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS operators (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_entered ON episodes(entered_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// OpenEpisode inserts a new episode row at the moment of an NG entry
func (s *Store) OpenEpisode(id uuid.UUID, enteredAt time.Time, smoothed float64) error {
	query := `INSERT INTO episodes (id, entered_at, peak_smoothed) VALUES (?, ?, ?)`
	if _, err := s.db.Exec(query, id.String(), enteredAt, smoothed); err != nil {
		return fmt.Errorf("failed to open episode: %w", err)
	}
	return nil
}

// CloseEpisode stamps the exit time on an open episode
func (s *Store) CloseEpisode(id uuid.UUID, exitedAt time.Time) error {
	result, err := s.db.Exec("UPDATE episodes SET exited_at = ? WHERE id = ?", exitedAt, id.String())
	if err != nil {
		return fmt.Errorf("failed to close episode: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("episode %s not found", id)
	}
	return nil
}

// AttachReport records the report file generated for an episode
func (s *Store) AttachReport(id uuid.UUID, reportPath string) error {
	if _, err := s.db.Exec("UPDATE episodes SET report_path = ? WHERE id = ?", reportPath, id.String()); err != nil {
		return fmt.Errorf("failed to attach report: %w", err)
	}
	return nil
}

// UpdatePeak raises the recorded peak if smoothed exceeds it
func (s *Store) UpdatePeak(id uuid.UUID, smoothed float64) error {
	query := `UPDATE episodes SET peak_smoothed = ? WHERE id = ? AND peak_smoothed < ?`
	if _, err := s.db.Exec(query, smoothed, id.String(), smoothed); err != nil {
		return fmt.Errorf("failed to update peak: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID
func (s *Store) GetEpisode(id uuid.UUID) (*EpisodeRecord, error) {
	query := `SELECT id, entered_at, exited_at, peak_smoothed, report_path FROM episodes WHERE id = ?`

	var rec EpisodeRecord
	var rawID string
	var exited sql.NullTime
	err := s.db.QueryRow(query, id.String()).Scan(&rawID, &rec.EnteredAt, &exited, &rec.PeakSmoothed, &rec.ReportPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	rec.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt episode id %q: %w", rawID, err)
	}
	if exited.Valid {
		rec.ExitedAt = &exited.Time
	}
	return &rec, nil
}

// ListEpisodes returns episodes newest first, with optional filtering
func (s *Store) ListEpisodes(since *time.Time, limit int) ([]*EpisodeRecord, error) {
	query := `SELECT id, entered_at, exited_at, peak_smoothed, report_path FROM episodes WHERE 1=1`
	args := []interface{}{}

	if since != nil {
		query += " AND entered_at >= ?"
		args = append(args, *since)
	}

	query += " ORDER BY entered_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*EpisodeRecord
	for rows.Next() {
		var rec EpisodeRecord
		var rawID string
		var exited sql.NullTime
		if err := rows.Scan(&rawID, &rec.EnteredAt, &exited, &rec.PeakSmoothed, &rec.ReportPath); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		rec.ID, err = uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("corrupt episode id %q: %w", rawID, err)
		}
		if exited.Valid {
			rec.ExitedAt = &exited.Time
		}
		episodes = append(episodes, &rec)
	}
	return episodes, nil
}

// SaveOperator saves or updates the operator account
func (s *Store) SaveOperator(username, passwordHash string) error {
	query := `INSERT INTO operators (username, password_hash, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := s.db.Exec(query, username, passwordHash); err != nil {
		return fmt.Errorf("failed to save operator: %w", err)
	}
	return nil
}

// GetOperatorHash returns the stored password hash, or "" when the
// account does not exist.
func (s *Store) GetOperatorHash(username string) (string, error) {
	rec, err := s.GetOperator(username)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.PasswordHash, nil
}

// GetOperator retrieves the operator account by username
func (s *Store) GetOperator(username string) (*OperatorRecord, error) {
	query := `SELECT username, password_hash, updated_at FROM operators WHERE username = ?`

	var rec OperatorRecord
	err := s.db.QueryRow(query, username).Scan(&rec.Username, &rec.PasswordHash, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operator: %w", err)
	}
	return &rec, nil
}

// SaveParams persists the effective runtime parameters so the next
// session starts where the operator left off.
func (s *Store) SaveParams(params pipeline.RuntimeParameters) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES ('runtime_params', ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := s.db.Exec(query, string(data)); err != nil {
		return fmt.Errorf("failed to save params: %w", err)
	}
	return nil
}

// LoadParams returns the saved runtime parameters, or ok=false when
// nothing was saved yet.
func (s *Store) LoadParams() (pipeline.RuntimeParameters, bool, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM app_config WHERE key = 'runtime_params'").Scan(&raw)
	if err == sql.ErrNoRows {
		return pipeline.RuntimeParameters{}, false, nil
	}
	if err != nil {
		return pipeline.RuntimeParameters{}, false, fmt.Errorf("failed to load params: %w", err)
	}

	var params pipeline.RuntimeParameters
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return pipeline.RuntimeParameters{}, false, fmt.Errorf("corrupt saved params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return pipeline.RuntimeParameters{}, false, fmt.Errorf("saved params invalid: %w", err)
	}
	return params, true, nil
}
