// Package sessiondb is the supplemental queryable session/pitch index
// (SPEC_FULL.md's "Session/pitch SQL index"): a secondary SQLite store,
// rebuilt incrementally as the Recorder closes each pitch, that backs
// session_summary.csv and the observability surface's track-success-rate
// figure with SQL aggregates instead of directory walks. It does not
// replace the on-disk JSON manifests; §6 still governs that file contract.
//
// Mirrors the teacher's internal/db package: an embedded, schema-versioned
// migration set applied via golang-migrate on open, with a handful of
// WAL/busy_timeout PRAGMAs applied regardless of how the database file
// came to exist.
package sessiondb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/berginj/pitchtracker/internal/pitcherr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a migrated SQLite handle indexing session and pitch metadata.
type DB struct {
	*sql.DB
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return nil
}

// Open opens (creating if needed) the SQLite file at path, applies the
// pragmas, and migrates the schema to the latest version.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("open %q: %w", path, err))
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, pitcherr.New(pitcherr.SessionDBWrite, err)
	}

	db := &DB{sqlDB}
	if err := db.migrateUp(); err != nil {
		sqlDB.Close()
		return nil, pitcherr.New(pitcherr.SessionDBWrite, err)
	}
	return db, nil
}

func (db *DB) migrateUp() error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sub-filesystem for embedded migrations: %w", err)
	}
	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("iofs source driver: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	// Note: m.Close() is not called here; the sqlite driver's Close() would
	// close the *sql.DB this DB wraps, which callers manage separately.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Session is one row of the sessions table.
type Session struct {
	SessionID   string
	SessionName string
	OutputDir   string
	StartedAtNs int64
	EndedAtNs   *int64
}

// InsertSession records a session's start, called from the Orchestrator's
// start_session.
func (db *DB) InsertSession(s Session) error {
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, session_name, output_dir, started_at_ns) VALUES (?, ?, ?, ?)`,
		s.SessionID, s.SessionName, s.OutputDir, s.StartedAtNs,
	)
	if err != nil {
		return pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("insert session %q: %w", s.SessionID, err))
	}
	return nil
}

// CloseSession stamps a session's end time, called from stop_session.
func (db *DB) CloseSession(sessionID string, endedAtNs int64) error {
	_, err := db.Exec(`UPDATE sessions SET ended_at_ns = ? WHERE session_id = ?`, endedAtNs, sessionID)
	if err != nil {
		return pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("close session %q: %w", sessionID, err))
	}
	return nil
}

// Pitch is one row of the pitches table, populated from a pitch manifest
// once the Recorder has closed and the Metrics Analyzer has run.
type Pitch struct {
	PitchID          string
	SessionID        string
	PitchIndex       int
	TStartNs         int64
	TEndNs           int64
	IsStrike         bool
	ZoneRow          int
	ZoneCol          int
	MeasuredSpeedMph float64
	RunIn            float64
	RiseIn           float64
	RotationRpm      *float64
	Confidence       float64
	FailureCode      string
	Incomplete       bool
}

// InsertPitch indexes one finalized pitch.
func (db *DB) InsertPitch(p Pitch) error {
	_, err := db.Exec(`
		INSERT INTO pitches (
			pitch_id, session_id, pitch_index, t_start_ns, t_end_ns,
			is_strike, zone_row, zone_col, measured_speed_mph, run_in, rise_in,
			rotation_rpm, confidence, failure_code, incomplete
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PitchID, p.SessionID, p.PitchIndex, p.TStartNs, p.TEndNs,
		p.IsStrike, p.ZoneRow, p.ZoneCol, p.MeasuredSpeedMph, p.RunIn, p.RiseIn,
		p.RotationRpm, p.Confidence, p.FailureCode, p.Incomplete,
	)
	if err != nil {
		return pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("insert pitch %q: %w", p.PitchID, err))
	}
	return nil
}

// Summary is the track-success-rate aggregate behind session_summary.csv
// and the observability surface.
type Summary struct {
	SessionID       string
	TotalPitches    int
	StrikeCount     int
	AvgSpeedMph     float64
	IncompleteCount int
}

// Summarize aggregates a session's indexed pitches with a single query,
// the reason this index exists alongside the JSON manifests.
func (db *DB) Summarize(sessionID string) (*Summary, error) {
	row := db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(is_strike), 0),
			COALESCE(AVG(measured_speed_mph), 0),
			COALESCE(SUM(incomplete), 0)
		FROM pitches WHERE session_id = ?`, sessionID)

	s := &Summary{SessionID: sessionID}
	if err := row.Scan(&s.TotalPitches, &s.StrikeCount, &s.AvgSpeedMph, &s.IncompleteCount); err != nil {
		return nil, pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("summarize session %q: %w", sessionID, err))
	}
	return s, nil
}

// ListPitches returns a session's pitches in capture order, used to build
// session_summary.csv and the per-session chart in internal/report.
func (db *DB) ListPitches(sessionID string) ([]Pitch, error) {
	rows, err := db.Query(`
		SELECT pitch_id, session_id, pitch_index, t_start_ns, t_end_ns,
		       is_strike, zone_row, zone_col, measured_speed_mph, run_in, rise_in,
		       rotation_rpm, confidence, failure_code, incomplete
		FROM pitches WHERE session_id = ? ORDER BY pitch_index ASC`, sessionID)
	if err != nil {
		return nil, pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("list pitches for %q: %w", sessionID, err))
	}
	defer rows.Close()

	var out []Pitch
	for rows.Next() {
		var p Pitch
		if err := rows.Scan(
			&p.PitchID, &p.SessionID, &p.PitchIndex, &p.TStartNs, &p.TEndNs,
			&p.IsStrike, &p.ZoneRow, &p.ZoneCol, &p.MeasuredSpeedMph, &p.RunIn, &p.RiseIn,
			&p.RotationRpm, &p.Confidence, &p.FailureCode, &p.Incomplete,
		); err != nil {
			return nil, pitcherr.New(pitcherr.SessionDBWrite, fmt.Errorf("scan pitch row: %w", err))
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
