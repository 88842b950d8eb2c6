package training

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SummaryFile is the database written under a run's log directory.
const SummaryFile = "summaries.db"

const summarySchema = `
CREATE TABLE IF NOT EXISTS scalars (
	run       TEXT    NOT NULL,
	tag       TEXT    NOT NULL,
	step      INTEGER NOT NULL,
	value     REAL    NOT NULL,
	wall_time REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scalars_run_tag ON scalars (run, tag, step);
`

// SummaryWriter appends scalar summaries to a SQLite database so that
// dashboards can follow a run while it trains.
type SummaryWriter struct {
	db     *sql.DB
	insert *sql.Stmt
	run    string
	path   string
}

// Scalar is one logged value.
type Scalar struct {
	Tag      string
	Step     int
	Value    float64
	WallTime time.Time
}

// NewSummaryWriter opens (or creates) dir/summaries.db and starts a new run.
func NewSummaryWriter(dir string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, SummaryFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(summarySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create summary schema: %w", err)
	}
	insert, err := db.Prepare(`INSERT INTO scalars (run, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare summary insert: %w", err)
	}
	run := time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	return &SummaryWriter{db: db, insert: insert, run: run, path: path}, nil
}

// Run returns the identifier of this writer's run.
func (w *SummaryWriter) Run() string { return w.run }

// Path returns the database file.
func (w *SummaryWriter) Path() string { return w.path }

// Scalar records value under tag at step.
func (w *SummaryWriter) Scalar(tag string, step int, value float64) error {
	now := float64(time.Now().UnixNano()) / 1e9
	if _, err := w.insert.Exec(w.run, tag, step, value, now); err != nil {
		return fmt.Errorf("failed to write summary %s: %w", tag, err)
	}
	return nil
}

// Close releases the database.
func (w *SummaryWriter) Close() error {
	w.insert.Close()
	return w.db.Close()
}

// ReadScalars returns the values logged for run and tag, ordered by step and
// insertion.
func ReadScalars(path, run, tag string) ([]Scalar, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.Query(`SELECT tag, step, value, wall_time FROM scalars WHERE run = ? AND tag = ? ORDER BY step, rowid`, run, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var s Scalar
		var wall float64
		if err := rows.Scan(&s.Tag, &s.Step, &s.Value, &wall); err != nil {
			return nil, err
		}
		s.WallTime = time.Unix(0, int64(wall*1e9))
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListRuns returns the run identifiers stored in the database at path, in
// the order they first logged a value.
func ListRuns(path string) ([]string, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.Query(`SELECT run FROM scalars GROUP BY run ORDER BY MIN(rowid)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	var runs []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
