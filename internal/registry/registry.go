// Package registry keeps a provenance ledger of workflow runs in a SQLite
// database next to the cache: which recipe ran when, where its output went,
// and how many rows each dataset contributed.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	recipe      TEXT NOT NULL,
	output_dir  TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_datasets (
	run_id TEXT NOT NULL,
	name   TEXT NOT NULL,
	kind   TEXT NOT NULL,
	rows   INTEGER NOT NULL,
	PRIMARY KEY (run_id, name),
	FOREIGN KEY (run_id) REFERENCES runs (id)
);
`

// Run is one recorded workflow execution.
type Run struct {
	ID         string
	Recipe     string
	OutputDir  string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// DatasetRecord is one dataset's contribution to a run.
type DatasetRecord struct {
	RunID string
	Name  string
	Kind  string
	Rows  int
}

// Registry wraps the SQLite ledger.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// RecordRun upserts a run. Workflows record once at start (status "running")
// and again at completion.
func (r *Registry) RecordRun(run Run) error {
	_, err := r.db.Exec(`
		INSERT INTO runs (id, recipe, output_dir, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at`,
		run.ID, run.Recipe, run.OutputDir, run.Status,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// RecordDataset stores one dataset's row count for a run.
func (r *Registry) RecordDataset(rec DatasetRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO run_datasets (run_id, name, kind, rows)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE SET kind = excluded.kind, rows = excluded.rows`,
		rec.RunID, rec.Name, rec.Kind, rec.Rows,
	)
	if err != nil {
		return fmt.Errorf("failed to record dataset %s: %w", rec.Name, err)
	}
	return nil
}

// Runs lists recorded runs, most recent first.
func (r *Registry) Runs() ([]Run, error) {
	rows, err := r.db.Query(`
		SELECT id, recipe, output_dir, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var started, finished string
		if err := rows.Scan(&run.ID, &run.Recipe, &run.OutputDir, &run.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("run %s has a corrupt started_at %q: %w", run.ID, started, err)
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339, finished); err != nil {
			return nil, fmt.Errorf("run %s has a corrupt finished_at %q: %w", run.ID, finished, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Datasets lists the dataset records of one run.
func (r *Registry) Datasets(runID string) ([]DatasetRecord, error) {
	rows, err := r.db.Query(`
		SELECT run_id, name, kind, rows FROM run_datasets WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []DatasetRecord
	for rows.Next() {
		var rec DatasetRecord
		if err := rows.Scan(&rec.RunID, &rec.Name, &rec.Kind, &rec.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan dataset record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
