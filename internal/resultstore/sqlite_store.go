// Package resultstore persists selection runs and their per-gene results using SQLite.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atlasmap-sc/triku/internal/service"
)

// RunStatus represents the state of a selection run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one selection run.
type Run struct {
	ID         string         `json:"run_id"`
	Input      string         `json:"input"`
	Status     RunStatus      `json:"status"`
	Params     service.Params `json:"params"`
	NCells     int            `json:"n_cells"`
	NGenes     int            `json:"n_genes"`
	NSelected  int            `json:"n_selected"`
	Cutoff     float64        `json:"cutoff"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Store provides persistent storage for runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based result store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS triku_runs (
		run_id TEXT PRIMARY KEY,
		input TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL DEFAULT '{}',
		n_cells INTEGER DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		n_selected INTEGER DEFAULT 0,
		cutoff REAL DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_triku_runs_status ON triku_runs(status);
	CREATE INDEX IF NOT EXISTS idx_triku_runs_finished ON triku_runs(finished_at);

	CREATE TABLE IF NOT EXISTS triku_genes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		gene_index INTEGER NOT NULL,
		gene TEXT NOT NULL,
		mean REAL NOT NULL,
		proportion_zeros REAL NOT NULL,
		distance_uncorrected REAL NOT NULL,
		distance_random REAL NOT NULL,
		distance_corrected REAL NOT NULL,
		distance REAL NOT NULL,
		highly_variable INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES triku_runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_triku_genes_run ON triku_genes(run_id);
	CREATE INDEX IF NOT EXISTS idx_triku_genes_run_distance ON triku_genes(run_id, distance);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a run record with status=running and returns it.
func (s *Store) CreateRun(input string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &Run{
		ID:        uuid.NewString(),
		Input:     input,
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(`
		INSERT INTO triku_runs (run_id, input, status, created_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.Input, string(run.Status), run.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun stores the result of a run and its gene table in one
// transaction.
func (s *Store) CompleteRun(runID string, res *service.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(res.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO triku_genes (run_id, gene_index, gene, mean, proportion_zeros,
			distance_uncorrected, distance_random, distance_corrected, distance, highly_variable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, g := range res.GeneStats() {
		_, err := stmt.Exec(
			runID, g.Index, g.Gene, g.Mean, g.ProportionZeros,
			g.DistanceUncorrected, g.DistanceRandom, g.DistanceCorrected, g.Distance,
			g.HighlyVariable,
		)
		if err != nil {
			return err
		}
	}

	now := time.Now().Format(time.RFC3339)
	_, err = tx.Exec(`
		UPDATE triku_runs SET status = ?, params_json = ?, n_cells = ?, n_genes = ?, n_selected = ?, cutoff = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusCompleted), string(paramsJSON), res.NCells, len(res.Genes), len(res.Selected()), res.Cutoff, now, runID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// FailRun marks a run as failed.
func (s *Store) FailRun(runID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE triku_runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ?
	`, string(RunStatusFailed), errMsg, now, runID)
	return err
}

// GetRun retrieves a run by ID. A missing run yields nil, nil.
func (s *Store) GetRun(runID string) (*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, input, status, params_json, n_cells, n_genes, n_selected, cutoff, error, created_at, finished_at
		FROM triku_runs WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs, err := s.scanRuns(rows)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, input, status, params_json, n_cells, n_genes, n_selected, cutoff, error, created_at, finished_at
		FROM triku_runs
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanRuns(rows)
}

// QueryGenes queries gene results with pagination and ordering.
func (s *Store) QueryGenes(runID string, orderBy string, offset, limit int, selectedOnly bool) ([]service.GeneStat, int, error) {
	// Map order_by to SQL column
	orderCol := "distance DESC, gene_index ASC"
	switch orderBy {
	case "distance_uncorrected":
		orderCol = "distance_uncorrected DESC, gene_index ASC"
	case "mean":
		orderCol = "mean DESC, gene_index ASC"
	case "gene":
		orderCol = "gene ASC"
	case "index":
		orderCol = "gene_index ASC"
	}

	where := "run_id = ?"
	if selectedOnly {
		where += " AND highly_variable = 1"
	}

	// Get total count
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM triku_genes WHERE "+where, runID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT gene_index, gene, mean, proportion_zeros, distance_uncorrected, distance_random,
			distance_corrected, distance, highly_variable
		FROM triku_genes
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, where, orderCol)

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(query, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []service.GeneStat
	for rows.Next() {
		var g service.GeneStat
		err := rows.Scan(
			&g.Index, &g.Gene, &g.Mean, &g.ProportionZeros,
			&g.DistanceUncorrected, &g.DistanceRandom, &g.DistanceCorrected, &g.Distance,
			&g.HighlyVariable,
		)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, g)
	}

	return results, total, rows.Err()
}

// DeleteExpiredRuns deletes runs finished more than retentionDays ago.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete genes first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM triku_genes WHERE run_id IN (
			SELECT run_id FROM triku_runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM triku_runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its genes.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete genes first
	_, err := s.db.Exec("DELETE FROM triku_genes WHERE run_id = ?", runID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM triku_runs WHERE run_id = ?", runID)
	return err
}

func (s *Store) scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		var run Run
		var paramsJSON string
		var createdAtStr string
		var finishedAtStr sql.NullString

		err := rows.Scan(
			&run.ID,
			&run.Input,
			&run.Status,
			&paramsJSON,
			&run.NCells,
			&run.NGenes,
			&run.NSelected,
			&run.Cutoff,
			&run.Error,
			&createdAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
