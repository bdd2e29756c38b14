package scenario

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for lookups of unknown scenarios or executions.
var ErrNotFound = errors.New("not found")

// Store persists scenarios and execution results in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore creates or opens the scenario database under dataDir with WAL
// mode enabled and runs any pending migrations.
func OpenStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "scenarios.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("subsystem", "scenario-store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("scenario database opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies pending SQL migration files in filename order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		s.logger.Info("migration applied", "version", version)
	}
	return nil
}

// CreateScenario validates and stores a new scenario, assigning an id when
// the caller supplied none.
func (s *Store) CreateScenario(ctx context.Context, sc *Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	steps, err := json.Marshal(sc.Steps)
	if err != nil {
		return fmt.Errorf("encoding steps: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scenarios (id, name, description, steps, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Description, string(steps), sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting scenario: %w", err)
	}
	return nil
}

// Load returns one scenario by id.
func (s *Store) Load(ctx context.Context, id string) (*Scenario, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, steps, created_at, updated_at
		 FROM scenarios WHERE id = ?`, id)

	var sc Scenario
	var steps string
	err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &steps, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &sc.Steps); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	return &sc, nil
}

// List returns all scenarios, newest first.
func (s *Store) List(ctx context.Context) ([]*Scenario, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, steps, created_at, updated_at
		 FROM scenarios ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing scenarios: %w", err)
	}
	defer rows.Close()

	var out []*Scenario
	for rows.Next() {
		var sc Scenario
		var steps string
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.Description, &steps, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning scenario: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &sc.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// Update validates and replaces an existing scenario.
func (s *Store) Update(ctx context.Context, sc *Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	sc.UpdatedAt = time.Now().UTC()

	steps, err := json.Marshal(sc.Steps)
	if err != nil {
		return fmt.Errorf("encoding steps: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scenarios SET name = ?, description = ?, steps = ?, updated_at = ?
		 WHERE id = ?`,
		sc.Name, sc.Description, string(steps), sc.UpdatedAt, sc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating scenario: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a scenario and, via cascade, its executions.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scenarios WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting scenario: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution records a run that has started.
func (s *Store) CreateExecution(ctx context.Context, ex *ExecutionResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, scenario_id, status, started_at)
		 VALUES (?, ?, ?, ?)`,
		ex.ID, ex.ScenarioID, ex.Status, ex.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// FinishExecution stores the final status and the per-step results.
func (s *Store) FinishExecution(ctx context.Context, ex *ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE executions SET status = ?, finished_at = ? WHERE id = ?",
		ex.Status, ex.FinishedAt.UTC(), ex.ID,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	for seq, sr := range ex.Steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_results
			 (execution_id, step_number, seq, type, status, duration_ms, error, transcript, intent)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ex.ID, sr.StepNumber, seq, sr.Type, sr.Status, sr.DurationMs, sr.Error, sr.Transcript, sr.Intent,
		)
		if err != nil {
			return fmt.Errorf("inserting step result: %w", err)
		}
	}
	return tx.Commit()
}

// GetExecution returns one execution with its step results in order.
func (s *Store) GetExecution(ctx context.Context, id string) (*ExecutionResult, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, scenario_id, status, started_at, finished_at FROM executions WHERE id = ?", id)

	var ex ExecutionResult
	var finished sql.NullTime
	err := row.Scan(&ex.ID, &ex.ScenarioID, &ex.Status, &ex.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	if finished.Valid {
		ex.FinishedAt = finished.Time
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_number, type, status, duration_ms, error, transcript, intent
		 FROM step_results WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("loading step results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sr StepResult
		if err := rows.Scan(&sr.StepNumber, &sr.Type, &sr.Status, &sr.DurationMs, &sr.Error, &sr.Transcript, &sr.Intent); err != nil {
			return nil, fmt.Errorf("scanning step result: %w", err)
		}
		ex.Steps = append(ex.Steps, sr)
	}
	return &ex, rows.Err()
}
