package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/stagehand/stagehand/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// SavePlan persists a validated plan under the given run.
func (s *SQLiteStore) SavePlan(ctx context.Context, runID string, plan *engine.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal plan steps: %w", err)
	}

	query := `
		INSERT INTO plans (id, run_id, intent_text, status, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		runID,
		plan.Intent.Text,
		string(engine.PlanStatusRunning),
		string(steps),
		plan.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// UpdatePlanStatus records a plan's transition. Terminal statuses also
// stamp the completion time.
func (s *SQLiteStore) UpdatePlanStatus(ctx context.Context, planID string, status engine.PlanStatus) error {
	query := `
		UPDATE plans
		SET status = ?, completed_at = ?
		WHERE id = ?
	`

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, string(status), completedAt, planID)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("plan not found: %s", planID)
	}

	return nil
}

// GetPlan retrieves a plan record by ID
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*PlanRecord, error) {
	query := `
		SELECT id, run_id, intent_text, status, steps, created_at, completed_at
		FROM plans
		WHERE id = ?
	`

	rec := &PlanRecord{}
	err := s.db.QueryRowContext(ctx, query, planID).Scan(
		&rec.ID,
		&rec.RunID,
		&rec.IntentText,
		&rec.Status,
		&rec.Steps,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %s", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return rec, nil
}

// ListPlans lists plans for a run with pagination
func (s *SQLiteStore) ListPlans(ctx context.Context, runID string, limit, offset int) ([]*PlanRecord, error) {
	query := `
		SELECT id, run_id, intent_text, status, steps, created_at, completed_at
		FROM plans
		WHERE run_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanRecord{}
	for rows.Next() {
		rec := &PlanRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.IntentText,
			&rec.Status,
			&rec.Steps,
			&rec.CreatedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// AppendMemoryEntry appends one session memory entry. Entries are never
// updated or deleted; the latest entry per key wins on lookup.
func (s *SQLiteStore) AppendMemoryEntry(ctx context.Context, runID string, entry engine.MemoryEntry) error {
	query := `
		INSERT INTO memory_entries (run_id, key, value, written_by, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		entry.Key,
		entry.Value,
		entry.WrittenBy,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append memory entry: %w", err)
	}

	return nil
}

// ListMemoryEntries returns all entries for a run in append order, for
// rebuilding a session memory.
func (s *SQLiteStore) ListMemoryEntries(ctx context.Context, runID string) ([]engine.MemoryEntry, error) {
	query := `
		SELECT key, value, written_by, timestamp
		FROM memory_entries
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.MemoryEntry{}
	for rows.Next() {
		var entry engine.MemoryEntry
		err := rows.Scan(
			&entry.Key,
			&entry.Value,
			&entry.WrittenBy,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory entries: %w", err)
	}

	return entries, nil
}

// AppendExecutionRecord appends one attempt record.
func (s *SQLiteStore) AppendExecutionRecord(ctx context.Context, rec engine.ExecutionRecord) error {
	query := `
		INSERT INTO execution_records (plan_id, step_id, attempt, kind, detail, backoff_ns, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.PlanID,
		rec.StepID,
		rec.Attempt,
		string(rec.Kind),
		rec.Detail,
		int64(rec.Backoff),
		rec.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append execution record: %w", err)
	}

	return nil
}

// ListExecutionRecords returns all attempt records for a plan in append
// order.
func (s *SQLiteStore) ListExecutionRecords(ctx context.Context, planID string) ([]engine.ExecutionRecord, error) {
	query := `
		SELECT plan_id, step_id, attempt, kind, detail, backoff_ns, timestamp
		FROM execution_records
		WHERE plan_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	records := []engine.ExecutionRecord{}
	for rows.Next() {
		var rec engine.ExecutionRecord
		var kind string
		var backoff int64
		err := rows.Scan(
			&rec.PlanID,
			&rec.StepID,
			&rec.Attempt,
			&kind,
			&rec.Detail,
			&backoff,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Kind = engine.ResultKind(kind)
		rec.Backoff = time.Duration(backoff)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

// SaveReport persists a terminal plan report.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.PlanReport) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO reports (plan_id, status, report, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE SET
			status = excluded.status,
			report = excluded.report,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		report.PlanID,
		string(report.Status),
		string(blob),
		report.StartedAt,
		report.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	return nil
}

// GetReport retrieves the report for a plan.
func (s *SQLiteStore) GetReport(ctx context.Context, planID string) (*engine.PlanReport, error) {
	query := `SELECT report FROM reports WHERE plan_id = ?`

	var blob string
	err := s.db.QueryRowContext(ctx, query, planID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("report not found: %s", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report engine.PlanReport
	if err := json.Unmarshal([]byte(blob), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}

	return &report, nil
}

// ListReports lists report records with pagination
func (s *SQLiteStore) ListReports(ctx context.Context, limit, offset int) ([]*ReportRecord, error) {
	query := `
		SELECT plan_id, status, report, started_at, completed_at
		FROM reports
		ORDER BY completed_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*ReportRecord{}
	for rows.Next() {
		rec := &ReportRecord{}
		err := rows.Scan(
			&rec.PlanID,
			&rec.Status,
			&rec.Report,
			&rec.StartedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
