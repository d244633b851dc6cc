package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
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
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

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

// Close closes the database connection.
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

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// LoadSnapshot returns the persisted snapshot. An uninitialized database
// or a schema version mismatch yields an empty all-pending baseline, never
// an error: the next pass re-detects and re-converges from scratch.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	snapshot := engine.NewSnapshot()

	version, err := s.schemaVersion(ctx)
	if err != nil || version != engine.SnapshotSchemaVersion {
		return snapshot, nil
	}
	snapshot.SchemaVersion = version

	if err := s.loadSteps(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadFacts(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadBindings(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := s.loadGeneration(ctx, snapshot); err != nil {
		return nil, err
	}

	return snapshot, nil
}

// loadGeneration lifts the snapshot generation to the newest recorded pass,
// covering restarts after passes that wrote no step rows.
func (s *SQLiteStore) loadGeneration(ctx context.Context, snapshot *engine.Snapshot) error {
	var generation int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM passes`).Scan(&generation)
	if err != nil {
		return fmt.Errorf("failed to load pass generation: %w", err)
	}
	if generation > snapshot.Generation {
		snapshot.Generation = generation
	}
	return nil
}

// schemaVersion reads the persisted schema version from the meta table.
func (s *SQLiteStore) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// loadSteps fills the snapshot's step records and generation.
func (s *SQLiteStore) loadSteps(ctx context.Context, snapshot *engine.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, generation, status, reason, updated_at
		FROM step_statuses
	`)
	if err != nil {
		return fmt.Errorf("failed to load step statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			stepID     string
			generation int64
			status     string
			reason     string
			updatedAt  string
		)
		if err := rows.Scan(&stepID, &generation, &status, &reason, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan step status: %w", err)
		}

		stepStatus := engine.StepStatus(status)
		if stepStatus.Validate() != nil {
			// Unreadable rows are dropped; the step restarts as pending.
			continue
		}

		snapshot.Steps[stepID] = engine.StepRecord{
			Status:    stepStatus,
			Reason:    reason,
			UpdatedAt: parseTime(updatedAt),
		}
		if generation > snapshot.Generation {
			snapshot.Generation = generation
		}
	}

	return rows.Err()
}

// loadFacts fills the snapshot's capability facts.
func (s *SQLiteStore) loadFacts(ctx context.Context, snapshot *engine.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, available, known, source, detected_at, detail
		FROM capability_facts
	`)
	if err != nil {
		return fmt.Errorf("failed to load facts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name       string
			available  bool
			known      bool
			source     string
			detectedAt string
			detail     string
		)
		if err := rows.Scan(&name, &available, &known, &source, &detectedAt, &detail); err != nil {
			return fmt.Errorf("failed to scan fact: %w", err)
		}

		snapshot.Facts = append(snapshot.Facts, engine.CapabilityFact{
			Name:       name,
			Available:  available,
			Known:      known,
			Source:     engine.DetectionSource(source),
			DetectedAt: parseTime(detectedAt),
			Detail:     detail,
		})
	}

	return rows.Err()
}

// loadBindings fills the snapshot's applied bindings.
func (s *SQLiteStore) loadBindings(ctx context.Context, snapshot *engine.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_key, kind, capability, value
		FROM bindings
	`)
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var targetKey, kind, capability, value string
		if err := rows.Scan(&targetKey, &kind, &capability, &value); err != nil {
			return fmt.Errorf("failed to scan binding: %w", err)
		}

		set, ok := snapshot.Bindings[targetKey]
		if !ok {
			set = make(engine.BindingSet)
			snapshot.Bindings[targetKey] = set
		}
		set[engine.BindingKind(kind)] = engine.Binding{
			Kind:       engine.BindingKind(kind),
			Capability: capability,
			Value:      value,
		}
	}

	return rows.Err()
}

// SaveStepStatus persists one step transition.
func (s *SQLiteStore) SaveStepStatus(ctx context.Context, generation int64, stepID string, status engine.StepStatus, reason string) error {
	query := `
		INSERT INTO step_statuses (step_id, generation, status, reason, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			generation = excluded.generation,
			status = excluded.status,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		stepID,
		generation,
		string(status),
		reason,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save step status: %w", err)
	}

	return nil
}

// UpsertFact persists one capability fact.
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact engine.CapabilityFact) error {
	query := `
		INSERT INTO capability_facts (name, available, known, source, detected_at, detail)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			available = excluded.available,
			known = excluded.known,
			source = excluded.source,
			detected_at = excluded.detected_at,
			detail = excluded.detail
	`

	_, err := s.db.ExecContext(ctx, query,
		fact.Name,
		fact.Available,
		fact.Known,
		string(fact.Source),
		formatTime(fact.DetectedAt),
		fact.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	return nil
}

// SaveBindings persists the full binding set for one target, replacing any
// previously stored set.
func (s *SQLiteStore) SaveBindings(ctx context.Context, targetKey string, bindings engine.BindingSet) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bindings WHERE target_key = ?`, targetKey); err != nil {
		return fmt.Errorf("failed to clear bindings: %w", err)
	}

	now := formatTime(time.Now())
	for _, binding := range bindings {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bindings (target_key, kind, capability, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, targetKey, string(binding.Kind), binding.Capability, binding.Value, now)
		if err != nil {
			return fmt.Errorf("failed to insert binding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bindings: %w", err)
	}

	return nil
}

// RecordPass persists the outcome of one reconcile pass.
func (s *SQLiteStore) RecordPass(ctx context.Context, report *engine.PassReport) error {
	query := `
		INSERT INTO passes (
			id, generation, phase, total, verified, failed, skipped, pending,
			applies, rotation_applies, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		report.ID,
		report.Generation,
		string(report.Phase),
		report.Summary.Total,
		report.Summary.Verified,
		report.Summary.Failed,
		report.Summary.Skipped,
		report.Summary.Pending,
		report.Applies,
		report.RotationApplies,
		formatTime(report.StartedAt),
		formatTime(report.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record pass: %w", err)
	}

	return nil
}

// ListPasses lists pass records, newest first, with pagination.
func (s *SQLiteStore) ListPasses(ctx context.Context, limit, offset int) ([]*PassRecord, error) {
	query := `
		SELECT id, generation, phase, total, verified, failed, skipped, pending,
			   applies, rotation_applies, started_at, completed_at
		FROM passes
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	records := []*PassRecord{}
	for rows.Next() {
		record, err := scanPass(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating passes: %w", err)
	}

	return records, nil
}

// LatestPass returns the most recent pass record, or nil when none exists.
func (s *SQLiteStore) LatestPass(ctx context.Context) (*PassRecord, error) {
	records, err := s.ListPasses(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// scanPass scans one pass row.
func scanPass(rows *sql.Rows) (*PassRecord, error) {
	var (
		record               PassRecord
		startedAt, completed string
	)
	err := rows.Scan(
		&record.ID,
		&record.Generation,
		&record.Phase,
		&record.Total,
		&record.Verified,
		&record.Failed,
		&record.Skipped,
		&record.Pending,
		&record.Applies,
		&record.RotationApplies,
		&startedAt,
		&completed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pass: %w", err)
	}
	record.StartedAt = parseTime(startedAt)
	record.CompletedAt = parseTime(completed)
	return &record, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// formatTime renders a timestamp for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

// parseTime reads a stored timestamp. Unparseable values yield the zero
// time rather than an error; callers treat them as "long ago".
func parseTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
