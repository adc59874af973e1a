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
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
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
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

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

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateDeployment inserts a new deployment with all steps pending, in
// declared order, within a single transaction.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, projectID, region string, cfg json.RawMessage, stepNames []string) (*Deployment, error) {
	if len(stepNames) == 0 {
		return nil, fmt.Errorf("deployment requires at least one step")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deployments (id, project_id, region, config, schema_version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, projectID, region, string(cfg), SchemaVersion, DeploymentStatusPending, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	for i, name := range stepNames {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (deployment_id, name, position, status, resources, attempts, updated_at)
			VALUES (?, ?, ?, ?, '{}', 0, ?)
		`, id, name, i, StepStatusPending, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create step %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deployment: %w", err)
	}

	return s.GetDeployment(ctx, id)
}

// GetDeployment retrieves a deployment and its steps by ID. Deployments
// written by an unrecognized schema version are rejected.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, region, config, schema_version, status, created_at, updated_at
		FROM deployments
		WHERE id = ?
	`, id)

	d, err := scanDeployment(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadSteps(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// FindByProject returns the most recent non-completed deployment for a
// project, supporting resume without knowing the deployment ID.
func (s *SQLiteStore) FindByProject(ctx context.Context, projectID string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, region, config, schema_version, status, created_at, updated_at
		FROM deployments
		WHERE project_id = ? AND status != ?
		ORDER BY created_at DESC
		LIMIT 1
	`, projectID, DeploymentStatusCompleted)

	d, err := scanDeployment(row)
	if err != nil {
		return nil, err
	}

	if err := s.loadSteps(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SetDeploymentStatus updates the deployment-level status.
func (s *SQLiteStore) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListDeployments lists deployments, newest first, with pagination.
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, region, config, schema_version, status, created_at, updated_at
		FROM deployments
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	for _, d := range deployments {
		if err := s.loadSteps(ctx, d); err != nil {
			return nil, err
		}
	}

	return deployments, nil
}

// NextPendingStep returns the earliest-declared step whose status is not
// completed, or ErrNoPendingSteps when the pipeline has run out of work.
// This is the sole scheduling authority; the engine never reorders steps.
func (s *SQLiteStore) NextPendingStep(ctx context.Context, deploymentID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT name FROM steps
		WHERE deployment_id = ? AND status != ?
		ORDER BY position ASC
		LIMIT 1
	`, deploymentID, StepStatusCompleted).Scan(&name)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoPendingSteps
	}
	if err != nil {
		return "", fmt.Errorf("failed to find next pending step: %w", err)
	}
	return name, nil
}

// UpdateStep merges a partial update into the persisted step. The update is
// a single transaction; a crash mid-write never corrupts completed steps.
// Moving a step to completed clears any failure message recorded by earlier
// attempts, so error is only ever present on a failed step. Moving a step to
// in_progress while a sibling is already in flight returns ErrStepConflict.
func (s *SQLiteStore) UpdateStep(ctx context.Context, deploymentID, name string, update StepUpdate) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if update.Status != nil && *update.Status == StepStatusInProgress {
		var inFlight int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM steps
			WHERE deployment_id = ? AND status = ? AND name != ?
		`, deploymentID, StepStatusInProgress, name).Scan(&inFlight)
		if err != nil {
			return fmt.Errorf("failed to check in-flight steps: %w", err)
		}
		if inFlight > 0 {
			return ErrStepConflict
		}
	}

	query := `
		UPDATE steps SET
			status = COALESCE(?, status),
			error = CASE WHEN ? THEN ? WHEN ? = 'completed' THEN NULL ELSE error END,
			attempts = attempts + ?,
			started_at = CASE WHEN ? = 'in_progress' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END,
			updated_at = ?
		WHERE deployment_id = ? AND name = ?
	`

	var status any
	if update.Status != nil {
		status = string(*update.Status)
	}
	increment := 0
	if update.IncrementAttempts {
		increment = 1
	}

	result, err := tx.ExecContext(ctx, query,
		status,
		update.Error != nil, update.Error, status,
		increment,
		status, now,
		status, now,
		now,
		deploymentID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("step %s/%s: %w", deploymentID, name, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step update: %w", err)
	}
	return nil
}

// UpdateStepResource merges one resource output into the step's resource map
// inside a single transaction. Existing keys are overwritten, never cleared:
// the deployment is append-only with respect to step outputs.
func (s *SQLiteStore) UpdateStepResource(ctx context.Context, deploymentID, name, key, value string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `
		SELECT resources FROM steps WHERE deployment_id = ? AND name = ?
	`, deploymentID, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step %s/%s: %w", deploymentID, name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read step resources: %w", err)
	}

	resources := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &resources); err != nil {
			return fmt.Errorf("failed to decode step resources: %w", err)
		}
	}
	resources[key] = value

	merged, err := json.Marshal(resources)
	if err != nil {
		return fmt.Errorf("failed to encode step resources: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE steps SET resources = ?, updated_at = ? WHERE deployment_id = ? AND name = ?
	`, string(merged), time.Now().UTC(), deploymentID, name)
	if err != nil {
		return fmt.Errorf("failed to update step resources: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resource update: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*Deployment, error) {
	d := &Deployment{}
	var cfg string

	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.Region,
		&cfg,
		&d.SchemaVersion,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}

	if d.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("deployment %s has schema version %d, want %d: %w",
			d.ID, d.SchemaVersion, SchemaVersion, ErrSchemaVersion)
	}

	d.Config = json.RawMessage(cfg)
	return d, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, d *Deployment) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_id, name, position, status, resources, error, attempts,
			started_at, completed_at, updated_at
		FROM steps
		WHERE deployment_id = ?
		ORDER BY position ASC
	`, d.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	d.Steps = nil
	for rows.Next() {
		var step Step
		var resources string

		err := rows.Scan(
			&step.DeploymentID,
			&step.Name,
			&step.Position,
			&step.Status,
			&resources,
			&step.Error,
			&step.Attempts,
			&step.StartedAt,
			&step.CompletedAt,
			&step.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}

		step.Resources = map[string]string{}
		if resources != "" {
			if err := json.Unmarshal([]byte(resources), &step.Resources); err != nil {
				return fmt.Errorf("failed to decode resources for step %q: %w", step.Name, err)
			}
		}

		d.Steps = append(d.Steps, step)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating steps: %w", err)
	}
	return nil
}
