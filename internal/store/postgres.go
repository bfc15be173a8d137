package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

const artifactColumns = `id, project, name, type, description, version, file_name, size, digest, blob_key, run_id, created_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	config := run.Config
	if config == nil {
		config = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, project, job_type, status, config, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Project, run.JobType, run.Status, config, run.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	var r models.Run
	err := s.pool.QueryRow(ctx,
		`SELECT id, project, job_type, status, config, error_message, started_at, finished_at
		 FROM runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.Project, &r.JobType, &r.Status, &r.Config, &r.ErrorMessage, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRunConfig(ctx context.Context, id uuid.UUID, config map[string]any) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET config = config || $2 WHERE id = $1`, id, config)
	if err != nil {
		return fmt.Errorf("update run config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, opts ...RunUpdateOption) error {
	params := &runUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !canTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3, error_message = $4 WHERE id = $1`,
		id, status, time.Now().UTC(), params.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// --- Artifacts ---

func (s *PostgresStore) CreateArtifactVersion(ctx context.Context, a *models.Artifact) (*models.Artifact, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create artifact: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingType string
	err = tx.QueryRow(ctx,
		`SELECT type FROM artifacts WHERE project = $1 AND name = $2 ORDER BY version DESC LIMIT 1`,
		a.Project, a.Name).Scan(&existingType)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check artifact type: %w", err)
	}
	if err == nil && existingType != a.Type {
		return nil, fmt.Errorf("%w: %s is %q, not %q", ErrTypeMismatch, a.Name, existingType, a.Type)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO artifacts (id, project, name, type, description, version, file_name, size, digest, blob_key, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5,
		   (SELECT COALESCE(MAX(version) + 1, 0) FROM artifacts WHERE project = $2 AND name = $3),
		   $6, $7, $8, $9, $10, $11)
		 RETURNING `+artifactColumns,
		a.ID, a.Project, a.Name, a.Type, a.Description, a.FileName, a.Size, a.Digest, a.BlobKey, a.RunID, a.CreatedAt)
	created, err := scanArtifact(row)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create artifact: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetArtifactVersion(ctx context.Context, project, name string, version int) (*models.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project = $1 AND name = $2 AND version = $3`,
		project, name, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact version: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetLatestArtifact(ctx context.Context, project, name string) (*models.Artifact, error) {
	a, err := scanArtifact(s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project = $1 AND name = $2 ORDER BY version DESC LIMIT 1`,
		project, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListArtifactVersions(ctx context.Context, project, name string) ([]*models.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE project = $1 AND name = $2 ORDER BY version`,
		project, name)
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	return collectArtifacts(rows)
}

// --- Lineage ---

func (s *PostgresStore) RecordArtifactUsage(ctx context.Context, runID, artifactID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_inputs (run_id, artifact_id) VALUES ($1, $2)
		 ON CONFLICT (run_id, artifact_id) DO NOTHING`, runID, artifactID)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("record artifact usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunInputs(ctx context.Context, runID uuid.UUID) ([]*models.Artifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.id, a.project, a.name, a.type, a.description, a.version, a.file_name, a.size, a.digest, a.blob_key, a.run_id, a.created_at
		 FROM run_inputs ri JOIN artifacts a ON a.id = ri.artifact_id
		 WHERE ri.run_id = $1 ORDER BY ri.used_at, a.name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run inputs: %w", err)
	}
	return collectArtifacts(rows)
}

func scanArtifact(row pgx.Row) (*models.Artifact, error) {
	var a models.Artifact
	if err := row.Scan(&a.ID, &a.Project, &a.Name, &a.Type, &a.Description, &a.Version,
		&a.FileName, &a.Size, &a.Digest, &a.BlobKey, &a.RunID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectArtifacts(rows pgx.Rows) ([]*models.Artifact, error) {
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}
