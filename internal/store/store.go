package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrTypeMismatch      = errors.New("artifact type mismatch")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// Store is the run and artifact metadata interface. All registry reads and
// writes go through here; payload bytes live in a blob.Store.
type Store interface {
	Ping(ctx context.Context) error

	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*models.Run, error)
	UpdateRunConfig(ctx context.Context, id uuid.UUID, config map[string]any) error
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, opts ...RunUpdateOption) error

	// CreateArtifactVersion assigns the next version number for
	// (Project, Name) and persists the artifact. The stored row is returned.
	CreateArtifactVersion(ctx context.Context, artifact *models.Artifact) (*models.Artifact, error)
	GetArtifactVersion(ctx context.Context, project, name string, version int) (*models.Artifact, error)
	GetLatestArtifact(ctx context.Context, project, name string) (*models.Artifact, error)
	ListArtifactVersions(ctx context.Context, project, name string) ([]*models.Artifact, error)

	RecordArtifactUsage(ctx context.Context, runID, artifactID uuid.UUID) error
	ListRunInputs(ctx context.Context, runID uuid.UUID) ([]*models.Artifact, error)
}

var validTransitions = map[string][]string{
	models.RunStatusRunning: {models.RunStatusFinished, models.RunStatusFailed},
}

func canTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type runUpdateParams struct {
	ErrorMessage *string
}

type RunUpdateOption func(*runUpdateParams)

func WithErrorMessage(msg string) RunUpdateOption {
	return func(p *runUpdateParams) {
		p.ErrorMessage = &msg
	}
}
