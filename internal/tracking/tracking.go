// Package tracking records runs and versioned artifacts for pipeline steps.
package tracking

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/kiranshivaraju/prepline/internal/blob"
	"github.com/kiranshivaraju/prepline/internal/cache"
	"github.com/kiranshivaraju/prepline/internal/store"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

var ErrDigestMismatch = errors.New("artifact digest mismatch")

// ArtifactStore is the tracking collaborator a step talks to.
type ArtifactStore interface {
	// InitRun registers a new running run.
	InitRun(ctx context.Context, project, jobType string) (*models.Run, error)
	// UpdateConfig merges config into the run's recorded configuration.
	UpdateConfig(ctx context.Context, run *models.Run, config map[string]any) error
	// UseArtifact resolves ref within the run's project and records it as a run input.
	UseArtifact(ctx context.Context, run *models.Run, ref string) (*models.Artifact, error)
	// Download materialises the artifact under dir and returns the directory holding its file.
	Download(ctx context.Context, artifact *models.Artifact, dir string) (string, error)
	// LogArtifact uploads the file at path as the next version of spec.Name.
	LogArtifact(ctx context.Context, run *models.Run, spec models.ArtifactSpec, path string) (*models.Artifact, error)
	// FinishRun marks the run finished, or failed when runErr is non-nil.
	FinishRun(ctx context.Context, run *models.Run, runErr error) error
}

// Service implements ArtifactStore over a metadata store and a blob store.
type Service struct {
	store    store.Store
	blobs    blob.Store
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

var _ ArtifactStore = (*Service)(nil)

type Option func(*Service)

// WithCache enables caching of exact-version artifact lookups.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func NewService(st store.Store, blobs blob.Store, opts ...Option) *Service {
	s := &Service{store: st, blobs: blobs, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) InitRun(ctx context.Context, project, jobType string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.New(),
		Project:   project,
		JobType:   jobType,
		Status:    models.RunStatusRunning,
		Config:    map[string]any{},
		StartedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("init run: %w", err)
	}
	return run, nil
}

func (s *Service) UpdateConfig(ctx context.Context, run *models.Run, config map[string]any) error {
	if err := s.store.UpdateRunConfig(ctx, run.ID, config); err != nil {
		return fmt.Errorf("update run config: %w", err)
	}
	if run.Config == nil {
		run.Config = map[string]any{}
	}
	for k, v := range config {
		run.Config[k] = v
	}
	return nil
}

func (s *Service) UseArtifact(ctx context.Context, run *models.Run, ref string) (*models.Artifact, error) {
	parsed, err := models.ParseArtifactRef(ref)
	if err != nil {
		return nil, err
	}
	a, err := s.resolve(ctx, run.Project, parsed)
	if err != nil {
		return nil, fmt.Errorf("use artifact %s: %w", parsed, err)
	}
	if err := s.store.RecordArtifactUsage(ctx, run.ID, a.ID); err != nil {
		return nil, fmt.Errorf("record usage of %s: %w", a.QualifiedName(), err)
	}
	return a, nil
}

func (s *Service) resolve(ctx context.Context, project string, ref models.ArtifactRef) (*models.Artifact, error) {
	if ref.IsLatest() {
		return s.store.GetLatestArtifact(ctx, project, ref.Name)
	}

	if a, ok := s.cached(ctx, project, ref); ok {
		return a, nil
	}
	a, err := s.store.GetArtifactVersion(ctx, project, ref.Name, ref.Version)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, a)
	return a, nil
}

func (s *Service) Download(ctx context.Context, a *models.Artifact, dir string) (string, error) {
	dest := filepath.Join(dir, fmt.Sprintf("%s-v%d", a.Name, a.Version))
	path := filepath.Join(dest, a.FileName)

	if digest, _, err := digestFile(path); err == nil && digest == a.Digest {
		s.logger.Debug("artifact already downloaded", "artifact", a.QualifiedName(), "path", path)
		return dest, nil
	}

	if err := s.blobs.Get(ctx, a.BlobKey, path); err != nil {
		return "", fmt.Errorf("download %s: %w", a.QualifiedName(), err)
	}
	digest, _, err := digestFile(path)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", a.QualifiedName(), err)
	}
	if digest != a.Digest {
		os.Remove(path)
		return "", fmt.Errorf("download %s: %w: got %s, want %s", a.QualifiedName(), ErrDigestMismatch, digest, a.Digest)
	}
	return dest, nil
}

func (s *Service) LogArtifact(ctx context.Context, run *models.Run, spec models.ArtifactSpec, path string) (*models.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("log artifact %s: %w", spec.Name, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("log artifact %s: %s is a directory", spec.Name, path)
	}

	digest, size, err := digestFile(path)
	if err != nil {
		return nil, fmt.Errorf("log artifact %s: %w", spec.Name, err)
	}

	// Payloads are content-addressed, so an upload whose metadata write
	// later fails leaves only an unreferenced object behind.
	key := blob.Key(run.Project, spec.Name, digest)
	if err := s.blobs.Put(ctx, key, path); err != nil {
		return nil, fmt.Errorf("log artifact %s: %w", spec.Name, err)
	}

	created, err := s.store.CreateArtifactVersion(ctx, &models.Artifact{
		ID:          uuid.New(),
		Project:     run.Project,
		Name:        spec.Name,
		Type:        spec.Type,
		Description: spec.Description,
		FileName:    filepath.Base(path),
		Size:        size,
		Digest:      digest,
		BlobKey:     key,
		RunID:       run.ID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("log artifact %s: %w", spec.Name, err)
	}
	s.remember(ctx, created)
	return created, nil
}

func (s *Service) FinishRun(ctx context.Context, run *models.Run, runErr error) error {
	status := models.RunStatusFinished
	var opts []store.RunUpdateOption
	if runErr != nil {
		status = models.RunStatusFailed
		opts = append(opts, store.WithErrorMessage(runErr.Error()))
	}
	if err := s.store.UpdateRunStatus(ctx, run.ID, status, opts...); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	if runErr != nil {
		msg := runErr.Error()
		run.ErrorMessage = &msg
	}
	return nil
}

// cached returns a previously resolved version. Cache failures are logged
// and treated as misses.
func (s *Service) cached(ctx context.Context, project string, ref models.ArtifactRef) (*models.Artifact, bool) {
	if s.cache == nil {
		return nil, false
	}
	a, found, err := cache.GetArtifact(ctx, s.cache, project, ref.Name, ref.Version)
	if err != nil {
		s.logger.Warn("artifact cache get failed", "artifact", ref.String(), "error", err)
		return nil, false
	}
	return a, found
}

func (s *Service) remember(ctx context.Context, a *models.Artifact) {
	if s.cache == nil {
		return
	}
	if err := cache.PutArtifact(ctx, s.cache, a, s.cacheTTL); err != nil {
		s.logger.Warn("artifact cache set failed", "artifact", a.QualifiedName(), "error", err)
	}
}

// digestFile returns the hex BLAKE2b-256 digest and size of the file at path.
func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
