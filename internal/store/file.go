package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

// FileStore implements the Store interface with JSON documents on local disk.
//
// Layout under root:
//
//	runs/<run id>.json
//	artifacts/<project>/<name>/v<N>.json
//	artifact_ids/<artifact id>.json   (pointer to project, name, version)
type FileStore struct {
	root string
}

type runDocument struct {
	models.Run
	Inputs []uuid.UUID `json:"inputs,omitempty"`
}

type artifactPointer struct {
	Project string `json:"project"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// NewFileStore creates the directory layout under root if needed.
func NewFileStore(root string) (*FileStore, error) {
	for _, dir := range []string{"runs", "artifacts", "artifact_ids"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Ping(_ context.Context) error {
	_, err := os.Stat(filepath.Join(s.root, "runs"))
	return err
}

// --- Runs ---

func (s *FileStore) CreateRun(_ context.Context, run *models.Run) error {
	doc := runDocument{Run: *run}
	if err := writeJSONExclusive(s.runPath(run.ID), doc); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *FileStore) GetRun(_ context.Context, id uuid.UUID) (*models.Run, error) {
	doc, err := s.readRun(id)
	if err != nil {
		return nil, err
	}
	return &doc.Run, nil
}

func (s *FileStore) UpdateRunConfig(_ context.Context, id uuid.UUID, config map[string]any) error {
	doc, err := s.readRun(id)
	if err != nil {
		return err
	}
	if doc.Config == nil {
		doc.Config = map[string]any{}
	}
	maps.Copy(doc.Config, config)
	return s.writeRun(doc)
}

func (s *FileStore) UpdateRunStatus(_ context.Context, id uuid.UUID, status string, opts ...RunUpdateOption) error {
	params := &runUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	doc, err := s.readRun(id)
	if err != nil {
		return err
	}
	if !canTransition(doc.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, doc.Status, status)
	}

	now := time.Now().UTC()
	doc.Status = status
	doc.FinishedAt = &now
	doc.ErrorMessage = params.ErrorMessage
	return s.writeRun(doc)
}

// --- Artifacts ---

// CreateArtifactVersion claims v<N>.json with O_EXCL; a concurrent writer that
// loses the race gets ErrDuplicateKey.
func (s *FileStore) CreateArtifactVersion(ctx context.Context, a *models.Artifact) (*models.Artifact, error) {
	versions, err := s.ListArtifactVersions(ctx, a.Project, a.Name)
	if err != nil {
		return nil, err
	}

	next := 0
	if n := len(versions); n > 0 {
		latest := versions[n-1]
		if latest.Type != a.Type {
			return nil, fmt.Errorf("%w: %s is %q, not %q", ErrTypeMismatch, a.Name, latest.Type, a.Type)
		}
		next = latest.Version + 1
	}

	created := *a
	created.Version = next
	if err := os.MkdirAll(s.artifactDir(a.Project, a.Name), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	if err := writeJSONExclusive(s.artifactPath(a.Project, a.Name, next), created); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	ptr := artifactPointer{Project: a.Project, Name: a.Name, Version: next}
	if err := writeJSON(s.pointerPath(created.ID), ptr); err != nil {
		return nil, fmt.Errorf("index artifact: %w", err)
	}
	return &created, nil
}

func (s *FileStore) GetArtifactVersion(_ context.Context, project, name string, version int) (*models.Artifact, error) {
	var a models.Artifact
	if err := readJSON(s.artifactPath(project, name, version), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get artifact version: %w", err)
	}
	return &a, nil
}

func (s *FileStore) GetLatestArtifact(ctx context.Context, project, name string) (*models.Artifact, error) {
	versions, err := s.ListArtifactVersions(ctx, project, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *FileStore) ListArtifactVersions(ctx context.Context, project, name string) ([]*models.Artifact, error) {
	entries, err := os.ReadDir(s.artifactDir(project, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}

	var nums []int
	for _, e := range entries {
		base, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || !strings.HasPrefix(base, "v") {
			continue
		}
		n, err := strconv.Atoi(base[1:])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)

	artifacts := make([]*models.Artifact, 0, len(nums))
	for _, n := range nums {
		a, err := s.GetArtifactVersion(ctx, project, name, n)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// --- Lineage ---

func (s *FileStore) RecordArtifactUsage(_ context.Context, runID, artifactID uuid.UUID) error {
	if _, err := os.Stat(s.pointerPath(artifactID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("record artifact usage: %w", err)
	}

	doc, err := s.readRun(runID)
	if err != nil {
		return err
	}
	for _, id := range doc.Inputs {
		if id == artifactID {
			return nil
		}
	}
	doc.Inputs = append(doc.Inputs, artifactID)
	return s.writeRun(doc)
}

func (s *FileStore) ListRunInputs(ctx context.Context, runID uuid.UUID) ([]*models.Artifact, error) {
	doc, err := s.readRun(runID)
	if err != nil {
		return nil, err
	}

	artifacts := make([]*models.Artifact, 0, len(doc.Inputs))
	for _, id := range doc.Inputs {
		var ptr artifactPointer
		if err := readJSON(s.pointerPath(id), &ptr); err != nil {
			return nil, fmt.Errorf("list run inputs: %w", err)
		}
		a, err := s.GetArtifactVersion(ctx, ptr.Project, ptr.Name, ptr.Version)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (s *FileStore) readRun(id uuid.UUID) (*runDocument, error) {
	var doc runDocument
	if err := readJSON(s.runPath(id), &doc); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run: %w", err)
	}
	return &doc, nil
}

func (s *FileStore) writeRun(doc *runDocument) error {
	if err := writeJSON(s.runPath(doc.ID), doc); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *FileStore) runPath(id uuid.UUID) string {
	return filepath.Join(s.root, "runs", id.String()+".json")
}

func (s *FileStore) artifactDir(project, name string) string {
	return filepath.Join(s.root, "artifacts", url.PathEscape(project), url.PathEscape(name))
}

func (s *FileStore) artifactPath(project, name string, version int) string {
	return filepath.Join(s.artifactDir(project, name), fmt.Sprintf("v%d.json", version))
}

func (s *FileStore) pointerPath(id uuid.UUID) string {
	return filepath.Join(s.root, "artifact_ids", id.String()+".json")
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// writeJSON replaces path atomically via a sibling temp file.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeJSONExclusive(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
