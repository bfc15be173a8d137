package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/prepline/pkg/models"
)

// ArtifactVersionKey addresses one immutable artifact version. Aliases such
// as latest move between versions and must never be cached under this key.
func ArtifactVersionKey(project, name string, version int) string {
	return fmt.Sprintf("artifact:%s:%s:v%d", project, name, version)
}

// PutArtifact caches a as JSON under its version key.
func PutArtifact(ctx context.Context, c Cache, a *models.Artifact, ttl time.Duration) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return c.Set(ctx, ArtifactVersionKey(a.Project, a.Name, a.Version), raw, ttl)
}

// GetArtifact returns the cached version, if any. A corrupt entry is
// reported as an error.
func GetArtifact(ctx context.Context, c Cache, project, name string, version int) (*models.Artifact, bool, error) {
	raw, found, err := c.Get(ctx, ArtifactVersionKey(project, name, version))
	if err != nil || !found {
		return nil, false, err
	}
	var a models.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, true, nil
}
