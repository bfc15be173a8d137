package step

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kiranshivaraju/prepline/pkg/models"
)

type FetchArgs struct {
	Sample              string `json:"sample"`
	ArtifactName        string `json:"artifact_name"`
	ArtifactType        string `json:"artifact_type"`
	ArtifactDescription string `json:"artifact_description"`
}

// Fetch uploads <dataDir>/<sample> as a new version of the named artifact.
func Fetch(ctx context.Context, env *Env, args FetchArgs, dataDir string) (*models.Artifact, error) {
	path := filepath.Join(dataDir, args.Sample)
	env.Logger.Info("returning sample", "sample", args.Sample, "path", path)

	env.Logger.Info("uploading artifact", "artifact", args.ArtifactName)
	a, err := env.Store.LogArtifact(ctx, env.Run, models.ArtifactSpec{
		Name:        args.ArtifactName,
		Type:        args.ArtifactType,
		Description: args.ArtifactDescription,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("fetch sample %s: %w", args.Sample, err)
	}
	env.Logger.Info("artifact uploaded", "artifact", a.QualifiedName(), "digest", a.Digest, "size", a.Size)
	return a, nil
}
