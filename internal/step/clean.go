package step

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kiranshivaraju/prepline/internal/clean"
	"github.com/kiranshivaraju/prepline/internal/table"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

type CleanArgs struct {
	// Sample is the file inside the input artifact. Empty means the
	// artifact's own file.
	Sample                    string  `json:"sample"`
	InputArtifact             string  `json:"input_artifact"`
	OutputArtifact            string  `json:"output_artifact"`
	OutputArtifactType        string  `json:"output_artifact_type"`
	OutputArtifactDescription string  `json:"output_artifact_description"`
	MinPrice                  float64 `json:"min_price"`
	MaxPrice                  float64 `json:"max_price"`
}

// Clean downloads the input artifact, applies the cleaning rules and uploads
// the result as the output artifact.
func Clean(ctx context.Context, env *Env, args CleanArgs) (*models.Artifact, error) {
	env.Logger.Info("downloading artifact", "artifact", args.InputArtifact)
	input, err := env.Store.UseArtifact(ctx, env.Run, args.InputArtifact)
	if err != nil {
		return nil, err
	}
	dir, err := env.Store.Download(ctx, input, filepath.Join(env.WorkDir, artifactsDir))
	if err != nil {
		return nil, err
	}

	sample := args.Sample
	if sample == "" {
		sample = input.FileName
	}
	t, err := table.ReadFile(filepath.Join(dir, sample))
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}

	cleaned, err := clean.Apply(t, clean.Options{MinPrice: args.MinPrice, MaxPrice: args.MaxPrice}, env.Logger)
	if err != nil {
		return nil, fmt.Errorf("clean %s: %w", input.QualifiedName(), err)
	}

	out, err := env.OutputPath(args.OutputArtifact)
	if err != nil {
		return nil, err
	}
	env.Logger.Info("saving cleaned data", "path", out, "rows", cleaned.Len())
	if err := cleaned.WriteFile(out); err != nil {
		return nil, err
	}

	env.Logger.Info("uploading artifact", "artifact", args.OutputArtifact)
	a, err := env.Store.LogArtifact(ctx, env.Run, models.ArtifactSpec{
		Name:        args.OutputArtifact,
		Type:        args.OutputArtifactType,
		Description: args.OutputArtifactDescription,
	}, out)
	if err != nil {
		return nil, err
	}
	env.Logger.Info("artifact uploaded", "artifact", a.QualifiedName())
	return a, nil
}
