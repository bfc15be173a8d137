package step

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kiranshivaraju/prepline/internal/split"
	"github.com/kiranshivaraju/prepline/internal/table"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

// CleanSampleFile is the file the split step reads from its input artifact.
const CleanSampleFile = "clean_sample.csv"

type SplitArgs struct {
	Input      string  `json:"input"`
	TestSize   float64 `json:"test_size"`
	RandomSeed int64   `json:"random_seed"`
	StratifyBy string  `json:"stratify_by"`
}

// Split downloads the input artifact, partitions it into trainval and test
// subsets and uploads each as its own artifact. Both files are written before
// either is uploaded.
func Split(ctx context.Context, env *Env, args SplitArgs) ([]*models.Artifact, error) {
	env.Logger.Info("fetching artifact", "artifact", args.Input)
	input, err := env.Store.UseArtifact(ctx, env.Run, args.Input)
	if err != nil {
		return nil, err
	}
	dir, err := env.Store.Download(ctx, input, filepath.Join(env.WorkDir, artifactsDir))
	if err != nil {
		return nil, err
	}

	t, err := table.ReadFile(filepath.Join(dir, CleanSampleFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", CleanSampleFile, err)
	}

	env.Logger.Info("splitting trainval and test", "rows", t.Len(), "test_size", args.TestSize,
		"random_seed", args.RandomSeed, "stratify_by", args.StratifyBy)
	res, err := split.Split(t, split.Options{
		TestSize:   args.TestSize,
		Seed:       args.RandomSeed,
		StratifyBy: args.StratifyBy,
	})
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", input.QualifiedName(), err)
	}

	subsets := []struct {
		key string
		t   *table.Table
	}{
		{"trainval", res.TrainVal},
		{"test", res.Test},
	}

	paths := make([]string, len(subsets))
	for i, s := range subsets {
		path, err := env.OutputPath(s.key + "_data.csv")
		if err != nil {
			return nil, err
		}
		paths[i] = path
		env.Logger.Info("saving dataset", "subset", s.key, "path", paths[i], "rows", s.t.Len())
		if err := s.t.WriteFile(paths[i]); err != nil {
			return nil, err
		}
	}

	logged := make([]*models.Artifact, 0, len(subsets))
	for i, s := range subsets {
		a, err := env.Store.LogArtifact(ctx, env.Run, models.ArtifactSpec{
			Name:        s.key + "_data.csv",
			Type:        s.key + "_data",
			Description: s.key + " split of dataset",
		}, paths[i])
		if err != nil {
			return nil, err
		}
		env.Logger.Info("artifact uploaded", "artifact", a.QualifiedName())
		logged = append(logged, a)
	}
	return logged, nil
}
