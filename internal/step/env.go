// Package step implements the pipeline steps on top of an explicit
// execution context.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/kiranshivaraju/prepline/internal/tracking"
	"github.com/kiranshivaraju/prepline/pkg/models"
)

const (
	JobDownloadFile      = "download_file"
	JobBasicCleaning     = "basic_cleaning"
	JobTrainValTestSplit = "train_val_test_split"

	runLogFile   = "output.log"
	artifactsDir = "artifacts"
	outputsDir   = "outputs"
)

// Env is the execution context of one step invocation: the run it records
// into, the artifact store, and a logger scoped to the run.
type Env struct {
	Run     *models.Run
	Store   tracking.ArtifactStore
	Logger  *slog.Logger
	WorkDir string

	logFile *os.File
}

// Options configure Begin.
type Options struct {
	Project string
	JobType string
	// WorkRoot is the parent of the per-run work directories.
	WorkRoot string
	// Args is recorded as the run config. It is encoded through its JSON tags.
	Args   any
	Logger *slog.Logger
}

// Begin registers a run, records its arguments and prepares the run work
// directory. The returned Env must be closed with End.
func Begin(ctx context.Context, st tracking.ArtifactStore, opts Options) (*Env, error) {
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}

	run, err := st.InitRun(ctx, opts.Project, opts.JobType)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Run:     run,
		Store:   st,
		Logger:  base.With("run_id", run.ID, "job_type", run.JobType),
		WorkDir: filepath.Join(opts.WorkRoot, run.ID.String()),
	}
	if err := env.setup(ctx, base, opts.Args); err != nil {
		return nil, errors.Join(err, env.End(ctx, err))
	}
	return env, nil
}

func (e *Env) setup(ctx context.Context, base *slog.Logger, args any) error {
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	f, err := os.Create(filepath.Join(e.WorkDir, runLogFile))
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	e.logFile = f
	e.Logger = slog.New(slogmulti.Fanout(
		base.Handler(),
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)).With("run_id", e.Run.ID, "job_type", e.Run.JobType)

	cfg, err := argsConfig(args)
	if err != nil {
		return err
	}
	return e.Store.UpdateConfig(ctx, e.Run, cfg)
}

// End finalises the run as finished, or failed when runErr is non-nil.
func (e *Env) End(ctx context.Context, runErr error) error {
	if runErr != nil {
		e.Logger.Error("step failed", "error", runErr)
	} else {
		e.Logger.Info("step finished")
	}

	err := e.Store.FinishRun(ctx, e.Run, runErr)
	if e.logFile != nil {
		err = errors.Join(err, e.logFile.Close())
		e.logFile = nil
	}
	return err
}

// OutputPath returns where a step writes the file it uploads as name, creating
// parent directories. Outputs live apart from downloads and the run log.
func (e *Env) OutputPath(name string) (string, error) {
	root := filepath.Join(e.WorkDir, outputsDir)
	path := filepath.Join(root, name)
	if rel, err := filepath.Rel(root, path); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid output name %q", name)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return path, nil
}

// argsConfig turns an argument struct into the JSON object stored as run config.
func argsConfig(args any) (map[string]any, error) {
	cfg := map[string]any{}
	if args == nil {
		return cfg, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("encode run config: %w", err)
	}
	return cfg, nil
}
