// Command basic-cleaning downloads a raw sample artifact, applies the listing
// cleaning rules and uploads the result as a new artifact.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/prepline/internal/app"
	"github.com/kiranshivaraju/prepline/internal/config"
	"github.com/kiranshivaraju/prepline/internal/step"
)

func main() {
	if err := run(); err != nil {
		slog.Error("step failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newCommand().ExecuteContext(ctx)
}

func newCommand() *cobra.Command {
	var args step.CleanArgs

	cmd := &cobra.Command{
		Use:           "basic-cleaning",
		Short:         "A very basic data cleaning",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), step.JobBasicCleaning, args,
				func(ctx context.Context, env *step.Env, _ *config.Config) error {
					_, err := step.Clean(ctx, env, args)
					return err
				})
		},
	}

	f := cmd.Flags()
	f.StringVar(&args.Sample, "sample", "", "File inside the input artifact; defaults to the artifact's own file")
	f.StringVar(&args.InputArtifact, "input_artifact", "", "Fully-qualified name for the input artifact")
	f.StringVar(&args.OutputArtifact, "output_artifact", "", "Name for the output artifact")
	f.StringVar(&args.OutputArtifactType, "output_artifact_type", "", "Type for the output artifact")
	f.StringVar(&args.OutputArtifactDescription, "output_artifact_description", "", "Description for the output artifact")
	f.Float64Var(&args.MinPrice, "min_price", 0, "Minimum price for cleaning outliers")
	f.Float64Var(&args.MaxPrice, "max_price", 0, "Maximum price for cleaning outliers")

	for _, name := range []string{
		"input_artifact", "output_artifact", "output_artifact_type",
		"output_artifact_description", "min_price", "max_price",
	} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
