// Command get-data uploads a local data sample as a pipeline artifact.
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
	return &cobra.Command{
		Use:   "get-data <sample> <artifact_name> <artifact_type> <artifact_description>",
		Short: "Upload a local data sample as an artifact",
		Long: `Upload <data dir>/<sample> to the artifact store as a new version of
<artifact_name>. The data dir is PREPLINE_DATA_DIR (default "data").`,
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fetchArgs := step.FetchArgs{
				Sample:              args[0],
				ArtifactName:        args[1],
				ArtifactType:        args[2],
				ArtifactDescription: args[3],
			}
			return app.Run(cmd.Context(), step.JobDownloadFile, fetchArgs,
				func(ctx context.Context, env *step.Env, cfg *config.Config) error {
					_, err := step.Fetch(ctx, env, fetchArgs, cfg.Pipeline.DataDir)
					return err
				})
		},
	}
}
