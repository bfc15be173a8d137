// Command train-val-test-split partitions a cleaned sample into trainval and
// test artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/prepline/internal/app"
	"github.com/kiranshivaraju/prepline/internal/config"
	"github.com/kiranshivaraju/prepline/internal/split"
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
	var args step.SplitArgs

	cmd := &cobra.Command{
		Use:   "train-val-test-split <input> <test_size>",
		Short: "Split a cleaned sample into trainval and test",
		Long: `Split <input> (an artifact reference such as clean_sample.csv:latest) into
trainval and test subsets. <test_size> is a fraction in (0, 1) or a whole
number of test rows.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, pos []string) error {
			testSize, err := strconv.ParseFloat(pos[1], 64)
			if err != nil {
				return fmt.Errorf("test_size: %w: %q", split.ErrInvalidTestSize, pos[1])
			}
			args.Input = pos[0]
			args.TestSize = testSize

			return app.Run(cmd.Context(), step.JobTrainValTestSplit, args,
				func(ctx context.Context, env *step.Env, _ *config.Config) error {
					_, err := step.Split(ctx, env, args)
					return err
				})
		},
	}

	cmd.Flags().Int64Var(&args.RandomSeed, "random_seed", 42, "Seed for random number generator")
	cmd.Flags().StringVar(&args.StratifyBy, "stratify_by", split.NoStratification, "Column to use for stratification")
	return cmd
}
