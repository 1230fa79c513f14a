package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/intake"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

func newWatchCmd() *cobra.Command {
	var (
		noGit     bool
		forcePull bool
		fromStart bool
		minLevel  string
	)
	cmd := &cobra.Command{
		Use:   "watch <logfile>",
		Short: "Follow a log file and diagnose every error entry",
		Long: `Tails the file, groups stack traces with the line that raised them and queues
a diagnosis for every entry at or above intake.min_level. Rotated files are
reopened. Stops on interrupt after the queued jobs finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			intakeCfg := cfg.Intake()
			if cmd.Flags().Changed("from-start") {
				intakeCfg.FromStart = fromStart
			}
			if minLevel != "" {
				intakeCfg.MinLevel = minLevel
			}
			opts := schemas.JobOptions{IncludeGitContext: !noGit, ForceGitPull: forcePull}
			return runWatch(cmd.Context(), cfg, args[0], intakeCfg, opts, observability.GetLogger())
		},
	}
	cmd.Flags().BoolVar(&noGit, "no-git", false, "skip git context")
	cmd.Flags().BoolVar(&forcePull, "force-pull", false, "pull the repository before every diagnosis")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read the file from the beginning instead of the end")
	cmd.Flags().StringVar(&minLevel, "min-level", "", "override intake.min_level")
	return cmd
}

func runWatch(ctx context.Context, cfg config.Interface, path string, intakeCfg config.IntakeConfig, opts schemas.JobOptions, logger *zap.Logger) (err error) {
	c, err := startComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdownComponents(c, cfg, logger); err == nil {
			err = shutdownErr
		}
	}()

	tailer, err := intake.NewTailer(path, intakeCfg, opts, c.Pool, c.Normalizer, logger)
	if err != nil {
		return err
	}
	return tailer.Run(ctx)
}
