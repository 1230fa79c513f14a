package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/logdiag/internal/gitctx"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

func newGitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "git",
		Short: "Inspect or refresh the local repository mirror",
	}
	cmd.AddCommand(newGitStatusCmd(), newGitPullCmd())
	return cmd
}

func newGitStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the branch, head and working tree state of the mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			p := gitctx.NewProvider(cfg.Repository(), cfg.GitAnalysis(), observability.GetLogger(), nil)
			st, err := p.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("git status: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newGitPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Clone or fetch the repository and print the new snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			p := gitctx.NewProvider(cfg.Repository(), cfg.GitAnalysis(), observability.GetLogger(), nil)
			snap, err := p.Sync(cmd.Context(), true)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snap)
		},
	}
}
