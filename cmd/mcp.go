package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/logdiag/internal/mcp"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the diagnosis tools over MCP on stdio",
		Long: `Runs the pipeline in this process and exposes it as Model Context Protocol
tools on stdin and stdout. Logs go to stderr and the log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			c, err := startComponents(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if shutdownErr := shutdownComponents(c, cfg, logger); err == nil {
					err = shutdownErr
				}
			}()

			var git mcp.Repository
			if c.Git != nil {
				git = c.Git
			}
			srv, err := mcp.NewServer(c.Pool, git, c.Reports, Version, logger)
			if err != nil {
				return err
			}
			return srv.Run()
		},
	}
}
