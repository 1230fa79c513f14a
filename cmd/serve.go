package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/api"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/intake"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

func newServeCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the diagnosis workers",
		Long: `Starts the worker pool and the HTTP API. When intake.kafka_topic is set the
service also consumes log entries from that topic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			server := cfg.Server()
			if cmd.Flags().Changed("host") {
				server.Host = host
			}
			if cmd.Flags().Changed("port") {
				server.Port = port
			}
			return runServe(cmd.Context(), cfg, server, observability.GetLogger())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "override server.host")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override server.port")
	return cmd
}

func runServe(ctx context.Context, cfg config.Interface, server config.ServerConfig, logger *zap.Logger) (err error) {
	c, err := startComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdownComponents(c, cfg, logger); err == nil {
			err = shutdownErr
		}
	}()

	deps := api.Deps{
		Jobs:    c.Pool,
		Reports: c.Reports,
		Metrics: c.MetricsHandler,
		Version: Version,
	}
	if c.Git != nil {
		deps.Git = c.Git
	}
	srv, err := api.NewServer(deps, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, server.Host, server.Port, server.ShutdownTimeout)
	})
	if topic := cfg.Intake().KafkaTopic; topic != "" && c.Broker != nil {
		consumer := intake.NewConsumer(c.Broker, cfg.Intake(), schemas.DefaultJobOptions(), c.Pool, c.Normalizer, logger)
		g.Go(func() error { return consumer.Run(gctx) })
	}

	logger.Info("logdiag serving.",
		zap.String("version", Version),
		zap.String("host", server.Host),
		zap.Int("port", server.Port),
		zap.Int("workers", server.DiagnosisWorkerCount))
	return g.Wait()
}
