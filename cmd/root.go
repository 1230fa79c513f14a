package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/service"
	"github.com/xkilldash9x/logdiag/internal/store"
)

type contextKey string

const (
	configKey contextKey = "config"
	viperKey  contextKey = "viper"

	// skipConfigAnnotation marks commands that run without a valid configuration.
	skipConfigAnnotation = "logdiag.skip-config"
)

// Seams swapped by tests.
var (
	componentFactory service.ComponentFactory = service.NewComponentFactory()
	openReportStore                           = store.Open
)

// Execute runs the root command until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "logdiag",
		Short: "logdiag diagnoses production error logs against your source repository.",
		Long: `logdiag normalizes error logs, gathers git context from the repository they came
from, selects the relevant source files and asks a language model for a
structured diagnosis.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return err
			}
			ctx := context.WithValue(cmd.Context(), viperKey, v)
			if !needsConfig(cmd) {
				cmd.SetContext(ctx)
				return nil
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return configError(err)
			}
			observability.Initialize(cfg.Logger(), zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
			observability.GetLogger().Debug("Configuration loaded.",
				zap.String("version", Version),
				zap.String("config_file", v.ConfigFileUsed()))
			cmd.SetContext(context.WithValue(ctx, configKey, cfg))
			return nil
		},
	}
	root.SetVersionTemplate("logdiag version {{.Version}}\n")

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().String("log-level", "", "override logger.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newDiagnoseCmd(),
		newWatchCmd(),
		newGitCmd(),
		newReportsCmd(),
		newConfigCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)
	return root
}

// initializeConfig reads the config file and wires LOGDIAG_* environment
// variables and the persistent flags into v.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("LOGDIAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return &UserError{
				Message: "failed to read config file",
				Hint:    "Check that the file passed with --config exists and is valid YAML.",
				Err:     err,
			}
		}
	}

	if f := cmd.Root().PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		v.Set("logger.level", f.Value.String())
	}
	return nil
}

// needsConfig is false for commands that must work before logdiag is
// configured, cobra's help and completion commands included.
func needsConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[skipConfigAnnotation] != "" || c.Name() == "help" || c.Name() == "completion" {
			return false
		}
	}
	return true
}

// getConfigFromContext returns the configuration loaded by the root command.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func getViperFromContext(ctx context.Context) (*viper.Viper, error) {
	v, ok := ctx.Value(viperKey).(*viper.Viper)
	if !ok || v == nil {
		return nil, errors.New("configuration source not loaded")
	}
	return v, nil
}

// startComponents builds the pipeline and starts its workers.
func startComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*service.Components, error) {
	c, err := componentFactory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	c.Pool.Start()
	return c, nil
}

// shutdownComponents drains the pool within the configured shutdown timeout.
func shutdownComponents(c *service.Components, cfg config.Interface, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown finished with errors.", zap.Error(err))
		return err
	}
	return nil
}
