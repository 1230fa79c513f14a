package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/gitctx"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Check or print the effective configuration",
	}
	cmd.AddCommand(newConfigValidateCmd(), newConfigShowCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Report every problem in the configuration",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := getViperFromContext(cmd.Context())
			if err != nil {
				return err
			}
			_, err = config.NewConfigFromViper(v)
			var ve *config.ValidationError
			if errors.As(err, &ve) {
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Configuration is invalid:")
				for _, p := range ve.Problems {
					fmt.Fprintf(out, "  - %s\n", p)
				}
				return &UserError{Message: fmt.Sprintf("%d configuration problem(s)", len(ve.Problems))}
			}
			if err != nil {
				return configError(err)
			}
			source := v.ConfigFileUsed()
			if source == "" {
				source = "defaults and environment"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s).\n", source)
			return err
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML, secrets omitted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), redacted(cfg))
		},
	}
}

// redacted strips credentials embedded in URLs. Keys and tokens carry
// yaml:"-" and never print.
func redacted(cfg config.Interface) any {
	c, ok := cfg.(*config.Config)
	if !ok {
		return cfg
	}
	out := *c
	out.RepositoryCfg.URL = gitctx.RedactURL(out.RepositoryCfg.URL)
	out.DatabaseCfg.URL = gitctx.RedactURL(out.DatabaseCfg.URL)
	return &out
}
