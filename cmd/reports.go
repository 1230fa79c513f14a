package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/store"
)

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reports",
		Aliases: []string{"report"},
		Short:   "List, show, delete and export stored diagnosis reports",
	}
	cmd.AddCommand(newReportsListCmd(), newReportsGetCmd(), newReportsDeleteCmd(), newReportsExportCmd())
	return cmd
}

// withReportStore opens the configured store for the duration of fn.
func withReportStore(ctx context.Context, fn func(store.ReportStore) error) error {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	if cfg.Reports().Backend == config.ReportsNone {
		return &UserError{Message: "report storage is disabled", Hint: "Set reports.backend to sqlite or postgres."}
	}
	logger := observability.GetLogger()
	s, err := openReportStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("Failed to close report store.", zap.Error(err))
		}
	}()
	return fn(s)
}

func newReportsListCmd() *cobra.Command {
	var (
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, "table", formatJSON); err != nil {
				return err
			}
			return withReportStore(cmd.Context(), func(s store.ReportStore) error {
				reports, err := s.List(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list reports: %w", err)
				}
				if format == formatJSON {
					return writeJSON(cmd.OutOrStdout(), reports)
				}
				return writeReportTable(cmd.OutOrStdout(), reports)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of reports")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "output format: table or json")
	return cmd
}

func writeReportTable(w io.Writer, reports []schemas.ReportSummary) error {
	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "No reports found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tCONFIDENCE\tERROR TYPE\tTITLE")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%.0f%%\t%s\t%s\n",
			r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.ConfidenceScore*100, r.ErrorType, r.Title)
	}
	return tw.Flush()
}

func newReportsGetCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatJSON, formatMarkdown, formatYAML); err != nil {
				return err
			}
			return withReportStore(cmd.Context(), func(s store.ReportStore) error {
				r, err := s.Get(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("get report %s: %w", args[0], err)
				}
				return writeReport(cmd.OutOrStdout(), r, format)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatMarkdown, "output format: json, markdown or yaml")
	return cmd
}

func newReportsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReportStore(cmd.Context(), func(s store.ReportStore) error {
				if err := s.Delete(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("delete report %s: %w", args[0], err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted report %s\n", args[0])
				return err
			})
		},
	}
}

func newReportsExportCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write one report to a file",
		Long:  "Writes the report to --file, or to diagnosis-<id>.<ext> in the current directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatJSON, formatMarkdown, formatYAML); err != nil {
				return err
			}
			id := args[0]
			if output == "" {
				output = fmt.Sprintf("diagnosis-%s.%s", id, extensionFor(format))
			}
			return withReportStore(cmd.Context(), func(s store.ReportStore) (err error) {
				r, err := s.Get(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("get report %s: %w", id, err)
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer func() {
					if closeErr := f.Close(); err == nil {
						err = closeErr
					}
				}()
				if err := writeReport(f, r, format); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Exported report %s to %s\n", id, output)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatMarkdown, "export format: json, markdown or yaml")
	cmd.Flags().StringVar(&output, "file", "", "destination path")
	return cmd
}

func writeReport(w io.Writer, r *schemas.DiagnosisResult, format string) error {
	switch format {
	case formatJSON:
		return writeJSON(w, r)
	case formatYAML:
		doc, err := jsonShaped(r)
		if err != nil {
			return err
		}
		return writeYAML(w, doc)
	default:
		_, err := io.WriteString(w, store.RenderMarkdown(r))
		return err
	}
}

func extensionFor(format string) string {
	switch format {
	case formatJSON:
		return "json"
	case formatYAML:
		return "yaml"
	default:
		return "md"
	}
}
