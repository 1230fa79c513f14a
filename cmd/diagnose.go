package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/api"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/network"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/store"
)

type diagnoseOptions struct {
	wait      bool
	timeout   time.Duration
	source    string
	noGit     bool
	forcePull bool
	server    string
	format    string
}

func newDiagnoseCmd() *cobra.Command {
	var opts diagnoseOptions
	cmd := &cobra.Command{
		Use:   "diagnose [file|-]",
		Short: "Diagnose one log entry read from a file or stdin",
		Long: `Reads a log entry from the given file, or from stdin when the argument is "-"
or missing, and queues a diagnosis.

Without --server the pipeline runs in this process and the report is stored
before the command exits. With --server the entry is sent to a running
'logdiag serve'.`,
		Example: `  logdiag diagnose crash.log --wait
  kubectl logs api-7f9c | logdiag diagnose - --source api --no-git
  logdiag diagnose crash.log --server http://localhost:8000 --wait`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := checkFormat(opts.format, formatJSON, formatMarkdown); err != nil {
				return err
			}
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			entry, err := readEntry(cmd.InOrStdin(), path, opts.source)
			if err != nil {
				return err
			}
			if opts.server != "" {
				return runRemoteDiagnose(cmd.Context(), cmd.OutOrStdout(), opts, entry)
			}
			return runDiagnose(cmd.Context(), cmd.OutOrStdout(), cfg, opts, entry, observability.GetLogger())
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.wait, "wait", "w", false, "wait for the diagnosis and print it")
	f.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long --wait waits")
	f.StringVarP(&opts.source, "source", "s", "", "log source label (defaults to the file name)")
	f.BoolVar(&opts.noGit, "no-git", false, "skip git context")
	f.BoolVar(&opts.forcePull, "force-pull", false, "pull the repository before diagnosing")
	f.StringVar(&opts.server, "server", "", "base URL of a running logdiag server")
	f.StringVarP(&opts.format, "output", "o", formatJSON, "output format for --wait: json or markdown")
	return cmd
}

func (o diagnoseOptions) jobOptions() schemas.JobOptions {
	return schemas.JobOptions{IncludeGitContext: !o.noGit, ForceGitPull: o.forcePull}
}

func readEntry(stdin io.Reader, path, source string) (schemas.LogEntry, error) {
	var (
		content []byte
		err     error
	)
	if path == "-" {
		content, err = io.ReadAll(stdin)
		if source == "" {
			source = "stdin"
		}
	} else {
		content, err = os.ReadFile(path)
		if source == "" {
			source = filepath.Base(path)
		}
	}
	if err != nil {
		return schemas.LogEntry{}, fmt.Errorf("read log entry: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return schemas.LogEntry{}, &UserError{Message: "log entry is empty", Hint: "Pass a file with log content or pipe it on stdin."}
	}
	return schemas.LogEntry{
		Content:   string(content),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"intake": "cli"},
	}, nil
}

func runDiagnose(ctx context.Context, out io.Writer, cfg config.Interface, opts diagnoseOptions, entry schemas.LogEntry, logger *zap.Logger) (err error) {
	c, err := startComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := shutdownComponents(c, cfg, logger); err == nil {
			err = shutdownErr
		}
	}()

	id, err := c.Pool.Submit(ctx, entry, opts.jobOptions())
	if err != nil {
		return fmt.Errorf("submit diagnosis: %w", err)
	}
	if !opts.wait {
		_, err = fmt.Fprintf(out, "Queued diagnosis job %s\n", id)
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	job, err := c.Pool.Wait(waitCtx, id)
	if err != nil {
		return fmt.Errorf("wait for job %s: %w", id, err)
	}
	return printJob(out, job, opts.format)
}

func printJob(out io.Writer, job schemas.DiagnosisJob, format string) error {
	if err := writeJobOutput(out, job, format); err != nil {
		return err
	}
	if job.Status == schemas.JobFailed && job.Error != nil {
		return fmt.Errorf("diagnosis failed (%s): %s", job.Error.Kind, job.Error.Message)
	}
	return nil
}

func writeJobOutput(out io.Writer, job schemas.DiagnosisJob, format string) error {
	if format == formatMarkdown && job.Result != nil {
		_, err := io.WriteString(out, store.RenderMarkdown(job.Result))
		return err
	}
	return writeJSON(out, job)
}

// runRemoteDiagnose posts the entry to a running server.
func runRemoteDiagnose(ctx context.Context, out io.Writer, opts diagnoseOptions, entry schemas.LogEntry) error {
	endpoint, err := url.JoinPath(opts.server, "/api/v1/diagnose")
	if err != nil {
		return &UserError{Message: "invalid --server URL", Err: err}
	}
	jobOpts := opts.jobOptions()
	body, err := json.Marshal(api.DiagnoseRequest{
		Content:           entry.Content,
		Source:            entry.Source,
		Timestamp:         entry.Timestamp,
		Metadata:          entry.Metadata,
		ForceGitPull:      &jobOpts.ForceGitPull,
		IncludeGitContext: &jobOpts.IncludeGitContext,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if opts.wait {
		endpoint += "?" + url.Values{"wait": {"true"}, "timeout": {opts.timeout.String()}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.RequestTimeout = opts.timeout + 30*time.Second
	client := network.NewClient(clientCfg)
	resp, err := client.Do(req)
	if err != nil {
		return &UserError{Message: "could not reach the logdiag server", Hint: "Check --server and that 'logdiag serve' is running.", Err: err}
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted && !opts.wait:
		var ack api.SubmitResponse
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		_, err = fmt.Fprintf(out, "Queued diagnosis job %s\n", ack.JobID)
		return err
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusBadRequest:
		var job schemas.DiagnosisJob
		if err := json.Unmarshal(payload, &job); err != nil || job.ID == "" {
			return remoteError(resp.StatusCode, payload)
		}
		return printJob(out, job, opts.format)
	default:
		return remoteError(resp.StatusCode, payload)
	}
}

func remoteError(status int, payload []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(payload, &e); err == nil && e.Error != "" {
		return fmt.Errorf("server returned %d (%s): %s", status, e.Kind, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", status, strings.TrimSpace(string(payload)))
}
