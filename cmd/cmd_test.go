package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/engine"
	"github.com/xkilldash9x/logdiag/internal/lognorm"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"github.com/xkilldash9x/logdiag/internal/service"
	"github.com/xkilldash9x/logdiag/internal/store"
)

const validConfigTemplate = `
logger:
  level: error
  log_file: %[1]s/logdiag.log
  per_diagnosis: false
repository:
  url: %[2]s
  local_path: %[1]s/repo
llm:
  provider: openai
  api_key: sk-test-key
context_discovery:
  enabled: false
reports:
  backend: sqlite
  sqlite_path: %[1]s/reports.db
telemetry:
  metrics_enabled: false
`

// createTempConfig writes a config file into a fresh temp dir and returns its path.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// validConfig returns the path of a config that passes validation.
func validConfig(t *testing.T) string {
	t.Helper()
	return validConfigWithURL(t, "https://example.com/acme/shop.git")
}

func validConfigWithURL(t *testing.T, repoURL string) string {
	t.Helper()
	dir := t.TempDir()
	return createTempConfig(t, fmt.Sprintf(validConfigTemplate, dir, repoURL))
}

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

// executeCommand runs a fresh root command with args and captures its output.
func executeCommand(t *testing.T, stdin io.Reader, args ...string) cmdResult {
	t.Helper()
	t.Cleanup(observability.ResetForTest)

	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// poolFactory builds components around a real pool and a canned diagnoser.
type poolFactory struct {
	diagnoser engine.Diagnoser
	reports   store.ReportStore
}

func (f *poolFactory) Create(_ context.Context, cfg config.Interface, _ *zap.Logger) (*service.Components, error) {
	pool, err := engine.NewPool(config.ServerConfig{DiagnosisWorkerCount: 1, QueueCapacity: 4}, engine.Dependencies{
		Normalizer: lognorm.New(nil),
		Diagnoser:  f.diagnoser,
		Reports:    f.reports,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &service.Components{Config: cfg, Pool: pool}, nil
}

func useFactory(t *testing.T, f service.ComponentFactory) {
	t.Helper()
	previous := componentFactory
	componentFactory = f
	t.Cleanup(func() { componentFactory = previous })
}

func useReportStore(t *testing.T, s store.ReportStore) {
	t.Helper()
	previous := openReportStore
	openReportStore = func(context.Context, config.Interface, *zap.Logger) (store.ReportStore, error) {
		return s, nil
	}
	t.Cleanup(func() { openReportStore = previous })
}
