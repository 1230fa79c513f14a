package intake

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
)

// newEntryRegex matches the first line of a log entry. Anything else
// continues the entry before it.
var newEntryRegex = regexp.MustCompile(`^(\d{4}[-/]\d{2}[-/]\d{2}|\{|\[?(TRACE|DEBUG|INFO|WARN|WARNING|ERROR|FATAL|CRITICAL|PANIC)\b|panic:|[A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2})`)

const defaultFlushAfter = 250 * time.Millisecond

// grouper joins physical lines into log entries.
type grouper struct {
	lines []string
}

// add takes the next line and returns the previous entry when line starts a
// new one.
func (g *grouper) add(line string) (string, bool) {
	var done string
	var ok bool
	if newEntryRegex.MatchString(line) && len(g.lines) > 0 {
		done, ok = g.flush()
	}
	if len(g.lines) == 0 && strings.TrimSpace(line) == "" {
		return done, ok
	}
	g.lines = append(g.lines, line)
	return done, ok
}

func (g *grouper) flush() (string, bool) {
	if len(g.lines) == 0 {
		return "", false
	}
	entry := strings.TrimRight(strings.Join(g.lines, "\n"), "\n ")
	g.lines = nil
	return entry, entry != ""
}

// Tailer follows a log file and submits error entries as they are written.
type Tailer struct {
	path       string
	fromStart  bool
	flushAfter time.Duration
	poll       bool
	gate       *gate
	logger     *zap.Logger
}

// NewTailer prepares a tailer for path. Nothing is opened until Run.
func NewTailer(path string, cfg config.IntakeConfig, opts schemas.JobOptions, submit Submitter, classify Classifier, logger *zap.Logger) (*Tailer, error) {
	if path == "" {
		return nil, fmt.Errorf("a log file path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("intake").With(zap.String("file", path))
	return &Tailer{
		path:       path,
		fromStart:  cfg.FromStart,
		flushAfter: defaultFlushAfter,
		gate: &gate{
			submit:   submit,
			classify: classify,
			minLevel: cfg.MinLevel,
			maxSize:  cfg.MaxEntrySize,
			opts:     opts,
			logger:   logger,
		},
		logger: logger,
	}, nil
}

// Run tails the file until ctx ends. Rotated files are reopened.
func (t *Tailer) Run(ctx context.Context) error {
	whence := io.SeekEnd
	if t.fromStart {
		whence = io.SeekStart
	}
	tf, err := tail.TailFile(t.path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      t.poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	defer func() {
		_ = tf.Stop()
		tf.Cleanup()
	}()
	t.logger.Info("Watching log file.", zap.Bool("from_start", t.fromStart))

	var g grouper
	idle := time.NewTimer(t.flushAfter)
	if !idle.Stop() {
		<-idle.C
	}
	emit := func(entry string, ok bool) {
		if ok {
			t.gate.offer(ctx, schemas.LogEntry{
				Content:   entry,
				Source:    t.path,
				Timestamp: time.Now().UTC(),
				Metadata:  map[string]any{"intake": "file"},
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit(g.flush())
			t.logger.Info("Stopping log watcher.")
			return nil
		case line, ok := <-tf.Lines:
			if !ok {
				emit(g.flush())
				return tf.Err()
			}
			if line.Err != nil {
				t.logger.Warn("Error reading from log file", zap.Error(line.Err))
				continue
			}
			emit(g.add(line.Text))
			idle.Reset(t.flushAfter)
		case <-idle.C:
			// No new lines for a while: the pending entry is complete.
			emit(g.flush())
		}
	}
}
