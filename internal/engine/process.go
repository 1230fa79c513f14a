package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/diagnosis"
	"github.com/xkilldash9x/logdiag/internal/discovery"
	"github.com/xkilldash9x/logdiag/internal/events"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

// process takes one job from queued to a terminal state.
func (p *Pool) process(item queueItem, logger *zap.Logger) {
	start := p.now()
	job, err := p.table.transition(item.id, schemas.JobRunning, func(j *schemas.DiagnosisJob) {
		t := start.UTC()
		j.StartedAt = &t
	})
	if err != nil {
		logger.Error("Dequeued job could not be started.", zap.String("job_id", item.id), zap.Error(err))
		return
	}
	logger = logger.With(zap.String("job_id", job.ID))
	logger.Info("Diagnosis started.", zap.String("source", job.LogEntry.Source))

	ctx := item.ctx
	result, runErr := p.runSafely(ctx, job, logger)
	elapsed := p.now().Sub(start)

	status, kind := schemas.JobSucceeded, ""
	if runErr != nil {
		status, kind = schemas.JobFailed, ErrorKind(runErr)
	} else {
		result.ProcessingTime = elapsed
		p.persist(ctx, result, logger)
	}

	final, err := p.table.transition(job.ID, status, func(j *schemas.DiagnosisJob) {
		t := p.now().UTC()
		j.CompletedAt = &t
		if runErr != nil {
			j.Error = &schemas.JobError{Kind: kind, Message: runErr.Error()}
		} else {
			j.Result = result
		}
	})
	if err != nil {
		logger.Error("Job could not be completed.", zap.Error(err))
		return
	}
	p.deps.Metrics.JobCompleted(ctx, string(status), kind, elapsed.Seconds())

	if runErr != nil {
		logger.Warn("Diagnosis failed.", zap.String("error_kind", kind), zap.Duration("elapsed", elapsed), zap.Error(runErr))
	} else {
		logger.Info("Diagnosis succeeded.", zap.String("report_id", result.ID), zap.Duration("elapsed", elapsed))
	}
	p.publish(ctx, final, logger)
}

// runSafely runs the pipeline, turning a panic into an internal failure.
func (p *Pool) runSafely(ctx context.Context, job schemas.DiagnosisJob, logger *zap.Logger) (result *schemas.DiagnosisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Diagnosis panicked.", zap.Any("panic", r), zap.Stack("stack"))
			result, err = nil, fmt.Errorf("diagnosis panicked: %v", r)
		}
	}()
	return p.run(ctx, job, logger)
}

// run is the per job pipeline: normalize, gather git context, discover code
// context, diagnose.
func (p *Pool) run(ctx context.Context, job schemas.DiagnosisJob, logger *zap.Logger) (*schemas.DiagnosisResult, error) {
	il := observability.NewInteractionLogger(logger, p.deps.LoggerCfg, job.ID)
	defer il.Close()
	ctx = observability.WithInteractionLogger(ctx, il)

	ctx, span := p.tracer.Start(ctx, "engine.job", trace.WithAttributes(
		attribute.String("logdiag.job_id", job.ID),
		attribute.Bool("logdiag.include_git_context", job.Options.IncludeGitContext),
	))
	defer span.End()

	result, err := p.pipeline(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *Pool) pipeline(ctx context.Context, job schemas.DiagnosisJob, logger *zap.Logger) (*schemas.DiagnosisResult, error) {
	parsed, err := p.deps.Normalizer.Parse(job.LogEntry)
	if err != nil {
		return nil, err
	}

	in := diagnosis.DiagnoseInput{JobID: job.ID, Parsed: parsed}
	if job.Options.IncludeGitContext && p.deps.Git != nil {
		in.Snapshot, in.Stale, in.SyncError = p.gitContext(ctx, job.Options.ForceGitPull, logger)
	}

	if p.deps.Discovery != nil {
		out, err := p.discover(ctx, parsed, in.Snapshot)
		if err != nil {
			logger.Warn("Context discovery failed, diagnosing without code context.", zap.Error(err))
		} else {
			in.Candidates = out.Candidates
			in.Discovery = &out.Report
		}
	}

	return p.deps.Diagnoser.Diagnose(ctx, in)
}

// discover runs context discovery over the tree of snap, or over the
// configured source when the job has no snapshot.
func (p *Pool) discover(ctx context.Context, parsed *schemas.ParsedLog, snap *schemas.GitSnapshot) (*discovery.Outcome, error) {
	src := p.deps.Source
	if snap != nil && p.deps.SourceAt != nil {
		bound, err := p.deps.SourceAt(snap)
		if err != nil {
			return nil, fmt.Errorf("open tree of snapshot %s: %w", snap.CurrentCommit, err)
		}
		src = bound
	}
	return p.deps.Discovery.Discover(ctx, parsed, snap, src)
}

// gitContext syncs the repository. On failure the last good snapshot is used
// and marked stale; without one the job continues with no git context.
func (p *Pool) gitContext(ctx context.Context, force bool, logger *zap.Logger) (*schemas.GitSnapshot, bool, string) {
	snap, err := p.deps.Git.Sync(ctx, force)
	if err == nil {
		return snap, false, ""
	}
	prev := p.deps.Git.Snapshot()
	logger.Warn("Git sync failed, continuing with older context.",
		zap.Bool("have_snapshot", prev != nil), zap.Error(err))
	return prev, prev != nil, err.Error()
}

func (p *Pool) persist(ctx context.Context, result *schemas.DiagnosisResult, logger *zap.Logger) {
	if p.deps.Reports == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := p.deps.Reports.Save(ctx, result); err != nil {
		logger.Error("Failed to persist diagnosis report.", zap.String("report_id", result.ID), zap.Error(err))
	}
}

func (p *Pool) publish(ctx context.Context, job schemas.DiagnosisJob, logger *zap.Logger) {
	if p.deps.Events == nil || p.deps.EventsTopic == "" {
		return
	}
	value, err := events.NewCompletionEvent(job).Encode()
	if err != nil {
		logger.Error("Failed to encode completion event.", zap.Error(err))
		return
	}
	timeout := p.deps.PublishTimeout
	if timeout <= 0 {
		timeout = persistTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.deps.Events.Publish(ctx, p.deps.EventsTopic, job.ID, value); err != nil {
		logger.Warn("Failed to publish completion event.", zap.String("topic", p.deps.EventsTopic), zap.Error(err))
	}
}
