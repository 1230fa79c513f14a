// Package diagnosis turns a parsed log and its discovered context into a
// structured diagnosis by prompting a model and validating its answer.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/llmclient"
	"github.com/xkilldash9x/logdiag/internal/llmutil"
	"github.com/xkilldash9x/logdiag/internal/observability"
)

// maxRecordedResponse bounds the model output kept on a ParseError.
const maxRecordedResponse = 2000

// DiagnoseInput is everything one diagnosis needs. Snapshot may be nil when
// git context was not requested or never became available.
type DiagnoseInput struct {
	JobID      string
	Parsed     *schemas.ParsedLog
	Snapshot   *schemas.GitSnapshot
	Stale      bool
	SyncError  string
	Candidates []schemas.ContextCandidate
	Discovery  *schemas.DiscoveryReport
}

// Orchestrator renders the prompt, calls the model and post-processes the answer.
type Orchestrator struct {
	llm    schemas.LLMClient
	cfg    config.LLMConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator over llm, normally an *llmclient.LLMRouter.
func NewOrchestrator(llm schemas.LLMClient, cfg config.LLMConfig, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		llm:    llm,
		cfg:    cfg,
		logger: logger.Named("diagnosis"),
		tracer: observability.Tracer(),
		now:    time.Now,
	}
}

// Diagnose produces a result for in. Provider failures come back as
// *llmclient.ProviderError and unreadable output as *ParseError.
func (o *Orchestrator) Diagnose(ctx context.Context, in DiagnoseInput) (*schemas.DiagnosisResult, error) {
	if in.Parsed == nil {
		return nil, errors.New("diagnose: parsed log is required")
	}
	ctx, span := o.tracer.Start(ctx, "diagnosis.diagnose", trace.WithAttributes(
		attribute.String("logdiag.job_id", in.JobID),
		attribute.Int("logdiag.candidates", len(in.Candidates)),
		attribute.Bool("logdiag.git_stale", in.Stale),
	))
	defer span.End()

	prompt, err := buildPrompt(in, o.cfg.MaxPromptChars)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("logdiag.prompt_chars", len(prompt)))

	response, err := o.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     o.cfg.Temperature,
			MaxTokens:       o.cfg.MaxTokens,
			ForceJSONFormat: true,
		},
		Purpose: "diagnosis",
		JobID:   in.JobID,
	})
	if err != nil {
		err = asProviderError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	f, err := o.parse(ctx, in.JobID, response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result := buildResult(f, in)
	result.ID = uuid.NewString()
	result.JobID = in.JobID
	result.Discovery = in.Discovery
	result.Log = in.Parsed
	result.CreatedAt = o.now().UTC()
	if in.Snapshot != nil || in.SyncError != "" {
		result.Git = &schemas.GitContextInfo{Snapshot: in.Snapshot, Stale: in.Stale, SyncError: in.SyncError}
	}

	span.SetAttributes(
		attribute.Float64("logdiag.confidence", result.ConfidenceScore),
		attribute.Int("logdiag.relevant_files", len(result.RelevantCodeFiles)),
	)
	o.logger.Info("Diagnosis produced.",
		zap.String("job_id", in.JobID),
		zap.String("title", result.Title),
		zap.Float64("confidence", result.ConfidenceScore),
		zap.Int("relevant_files", len(result.RelevantCodeFiles)))
	return result, nil
}

// parse reads the response, asking the fast tier once to repair it when it
// does not decode.
func (o *Orchestrator) parse(ctx context.Context, jobID, response string) (fields, error) {
	f, firstErr := decode(response)
	if firstErr == nil {
		return f, nil
	}
	o.logger.Warn("Model response unreadable, asking for a repair.", zap.String("job_id", jobID), zap.Error(firstErr))

	repaired, err := o.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: repairSystemPrompt,
		UserPrompt:   repairPrompt(llmutil.Truncate(response, o.repairInputLimit())),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0, MaxTokens: o.cfg.MaxTokens, ForceJSONFormat: true},
		Purpose:      "repair",
		JobID:        jobID,
	})
	if err != nil {
		return nil, &ParseError{Response: llmutil.Truncate(response, maxRecordedResponse), Err: errors.Join(firstErr, fmt.Errorf("repair request failed: %w", err))}
	}
	f, err = decode(repaired)
	if err != nil {
		return nil, &ParseError{Response: llmutil.Truncate(repaired, maxRecordedResponse), Err: err}
	}
	return f, nil
}

func (o *Orchestrator) repairInputLimit() int {
	if o.cfg.MaxPromptChars <= 0 {
		return maxRecordedResponse * 4
	}
	return o.cfg.MaxPromptChars / 2
}

func decode(response string) (fields, error) {
	obj, err := llmutil.ParseJSONObject(response)
	if err != nil {
		return nil, err
	}
	f := fields(obj)
	if !f.usable() {
		return nil, errors.New("JSON object has none of the diagnosis fields")
	}
	return f, nil
}

// asProviderError makes sure provider failures carry their kind even when the
// client in use does not produce a *llmclient.ProviderError itself.
func asProviderError(err error) error {
	var pe *llmclient.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &llmclient.ProviderError{Provider: "llm", Attempts: 1, Err: err}
}
