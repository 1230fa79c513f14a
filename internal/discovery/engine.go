// Package discovery selects the source files most likely to explain a log
// entry, under fixed iteration and size budgets.
package discovery

import (
	"context"
	"fmt"
	"math"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/observability"
	"go.uber.org/zap"
)

// Stop reasons recorded in the discovery report.
const (
	StopDisabled     = "disabled"
	StopThreshold    = "threshold"
	StopPlateau      = "plateau"
	StopIterationCap = "iteration_cap"
	StopBudget       = "budget"
	StopExhausted    = "exhausted"
)

// Outcome is the selected context and how it was reached.
type Outcome struct {
	Candidates []schemas.ContextCandidate
	Report     schemas.DiscoveryReport
}

// Engine runs context discovery. It holds no per job state and is safe for
// concurrent use.
type Engine struct {
	cfg     config.ContextDiscoveryConfig
	llm     schemas.LLMClient
	logger  *zap.Logger
	metrics *observability.Metrics
	cache   ratingCache
}

// NewEngine creates an engine. llm is only used when model assisted rating is
// enabled and may be nil.
func NewEngine(cfg config.ContextDiscoveryConfig, llm schemas.LLMClient, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.ModelAssisted {
		llm = nil
	}
	return &Engine{cfg: cfg, llm: llm, logger: logger.Named("discovery"), metrics: metrics}
}

// Discover scores the files of src against parsed and admits the best ones in
// rounds until confident, out of budget, or out of rounds. snap may be nil.
func (e *Engine) Discover(ctx context.Context, parsed *schemas.ParsedLog, snap *schemas.GitSnapshot, src FileSource) (*Outcome, error) {
	out := &Outcome{
		Candidates: []schemas.ContextCandidate{},
		Report:     schemas.DiscoveryReport{ConfidenceProgression: []float64{}},
	}
	if !e.cfg.Enabled || src == nil {
		out.Report.StopReason = StopDisabled
		return out, nil
	}

	files, err := src.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source files: %w", err)
	}
	eligible := universe(files, e.cfg.FileExtensionsPriority, e.cfg.ExcludePatterns)
	out.Report.FilesConsidered = len(eligible)

	sig := extractSignals(parsed)
	all := make([]scored, 0, len(eligible))
	for _, f := range eligible {
		all = append(all, scoreFile(f, sig, snap, e.cfg.FileExtensionsPriority, e.cfg.PrioritizeRecentChanges))
	}
	rank(all)
	if e.llm != nil {
		e.blendModelRatings(ctx, parsed, all)
	}

	var qualified []scored
	for _, c := range all {
		if !c.typeOnly && c.score > 0 && c.score >= e.cfg.MinRelevance {
			qualified = append(qualified, c)
		}
	}

	selected := e.selectRounds(qualified, &out.Report)

	for _, c := range selected {
		cand := schemas.ContextCandidate{
			FilePath:        c.file.Path,
			SizeKB:          sizeKB(c.file.Size),
			RelevanceScore:  c.score,
			SelectionReason: c.reason(),
		}
		content, err := src.ReadFile(c.file.Path)
		if err != nil {
			e.logger.Warn("Selected file could not be read.", zap.String("path", c.file.Path), zap.Error(err))
		} else {
			cand.Snippets = extractSnippets(ctx, c.file.Path, content, c.lines, sig.snippetTokens, snippetOptions{
				contextLines: e.cfg.SnippetContextLines,
				maxSnippets:  e.cfg.MaxSnippetsPerFile,
			})
		}
		if len(cand.Snippets) == 0 {
			cand.SelectionReason += "; no matching lines for a snippet"
		}
		out.Candidates = append(out.Candidates, cand)
	}

	e.metrics.DiscoveryConfidence(ctx, out.Report.FinalConfidence, out.Report.StopReason)
	e.logger.Debug("Context discovery finished.",
		zap.Int("considered", out.Report.FilesConsidered),
		zap.Int("qualified", len(qualified)),
		zap.Int("selected", len(out.Candidates)),
		zap.Int("iterations", out.Report.Iterations),
		zap.Float64("confidence", out.Report.FinalConfidence),
		zap.String("stop_reason", out.Report.StopReason))
	return out, nil
}

// selectRounds admits candidates batch by batch in rank order and fills in
// the report. Files over the per file limit, or that would push the total
// past the budget, are skipped for good.
func (e *Engine) selectRounds(qualified []scored, rep *schemas.DiscoveryReport) []scored {
	if len(qualified) == 0 {
		rep.StopReason = StopExhausted
		rep.Reasoning = append(rep.Reasoning, "no file cleared the relevance bar")
		return nil
	}

	batch := max(1, e.cfg.InitialBatch)
	budget := e.cfg.MaxTotalContextSizeKB
	var selected []scored
	total := 0.0
	cursor := 0
	skippedForBudget := false

	for round := 1; round <= e.cfg.MaxIterations; round++ {
		admitted := 0
		for cursor < len(qualified) && admitted < batch {
			c := qualified[cursor]
			cursor++
			kb := sizeKB(c.file.Size)
			if kb > e.cfg.FileSizeLimitKB {
				rep.Reasoning = append(rep.Reasoning, fmt.Sprintf("round %d: skipped %s (%.1f KB over the per file limit)", round, c.file.Path, kb))
				continue
			}
			if total+kb > budget {
				skippedForBudget = true
				rep.Reasoning = append(rep.Reasoning, fmt.Sprintf("round %d: skipped %s (%.1f KB does not fit the remaining %.1f KB)", round, c.file.Path, kb, budget-total))
				continue
			}
			total += kb
			selected = append(selected, c)
			admitted++
		}

		conf := confidence(selected)
		rep.Iterations = round
		rep.ConfidenceProgression = append(rep.ConfidenceProgression, conf)
		rep.Reasoning = append(rep.Reasoning, fmt.Sprintf("round %d: admitted %d file(s), confidence %.3f", round, admitted, conf))

		if reason := e.stopReason(round, conf, rep.ConfidenceProgression, qualified[cursor:], budget-total, skippedForBudget); reason != "" {
			rep.StopReason = reason
			break
		}
	}
	if rep.StopReason == "" {
		rep.StopReason = StopIterationCap
	}

	rep.TotalSizeKB = total
	if n := len(rep.ConfidenceProgression); n > 0 {
		rep.FinalConfidence = rep.ConfidenceProgression[n-1]
	}
	return selected
}

func (e *Engine) stopReason(round int, conf float64, progression []float64, remaining []scored, room float64, skippedForBudget bool) string {
	if conf >= e.cfg.ConfidenceThreshold {
		return StopThreshold
	}
	if len(remaining) == 0 {
		if skippedForBudget {
			return StopBudget
		}
		return StopExhausted
	}
	fits := false
	for _, c := range remaining {
		kb := sizeKB(c.file.Size)
		if kb <= room && kb <= e.cfg.FileSizeLimitKB {
			fits = true
			break
		}
	}
	if !fits {
		return StopBudget
	}
	if round >= 2 && conf-progression[len(progression)-2] < e.cfg.MinConfidenceImprovement {
		return StopPlateau
	}
	if round >= e.cfg.MaxIterations {
		return StopIterationCap
	}
	return ""
}

// confidence is 0.6 of the best score plus 0.4 of the mean.
func confidence(selected []scored) float64 {
	if len(selected) == 0 {
		return 0
	}
	best, sum := 0.0, 0.0
	for _, c := range selected {
		best = math.Max(best, c.score)
		sum += c.score
	}
	return clamp01(0.6*best + 0.4*sum/float64(len(selected)))
}

func sizeKB(bytes int64) float64 { return float64(bytes) / 1024 }
