package discovery

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/llmutil"
	"go.uber.org/zap"
)

const (
	deterministicWeight = 0.7
	modelWeight         = 0.3
	ratingCacheSize     = 256
)

const ratingSystemPrompt = "You rate how likely each source file is to be involved in an error. " +
	"Answer with a JSON object of the form {\"ratings\": {\"<path>\": <number between 0 and 1>}} and nothing else."

type ratingResponse struct {
	Ratings map[string]float64 `json:"ratings"`
}

// ratingCache memoizes model ratings by prompt so that the same log and
// candidate list always blend to the same scores.
type ratingCache struct {
	mu      sync.Mutex
	entries map[[32]byte]map[string]float64
}

func (c *ratingCache) get(key [32]byte) (map[string]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[key]
	return r, ok
}

func (c *ratingCache) put(key [32]byte, r map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil || len(c.entries) >= ratingCacheSize {
		c.entries = make(map[[32]byte]map[string]float64)
	}
	c.entries[key] = r
}

func ratingPrompt(p *schemas.ParsedLog, paths []string) string {
	var sb strings.Builder
	sb.WriteString("Error message:\n")
	sb.WriteString(llmutil.Truncate(p.Message, 1000))
	if p.ErrorType != "" {
		fmt.Fprintf(&sb, "\nError type: %s", p.ErrorType)
	}
	if p.StackTrace != "" {
		sb.WriteString("\nStack trace:\n")
		sb.WriteString(llmutil.Truncate(p.StackTrace, 2000))
	}
	sb.WriteString("\n\nCandidate files:\n")
	for _, path := range paths {
		sb.WriteString("- ")
		sb.WriteString(path)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// blendModelRatings asks the model to rate the top K candidates and blends
// its ratings in. Any failure leaves the scores as they were.
func (e *Engine) blendModelRatings(ctx context.Context, p *schemas.ParsedLog, cands []scored) {
	if e.llm == nil || len(cands) == 0 {
		return
	}
	k := min(e.cfg.ModelAssistedTopK, len(cands))
	if k <= 0 {
		return
	}
	top := cands[:k]
	paths := make([]string, len(top))
	for i, c := range top {
		paths[i] = c.file.Path
	}
	prompt := ratingPrompt(p, paths)
	key := sha256.Sum256([]byte(prompt))

	ratings, ok := e.cache.get(key)
	if !ok {
		resp, err := e.llm.Generate(ctx, schemas.GenerationRequest{
			SystemPrompt: ratingSystemPrompt,
			UserPrompt:   prompt,
			Tier:         schemas.TierFast,
			Options:      schemas.GenerationOptions{Temperature: 0, ForceJSONFormat: true},
			Purpose:      "relevance",
		})
		if err != nil {
			e.logger.Warn("Model assisted rating failed, keeping deterministic scores.", zap.Error(err))
			return
		}
		parsed, err := llmutil.ParseJSONResponse[ratingResponse](resp)
		if err != nil || len(parsed.Ratings) == 0 {
			e.logger.Warn("Model assisted rating unusable, keeping deterministic scores.", zap.Error(err))
			return
		}
		ratings = parsed.Ratings
		e.cache.put(key, ratings)
	}

	for i := range top {
		r, ok := ratings[top[i].file.Path]
		if !ok {
			continue
		}
		r = clamp01(r)
		top[i].score = clamp01(deterministicWeight*top[i].score + modelWeight*r)
		top[i].reasons = append(top[i].reasons, fmt.Sprintf("model rated %.2f", r))
	}
	rank(cands)
}
