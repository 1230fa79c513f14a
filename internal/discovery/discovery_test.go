package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"github.com/xkilldash9x/logdiag/internal/mocks"
)

// memSource is an in-memory tree. Sizes come from sizes when set, otherwise
// from the content length.
type memSource struct {
	files map[string]string
	sizes map[string]int64
	err   error
}

func (m *memSource) ListFiles(context.Context) ([]schemas.SourceFile, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]schemas.SourceFile, 0, len(m.files))
	for p, c := range m.files {
		size := int64(len(c))
		if s, ok := m.sizes[p]; ok {
			size = s
		}
		out = append(out, schemas.SourceFile{Path: p, Size: size})
	}
	return out, nil
}

func (m *memSource) ReadFile(p string) ([]byte, error) {
	c, ok := m.files[p]
	if !ok {
		return nil, fmt.Errorf("no such file %s", p)
	}
	return []byte(c), nil
}

type failingSource struct{ t *testing.T }

func (f failingSource) ListFiles(context.Context) ([]schemas.SourceFile, error) {
	f.t.Fatal("source must not be listed")
	return nil, nil
}

func (f failingSource) ReadFile(string) ([]byte, error) {
	f.t.Fatal("source must not be read")
	return nil, nil
}

func testConfig() config.ContextDiscoveryConfig {
	return config.ContextDiscoveryConfig{
		Enabled:                  true,
		MaxIterations:            3,
		ConfidenceThreshold:      1,
		FileSizeLimitKB:          100,
		MaxTotalContextSizeKB:    500,
		FileExtensionsPriority:   []string{".py", ".go", ".js"},
		ExcludePatterns:          []string{"*.log", "node_modules/*", ".git/*"},
		PrioritizeRecentChanges:  true,
		MinConfidenceImprovement: 0.1,
		InitialBatch:             3,
		MinRelevance:             0.15,
		SnippetContextLines:      2,
		MaxSnippetsPerFile:       3,
		ModelAssistedTopK:        2,
	}
}

// paymentLog scores every svc/payment_*.py file identically: one shared term
// plus the top extension weight.
func paymentLog() *schemas.ParsedLog {
	return &schemas.ParsedLog{Level: schemas.LevelError, Message: "payment declined"}
}

func paymentSource(n int, sizeKB float64) *memSource {
	src := &memSource{files: map[string]string{}, sizes: map[string]int64{}}
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("svc/payment_%c.py", 'a'+i)
		src.files[p] = "def handler():\n    pass\n"
		src.sizes[p] = int64(sizeKB * 1024)
	}
	return src
}

const chargeGo = `package svc

import "errors"

func Charge(amount int) error {
	if amount <= 0 {
		return errors.New("bad amount")
	}
	return nil
}
`

func TestDiscoverDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	e := NewEngine(cfg, nil, nil, nil)

	out, err := e.Discover(context.Background(), paymentLog(), nil, failingSource{t})
	require.NoError(t, err)
	assert.Empty(t, out.Candidates)
	assert.Equal(t, StopDisabled, out.Report.StopReason)
	assert.Zero(t, out.Report.Iterations)
}

func TestDiscoverListError(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil)
	boom := errors.New("disk gone")
	_, err := e.Discover(context.Background(), paymentLog(), nil, &memSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestDiscoverNoQualifiedCandidates(t *testing.T) {
	e := NewEngine(testConfig(), nil, nil, nil)
	src := &memSource{files: map[string]string{"unrelated/thing.py": "x = 1\n"}}

	out, err := e.Discover(context.Background(), paymentLog(), nil, src)
	require.NoError(t, err)
	assert.Empty(t, out.Candidates)
	assert.Equal(t, 0, out.Report.Iterations)
	assert.Equal(t, StopExhausted, out.Report.StopReason)
	assert.Equal(t, 1, out.Report.FilesConsidered)
	assert.Zero(t, out.Report.FinalConfidence)
}

func TestDiscoverStopReasons(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.ContextDiscoveryConfig)
		files      int
		sizeKB     float64
		wantStop   string
		wantRounds int
		wantFiles  int
	}{
		{
			name:       "threshold reached in the first round",
			mutate:     func(c *config.ContextDiscoveryConfig) { c.ConfidenceThreshold = 0.1 },
			files:      5,
			sizeKB:     1,
			wantStop:   StopThreshold,
			wantRounds: 1,
			wantFiles:  3,
		},
		{
			name:       "every candidate admitted",
			files:      2,
			sizeKB:     1,
			wantStop:   StopExhausted,
			wantRounds: 1,
			wantFiles:  2,
		},
		{
			name:       "skipped for budget with nothing left",
			mutate:     func(c *config.ContextDiscoveryConfig) { c.MaxTotalContextSizeKB = 100 },
			files:      3,
			sizeKB:     40,
			wantStop:   StopBudget,
			wantRounds: 1,
			wantFiles:  2,
		},
		{
			name: "nothing remaining fits",
			mutate: func(c *config.ContextDiscoveryConfig) {
				c.MaxTotalContextSizeKB = 100
				c.InitialBatch = 1
			},
			files:      4,
			sizeKB:     60,
			wantStop:   StopBudget,
			wantRounds: 1,
			wantFiles:  1,
		},
		{
			name:       "no improvement between rounds",
			mutate:     func(c *config.ContextDiscoveryConfig) { c.InitialBatch = 1; c.MaxIterations = 5 },
			files:      5,
			sizeKB:     1,
			wantStop:   StopPlateau,
			wantRounds: 2,
			wantFiles:  2,
		},
		{
			name: "round limit",
			mutate: func(c *config.ContextDiscoveryConfig) {
				c.InitialBatch = 1
				c.MaxIterations = 2
				c.MinConfidenceImprovement = 0
			},
			files:      5,
			sizeKB:     1,
			wantStop:   StopIterationCap,
			wantRounds: 2,
			wantFiles:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			e := NewEngine(cfg, nil, nil, nil)
			out, err := e.Discover(context.Background(), paymentLog(), nil, paymentSource(tt.files, tt.sizeKB))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStop, out.Report.StopReason)
			assert.Equal(t, tt.wantRounds, out.Report.Iterations)
			assert.Len(t, out.Report.ConfidenceProgression, tt.wantRounds)
			assert.Len(t, out.Candidates, tt.wantFiles)
			assert.InDelta(t, float64(tt.wantFiles)*tt.sizeKB, out.Report.TotalSizeKB, 1e-9)
		})
	}
}

func TestDiscoverSkipsOversizedFiles(t *testing.T) {
	cfg := testConfig()
	cfg.FileSizeLimitKB = 10
	src := paymentSource(3, 1)
	src.sizes["svc/payment_a.py"] = 20 * 1024

	out, err := NewEngine(cfg, nil, nil, nil).Discover(context.Background(), paymentLog(), nil, src)
	require.NoError(t, err)
	paths := make([]string, len(out.Candidates))
	for i, c := range out.Candidates {
		paths[i] = c.FilePath
	}
	assert.Equal(t, []string{"svc/payment_b.py", "svc/payment_c.py"}, paths)
	assert.Contains(t, strings.Join(out.Report.Reasoning, "\n"), "svc/payment_a.py (20.0 KB over the per file limit)")
}

func TestDiscoverBudgetSweep(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		cfg := testConfig()
		cfg.MaxIterations = 1 + rng.Intn(5)
		cfg.InitialBatch = 1 + rng.Intn(4)
		cfg.FileSizeLimitKB = 5 + rng.Float64()*60
		cfg.MaxTotalContextSizeKB = 5 + rng.Float64()*150
		cfg.MinConfidenceImprovement = rng.Float64() * 0.2

		n := 1 + rng.Intn(12)
		src := &memSource{files: map[string]string{}, sizes: map[string]int64{}}
		for j := 0; j < n; j++ {
			p := fmt.Sprintf("pkg%d/payment_%d.py", j%3, j)
			src.files[p] = "pass\n"
			src.sizes[p] = int64(rng.Float64() * 80 * 1024)
		}

		out, err := NewEngine(cfg, nil, nil, nil).Discover(context.Background(), paymentLog(), nil, src)
		require.NoError(t, err)

		rep := out.Report
		assert.LessOrEqual(t, rep.TotalSizeKB, cfg.MaxTotalContextSizeKB+1e-9, "case %d", i)
		assert.LessOrEqual(t, rep.Iterations, cfg.MaxIterations, "case %d", i)
		assert.Len(t, rep.ConfidenceProgression, rep.Iterations, "case %d", i)
		assert.LessOrEqual(t, len(out.Candidates), rep.Iterations*cfg.InitialBatch, "case %d", i)
		sum := 0.0
		for _, c := range out.Candidates {
			assert.LessOrEqual(t, c.SizeKB, cfg.FileSizeLimitKB, "case %d", i)
			sum += c.SizeKB
		}
		assert.InDelta(t, rep.TotalSizeKB, sum, 1e-9, "case %d", i)
		for _, c := range rep.ConfidenceProgression {
			assert.True(t, c >= 0 && c <= 1, "case %d confidence %v", i, c)
		}
	}
}

func TestDiscoverIsDeterministic(t *testing.T) {
	parsed := &schemas.ParsedLog{
		Level:      schemas.LevelError,
		Message:    "ValueError: bad amount in charge",
		ErrorType:  "ValueError",
		StackTrace: "Traceback (most recent call last):\n  File \"/srv/app/billing/charge.py\", line 6, in charge\nValueError: bad amount",
	}
	src := &memSource{files: map[string]string{
		"billing/charge.py":      "import x\n\n\ndef charge(amount):\n    if amount <= 0:\n        raise ValueError('bad amount')\n    return amount\n",
		"billing/refund.py":      "def refund():\n    pass\n",
		"billing/value.py":       "class Value:\n    pass\n",
		"web/static/app.js":      "console.log('x')\n",
		"node_modules/x/a.js":    "module.exports = {}\n",
		"billing/charge_test.go": chargeGo,
	}}
	snap := &schemas.GitSnapshot{ChangedFiles: []string{"billing/refund.py"}}

	first, err := NewEngine(testConfig(), nil, nil, nil).Discover(context.Background(), parsed, snap, src)
	require.NoError(t, err)
	second, err := NewEngine(testConfig(), nil, nil, nil).Discover(context.Background(), parsed, snap, src)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("discovery is not deterministic (-first +second):\n%s", diff)
	}
	require.NotEmpty(t, first.Candidates)
	top := first.Candidates[0]
	assert.Equal(t, "billing/charge.py", top.FilePath)
	assert.Contains(t, top.SelectionReason, "referenced in stack trace")
	require.NotEmpty(t, top.Snippets)
	assert.Equal(t, 4, top.Snippets[0].StartLine, "snippet snaps to the enclosing function")
	assert.Equal(t, 7, top.Snippets[0].EndLine)
}

func TestUniverseAndExclusion(t *testing.T) {
	files := []schemas.SourceFile{
		{Path: "app/main.py"},
		{Path: "app/logo.png"},
		{Path: "README.md"},
		{Path: "node_modules/lib/index.js"},
		{Path: "web/node_modules/lib/index.js"},
		{Path: "debug.log"},
		{Path: "cmd/server.go"},
		{Path: "app/__pycache__/main.py"},
	}
	got := universe(files, []string{".py", ".go", ".js", ".png", ".log"}, []string{"*.log", "node_modules/*", "__pycache__/*"})
	paths := make([]string, len(got))
	for i, f := range got {
		paths[i] = f.Path
	}
	assert.Equal(t, []string{"app/main.py", "cmd/server.go"}, paths)

	all := universe(files, nil, nil)
	assert.Len(t, all, 7, "only the binary file is dropped without a priority list")
}

func TestScoreFile(t *testing.T) {
	parsed := &schemas.ParsedLog{
		Message:    "ConnectionError talking to payments",
		ErrorType:  "requests.ConnectionError",
		StackTrace: "Traceback (most recent call last):\n  File \"/srv/app/payments/client.py\", line 42, in call\n  File \"/usr/lib/other/session.py\", line 9, in send",
	}
	sig := extractSignals(parsed)
	snap := &schemas.GitSnapshot{ChangedFiles: []string{"payments/client.py"}}
	priority := []string{".py", ".go"}

	exact := scoreFile(schemas.SourceFile{Path: "payments/client.py"}, sig, snap, priority, true)
	assert.True(t, exact.changed)
	assert.Equal(t, []int{42}, exact.lines)
	assert.Contains(t, exact.reason(), "referenced in stack trace")
	assert.Contains(t, exact.reason(), "recently changed")

	base := scoreFile(schemas.SourceFile{Path: "http/session.py"}, sig, snap, priority, true)
	assert.Equal(t, []int{9}, base.lines)
	assert.Contains(t, base.reason(), `file name "session.py" appears in stack trace`)
	assert.Less(t, base.score, exact.score)

	keyword := scoreFile(schemas.SourceFile{Path: "net/connection.go"}, sig, snap, priority, true)
	assert.Contains(t, keyword.reason(), `file name matches error keyword "connection"`)

	ignored := scoreFile(schemas.SourceFile{Path: "payments/client.py"}, sig, snap, priority, false)
	assert.False(t, ignored.changed)

	typeOnly := scoreFile(schemas.SourceFile{Path: "misc/zzz.py"}, sig, snap, priority, true)
	assert.True(t, typeOnly.typeOnly)
	assert.Equal(t, defaultReason, typeOnly.reason())
	assert.Greater(t, typeOnly.score, 0.0)

	for _, s := range []scored{exact, base, keyword, typeOnly} {
		assert.True(t, s.score >= 0 && s.score <= 1)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"payment", "gateway", "timeout", "v2"}, tokenize("PaymentGateway.timeout/v2"))
	assert.Empty(t, tokenize("  --  "))
}

func TestExtractSnippets(t *testing.T) {
	ctx := context.Background()
	opts := snippetOptions{contextLines: 1, maxSnippets: 2}

	t.Run("snaps to the enclosing go function", func(t *testing.T) {
		got := extractSnippets(ctx, "svc/charge.go", []byte(chargeGo), []int{7}, nil, opts)
		require.Len(t, got, 1)
		assert.Equal(t, 5, got[0].StartLine)
		assert.Equal(t, 10, got[0].EndLine)
		assert.True(t, strings.HasPrefix(got[0].Content, "func Charge(amount int) error {"))
		assert.True(t, strings.HasSuffix(got[0].Content, "}"))
	})

	lines := make([]string, 60)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	plain := []byte(strings.Join(lines, "\n") + "\n")

	t.Run("plain windows for unknown languages", func(t *testing.T) {
		got := extractSnippets(ctx, "notes/plain.rb", plain, []int{5}, nil, snippetOptions{contextLines: 2, maxSnippets: 3})
		require.Len(t, got, 1)
		assert.Equal(t, schemas.CodeSnippet{StartLine: 3, EndLine: 7, Content: "line 3\nline 4\nline 5\nline 6\nline 7"}, got[0])
	})

	t.Run("overlapping windows merge and the count is capped", func(t *testing.T) {
		got := extractSnippets(ctx, "notes/plain.rb", plain, []int{40, 20, 21, 2}, nil, opts)
		require.Len(t, got, 2)
		assert.Equal(t, 19, got[0].StartLine)
		assert.Equal(t, 22, got[0].EndLine)
		assert.Equal(t, 39, got[1].StartLine)
		assert.Equal(t, 41, got[1].EndLine)
	})

	t.Run("token hits seed windows", func(t *testing.T) {
		got := extractSnippets(ctx, "notes/plain.rb", plain, nil, []string{"line 33"}, opts)
		require.Len(t, got, 1)
		assert.Equal(t, 32, got[0].StartLine)
	})

	t.Run("merging never drops a seeding line", func(t *testing.T) {
		got := extractSnippets(ctx, "notes/plain.rb", plain, []int{10, 52}, nil, snippetOptions{contextLines: 22, maxSnippets: 3})
		require.Len(t, got, 2)
		assert.Equal(t, schemas.CodeSnippet{StartLine: 1, EndLine: 32, Content: strings.Join(lines[0:32], "\n")}, got[0])
		assert.Equal(t, 33, got[1].StartLine)
		assert.Equal(t, 60, got[1].EndLine)
		for _, line := range []int{10, 52} {
			covered := false
			for _, sn := range got {
				assert.LessOrEqual(t, sn.EndLine-sn.StartLine+1, maxSnippetLines)
				covered = covered || (sn.StartLine <= line && line <= sn.EndLine)
			}
			assert.True(t, covered, "line %d should be shown", line)
		}
	})

	t.Run("long windows are capped around their seed", func(t *testing.T) {
		long := make([]string, 120)
		for i := range long {
			long[i] = fmt.Sprintf("line %d", i+1)
		}
		got := extractSnippets(ctx, "notes/plain.rb", []byte(strings.Join(long, "\n")), []int{90}, nil, snippetOptions{contextLines: 40, maxSnippets: 1})
		require.Len(t, got, 1)
		assert.Equal(t, 65, got[0].StartLine)
		assert.Equal(t, 114, got[0].EndLine)
	})

	t.Run("out of range frame lines are ignored", func(t *testing.T) {
		assert.Empty(t, extractSnippets(ctx, "notes/plain.rb", plain, []int{0, 500}, nil, opts))
	})
}

func TestModelAssistedRating(t *testing.T) {
	isRating := mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierFast && req.Purpose == "relevance" && req.Options.ForceJSONFormat
	})

	t.Run("ratings blend in and are cached", func(t *testing.T) {
		cfg := testConfig()
		cfg.ModelAssisted = true
		llm := new(mocks.MockLLMClient)
		llm.On("Generate", mock.Anything, isRating).
			Return("```json\n{\"ratings\": {\"svc/payment_b.py\": 1.0}}\n```", nil).Once()

		e := NewEngine(cfg, llm, nil, nil)
		for i := 0; i < 2; i++ {
			out, err := e.Discover(context.Background(), paymentLog(), nil, paymentSource(2, 1))
			require.NoError(t, err)
			require.Len(t, out.Candidates, 2)
			assert.Equal(t, "svc/payment_b.py", out.Candidates[0].FilePath)
			assert.Contains(t, out.Candidates[0].SelectionReason, "model rated 1.00")
			assert.Greater(t, out.Candidates[0].RelevanceScore, out.Candidates[1].RelevanceScore)
		}
		llm.AssertNumberOfCalls(t, "Generate", 1)
	})

	t.Run("a failed rating keeps deterministic scores", func(t *testing.T) {
		cfg := testConfig()
		cfg.ModelAssisted = true
		core, logs := observer.New(zapcore.WarnLevel)
		llm := new(mocks.MockLLMClient)
		llm.On("Generate", mock.Anything, isRating).Return("", errors.New("rate limited")).Once()

		out, err := NewEngine(cfg, llm, zap.New(core), nil).Discover(context.Background(), paymentLog(), nil, paymentSource(2, 1))
		require.NoError(t, err)
		require.Len(t, out.Candidates, 2)
		assert.Equal(t, "svc/payment_a.py", out.Candidates[0].FilePath)
		assert.Equal(t, out.Candidates[0].RelevanceScore, out.Candidates[1].RelevanceScore)
		assert.Equal(t, 1, logs.FilterMessage("Model assisted rating failed, keeping deterministic scores.").Len())
	})

	t.Run("unused when not enabled", func(t *testing.T) {
		llm := new(mocks.MockLLMClient)
		_, err := NewEngine(testConfig(), llm, nil, nil).Discover(context.Background(), paymentLog(), nil, paymentSource(2, 1))
		require.NoError(t, err)
		llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})
}

func TestCandidateWithoutSnippetSaysSo(t *testing.T) {
	out, err := NewEngine(testConfig(), nil, nil, nil).Discover(context.Background(), paymentLog(), nil, paymentSource(1, 1))
	require.NoError(t, err)
	require.Len(t, out.Candidates, 1)
	assert.Empty(t, out.Candidates[0].Snippets)
	assert.True(t, strings.HasSuffix(out.Candidates[0].SelectionReason, "; no matching lines for a snippet"))
}
