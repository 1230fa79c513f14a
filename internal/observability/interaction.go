package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InteractionLogger records the prompts sent to and the responses received
// from a model during one diagnosis. A nil *InteractionLogger discards everything.
type InteractionLogger struct {
	logger *zap.Logger
	cfg    config.LLMInteractionConfig
	file   *lumberjack.Logger
}

// NewInteractionLogger returns a logger tagged with the diagnosis id. When
// per diagnosis logging is enabled the entries are also written to
// <DiagnosisLogDir>/<diagnosisID>.log.
func NewInteractionLogger(base *zap.Logger, cfg config.LoggerConfig, diagnosisID string) *InteractionLogger {
	named := base.Named("llm")
	il := &InteractionLogger{cfg: cfg.LLMInteractions}
	// Fields are bound after the tee so the file core sees them too.
	defer func() { il.logger = named.With(zap.String("diagnosis_id", diagnosisID)) }()
	if !cfg.PerDiagnosis || cfg.DiagnosisLogDir == "" {
		return il
	}
	if err := os.MkdirAll(cfg.DiagnosisLogDir, 0o755); err != nil {
		named.Warn("Per-diagnosis log directory unavailable.",
			zap.String("diagnosis_id", diagnosisID), zap.String("dir", cfg.DiagnosisLogDir), zap.Error(err))
		return il
	}

	il.file = &lumberjack.Logger{
		Filename:   filepath.Join(cfg.DiagnosisLogDir, diagnosisID+".log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: 1,
	}
	fileCore := zapcore.NewCore(newEncoder("json", config.ColorConfig{}), zapcore.AddSync(il.file), zap.DebugLevel)
	named = named.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return il
}

// Logger exposes the underlying tagged logger.
func (il *InteractionLogger) Logger() *zap.Logger {
	if il == nil {
		return zap.NewNop()
	}
	return il.logger
}

// LogRequest records an outgoing generation request.
func (il *InteractionLogger) LogRequest(provider string, attempt int, req schemas.GenerationRequest) {
	if il == nil || !il.cfg.LogRequests {
		return
	}
	il.logger.Info("LLM request",
		zap.String("provider", provider),
		zap.String("purpose", req.Purpose),
		zap.String("tier", string(req.Tier)),
		zap.Int("attempt", attempt),
		zap.Int("prompt_chars", len(req.UserPrompt)),
		zap.String("system_prompt", il.truncate(req.SystemPrompt, il.cfg.MaxPromptLogLength)),
		zap.String("prompt", il.truncate(req.UserPrompt, il.cfg.MaxPromptLogLength)),
	)
}

// LogResponse records a raw model response.
func (il *InteractionLogger) LogResponse(provider string, attempt int, response string, elapsed time.Duration) {
	if il == nil || !il.cfg.LogResponses {
		return
	}
	il.logger.Info("LLM response",
		zap.String("provider", provider),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", elapsed),
		zap.Int("response_chars", len(response)),
		zap.String("response", il.truncate(response, il.cfg.MaxResponseLogLength)),
	)
}

// LogError records a failed attempt.
func (il *InteractionLogger) LogError(provider string, attempt int, err error) {
	if il == nil {
		return
	}
	il.logger.Warn("LLM call failed", zap.String("provider", provider), zap.Int("attempt", attempt), zap.Error(err))
}

// Close releases the per diagnosis file, if any.
func (il *InteractionLogger) Close() error {
	if il == nil || il.file == nil {
		return nil
	}
	_ = il.logger.Sync()
	return il.file.Close()
}

func (il *InteractionLogger) truncate(s string, limit int) string {
	if !il.cfg.TruncateLarge {
		return s
	}
	return Truncate(s, limit)
}

// Truncate cuts s to at most limit bytes on a rune boundary and notes how
// much was dropped. A non-positive limit leaves s unchanged.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... [truncated %d chars]", s[:cut], len(s)-cut)
}
