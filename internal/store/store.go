// Package store persists diagnosis results as reports, in Postgres or in a
// local SQLite file, and renders them as Markdown.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
)

// ErrNotFound is returned for unknown report ids.
var ErrNotFound = errors.New("report not found")

// ReportStore keeps diagnosis results. List returns summaries newest first;
// a limit of zero or less returns them all. Stores holding more than their
// configured maximum drop the oldest reports on Save.
type ReportStore interface {
	Save(ctx context.Context, result *schemas.DiagnosisResult) error
	List(ctx context.Context, limit int) ([]schemas.ReportSummary, error)
	Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open builds the store selected by reports.backend.
func Open(ctx context.Context, cfg config.Interface, logger *zap.Logger) (ReportStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := cfg.Reports()
	switch rc.Backend {
	case config.ReportsPostgres:
		pool, err := NewPostgresPool(ctx, cfg.Database())
		if err != nil {
			return nil, err
		}
		s, err := NewPostgres(ctx, pool, rc.MaxReports, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case config.ReportsSQLite:
		path, err := homedir.Expand(rc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("expand sqlite path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create report directory: %w", err)
		}
		return OpenSQLite(ctx, path, rc.MaxReports, logger)
	case config.ReportsNone, "":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown report backend %q", rc.Backend)
	}
}

// Discard is the store for reports.backend none.
type Discard struct{}

func (Discard) Save(context.Context, *schemas.DiagnosisResult) error { return nil }

func (Discard) List(context.Context, int) ([]schemas.ReportSummary, error) {
	return []schemas.ReportSummary{}, nil
}

func (Discard) Get(context.Context, string) (*schemas.DiagnosisResult, error) {
	return nil, ErrNotFound
}

func (Discard) Delete(context.Context, string) error { return ErrNotFound }
func (Discard) Close() error                         { return nil }

func summaryOf(r *schemas.DiagnosisResult) schemas.ReportSummary {
	return schemas.ReportSummary{
		ID:              r.ID,
		JobID:           r.JobID,
		Title:           r.Title,
		ErrorType:       r.ErrorType,
		ConfidenceScore: r.ConfidenceScore,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}
