package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/logdiag/api/schemas"
	"github.com/xkilldash9x/logdiag/internal/config"
)

// DBPool abstracts *pgxpool.Pool so the store can run against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	pgSchema = `
        CREATE TABLE IF NOT EXISTS diagnosis_reports (
            id               TEXT PRIMARY KEY,
            job_id           TEXT NOT NULL,
            title            TEXT NOT NULL,
            error_type       TEXT NOT NULL,
            confidence_score DOUBLE PRECISION NOT NULL,
            created_at       TIMESTAMPTZ NOT NULL,
            body             JSONB NOT NULL
        );
        CREATE INDEX IF NOT EXISTS diagnosis_reports_created_at_idx ON diagnosis_reports (created_at DESC);
    `
	pgInsert = `
        INSERT INTO diagnosis_reports (id, job_id, title, error_type, confidence_score, created_at, body)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            title = EXCLUDED.title,
            error_type = EXCLUDED.error_type,
            confidence_score = EXCLUDED.confidence_score,
            body = EXCLUDED.body;
    `
	pgPrune = `
        DELETE FROM diagnosis_reports WHERE id IN (
            SELECT id FROM diagnosis_reports ORDER BY created_at DESC, id DESC OFFSET $1
        );
    `
	pgList = `
        SELECT id, job_id, title, error_type, confidence_score, created_at
        FROM diagnosis_reports
        ORDER BY created_at DESC, id DESC
        LIMIT $1;
    `
	pgGet    = `SELECT body FROM diagnosis_reports WHERE id = $1;`
	pgDelete = `DELETE FROM diagnosis_reports WHERE id = $1;`
)

// NewPostgresPool connects a pgx pool using the database section.
func NewPostgresPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// Postgres stores reports in the diagnosis_reports table.
type Postgres struct {
	pool       DBPool
	maxReports int
	log        *zap.Logger
}

// NewPostgres verifies the connection and returns a store over pool.
func NewPostgres(ctx context.Context, pool DBPool, maxReports int, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, maxReports: maxReports, log: logger.Named("store")}, nil
}

// EnsureSchema creates the table and index when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create report schema: %w", err)
	}
	return nil
}

// Save upserts the report and prunes beyond maxReports in one transaction.
func (s *Postgres) Save(ctx context.Context, r *schemas.DiagnosisResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	sum := summaryOf(r)
	if _, err := tx.Exec(ctx, pgInsert, sum.ID, sum.JobID, sum.Title, sum.ErrorType, sum.ConfidenceScore, sum.CreatedAt, body); err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	if s.maxReports > 0 {
		tag, err := tx.Exec(ctx, pgPrune, s.maxReports)
		if err != nil {
			return fmt.Errorf("failed to prune reports: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			s.log.Debug("Pruned old reports.", zap.Int64("count", n))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, limit int) ([]schemas.ReportSummary, error) {
	var arg any
	if limit > 0 {
		arg = limit
	}
	rows, err := s.pool.Query(ctx, pgList, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	out := []schemas.ReportSummary{}
	for rows.Next() {
		var r schemas.ReportSummary
		if err := rows.Scan(&r.ID, &r.JobID, &r.Title, &r.ErrorType, &r.ConfidenceScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error) {
	var body []byte
	if err := s.pool.QueryRow(ctx, pgGet, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load report %s: %w", id, err)
	}
	var r schemas.DiagnosisResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &r, nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, pgDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete report %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
