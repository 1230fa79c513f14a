package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/logdiag/api/schemas"
)

const (
	sqliteSchema = `
	CREATE TABLE IF NOT EXISTS diagnosis_reports (
		id               TEXT PRIMARY KEY,
		job_id           TEXT NOT NULL,
		title            TEXT NOT NULL,
		error_type       TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		created_at       INTEGER NOT NULL,
		body             TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS diagnosis_reports_created_at_idx ON diagnosis_reports (created_at DESC);
	`
	sqliteInsert = `
	INSERT INTO diagnosis_reports (id, job_id, title, error_type, confidence_score, created_at, body)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		title = excluded.title,
		error_type = excluded.error_type,
		confidence_score = excluded.confidence_score,
		body = excluded.body`
	sqlitePrune = `
	DELETE FROM diagnosis_reports WHERE id IN (
		SELECT id FROM diagnosis_reports ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
	)`
	sqliteList = `
	SELECT id, job_id, title, error_type, confidence_score, created_at
	FROM diagnosis_reports
	ORDER BY created_at DESC, id DESC
	LIMIT ?`
)

// SQLite stores reports in a local database file through the pure Go
// modernc driver.
type SQLite struct {
	db         *sql.DB
	maxReports int
	log        *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, maxReports int, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, maxReports: maxReports, log: logger.Named("store")}, nil
}

func (s *SQLite) Save(ctx context.Context, r *schemas.DiagnosisResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	sum := summaryOf(r)
	if _, err := tx.ExecContext(ctx, sqliteInsert, sum.ID, sum.JobID, sum.Title, sum.ErrorType, sum.ConfidenceScore, sum.CreatedAt.UnixNano(), string(body)); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if s.maxReports > 0 {
		res, err := tx.ExecContext(ctx, sqlitePrune, s.maxReports)
		if err != nil {
			return fmt.Errorf("prune reports: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.log.Debug("Pruned old reports.", zap.Int64("count", n))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]schemas.ReportSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteList, limit)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := []schemas.ReportSummary{}
	for rows.Next() {
		var r schemas.ReportSummary
		var created int64
		if err := rows.Scan(&r.ID, &r.JobID, &r.Title, &r.ErrorType, &r.ConfidenceScore, &created); err != nil {
			return nil, fmt.Errorf("scan report row: %w", err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Get(ctx context.Context, id string) (*schemas.DiagnosisResult, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM diagnosis_reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", id, err)
	}
	var r schemas.DiagnosisResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &r, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagnosis_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete report %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
