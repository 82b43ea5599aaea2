package reportstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/summary"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite report store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN for a database file with WAL and a busy timeout.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite report store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reports (
		  session_id TEXT PRIMARY KEY,
		  question TEXT NOT NULL,
		  best_model TEXT NOT NULL,
		  total_models INTEGER NOT NULL,
		  completed_models INTEGER NOT NULL,
		  judge_failed INTEGER NOT NULL DEFAULT 0,
		  created_at_ms INTEGER NOT NULL,
		  report_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS reports_by_created
		  ON reports(created_at_ms DESC, session_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite report store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, report *summary.Report) error {
	if report == nil || strings.TrimSpace(report.SessionID) == "" {
		return errors.New("sqlite report store: report has no session id")
	}
	b, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "sqlite report store: marshal report")
	}
	judgeFailed := 0
	if report.JudgeFailed {
		judgeFailed = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (
			session_id, question, best_model, total_models, completed_models,
			judge_failed, created_at_ms, report_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, report.SessionID, report.Question, report.BestModel, report.TotalModels, report.CompletedModels,
		judgeFailed, report.CreatedAt.UnixMilli(), string(b))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return errors.Wrap(ErrReportExists, report.SessionID)
		}
		return errors.Wrap(err, "sqlite report store: insert report")
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*summary.Report, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT report_json FROM reports WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite report store: get report")
	}
	r, err := decodeReport(raw)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*summary.Report, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_json FROM reports
		ORDER BY created_at_ms DESC, session_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite report store: list reports")
	}
	defer func() { _ = rows.Close() }()

	var out []*summary.Report
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "sqlite report store: scan report")
		}
		r, err := decodeReport(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "sqlite report store: iterate reports")
}

func decodeReport(raw string) (*summary.Report, error) {
	var r summary.Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, errors.Wrap(err, "sqlite report store: decode report")
	}
	return &r, nil
}
