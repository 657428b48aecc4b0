package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "portalwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(at, run_id, kind, value, previous, failure_kind, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.RunID), e.Kind,
		nullStr(e.Value), nullStr(e.Previous), nullStr(e.FailureKind), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, kind, value, previous, failure_kind, detail
		 FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			at                                          string
			runID, value, previous, failureKind, detail sql.NullString
			e                                           EventRecord
		)
		if err := rows.Scan(&at, &runID, &e.Kind, &value, &previous, &failureKind, &detail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.RunID = runID.String
		e.Value = value.String
		e.Previous = previous.String
		e.FailureKind = failureKind.String
		e.Detail = detail.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
