// Package sqlite 以 SQLite 表保存结果表：逐行插入，按 packet 唯一约束去重。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"llmbatch/pkg/contract"
)

// Options: SQLite 检查点选项。
type Options struct {
	// BusyTimeoutMS: busy_timeout（毫秒），默认 5000。
	BusyTimeoutMS int `json:"busy_timeout_ms,omitempty"`
	// Synchronous: PRAGMA synchronous，默认 FULL。
	Synchronous string `json:"synchronous,omitempty"`
}

const Ext = ".db"

const schema = `CREATE TABLE IF NOT EXISTS results (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	packet TEXT NOT NULL UNIQUE,
	result TEXT NOT NULL
)`

// Store 实现 contract.Checkpoint。
type Store struct {
	path string
	db   *sql.DB
}

func New(opts *Options, target contract.CheckpointTarget) (*Store, error) {
	path, err := target.File(Ext)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := 5000
	syncMode := "FULL"
	if opts != nil {
		if opts.BusyTimeoutMS > 0 {
			busy = opts.BusyTimeoutMS
		}
		switch opts.Synchronous {
		case "":
		case "NORMAL", "FULL", "EXTRA":
			syncMode = opts.Synchronous
		default:
			return nil, fmt.Errorf("sqlite checkpoint: %w: synchronous %q", contract.ErrInvalidInput, opts.Synchronous)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy),
		"PRAGMA synchronous=" + syncMode,
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite checkpoint %s: %w", path, err)
		}
	}
	return &Store{path: path, db: db}, nil
}

var _ contract.Checkpoint = (*Store)(nil)

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error { return s.db.Close() }

// Load 按插入顺序返回全部行。
func (s *Store) Load(ctx context.Context) ([]contract.ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT packet, result FROM results ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.ResultRecord
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var resp contract.Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return nil, fmt.Errorf("checkpoint row %s: %v: %w", id, err, contract.ErrInvariantViolation)
		}
		out = append(out, contract.ResultRecord{ID: contract.ItemID(id), Result: &resp})
	}
	return out, rows.Err()
}

// Append 在单个事务内插入新行；重复 packet 由唯一约束静默丢弃。
func (s *Store) Append(ctx context.Context, recs ...contract.ResultRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	for _, r := range recs {
		if !r.Present() {
			continue
		}
		raw, err := json.Marshal(r.Result)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO results(packet, result) VALUES(?, ?) ON CONFLICT(packet) DO NOTHING",
			string(r.ID), string(raw)); err != nil {
			return 0, fmt.Errorf("checkpoint insert %s: %w", r.ID, err)
		}
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
