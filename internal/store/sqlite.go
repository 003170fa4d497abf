package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"walletmesh/internal/record"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallet_records (
	id         TEXT PRIMARY KEY,
	chain      TEXT NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteEngine stores one row per record holding its latest merged state.
type SQLiteEngine struct {
	db *sql.DB
}

func OpenSQLiteEngine(path string) (*SQLiteEngine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteEngine{db: db}, nil
}

func (e *SQLiteEngine) LoadAll(ctx context.Context) ([]record.WalletRecord, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT body FROM wallet_records ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.WalletRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r record.WalletRecord
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (e *SQLiteEngine) Persist(ctx context.Context, rec record.WalletRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	deleted := 0
	if rec.Tombstoned() {
		deleted = 1
	}
	_, err = e.db.ExecContext(ctx, `
INSERT INTO wallet_records (id, chain, deleted, body, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET deleted = excluded.deleted, body = excluded.body, updated_at = excluded.updated_at`,
		rec.ID, string(rec.Chain), deleted, string(body), time.Now().Unix())
	return err
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}
