// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// The table layout is shared with databases created by the earlier scripts,
// so existing checkpoint files keep working.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_files (id TEXT PRIMARY KEY, value TEXT)`,
	`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT)`,
}

// SQLiteStore keeps the checkpoint in an embedded SQLite database with one
// table of tracked keys and one metadata table holding the watermark.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an already open database.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("checkpoint: db is nil")
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, WatermarkKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select watermark: %w", err)
	}
	if !value.Valid || value.String == "" {
		return time.Time{}, false, nil
	}
	wm, err := ParseWatermark(value.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return wm, true, nil
}

func (s *SQLiteStore) PutWatermark(ctx context.Context, wm time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`REPLACE INTO metadata (key, value) VALUES (?, ?)`,
		WatermarkKey, FormatWatermark(wm))
	if err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTracked(ctx context.Context) ([]TrackedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, value FROM processed_files ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select tracked keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrackedEntry
	for rows.Next() {
		var key string
		var status sql.NullString
		if err := rows.Scan(&key, &status); err != nil {
			return nil, fmt.Errorf("scan tracked key: %w", err)
		}
		if IsReserved(key) {
			continue
		}
		out = append(out, TrackedEntry{Key: key, Status: status.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked keys: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PutTracked(ctx context.Context, key, status string) error {
	if _, err := s.db.ExecContext(ctx,
		`REPLACE INTO processed_files (id, value) VALUES (?, ?)`, key, status); err != nil {
		return fmt.Errorf("store tracked key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTracked(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_files WHERE id = ?`, key); err != nil {
		return fmt.Errorf("delete tracked key %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
