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
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"
)

// PostgresStore keeps the checkpoint in two PostgreSQL tables created by the
// embedded migrations in the migrations package.
type PostgresStore struct {
	pool   *pgxpool.Pool
	lockID int64
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Locker = (*PostgresStore)(nil)
)

// NewConnectionPool creates a pgx pool with query tracing enabled.
func NewConnectionPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{
		Name: "checkpointdb",
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// NewPostgresStore wraps pool. lockName scopes the advisory lock so feeds
// watching different buckets from one database do not block each other.
func NewPostgresStore(pool *pgxpool.Pool, lockName string) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		lockID: int64(xxhash.Sum64String("bucketfeed:" + lockName)),
	}
}

func (s *PostgresStore) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM bucketfeed_metadata WHERE key = $1`, WatermarkKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("select watermark: %w", err)
	}
	wm, err := ParseWatermark(value)
	if err != nil {
		return time.Time{}, false, err
	}
	return wm, true, nil
}

func (s *PostgresStore) PutWatermark(ctx context.Context, wm time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bucketfeed_metadata (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		WatermarkKey, FormatWatermark(wm))
	if err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTracked(ctx context.Context) ([]TrackedEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, status FROM bucketfeed_tracked ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("select tracked keys: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TrackedEntry, error) {
		var e TrackedEntry
		err := row.Scan(&e.Key, &e.Status)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tracked keys: %w", err)
	}

	out := entries[:0]
	for _, e := range entries {
		if !IsReserved(e.Key) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *PostgresStore) PutTracked(ctx context.Context, key, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bucketfeed_tracked (key, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		key, status)
	if err != nil {
		return fmt.Errorf("store tracked key %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTracked(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM bucketfeed_tracked WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete tracked key %s: %w", key, err)
	}
	return nil
}

// TryLock takes a session-level advisory lock on a dedicated connection,
// which is held until unlock is called or the connection drops.
func (s *PostgresStore) TryLock(ctx context.Context) (UnlockFunc, bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for run lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("take advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, s.lockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}
	return unlock, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
