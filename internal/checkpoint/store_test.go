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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behavior every Store backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := t.Context()

	_, ok, err := s.GetWatermark(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no watermark")

	entries, err := s.ListTracked(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	wm := time.Date(2024, 10, 23, 21, 5, 43, 507_000_000, time.UTC)
	require.NoError(t, s.PutWatermark(ctx, wm))
	got, ok, err := s.GetWatermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(got), "want %v got %v", wm, got)

	later := wm.Add(time.Hour)
	require.NoError(t, s.PutWatermark(ctx, later))
	got, _, err = s.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, later.Equal(got))

	require.NoError(t, s.PutTracked(ctx, "b.ndjson.gz", StatusProcessed))
	require.NoError(t, s.PutTracked(ctx, "a.ndjson.gz", StatusProcessed))
	require.NoError(t, s.PutTracked(ctx, "a.ndjson.gz", StatusProcessed))

	entries, err = s.ListTracked(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
		assert.Equal(t, StatusProcessed, e.Status)
	}
	assert.ElementsMatch(t, []string{"a.ndjson.gz", "b.ndjson.gz"}, keys)
	assert.NotContains(t, keys, WatermarkKey)

	require.NoError(t, s.DeleteTracked(ctx, "a.ndjson.gz"))
	require.NoError(t, s.DeleteTracked(ctx, "never-tracked"))

	entries, err = s.ListTracked(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.ndjson.gz", entries[0].Key)

	got, ok, err = s.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, later.Equal(got), "deleting tracked keys leaves the watermark alone")
}

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := t.Context()

	unlock, ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second lock must not be granted while held")

	require.NoError(t, unlock(ctx))

	unlock, ok, err = l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok, "lock is available again after release")
	require.NoError(t, unlock(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreLock(t *testing.T) {
	exerciseLocker(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "checkpoint.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	wm := time.Unix(1729717543, 0).UTC()
	require.NoError(t, s.PutWatermark(ctx, wm))
	require.NoError(t, s.PutTracked(ctx, "x.ndjson.gz", StatusProcessed))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, ok, err := s.GetWatermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(got))

	entries, err := s.ListTracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TrackedEntry{{Key: "x.ndjson.gz", Status: StatusProcessed}}, entries)
}

func TestSQLiteStoreReadsLegacyWatermark(t *testing.T) {
	ctx := t.Context()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.db.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)`, WatermarkKey, "1729717543.25")
	require.NoError(t, err)

	got, ok, err := s.GetWatermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, time.Unix(1729717543, 250_000_000).Equal(got))
}

func TestSQLiteStoreCorruptWatermark(t *testing.T) {
	ctx := t.Context()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "bad.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.db.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)`, WatermarkKey, "not-a-number")
	require.NoError(t, err)

	_, _, err = s.GetWatermark(ctx)
	assert.Error(t, err)
}
