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
	"time"
)

const (
	// WatermarkKey is the sentinel identifier the watermark is stored under.
	// Key-value backends keep it in the same table as tracked keys, so it must
	// never be treated as an object key.
	WatermarkKey = "last_processed_timestamp"

	// LockKey is the sentinel identifier used for run lock leases.
	LockKey = "bucketfeed_run_lock"

	// StatusProcessed is the status written for a fully delivered object.
	StatusProcessed = "processed"
)

// TrackedEntry records that an object key was classified as new and processed.
type TrackedEntry struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// Store persists the watermark and the set of tracked object keys.
// Every method is its own atomic operation; nothing spans calls.
type Store interface {
	// GetWatermark returns the stored watermark. found is false when no
	// watermark has ever been written.
	GetWatermark(ctx context.Context) (wm time.Time, found bool, err error)

	// PutWatermark replaces the stored watermark.
	PutWatermark(ctx context.Context, wm time.Time) error

	// ListTracked enumerates every tracked entry. Reserved keys are never returned.
	ListTracked(ctx context.Context) ([]TrackedEntry, error)

	// PutTracked inserts or replaces a tracked entry.
	PutTracked(ctx context.Context, key, status string) error

	// DeleteTracked removes a tracked entry. Deleting a missing key is not an error.
	DeleteTracked(ctx context.Context, key string) error

	Close() error
}

// UnlockFunc releases a lock obtained from a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker is implemented by stores that can keep two runs from overlapping.
type Locker interface {
	// TryLock attempts to take the run lock without blocking. acquired is
	// false if another run holds it.
	TryLock(ctx context.Context) (unlock UnlockFunc, acquired bool, err error)
}

// IsReserved reports whether key is one of the sentinel identifiers and
// therefore can never refer to a real object.
func IsReserved(key string) bool {
	return key == WatermarkKey || key == LockKey
}
