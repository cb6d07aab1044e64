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

// Package reconcile drops checkpoint entries for objects that no longer exist.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
)

// Store is the part of the checkpoint store the reconciler touches.
type Store interface {
	ListTracked(ctx context.Context) ([]checkpoint.TrackedEntry, error)
	DeleteTracked(ctx context.Context, key string) error
}

// ReconcileError reports a tracked key that could not be removed. An empty
// Key means the tracked entries could not be listed at all.
type ReconcileError struct {
	Key string
	Err error
}

func (e *ReconcileError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("reconcile: list tracked keys: %v", e.Err)
	}
	return fmt.Sprintf("reconcile: delete tracked key %s: %v", e.Key, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Result lists the keys that were removed and the failures met along the way.
type Result struct {
	Removed []string
	Kept    int
	Errors  []*ReconcileError
}

// Err folds the per-key failures into one error, or nil.
func (r Result) Err() error {
	var errs *multierror.Error
	for _, e := range r.Errors {
		errs = multierror.Append(errs, e)
	}
	return errs.ErrorOrNil()
}

// Reconcile deletes every tracked entry whose key is not in live. Reserved
// keys are never touched. A failed delete is logged and the loop moves on.
func Reconcile(ctx context.Context, store Store, live mapset.Set[string], logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	tracked, err := store.ListTracked(ctx)
	if err != nil {
		rerr := &ReconcileError{Err: err}
		logger.Error("Failed to list tracked keys", slog.Any("error", err))
		res.Errors = append(res.Errors, rerr)
		return res
	}

	for _, entry := range tracked {
		if checkpoint.IsReserved(entry.Key) {
			continue
		}
		if live.Contains(entry.Key) {
			res.Kept++
			continue
		}
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, &ReconcileError{Key: entry.Key, Err: err})
			return res
		}
		if err := store.DeleteTracked(ctx, entry.Key); err != nil {
			logger.Error("Failed to delete tracked key",
				slog.String("key", entry.Key),
				slog.Any("error", err))
			res.Errors = append(res.Errors, &ReconcileError{Key: entry.Key, Err: err})
			continue
		}
		logger.Info("Removed tracked key for deleted object", slog.String("key", entry.Key))
		res.Removed = append(res.Removed, entry.Key)
	}
	return res
}
