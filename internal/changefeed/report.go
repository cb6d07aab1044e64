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

package changefeed

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Report describes what one run did.
type Report struct {
	RunID int64
	State State
	// Skipped is set when another run held the run lock.
	Skipped bool

	WatermarkBefore time.Time
	WatermarkAfter  time.Time
	Advanced        bool

	Listed           int
	New              []string
	Processed        []string
	Failed           []ObjectFailure
	RecordsDelivered int
	Removed          []string

	// Errors holds non-object problems: checkpoint reads and writes and
	// reconciliation failures.
	Errors []error
	// Fatal is the error that moved the run to FAILED.
	Fatal error

	StartedAt time.Time
	Duration  time.Duration
}

// Err aggregates every failure recorded during the run, or returns nil when
// the run was clean.
func (r *Report) Err() error {
	var errs *multierror.Error
	if r.Fatal != nil {
		errs = multierror.Append(errs, r.Fatal)
	}
	for _, f := range r.Failed {
		errs = multierror.Append(errs, f)
	}
	for _, e := range r.Errors {
		errs = multierror.Append(errs, e)
	}
	return errs.ErrorOrNil()
}

// FailedKeys returns the keys of objects that were not processed.
func (r *Report) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		keys = append(keys, f.Key)
	}
	return keys
}

// LogValue renders a compact summary for structured logs.
func (r *Report) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("runID", r.RunID),
		slog.String("state", r.State.String()),
		slog.Bool("skipped", r.Skipped),
		slog.Int("listed", r.Listed),
		slog.Int("new", len(r.New)),
		slog.Int("processed", len(r.Processed)),
		slog.Int("failed", len(r.Failed)),
		slog.Int("records", r.RecordsDelivered),
		slog.Int("removed", len(r.Removed)),
		slog.Bool("advanced", r.Advanced),
		slog.Time("watermarkBefore", r.WatermarkBefore),
		slog.Time("watermarkAfter", r.WatermarkAfter),
		slog.Duration("duration", r.Duration),
	}
	return slog.GroupValue(attrs...)
}
