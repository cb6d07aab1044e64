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

package migrations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckMode selects what CheckVersion does when the schema is not current.
type CheckMode int

const (
	// CheckModeWait polls until another process finishes migrating, failing
	// after the timeout.
	CheckModeWait CheckMode = iota
	// CheckModeWarn logs the mismatch and carries on.
	CheckModeWarn
	// CheckModeSkip does not look at the schema at all.
	CheckModeSkip
)

type CheckOptions struct {
	Mode          CheckMode
	Timeout       time.Duration
	RetryInterval time.Duration
	AllowDirty    bool
}

type CheckOption func(*CheckOptions)

func WithCheckMode(mode CheckMode) CheckOption {
	return func(opts *CheckOptions) {
		opts.Mode = mode
	}
}

func WithTimeout(timeout time.Duration) CheckOption {
	return func(opts *CheckOptions) {
		opts.Timeout = timeout
	}
}

func WithRetryInterval(interval time.Duration) CheckOption {
	return func(opts *CheckOptions) {
		opts.RetryInterval = interval
	}
}

func WithAllowDirty(allow bool) CheckOption {
	return func(opts *CheckOptions) {
		opts.AllowDirty = allow
	}
}

func DefaultCheckOptions() CheckOptions {
	return CheckOptions{
		Mode:          CheckModeWait,
		Timeout:       60 * time.Second,
		RetryInterval: 2 * time.Second,
	}
}

// CheckVersion verifies the checkpoint schema is at the version embedded in
// this binary.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...CheckOption) error {
	opts := DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == CheckModeSkip {
		slog.Debug("Checkpoint migration check skipped")
		return nil
	}

	deadline := time.Now().Add(opts.Timeout)
	for {
		current, expected, dirty, err := Version(ctx, pool)
		if err != nil {
			return err
		}

		var problem error
		switch {
		case dirty && !opts.AllowDirty:
			problem = fmt.Errorf("checkpoint schema version %d is dirty", current)
		case current < expected:
			problem = fmt.Errorf("checkpoint schema version %d is behind %d, run 'bucketfeed migrate'", current, expected)
		case current > expected:
			// A newer binary migrated ahead of us; its changes are additive.
			slog.Warn("Checkpoint schema is newer than this binary",
				slog.Uint64("current", uint64(current)),
				slog.Uint64("expected", uint64(expected)))
			return nil
		default:
			return nil
		}

		if opts.Mode == CheckModeWarn {
			slog.Warn("Checkpoint schema mismatch, continuing", slog.Any("error", problem))
			return nil
		}
		if dirty || time.Now().After(deadline) {
			return problem
		}

		slog.Info("Waiting for checkpoint migrations",
			slog.Uint64("current", uint64(current)),
			slog.Uint64("expected", uint64(expected)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}
