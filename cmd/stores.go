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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cardinalhq/bucketfeed/config"
	"github.com/cardinalhq/bucketfeed/internal/awsclient"
	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/dbopen"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openCheckpoint opens the configured checkpoint store. The Locker is nil
// unless checkpoint.lock is set. awsManager may be nil; one is created when
// the DynamoDB backend needs it.
func openCheckpoint(ctx context.Context, cfg *config.Config, awsManager *awsclient.Manager, dbOpts ...dbopen.Options) (checkpoint.Store, checkpoint.Locker, error) {
	var (
		store  checkpoint.Store
		locker checkpoint.Locker
	)

	switch cfg.Checkpoint.Kind {
	case config.CheckpointDynamoDB:
		if awsManager == nil {
			m, err := awsclient.NewManager(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create AWS manager: %w", err)
			}
			awsManager = m
		}
		var opts []awsclient.Option
		if cfg.Source.Region != "" {
			opts = append(opts, awsclient.WithRegion(cfg.Source.Region))
		}
		client, err := awsManager.GetDynamoDB(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create DynamoDB client: %w", err)
		}
		s, err := checkpoint.NewDynamoStore(client, cfg.Checkpoint.Table, checkpoint.WithLockTTL(cfg.Checkpoint.LockTTL))
		if err != nil {
			return nil, nil, err
		}
		store, locker = s, s

	case config.CheckpointSQLite:
		s, err := checkpoint.OpenSQLite(ctx, cfg.Checkpoint.Path)
		if err != nil {
			return nil, nil, err
		}
		store = s
		if cfg.Checkpoint.Lock {
			_ = s.Close()
			return nil, nil, errors.New("checkpoint.lock is not supported by the sqlite checkpoint store")
		}

	case config.CheckpointPostgres:
		pool, err := dbopen.ConnectToCheckpointDB(ctx, dbOpts...)
		if err != nil {
			return nil, nil, err
		}
		s := checkpoint.NewPostgresStore(pool, cfg.LockName())
		store, locker = s, s

	case config.CheckpointMemory:
		slog.Warn("Using the in-memory checkpoint store; progress is lost on exit")
		s := checkpoint.NewMemoryStore()
		store, locker = s, s

	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint kind %q", cfg.Checkpoint.Kind)
	}

	if !cfg.Checkpoint.Lock {
		locker = nil
	}
	return store, locker, nil
}
