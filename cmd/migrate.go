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
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/bucketfeed/config"
	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/checkpoint/migrations"
	"github.com/cardinalhq/bucketfeed/internal/dbopen"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the checkpoint schema",
		Long: `Apply the embedded PostgreSQL migrations, or create the SQLite tables.
DynamoDB and in-memory checkpoints need no schema.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateCheckpoint(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return withTelemetry("bucketfeed-migrate", func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
				defer cancel()
				return migrate(ctx, cfg)
			})
		},
	})
}

func migrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.Checkpoint.Kind {
	case config.CheckpointPostgres:
		pool, err := dbopen.ConnectToCheckpointDB(ctx, dbopen.SkipMigrationCheck())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
			return fmt.Errorf("failed to migrate checkpoint database: %w", err)
		}
		current, _, _, err := migrations.Version(ctx, pool)
		if err != nil {
			return err
		}
		slog.Info("Checkpoint database migrated", slog.Uint64("version", uint64(current)))
		return nil

	case config.CheckpointSQLite:
		s, err := checkpoint.OpenSQLite(ctx, cfg.Checkpoint.Path)
		if err != nil {
			return err
		}
		slog.Info("SQLite checkpoint schema ready", slog.String("path", cfg.Checkpoint.Path))
		return s.Close()

	default:
		slog.Info("Checkpoint store needs no migration", slog.String("kind", cfg.Checkpoint.Kind))
		return nil
	}
}
