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

// Package dbopen builds PostgreSQL connection strings from the environment
// and opens the checkpoint database.
package dbopen

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/checkpoint/migrations"
)

// CheckpointDBPrefix prefixes the environment variables describing the
// checkpoint database.
const CheckpointDBPrefix = "CHECKPOINTDB"

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// GetDatabaseURLFromEnv builds a PostgreSQL URL from PREFIX_URL, or from
// PREFIX_HOST, PREFIX_PORT, PREFIX_USER, PREFIX_PASSWORD, PREFIX_DBNAME and
// PREFIX_SSLMODE. HOST and DBNAME are required; PORT defaults to 5432.
func GetDatabaseURLFromEnv(prefix string) (string, error) {
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	if urlStr := os.Getenv(prefix + "URL"); urlStr != "" {
		return urlStr, nil
	}

	host := os.Getenv(prefix + "HOST")
	dbname := os.Getenv(prefix + "DBNAME")

	var missing []string
	if host == "" {
		missing = append(missing, prefix+"HOST")
	}
	if dbname == "" {
		missing = append(missing, prefix+"DBNAME")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	port := os.Getenv(prefix + "PORT")
	if port == "" {
		port = "5432"
	}

	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbname,
	}
	if user := os.Getenv(prefix + "USER"); user != "" {
		if pass := os.Getenv(prefix + "PASSWORD"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}

	q := u.Query()
	if sslmode := os.Getenv(prefix + "SSLMODE"); sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	if appName := applicationName(os.Getenv("OTEL_SERVICE_NAME")); appName != "" {
		q.Set("application_name", appName)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// applicationName makes name safe for the application_name parameter.
func applicationName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// Options configures how ConnectToCheckpointDB treats the schema version.
type Options struct {
	MigrationCheckOptions []migrations.CheckOption
}

func SkipMigrationCheck() Options {
	return Options{MigrationCheckOptions: []migrations.CheckOption{
		migrations.WithCheckMode(migrations.CheckModeSkip),
	}}
}

func WarnOnMigrationMismatch() Options {
	return Options{MigrationCheckOptions: []migrations.CheckOption{
		migrations.WithCheckMode(migrations.CheckModeWarn),
	}}
}

// ConnectToCheckpointDB opens a pool on the checkpoint database and checks
// its schema version.
func ConnectToCheckpointDB(ctx context.Context, opts ...Options) (*pgxpool.Pool, error) {
	connectionString, err := GetDatabaseURLFromEnv(CheckpointDBPrefix)
	if err != nil {
		return nil, errors.Join(ErrDatabaseNotConfigured, fmt.Errorf("failed to get %s connection string: %w", CheckpointDBPrefix, err))
	}

	pool, err := checkpoint.NewConnectionPool(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to checkpoint database: %w", err)
	}

	var checkOpts []migrations.CheckOption
	for _, o := range opts {
		checkOpts = append(checkOpts, o.MigrationCheckOptions...)
	}
	if err := migrations.CheckVersion(ctx, pool, checkOpts...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint database migration version check failed: %w", err)
	}
	return pool, nil
}
