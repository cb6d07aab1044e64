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
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/bucketfeed/config"
	"github.com/cardinalhq/bucketfeed/internal/awsclient"
	"github.com/cardinalhq/bucketfeed/internal/changefeed"
	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
	"github.com/cardinalhq/bucketfeed/internal/forwarder"
	"github.com/cardinalhq/bucketfeed/internal/healthcheck"
	"github.com/cardinalhq/bucketfeed/internal/payload"
	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

// ErrPartialFailure is returned by a strict run that finished with some
// objects or checkpoint writes failing.
var ErrPartialFailure = errors.New("run finished with failures")

func init() {
	var (
		interval     time.Duration
		strict       bool
		newKeysFile  string
		intervalFlag = "interval"
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Forward objects written since the last run",
		Long: `Run one change-feed pass: list the bucket, forward every object newer than
the stored watermark, advance the watermark when all of them succeeded and drop
tracked keys whose objects were deleted. With --interval the pass repeats until
SIGINT or SIGTERM.`,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Flags().Changed(intervalFlag) {
				cfg.Run.Interval = interval
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := checkOneShotFlags(cfg.Run.Interval, strict, newKeysFile); err != nil {
				return err
			}

			return withTelemetry("bucketfeed-run", func(ctx context.Context) error {
				managers, err := cloudstorage.NewCloudManagers(ctx)
				if err != nil {
					return err
				}
				feed, err := newFeed(ctx, cfg, managers, managers.AWS)
				if err != nil {
					return err
				}
				defer feed.close()

				if cfg.Run.Interval > 0 {
					var health *healthcheck.Server
					if cfg.Run.HealthPort > 0 {
						health = healthcheck.NewServer(healthcheck.Config{
							Port:       cfg.Run.HealthPort,
							StaleAfter: 3 * cfg.Run.Interval,
						})
						go func() {
							if err := health.Start(ctx); err != nil {
								slog.Warn("Health check server shutdown failed", slog.Any("error", err))
							}
						}()
						defer health.SetStopped()
					}
					return runPeriodically(ctx, cfg.Run.Interval, func(ctx context.Context) error {
						rep, err := feed.runOnce(ctx, cfg.Run.Timeout)
						if health != nil {
							health.RecordRun(rep)
						}
						return err
					})
				}

				rep, err := feed.runOnce(ctx, cfg.Run.Timeout)
				if err != nil {
					return err
				}
				if newKeysFile != "" {
					if err := writeKeys(newKeysFile, rep.Processed); err != nil {
						return err
					}
				}
				if strict && rep.Err() != nil {
					return fmt.Errorf("%w: %w", ErrPartialFailure, rep.Err())
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, intervalFlag, 0, "repeat the run on this period until interrupted (0 runs once)")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any object or checkpoint write failed (single runs only)")
	cmd.Flags().StringVar(&newKeysFile, "new-keys-file", "", "write the keys processed by this run to a file, one per line (single runs only)")

	rootCmd.AddCommand(cmd)
}

// feed holds everything one configured change feed needs between runs.
type feed struct {
	runner *changefeed.Runner
	store  checkpoint.Store
}

// newFeed wires a Runner from cfg. awsManager may be nil when no AWS
// service is involved.
func newFeed(ctx context.Context, cfg *config.Config, managers cloudstorage.ClientProvider, awsManager *awsclient.Manager) (*feed, error) {
	source, err := managers.NewClient(ctx, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open source bucket: %w", err)
	}

	fw, err := forwarder.New(cfg.Endpoint.URL,
		forwarder.WithBatchSize(cfg.Endpoint.BatchSize),
		forwarder.WithTimeout(cfg.Endpoint.Timeout),
		forwarder.WithHeaders(cfg.Endpoint.Headers),
	)
	if err != nil {
		return nil, err
	}

	store, locker, err := openCheckpoint(ctx, cfg, awsManager)
	if err != nil {
		return nil, err
	}

	var decoderOpts []payload.DecoderOption
	if cfg.Source.Provider() == storageprofile.ProviderGCP {
		decoderOpts = append(decoderOpts, payload.WithPlainText())
	}

	opts := []changefeed.Option{
		changefeed.WithLogger(slog.Default()),
		changefeed.WithDecoder(payload.NewDecoder(source, cfg.Source.Bucket, decoderOpts...)),
	}
	if locker != nil {
		opts = append(opts, changefeed.WithLocker(locker))
	}
	if cfg.Mirror.Bucket != "" {
		profile := cfg.MirrorProfile()
		mirror, err := managers.NewClient(ctx, profile)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open mirror bucket: %w", err)
		}
		opts = append(opts, changefeed.WithMirror(mirror, profile.Bucket))
	}

	runner, err := changefeed.New(changefeed.Config{
		Bucket:           cfg.Source.Bucket,
		DeliveryAttempts: cfg.Delivery.Attempts,
	}, source, fw, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	slog.Info("Change feed configured",
		slog.String("provider", cfg.Source.Provider()),
		slog.String("bucket", cfg.Source.Bucket),
		slog.String("checkpoint", cfg.Checkpoint.Kind),
		slog.String("endpoint", fw.Endpoint()),
		slog.Int("batchSize", fw.BatchSize()),
		slog.Bool("lock", locker != nil),
		slog.String("mirror", cfg.Mirror.Bucket))

	return &feed{runner: runner, store: store}, nil
}

func (f *feed) runOnce(ctx context.Context, timeout time.Duration) (*changefeed.Report, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.runner.Run(ctx)
}

func (f *feed) close() {
	if err := f.store.Close(); err != nil {
		slog.Warn("Failed to close checkpoint store", slog.Any("error", err))
	}
}

// runPeriodically runs f immediately, then on a ticker every period. A
// failed run is logged and the next tick tries again.
func runPeriodically(ctx context.Context, period time.Duration, f func(context.Context) error) error {
	if err := f(ctx); err != nil {
		slog.Error("Run failed, retrying on next tick", slog.Any("error", err))
	}

	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping periodic runs")
			return nil
		case <-t.C:
			if err := f(ctx); err != nil {
				slog.Error("Run failed, retrying on next tick", slog.Any("error", err))
			}
		}
	}
}

// checkOneShotFlags rejects flags that only make sense for a single run.
func checkOneShotFlags(interval time.Duration, strict bool, newKeysFile string) error {
	if interval <= 0 {
		return nil
	}
	if strict {
		return errors.New("--strict cannot be combined with a run interval")
	}
	if newKeysFile != "" {
		return errors.New("--new-keys-file cannot be combined with a run interval")
	}
	return nil
}

func writeKeys(path string, keys []string) error {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write new keys to %s: %w", path, err)
	}
	return nil
}
