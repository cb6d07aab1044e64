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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
)

type statusReport struct {
	Watermark      *time.Time                `json:"watermark,omitempty"`
	WatermarkValue string                    `json:"watermarkValue,omitempty"`
	Tracked        []checkpoint.TrackedEntry `json:"tracked"`
}

func init() {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored watermark and tracked keys",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateCheckpoint(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			return withTelemetry("bucketfeed-status", func(ctx context.Context) error {
				store, _, err := openCheckpoint(ctx, cfg, nil)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()

				rep, err := collectStatus(ctx, store)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(c.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(rep)
				}
				return printStatus(c.OutOrStdout(), rep)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")

	rootCmd.AddCommand(cmd)
}

func collectStatus(ctx context.Context, store checkpoint.Store) (statusReport, error) {
	rep := statusReport{Tracked: []checkpoint.TrackedEntry{}}

	wm, found, err := store.GetWatermark(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to read watermark: %w", err)
	}
	if found {
		rep.Watermark = &wm
		rep.WatermarkValue = checkpoint.FormatWatermark(wm)
	}

	tracked, err := store.ListTracked(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to list tracked keys: %w", err)
	}
	if tracked != nil {
		rep.Tracked = tracked
	}
	return rep, nil
}

func printStatus(w io.Writer, rep statusReport) error {
	if rep.Watermark == nil {
		if _, err := fmt.Fprintln(w, "watermark: none"); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintf(w, "watermark: %s (%s)\n", rep.Watermark.Format(time.RFC3339Nano), rep.WatermarkValue); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "tracked: %d\n", len(rep.Tracked)); err != nil {
		return err
	}
	for _, e := range rep.Tracked {
		if _, err := fmt.Fprintf(w, "  %s\t%s\n", e.Key, e.Status); err != nil {
			return err
		}
	}
	return nil
}
