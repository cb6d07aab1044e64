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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
)

func init() {
	var (
		count  int
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "generate-sample",
		Short: "Upload a gzip NDJSON sample object to the source bucket",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Source.Validate(); err != nil {
				return fmt.Errorf("invalid source configuration: %w", err)
			}
			if count < 1 {
				return errors.New("--count must be at least 1")
			}

			return withTelemetry("bucketfeed-generate-sample", func(ctx context.Context) error {
				managers, err := cloudstorage.NewCloudManagers(ctx)
				if err != nil {
					return err
				}
				client, err := managers.NewClient(ctx, cfg.Source)
				if err != nil {
					return err
				}

				key := prefix + uuid.NewString() + ".ndjson.gz"
				body, err := sampleObject(count, time.Now())
				if err != nil {
					return err
				}
				if err := client.PutObject(ctx, cfg.Source.Bucket, key, body, cloudstorage.PutOptions{
					ContentType:     "application/x-ndjson",
					ContentEncoding: "gzip",
				}); err != nil {
					return fmt.Errorf("failed to upload %s: %w", key, err)
				}
				slog.Info("Uploaded sample object",
					slog.String("bucket", cfg.Source.Bucket),
					slog.String("key", key),
					slog.Int("records", count))

				return listBucket(ctx, c.OutOrStdout(), client, cfg.Source.Bucket)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 4, "number of records in the sample object")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix for the sample object")

	rootCmd.AddCommand(cmd)
}

type sampleRecord struct {
	Timestamp    string `json:"@timestamp"`
	Component    string `json:"component"`
	Hostname     string `json:"hostname"`
	AppName      string `json:"appname"`
	Process      string `json:"process"`
	Region       string `json:"region"`
	SourceType   string `json:"source_type"`
	Text         string `json:"text"`
	LogTimestamp int64  `json:"log_timestamp"`
}

var sampleHosts = []string{"edge-manager-1", "edge-manager-2", "edge-manager-3"}

// sampleObject returns count NDJSON records compressed with gzip.
func sampleObject(count int, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)

	for i := range count {
		ts := now.Add(time.Duration(i) * time.Millisecond).UTC()
		host := sampleHosts[rand.IntN(len(sampleHosts))]
		pid := 10000 + rand.IntN(90000)
		rec := sampleRecord{
			Timestamp:  ts.Format(time.RFC3339Nano),
			Component:  "gateway",
			Hostname:   host,
			AppName:    "gateway",
			Process:    fmt.Sprint(pid),
			Region:     "us-west-2",
			SourceType: "sample",
			Text: fmt.Sprintf("<182>1 %s %s gateway %d - [audit=\"true\" level=\"INFO\"] GET /api/v1/status 200 %d",
				ts.Format(time.RFC3339Nano), host, pid, 400+rand.IntN(100)),
			LogTimestamp: ts.UnixMilli(),
		}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode sample record: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress sample: %w", err)
	}
	return buf.Bytes(), nil
}

func listBucket(ctx context.Context, w io.Writer, client cloudstorage.Client, bucket string) error {
	objs, err := cloudstorage.CollectObjects(client.ListObjects(ctx, bucket))
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", bucket, err)
	}
	if len(objs) == 0 {
		_, err := fmt.Fprintln(w, "No objects found in the bucket.")
		return err
	}
	for _, o := range objs {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}
