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
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	objectsListed    metric.Int64Counter
	objectsNew       metric.Int64Counter
	objectsProcessed metric.Int64Counter
	objectsFailed    metric.Int64Counter
	recordsForwarded metric.Int64Counter
	trackedRemoved   metric.Int64Counter
	runDuration      metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/bucketfeed/internal/changefeed")

	var err error
	objectsListed, err = meter.Int64Counter(
		"bucketfeed.changefeed.objects.listed",
		metric.WithDescription("Number of objects seen in bucket listings"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create objects.listed counter: %w", err))
	}

	objectsNew, err = meter.Int64Counter(
		"bucketfeed.changefeed.objects.new",
		metric.WithDescription("Number of objects newer than the watermark"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create objects.new counter: %w", err))
	}

	objectsProcessed, err = meter.Int64Counter(
		"bucketfeed.changefeed.objects.processed",
		metric.WithDescription("Number of objects fully delivered and tracked"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create objects.processed counter: %w", err))
	}

	objectsFailed, err = meter.Int64Counter(
		"bucketfeed.changefeed.objects.failed",
		metric.WithDescription("Number of new objects that could not be processed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create objects.failed counter: %w", err))
	}

	recordsForwarded, err = meter.Int64Counter(
		"bucketfeed.changefeed.records.forwarded",
		metric.WithDescription("Number of records forwarded by runs"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.forwarded counter: %w", err))
	}

	trackedRemoved, err = meter.Int64Counter(
		"bucketfeed.changefeed.tracked.removed",
		metric.WithDescription("Number of tracked entries removed by reconciliation"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create tracked.removed counter: %w", err))
	}

	runDuration, err = meter.Float64Histogram(
		"bucketfeed.changefeed.run.duration",
		metric.WithDescription("Wall time of one run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create run.duration histogram: %w", err))
	}
}

func bucketAttr(bucket string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("bucket", bucket))
}

func recordObjectFailure(ctx context.Context, bucket, reason string) {
	objectsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("error_reason", reason),
	))
}

func recordRun(ctx context.Context, bucket string, state State, elapsed time.Duration) {
	runDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("bucket", bucket),
		attribute.String("state", state.String()),
	))
}
