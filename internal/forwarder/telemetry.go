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

package forwarder

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	deliveryErrors  metric.Int64Counter
	deliveredCount  metric.Int64Counter
	deliveredBytes  metric.Int64Counter
	deliveryBatches metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/bucketfeed/internal/forwarder")

	var err error
	deliveryErrors, err = meter.Int64Counter(
		"bucketfeed.forwarder.delivery.errors",
		metric.WithDescription("Number of failed endpoint requests"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delivery.errors counter: %w", err))
	}

	deliveredCount, err = meter.Int64Counter(
		"bucketfeed.forwarder.records.delivered",
		metric.WithDescription("Number of records accepted by the endpoint"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create records.delivered counter: %w", err))
	}

	deliveredBytes, err = meter.Int64Counter(
		"bucketfeed.forwarder.bytes.delivered",
		metric.WithDescription("Envelope bytes accepted by the endpoint"),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create bytes.delivered counter: %w", err))
	}

	deliveryBatches, err = meter.Int64Counter(
		"bucketfeed.forwarder.requests",
		metric.WithDescription("Number of successful endpoint requests"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create requests counter: %w", err))
	}
}

func recordDeliveryError(ctx context.Context, reason string) {
	deliveryErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("error_reason", reason),
	))
}

func recordDelivered(ctx context.Context, records, bytes int) {
	deliveryBatches.Add(ctx, 1)
	deliveredCount.Add(ctx, int64(records))
	deliveredBytes.Add(ctx, int64(bytes))
}
