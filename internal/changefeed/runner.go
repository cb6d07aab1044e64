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

// Package changefeed runs one incremental pass over a bucket: list, detect
// what is newer than the watermark, forward it, advance the watermark and
// reconcile the tracked keys against the listing.
package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
	"github.com/cardinalhq/bucketfeed/internal/delta"
	"github.com/cardinalhq/bucketfeed/internal/forwarder"
	"github.com/cardinalhq/bucketfeed/internal/idgen"
	"github.com/cardinalhq/bucketfeed/internal/payload"
	"github.com/cardinalhq/bucketfeed/internal/reconcile"
)

const (
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 10 * time.Second
)

// Config holds the per-feed settings of a Runner.
type Config struct {
	// Bucket is the bucket or container being watched.
	Bucket string
	// DeliveryAttempts is the total number of tries per batch. Values below
	// two disable retries.
	DeliveryAttempts     int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// Deliverer sends one batch of records. *forwarder.Forwarder implements it.
type Deliverer interface {
	Deliver(ctx context.Context, records []json.RawMessage, position int) error
	BatchSize() int
}

// Runner executes runs. It keeps no state between runs other than what is
// in the checkpoint store.
type Runner struct {
	cfg          Config
	source       cloudstorage.Client
	decoder      *payload.Decoder
	fwd          Deliverer
	store        checkpoint.Store
	locker       checkpoint.Locker
	mirror       cloudstorage.Client
	mirrorBucket string
	logger       *slog.Logger
	tracer       trace.Tracer
	nextID       func() int64
	now          func() time.Time
}

type Option func(*Runner)

// WithMirror archives every fetched object, still compressed, into bucket
// before its records are forwarded.
func WithMirror(client cloudstorage.Client, bucket string) Option {
	return func(r *Runner) {
		r.mirror = client
		r.mirrorBucket = bucket
	}
}

// WithLocker guards each run with a single-flight lock.
func WithLocker(l checkpoint.Locker) Option {
	return func(r *Runner) {
		r.locker = l
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDecoder replaces the default decoder, which reads from the source
// client and bucket.
func WithDecoder(d *payload.Decoder) Option {
	return func(r *Runner) {
		if d != nil {
			r.decoder = d
		}
	}
}

func New(cfg Config, source cloudstorage.Client, fwd Deliverer, store checkpoint.Store, opts ...Option) (*Runner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("changefeed: bucket is required")
	}
	if source == nil {
		return nil, errors.New("changefeed: object store client is nil")
	}
	if fwd == nil {
		return nil, errors.New("changefeed: forwarder is nil")
	}
	if store == nil {
		return nil, errors.New("changefeed: checkpoint store is nil")
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}

	r := &Runner{
		cfg:    cfg,
		source: source,
		fwd:    fwd,
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/cardinalhq/bucketfeed/internal/changefeed"),
		nextID: idgen.NextID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.decoder == nil {
		r.decoder = payload.NewDecoder(source, cfg.Bucket)
	}
	if r.mirror != nil && r.mirrorBucket == "" {
		return nil, errors.New("changefeed: mirror bucket is required")
	}
	return r, nil
}

// Run performs one pass. The returned error is non-nil only when the run
// ended in FAILED; partial failures are in the report, see Report.Err.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	rep := &Report{
		RunID:     r.nextID(),
		State:     StateInit,
		StartedAt: r.now(),
	}
	logger := r.logger.With(
		slog.Int64("runID", rep.RunID),
		slog.String("bucket", r.cfg.Bucket),
	)

	ctx, span := r.tracer.Start(ctx, "changefeed.Run", trace.WithAttributes(
		attribute.String("bucket", r.cfg.Bucket),
		attribute.Int64("run_id", rep.RunID),
	))
	defer func() {
		rep.Duration = r.now().Sub(rep.StartedAt)
		recordRun(ctx, r.cfg.Bucket, rep.State, rep.Duration)
		if rep.Fatal != nil {
			span.RecordError(rep.Fatal)
			span.SetStatus(codes.Error, rep.Fatal.Error())
		}
		span.End()
	}()

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx)
		if err != nil {
			return r.fail(rep, logger, fmt.Errorf("acquire run lock: %w", err))
		}
		if !acquired {
			logger.Info("Run lock is held by another run, skipping")
			rep.Skipped = true
			transition(&rep.State, StateDone)
			return rep, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("Failed to release run lock", slog.Any("error", err))
			}
		}()
	}

	wm, readOK := r.loadWatermark(ctx, rep, logger)
	rep.WatermarkBefore = wm
	rep.WatermarkAfter = rep.WatermarkBefore

	transition(&rep.State, StateListing)
	objs, err := delta.Collect(r.cfg.Bucket, r.source.ListObjects(ctx, r.cfg.Bucket))
	if err != nil {
		return r.fail(rep, logger, err)
	}

	transition(&rep.State, StateDetecting)
	res := delta.Classify(objs, rep.WatermarkBefore)
	rep.Listed = res.Listed
	for _, key := range res.Reserved {
		logger.Warn("Skipping object whose key is reserved by the checkpoint store", slog.String("key", key))
	}
	for _, obj := range res.New {
		rep.New = append(rep.New, obj.Key)
	}
	objectsListed.Add(ctx, int64(res.Listed), bucketAttr(r.cfg.Bucket))
	objectsNew.Add(ctx, int64(len(res.New)), bucketAttr(r.cfg.Bucket))
	logger.Info("Detected new objects",
		slog.Int("listed", res.Listed),
		slog.Int("new", len(res.New)),
		slog.Time("watermark", rep.WatermarkBefore))

	transition(&rep.State, StateProcessing)
	for _, obj := range res.New {
		delivered, err := r.processObject(ctx, obj.Key)
		rep.RecordsDelivered += delivered
		recordsForwarded.Add(ctx, int64(delivered), bucketAttr(r.cfg.Bucket))
		if err != nil {
			var merr *MirrorError
			if errors.As(err, &merr) {
				return r.fail(rep, logger, err)
			}
			rep.Failed = append(rep.Failed, ObjectFailure{Key: obj.Key, Err: err})
			recordObjectFailure(ctx, r.cfg.Bucket, failureReason(err))
			logger.Error("Failed to process object",
				slog.String("key", obj.Key),
				slog.Int("delivered", delivered),
				slog.Any("error", err))
			continue
		}
		rep.Processed = append(rep.Processed, obj.Key)
		objectsProcessed.Add(ctx, 1, bucketAttr(r.cfg.Bucket))
		logger.Debug("Processed object",
			slog.String("key", obj.Key),
			slog.Int("records", delivered))
	}

	switch {
	case len(rep.Failed) > 0:
		logger.Warn("Watermark not advanced, some objects failed",
			slog.Int("failed", len(rep.Failed)))
	case !readOK:
		// The stored value is unknown and may be newer than anything still
		// listed, so writing would risk moving it backwards.
		logger.Warn("Watermark not advanced, stored watermark could not be read")
	case len(res.New) > 0:
		transition(&rep.State, StateAdvancing)
		r.advance(ctx, rep, res, logger)
	}

	transition(&rep.State, StateReconciling)
	rres := reconcile.Reconcile(ctx, r.store, res.All, logger)
	rep.Removed = rres.Removed
	for _, e := range rres.Errors {
		rep.Errors = append(rep.Errors, e)
	}
	trackedRemoved.Add(ctx, int64(len(rres.Removed)), bucketAttr(r.cfg.Bucket))

	transition(&rep.State, StateDone)
	logger.Info("Run complete", slog.Any("report", rep))
	return rep, nil
}

func (r *Runner) fail(rep *Report, logger *slog.Logger, err error) (*Report, error) {
	stage := rep.State
	transition(&rep.State, StateFailed)
	rep.Fatal = err
	logger.Error("Run failed",
		slog.String("stage", stage.String()),
		slog.Any("error", err))
	return rep, err
}

// loadWatermark never fails the run: an unreadable checkpoint restarts from
// the zero watermark, which re-delivers rather than skips. The bool is false when
// the read failed.
func (r *Runner) loadWatermark(ctx context.Context, rep *Report, logger *slog.Logger) (time.Time, bool) {
	wm, found, err := r.store.GetWatermark(ctx)
	if err != nil {
		rerr := &CheckpointReadError{Err: err}
		rep.Errors = append(rep.Errors, rerr)
		logger.Error("Failed to read watermark, starting from zero", slog.Any("error", err))
		return checkpoint.ZeroWatermark, false
	}
	if !found {
		logger.Info("No watermark stored, starting from zero")
		return checkpoint.ZeroWatermark, true
	}
	return wm, true
}

func (r *Runner) advance(ctx context.Context, rep *Report, res delta.Result, logger *slog.Logger) {
	next := delta.NextWatermark(rep.WatermarkBefore, res)
	if err := r.store.PutWatermark(ctx, next); err != nil {
		rep.Errors = append(rep.Errors, &CheckpointWriteError{Err: err})
		logger.Error("Failed to store watermark", slog.Time("watermark", next), slog.Any("error", err))
		return
	}
	rep.WatermarkAfter = next
	rep.Advanced = true
	logger.Info("Advanced watermark",
		slog.Time("from", rep.WatermarkBefore),
		slog.Time("to", next))
}

// processObject fetches, mirrors and forwards one object, then marks it
// processed. It returns how many records reached the endpoint, which may be
// non-zero even when it fails.
func (r *Runner) processObject(ctx context.Context, key string) (int, error) {
	reader, err := r.decoder.Open(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = reader.Close() }()

	if r.mirror != nil {
		if err := r.mirrorObject(ctx, key, reader.Raw()); err != nil {
			return 0, err
		}
	}

	delivered := 0
	for batch, err := range forwarder.Batches(reader, r.fwd.BatchSize()) {
		if err != nil {
			return delivered, err
		}
		if err := r.deliver(ctx, batch); err != nil {
			return delivered, err
		}
		delivered += len(batch.Records)
	}

	if err := r.store.PutTracked(ctx, key, checkpoint.StatusProcessed); err != nil {
		return delivered, &TrackError{Key: key, Err: err}
	}
	return delivered, nil
}

func (r *Runner) mirrorObject(ctx context.Context, key string, raw []byte) error {
	opts := cloudstorage.PutOptions{ContentType: "application/x-ndjson"}
	switch payload.Sniff(raw) {
	case payload.CompressionGzip:
		opts.ContentEncoding = "gzip"
	case payload.CompressionZstd:
		opts.ContentEncoding = "zstd"
	}
	if err := r.mirror.PutObject(ctx, r.mirrorBucket, key, raw, opts); err != nil {
		return &MirrorError{Bucket: r.mirrorBucket, Key: key, Err: err}
	}
	return nil
}

// deliver sends one batch, retrying transient failures with exponential
// backoff when more than one attempt is configured. Rejections that cannot
// succeed on retry, such as 4xx responses, are returned at once.
func (r *Runner) deliver(ctx context.Context, batch forwarder.Batch) error {
	if r.cfg.DeliveryAttempts <= 1 {
		return r.fwd.Deliver(ctx, batch.Records, batch.Position)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryInitialInterval
	eb.MaxInterval = r.cfg.RetryMaxInterval

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			err := r.fwd.Deliver(ctx, batch.Records, batch.Position)
			var derr *forwarder.DeliveryError
			if errors.As(err, &derr) && !derr.Retryable() {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.cfg.DeliveryAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("Delivery failed, retrying",
				slog.Int("position", batch.Position),
				slog.Duration("wait", wait),
				slog.Any("error", err))
		}),
	)
	return err
}

func failureReason(err error) string {
	var (
		fetchErr    *payload.FetchError
		decodeErr   *payload.DecodeError
		parseErr    *payload.ParseError
		deliveryErr *forwarder.DeliveryError
		trackErr    *TrackError
	)
	switch {
	case errors.As(err, &fetchErr):
		return "fetch"
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &deliveryErr):
		return "delivery"
	case errors.As(err, &trackErr):
		return "track"
	default:
		return "other"
	}
}
