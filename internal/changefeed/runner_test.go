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
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/delta"
	"github.com/cardinalhq/bucketfeed/internal/forwarder"
	"github.com/cardinalhq/bucketfeed/internal/payload"
)

const testBucket = "logs"

type harness struct {
	objects *memObjects
	store   *faultyStore
	ep      *endpoint
}

func newHarness(t *testing.T) *harness {
	return &harness{
		objects: newMemObjects(testBucket),
		store:   newFaultyStore(),
		ep:      newEndpoint(t),
	}
}

func (h *harness) runner(t *testing.T, cfg Config, opts ...Option) *Runner {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = testBucket
	}
	r, err := New(cfg, h.objects, h.ep.forwarder(t), h.store, opts...)
	require.NoError(t, err)
	return r
}

func (h *harness) run(t *testing.T, opts ...Option) *Report {
	t.Helper()
	rep, err := h.runner(t, Config{}, opts...).Run(t.Context())
	require.NoError(t, err)
	require.Equal(t, StateDone, rep.State)
	return rep
}

// seedScenarioA leaves the store as after the first run over a@100, b@200.
func seedScenarioA(t *testing.T, h *harness) *Report {
	h.objects.add("a", at(100), gzipLines(t, `{"msg":"a1"}`, `{"msg":"a2"}`))
	h.objects.add("b", at(200), gzipLines(t, `{"msg":"b1"}`))
	return h.run(t)
}

func TestScenarioA_FirstRun(t *testing.T) {
	h := newHarness(t)
	rep := seedScenarioA(t, h)

	assert.Equal(t, []string{"a", "b"}, rep.New)
	assert.Equal(t, []string{"a", "b"}, rep.Processed)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 3, rep.RecordsDelivered)
	assert.True(t, rep.Advanced)
	assert.Equal(t, checkpoint.ZeroWatermark, rep.WatermarkBefore)
	assert.Equal(t, at(200), rep.WatermarkAfter)
	assert.NoError(t, rep.Err())

	wm, found := storedWatermark(t, h.store)
	require.True(t, found)
	assert.Equal(t, at(200), wm)
	assert.Equal(t, []string{"a", "b"}, trackedKeys(t, h.store))
	assert.Equal(t, []string{`{"msg":"a1"}`, `{"msg":"a2"}`, `{"msg":"b1"}`}, h.ep.received())
}

func TestScenarioB_OnlyNewObjectProcessed(t *testing.T) {
	h := newHarness(t)
	seedScenarioA(t, h)

	h.objects.add("c", at(250), gzipLines(t, `{"msg":"c1"}`))
	rep := h.run(t)

	assert.Equal(t, []string{"c"}, rep.New)
	assert.Equal(t, []string{"c"}, rep.Processed)
	assert.Equal(t, at(250), rep.WatermarkAfter)
	wm, _ := storedWatermark(t, h.store)
	assert.Equal(t, at(250), wm)
	assert.Equal(t, []string{"a", "b", "c"}, trackedKeys(t, h.store))
	assert.Equal(t, `{"msg":"c1"}`, h.ep.received()[3])
	assert.Len(t, h.ep.received(), 4)
}

func TestScenarioC_RejectedDeliveryHoldsWatermark(t *testing.T) {
	h := newHarness(t)
	seedScenarioA(t, h)

	h.ep.reject = []string{"c1"}
	h.objects.add("c", at(250), gzipLines(t, `{"msg":"c1"}`))
	rep := h.run(t)

	assert.Equal(t, []string{"c"}, rep.New)
	assert.Empty(t, rep.Processed)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "c", rep.Failed[0].Key)

	var derr *forwarder.DeliveryError
	require.ErrorAs(t, rep.Failed[0].Err, &derr)
	assert.Equal(t, 0, derr.Position)
	assert.Equal(t, http.StatusInternalServerError, derr.StatusCode)

	assert.False(t, rep.Advanced)
	assert.Equal(t, at(200), rep.WatermarkAfter)
	wm, _ := storedWatermark(t, h.store)
	assert.Equal(t, at(200), wm)
	assert.Equal(t, []string{"a", "b"}, trackedKeys(t, h.store))
	assert.Error(t, rep.Err())

	// Once the endpoint recovers, c is picked up again.
	h.ep.reject = nil
	rep = h.run(t)
	assert.Equal(t, []string{"c"}, rep.Processed)
	wm, _ = storedWatermark(t, h.store)
	assert.Equal(t, at(250), wm)
}

func TestScenarioD_DeletedObjectIsReconciled(t *testing.T) {
	h := newHarness(t)
	seedScenarioA(t, h)

	h.objects.remove("a")
	rep := h.run(t)

	assert.Empty(t, rep.New)
	assert.False(t, rep.Advanced)
	assert.Equal(t, []string{"a"}, rep.Removed)
	assert.Equal(t, []string{"b"}, trackedKeys(t, h.store))
	wm, _ := storedWatermark(t, h.store)
	assert.Equal(t, at(200), wm)
}

func TestWatermarkNeverDecreases(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutWatermark(t.Context(), at(300)))
	h.objects.add("old", at(100), gzipLines(t, `{}`))
	h.objects.add("new", at(400), gzipLines(t, `{"n":1}`))

	rep := h.run(t)
	assert.Equal(t, []string{"new"}, rep.New)
	assert.Equal(t, at(400), rep.WatermarkAfter)

	// Replace the newest object with an older one: the watermark stays put.
	h.objects.remove("new")
	h.objects.add("late", at(350), gzipLines(t, `{"n":2}`))
	rep = h.run(t)
	assert.Empty(t, rep.New)
	wm, _ := storedWatermark(t, h.store)
	assert.Equal(t, at(400), wm)
}

func TestObjectAtWatermarkIsNotNew(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutWatermark(t.Context(), at(200)))
	h.objects.add("edge", at(200), gzipLines(t, `{}`))

	rep := h.run(t)
	assert.Empty(t, rep.New)
	assert.Zero(t, h.ep.requestCount())
}

func TestRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := seedScenarioA(t, h)
	requests := h.ep.requestCount()

	second := h.run(t)
	assert.Empty(t, second.New)
	assert.Zero(t, second.RecordsDelivered)
	assert.Empty(t, second.Removed)
	assert.Equal(t, first.WatermarkAfter, second.WatermarkAfter)
	assert.Equal(t, requests, h.ep.requestCount())
	assert.Equal(t, []string{"a", "b"}, trackedKeys(t, h.store))
}

func TestTrackedMatchesListingAfterEveryRun(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(10), gzipLines(t, `{}`))
	h.objects.add("b", at(20), gzipLines(t, `{}`))
	h.run(t)

	h.objects.remove("b")
	h.objects.add("c", at(30), gzipLines(t, `{}`))
	h.run(t)
	assert.Equal(t, []string{"a", "c"}, trackedKeys(t, h.store))

	h.objects.remove("a")
	h.objects.remove("c")
	h.run(t)
	assert.Empty(t, trackedKeys(t, h.store))
}

func TestPartialFailureProcessesRemainingObjects(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{"msg":"a1"}`))
	h.objects.add("broken", at(150), []byte("not compressed"))
	h.objects.add("missing", at(160), nil)
	h.objects.getErr["missing"] = errors.New("access denied")
	h.objects.add("z", at(200), gzipLines(t, `{"msg":"z1"}`))

	rep := h.run(t)

	assert.Equal(t, []string{"a", "z"}, rep.Processed)
	assert.ElementsMatch(t, []string{"broken", "missing"}, rep.FailedKeys())

	var decodeErr *payload.DecodeError
	var fetchErr *payload.FetchError
	for _, f := range rep.Failed {
		switch f.Key {
		case "broken":
			assert.ErrorAs(t, f.Err, &decodeErr)
		case "missing":
			assert.ErrorAs(t, f.Err, &fetchErr)
		}
	}

	assert.False(t, rep.Advanced)
	_, found := storedWatermark(t, h.store)
	assert.False(t, found)
	assert.Equal(t, []string{"a", "z"}, trackedKeys(t, h.store))
}

func TestParseErrorKeepsEarlierRecordsDelivered(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{"n":1}`, `{"n":2}`, `{"n":`, `{"n":4}`))

	rep := h.run(t)

	require.Len(t, rep.Failed, 1)
	var perr *payload.ParseError
	require.ErrorAs(t, rep.Failed[0].Err, &perr)
	assert.Equal(t, 3, perr.Line)
	assert.Equal(t, 2, rep.RecordsDelivered)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, h.ep.received())
	assert.Empty(t, trackedKeys(t, h.store))
	assert.False(t, rep.Advanced)
}

func TestListingErrorFailsRunWithoutTouchingCheckpoint(t *testing.T) {
	h := newHarness(t)
	seedScenarioA(t, h)

	h.objects.remove("a")
	h.objects.add("c", at(300), gzipLines(t, `{}`))
	h.objects.listErr = errors.New("throttled")

	rep, err := h.runner(t, Config{}).Run(t.Context())
	require.Error(t, err)
	var lerr *delta.ListingError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, testBucket, lerr.Bucket)

	assert.Equal(t, StateFailed, rep.State)
	assert.Equal(t, err, rep.Fatal)
	assert.Empty(t, rep.New)
	// No reconciliation ran off the partial listing.
	assert.Equal(t, []string{"a", "b"}, trackedKeys(t, h.store))
	wm, _ := storedWatermark(t, h.store)
	assert.Equal(t, at(200), wm)
}

func TestCheckpointReadErrorStartsFromZero(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.store.getErr = errors.New("table not found")

	rep := h.run(t)

	assert.Equal(t, checkpoint.ZeroWatermark, rep.WatermarkBefore)
	assert.Equal(t, []string{"a"}, rep.Processed)
	assert.False(t, rep.Advanced)
	require.Len(t, rep.Errors, 1)
	var cerr *CheckpointReadError
	assert.ErrorAs(t, rep.Errors[0], &cerr)
	assert.Error(t, rep.Err())
}

func TestUnreadableWatermarkIsNeverLowered(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.objects.add("b", at(200), gzipLines(t, `{}`))
	h.objects.add("c", at(300), gzipLines(t, `{}`))
	rep := h.run(t)
	require.True(t, rep.Advanced)

	h.objects.remove("c")
	h.store.getErr = errors.New("throttled")
	rep = h.run(t)

	assert.False(t, rep.Advanced)
	assert.Equal(t, rep.WatermarkBefore, rep.WatermarkAfter)
	assert.Equal(t, []string{"a", "b"}, rep.Processed, "detection restarts from zero")
	assert.Equal(t, []string{"c"}, rep.Removed)

	stored, found, err := h.store.MemoryStore.GetWatermark(t.Context())
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stored.Equal(at(300)), "stored watermark %s", stored)
}

func TestObjectNamedLikeSentinelDoesNotStallWatermark(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.objects.add(checkpoint.WatermarkKey, at(150), gzipLines(t, `{}`))

	rep := h.run(t)

	assert.Empty(t, rep.Failed)
	assert.Equal(t, []string{"a"}, rep.Processed)
	assert.True(t, rep.Advanced)
	assert.True(t, at(100).Equal(rep.WatermarkAfter))
	assert.Equal(t, []string{"a"}, trackedKeys(t, h.store))
}

func TestCheckpointWriteErrorStillReconciles(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	require.NoError(t, h.store.PutTracked(t.Context(), "gone", checkpoint.StatusProcessed))
	h.store.putWMErr = errors.New("disk full")

	rep := h.run(t)

	assert.False(t, rep.Advanced)
	assert.Equal(t, checkpoint.ZeroWatermark, rep.WatermarkAfter)
	require.Len(t, rep.Errors, 1)
	var werr *CheckpointWriteError
	assert.ErrorAs(t, rep.Errors[0], &werr)
	assert.Equal(t, []string{"gone"}, rep.Removed)
	assert.Equal(t, []string{"a"}, trackedKeys(t, h.store))
}

func TestTrackedWriteFailureCountsAsObjectFailure(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.objects.add("b", at(200), gzipLines(t, `{}`))
	h.store.trackedErr["a"] = errors.New("conflict")

	rep := h.run(t)

	require.Len(t, rep.Failed, 1)
	var terr *TrackError
	require.ErrorAs(t, rep.Failed[0].Err, &terr)
	assert.Equal(t, "a", terr.Key)
	assert.Equal(t, []string{"b"}, rep.Processed)
	assert.False(t, rep.Advanced)
}

func TestMirrorArchivesRawObject(t *testing.T) {
	h := newHarness(t)
	raw := gzipLines(t, `{"msg":"a1"}`)
	h.objects.add("a", at(100), raw)
	mirror := newMemObjects("archive")

	rep := h.run(t, WithMirror(mirror, "archive"))

	assert.Equal(t, []string{"a"}, rep.Processed)
	obj, ok := mirror.get("a")
	require.True(t, ok)
	assert.Equal(t, raw, obj.data)
	assert.Equal(t, "gzip", obj.opts.ContentEncoding)
}

func TestMirrorFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.objects.add("b", at(200), gzipLines(t, `{}`))
	mirror := newMemObjects("archive")
	mirror.putErr = errors.New("bucket is read-only")

	rep, err := h.runner(t, Config{}, WithMirror(mirror, "archive")).Run(t.Context())

	require.Error(t, err)
	var merr *MirrorError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "a", merr.Key)
	assert.Equal(t, StateFailed, rep.State)
	assert.Zero(t, h.ep.requestCount())
	assert.Empty(t, trackedKeys(t, h.store))
	_, found := storedWatermark(t, h.store)
	assert.False(t, found)
}

func TestRunSkippedWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))

	unlock, ok, err := h.store.TryLock(t.Context())
	require.NoError(t, err)
	require.True(t, ok)

	rep := h.run(t, WithLocker(h.store))
	assert.True(t, rep.Skipped)
	assert.Zero(t, h.ep.requestCount())

	require.NoError(t, unlock(t.Context()))
	rep = h.run(t, WithLocker(h.store))
	assert.False(t, rep.Skipped)
	assert.Equal(t, []string{"a"}, rep.Processed)

	// The lock is released after the run.
	_, ok, err = h.store.TryLock(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
}

type brokenLocker struct{}

func (brokenLocker) TryLock(context.Context) (checkpoint.UnlockFunc, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestLockErrorFailsRun(t *testing.T) {
	h := newHarness(t)
	rep, err := h.runner(t, Config{}, WithLocker(brokenLocker{})).Run(t.Context())
	require.Error(t, err)
	assert.Equal(t, StateFailed, rep.State)
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{"msg":"a1"}`))
	h.ep.failFirst = 2

	r := h.runner(t, Config{DeliveryAttempts: 3, RetryInitialInterval: 1, RetryMaxInterval: 1})
	rep, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, rep.Processed)
	assert.Equal(t, 3, h.ep.requestCount())
	assert.True(t, rep.Advanced)
}

func TestDeliveryDoesNotRetryClientErrors(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{"msg":"a1"}`))
	h.ep.reject = []string{"a1"}
	h.ep.rejectStatus = http.StatusBadRequest

	r := h.runner(t, Config{DeliveryAttempts: 5, RetryInitialInterval: 1, RetryMaxInterval: 1})
	rep, err := r.Run(t.Context())
	require.NoError(t, err)

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, 1, h.ep.requestCount())
}

func TestWithoutRetryOneAttempt(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{}`))
	h.ep.failFirst = 1

	rep := h.run(t)
	assert.Len(t, rep.Failed, 1)
	assert.Equal(t, 1, h.ep.requestCount())
}

func TestBatchedDelivery(t *testing.T) {
	h := newHarness(t)
	h.objects.add("a", at(100), gzipLines(t, `{"n":1}`, `{"n":2}`, `{"n":3}`))

	r, err := New(Config{Bucket: testBucket}, h.objects, h.ep.forwarder(t, forwarder.WithBatchSize(2)), h.store)
	require.NoError(t, err)
	rep, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.RecordsDelivered)
	assert.Equal(t, 2, h.ep.requestCount())
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, h.ep.received())
}

func TestEmptyBucket(t *testing.T) {
	h := newHarness(t)
	rep := h.run(t)
	assert.Zero(t, rep.Listed)
	assert.False(t, rep.Advanced)
	_, found := storedWatermark(t, h.store)
	assert.False(t, found)
}

func TestNewValidatesArguments(t *testing.T) {
	h := newHarness(t)
	fw := h.ep.forwarder(t)

	_, err := New(Config{}, h.objects, fw, h.store)
	assert.Error(t, err)
	_, err = New(Config{Bucket: testBucket}, nil, fw, h.store)
	assert.Error(t, err)
	_, err = New(Config{Bucket: testBucket}, h.objects, nil, h.store)
	assert.Error(t, err)
	_, err = New(Config{Bucket: testBucket}, h.objects, fw, nil)
	assert.Error(t, err)
	_, err = New(Config{Bucket: testBucket}, h.objects, fw, h.store, WithMirror(newMemObjects("x"), ""))
	assert.Error(t, err)
}
