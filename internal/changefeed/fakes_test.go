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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
	"github.com/cardinalhq/bucketfeed/internal/forwarder"
)

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	for _, l := range lines {
		_, err := w.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type memObject struct {
	data     []byte
	modified time.Time
	opts     cloudstorage.PutOptions
}

// memObjects is an in-memory cloudstorage.Client holding a single bucket.
type memObjects struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memObject
	listErr error
	getErr  map[string]error
	putErr  error
}

var _ cloudstorage.Client = (*memObjects)(nil)

func newMemObjects(bucket string) *memObjects {
	return &memObjects{
		bucket:  bucket,
		objects: map[string]memObject{},
		getErr:  map[string]error{},
	}
}

func (m *memObjects) add(key string, modified time.Time, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, modified: modified}
}

func (m *memObjects) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *memObjects) get(key string) (memObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

func (m *memObjects) ListObjects(_ context.Context, bucket string) iter.Seq2[cloudstorage.ObjectDescriptor, error] {
	return func(yield func(cloudstorage.ObjectDescriptor, error) bool) {
		m.mu.Lock()
		keys := slices.Sorted(maps.Keys(m.objects))
		objs := make([]cloudstorage.ObjectDescriptor, 0, len(keys))
		for _, k := range keys {
			o := m.objects[k]
			objs = append(objs, cloudstorage.ObjectDescriptor{Key: k, LastModified: o.modified, Size: int64(len(o.data))})
		}
		listErr := m.listErr
		m.mu.Unlock()

		if bucket != m.bucket {
			yield(cloudstorage.ObjectDescriptor{}, errors.New("no such bucket"))
			return
		}
		for i, obj := range objs {
			// Fail after the first page to show partial listings are discarded.
			if listErr != nil && i == 1 {
				yield(cloudstorage.ObjectDescriptor{}, listErr)
				return
			}
			if !yield(obj, nil) {
				return
			}
		}
		if listErr != nil && len(objs) <= 1 {
			yield(cloudstorage.ObjectDescriptor{}, listErr)
		}
	}
}

func (m *memObjects) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErr[key]; err != nil {
		return nil, err
	}
	o, ok := m.objects[key]
	if !ok || bucket != m.bucket {
		return nil, cloudstorage.ErrObjectNotFound
	}
	return bytes.Clone(o.data), nil
}

func (m *memObjects) PutObject(_ context.Context, bucket, key string, data []byte, opts cloudstorage.PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	if bucket != m.bucket {
		return errors.New("no such bucket")
	}
	m.objects[key] = memObject{data: bytes.Clone(data), modified: time.Now(), opts: opts}
	return nil
}

// faultyStore injects failures into a MemoryStore.
type faultyStore struct {
	*checkpoint.MemoryStore
	getErr     error
	putWMErr   error
	trackedErr map[string]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: checkpoint.NewMemoryStore(),
		trackedErr:  map[string]error{},
	}
}

func (s *faultyStore) GetWatermark(ctx context.Context) (time.Time, bool, error) {
	if s.getErr != nil {
		return time.Time{}, false, s.getErr
	}
	return s.MemoryStore.GetWatermark(ctx)
}

func (s *faultyStore) PutWatermark(ctx context.Context, wm time.Time) error {
	if s.putWMErr != nil {
		return s.putWMErr
	}
	return s.MemoryStore.PutWatermark(ctx, wm)
}

func (s *faultyStore) PutTracked(ctx context.Context, key, status string) error {
	if err := s.trackedErr[key]; err != nil {
		return err
	}
	return s.MemoryStore.PutTracked(ctx, key, status)
}

func trackedKeys(t *testing.T, s checkpoint.Store) []string {
	t.Helper()
	entries, err := s.ListTracked(t.Context())
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func storedWatermark(t *testing.T, s checkpoint.Store) (time.Time, bool) {
	t.Helper()
	wm, found, err := s.GetWatermark(t.Context())
	require.NoError(t, err)
	return wm, found
}

// endpoint is a logging endpoint stub. Requests whose events contain any of
// the reject substrings get rejectStatus.
type endpoint struct {
	mu           sync.Mutex
	srv          *httptest.Server
	events       []string
	requests     int
	rejectStatus int
	reject       []string
	failFirst    int
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	e := &endpoint{rejectStatus: http.StatusInternalServerError}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env forwarder.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		e.requests++
		if e.failFirst > 0 {
			e.failFirst--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		for _, ev := range env.Events {
			for _, bad := range e.reject {
				if strings.Contains(ev.Text, bad) {
					w.WriteHeader(e.rejectStatus)
					return
				}
			}
		}
		for _, ev := range env.Events {
			e.events = append(e.events, ev.Text)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.events)
}

func (e *endpoint) requestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests
}

func (e *endpoint) forwarder(t *testing.T, opts ...forwarder.Option) *forwarder.Forwarder {
	t.Helper()
	f, err := forwarder.New(e.srv.URL, opts...)
	require.NoError(t, err)
	return f
}
