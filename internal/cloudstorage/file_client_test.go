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

package cloudstorage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

func TestFileClientLifecycle(t *testing.T) {
	base := t.TempDir()
	client := NewFileClient(base)
	ctx := t.Context()

	require.NoError(t, client.PutObject(ctx, "bucket", "path/file.ndjson.gz", []byte("hello"), PutOptions{ContentEncoding: "gzip"}))

	data, err := client.GetObject(ctx, "bucket", "path/file.ndjson.gz")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = client.GetObject(ctx, "bucket", "path/missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestFileClientListObjects(t *testing.T) {
	base := t.TempDir()
	client := NewFileClient(base)
	ctx := t.Context()

	require.NoError(t, client.PutObject(ctx, "logs", "a.ndjson.gz", []byte("a"), PutOptions{}))
	require.NoError(t, client.PutObject(ctx, "logs", "nested/b.ndjson.gz", []byte("bb"), PutOptions{}))
	require.NoError(t, client.PutObject(ctx, "other", "c.ndjson.gz", []byte("c"), PutOptions{}))

	stamp := time.Date(2024, 10, 23, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(base, "logs", "a.ndjson.gz"), stamp, stamp))

	objs, err := CollectObjects(client.ListObjects(ctx, "logs"))
	require.NoError(t, err)
	require.Len(t, objs, 2)

	byKey := map[string]ObjectDescriptor{}
	for _, o := range objs {
		byKey[o.Key] = o
	}
	assert.True(t, stamp.Equal(byKey["a.ndjson.gz"].LastModified))
	assert.Equal(t, int64(2), byKey["nested/b.ndjson.gz"].Size)
}

func TestFileClientListStopsEarly(t *testing.T) {
	client := NewFileClient(t.TempDir())
	ctx := t.Context()
	for _, k := range []string{"1", "2", "3"} {
		require.NoError(t, client.PutObject(ctx, "b", k, []byte(k), PutOptions{}))
	}

	seen := 0
	for _, err := range client.ListObjects(ctx, "b") {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)
}

func TestFileClientListMissingBucket(t *testing.T) {
	client := NewFileClient(t.TempDir())
	_, err := CollectObjects(client.ListObjects(t.Context(), "nope"))
	assert.Error(t, err)
}

func TestFileClientPutReplaces(t *testing.T) {
	client := NewFileClient(t.TempDir())
	ctx := t.Context()
	require.NoError(t, client.PutObject(ctx, "b", "k", []byte("old"), PutOptions{}))
	require.NoError(t, client.PutObject(ctx, "b", "k", []byte("new"), PutOptions{}))

	data, err := client.GetObject(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	objs, err := CollectObjects(client.ListObjects(ctx, "b"))
	require.NoError(t, err)
	assert.Len(t, objs, 1, "temp files never show up in listings")
}

func TestCloudManagersFileProvider(t *testing.T) {
	base := t.TempDir()
	m := &CloudManagers{}
	c, err := m.NewClient(t.Context(), storageprofile.StorageProfile{CloudProvider: "file", Bucket: "b", Root: base})
	require.NoError(t, err)
	require.NoError(t, c.PutObject(t.Context(), "b", "k", []byte("x"), PutOptions{}))
	assert.FileExists(t, filepath.Join(base, "b", "k"))

	_, err = m.NewClient(t.Context(), storageprofile.StorageProfile{CloudProvider: "ftp"})
	assert.Error(t, err)
}
