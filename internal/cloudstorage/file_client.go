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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// fileClient stores objects as plain files under base/bucket/key. It backs
// local runs and tests that want to bypass real cloud providers.
type fileClient struct {
	base string
}

// NewFileClient returns a client rooted at base; bucket names become
// subdirectories.
func NewFileClient(base string) Client {
	return &fileClient{base: base}
}

func (c *fileClient) path(bucket, key string) string {
	return filepath.Join(c.base, bucket, filepath.FromSlash(key))
}

func (c *fileClient) ListObjects(ctx context.Context, bucket string) iter.Seq2[ObjectDescriptor, error] {
	return func(yield func(ObjectDescriptor, error) bool) {
		root := filepath.Join(c.base, bucket)
		if _, err := os.Stat(root); err != nil {
			yield(ObjectDescriptor{}, fmt.Errorf("list %s: %w", bucket, err))
			return
		}

		var n int64
		defer func() { listedObjects.Add(ctx, n, bucketAttr(bucket)) }()

		stop := errors.New("stop")
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".bucketfeed-") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			n++
			if !yield(ObjectDescriptor{
				Key:          filepath.ToSlash(rel),
				LastModified: info.ModTime().UTC(),
				Size:         info.Size(),
			}, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(ObjectDescriptor{}, fmt.Errorf("list %s: %w", bucket, err))
		}
	}
}

func (c *fileClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(c.path(bucket, key))
	if errors.Is(err, fs.ErrNotExist) {
		recordDownloadError(ctx, bucket, "not_found")
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	if err != nil {
		recordDownloadError(ctx, bucket, "unknown")
		return nil, err
	}
	recordDownload(ctx, bucket, int64(len(data)))
	return data, nil
}

// PutObject writes through a temp file and rename so a concurrent lister
// never sees a partial object. Content headers are not kept.
func (c *fileClient) PutObject(ctx context.Context, bucket, key string, data []byte, _ PutOptions) error {
	dst := c.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bucketfeed-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	recordUpload(ctx, bucket, int64(len(data)))
	return nil
}
