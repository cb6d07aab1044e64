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
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

// ErrObjectNotFound is returned by GetObject when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectDescriptor describes one object in a listing.
type ObjectDescriptor struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// PutOptions carries optional headers stored with an object.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
}

// Client provides a unified interface for object storage across providers.
type Client interface {
	// ListObjects yields every object in the bucket. Iteration stops at the
	// first error, which is yielded with a zero ObjectDescriptor.
	ListObjects(ctx context.Context, bucket string) iter.Seq2[ObjectDescriptor, error]

	// GetObject returns the full object body.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// PutObject stores data under bucket/key, replacing any existing object.
	PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
}

// ClientProvider creates storage clients for profiles.
type ClientProvider interface {
	NewClient(ctx context.Context, profile storageprofile.StorageProfile) (Client, error)
}

// CollectObjects drains a listing into a slice.
func CollectObjects(seq iter.Seq2[ObjectDescriptor, error]) ([]ObjectDescriptor, error) {
	var out []ObjectDescriptor
	for obj, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
