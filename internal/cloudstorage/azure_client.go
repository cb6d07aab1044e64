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
	"fmt"
	"io"
	"iter"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bucketfeed/internal/azureclient"
)

// azureClient maps buckets to blob containers.
type azureClient struct {
	blobClient *azureclient.BlobClient
}

func newAzureClient(blobClient *azureclient.BlobClient) Client {
	return &azureClient{blobClient: blobClient}
}

func (c *azureClient) ListObjects(ctx context.Context, bucket string) iter.Seq2[ObjectDescriptor, error] {
	return func(yield func(ObjectDescriptor, error) bool) {
		ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azureListObjects",
			trace.WithAttributes(attribute.String("bucket", bucket)),
		)
		defer span.End()

		var n int64
		defer func() { listedObjects.Add(ctx, n, bucketAttr(bucket)) }()

		pager := c.blobClient.Client.NewListBlobsFlatPager(bucket, nil)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				span.RecordError(err)
				yield(ObjectDescriptor{}, fmt.Errorf("list container %s: %w", bucket, err))
				return
			}
			for _, item := range page.Segment.BlobItems {
				if item == nil || item.Name == nil {
					continue
				}
				n++
				info := ObjectDescriptor{Key: *item.Name}
				if props := item.Properties; props != nil {
					if props.LastModified != nil {
						info.LastModified = *props.LastModified
					}
					if props.ContentLength != nil {
						info.Size = *props.ContentLength
					}
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (c *azureClient) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azureGetObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	resp, err := c.blobClient.Client.DownloadStream(ctx, bucket, key, nil)
	if err != nil {
		span.RecordError(err)
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			recordDownloadError(ctx, bucket, "not_found")
			return nil, fmt.Errorf("blob %s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		recordDownloadError(ctx, bucket, "unknown")
		return nil, fmt.Errorf("download blob %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		recordDownloadError(ctx, bucket, "copy_failed")
		return nil, fmt.Errorf("read blob %s/%s: %w", bucket, key, err)
	}

	recordDownload(ctx, bucket, int64(len(data)))
	return data, nil
}

func (c *azureClient) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	ctx, span := c.blobClient.Tracer.Start(ctx, "cloudstorage.azurePutObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	headers := &blob.HTTPHeaders{}
	if opts.ContentType != "" {
		headers.BlobContentType = to.Ptr(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(opts.ContentEncoding)
	}

	_, err := c.blobClient.Client.UploadStream(ctx, bucket, key, bytes.NewReader(data), &azblob.UploadStreamOptions{
		Metadata: map[string]*string{
			"writer": to.Ptr("bucketfeed"),
		},
		HTTPHeaders: headers,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload blob %s/%s: %w", bucket, key, err)
	}

	recordUpload(ctx, bucket, int64(len(data)))
	return nil
}
