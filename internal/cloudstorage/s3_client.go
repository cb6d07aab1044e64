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
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bucketfeed/internal/awsclient"
)

// s3Client serves AWS S3 and S3-compatible stores, including GCS through
// its XML API. GCS may hand back a .gz object already decompressed; the
// payload decoder sniffs the bytes rather than trusting the key suffix.
type s3Client struct {
	awsS3Client *awsclient.S3Client
}

func newS3Client(c *awsclient.S3Client) Client {
	return &s3Client{awsS3Client: c}
}

func s3ErrorIs404(err error) bool {
	var noKeyErr *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKeyErr) || errors.As(err, &notFound)
}

func (c *s3Client) ListObjects(ctx context.Context, bucket string) iter.Seq2[ObjectDescriptor, error] {
	return func(yield func(ObjectDescriptor, error) bool) {
		ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3ListObjects",
			trace.WithAttributes(attribute.String("bucket", bucket)),
		)
		defer span.End()

		paginator := s3.NewListObjectsV2Paginator(c.awsS3Client.Client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
		})
		var n int64
		defer func() { listedObjects.Add(ctx, n, bucketAttr(bucket)) }()

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "list failed")
				yield(ObjectDescriptor{}, fmt.Errorf("list s3://%s: %w", bucket, err))
				return
			}
			for _, obj := range page.Contents {
				n++
				info := ObjectDescriptor{
					Key:          aws.ToString(obj.Key),
					LastModified: aws.ToTime(obj.LastModified),
					Size:         aws.ToInt64(obj.Size),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (c *s3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3GetObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(c.awsS3Client.Client)
	size, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		span.RecordError(err)
		if s3ErrorIs404(err) {
			recordDownloadError(ctx, bucket, "not_found")
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		recordDownloadError(ctx, bucket, "unknown")
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	recordDownload(ctx, bucket, size)
	return buf.Bytes()[:size], nil
}

func (c *s3Client) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	ctx, span := c.awsS3Client.Tracer.Start(ctx, "cloudstorage.s3PutObject",
		trace.WithAttributes(
			attribute.String("bucket", bucket),
			attribute.String("key", key),
		),
	)
	defer span.End()

	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"writer": "bucketfeed",
		},
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}

	uploader := manager.NewUploader(c.awsS3Client.Client)
	if _, err := uploader.Upload(ctx, input); err != nil {
		span.RecordError(err)
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}

	recordUpload(ctx, bucket, int64(len(data)))
	return nil
}
