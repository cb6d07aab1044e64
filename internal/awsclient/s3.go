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

package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

type S3Client struct {
	Client *s3.Client
	Tracer trace.Tracer
}

func (m *Manager) GetS3(_ context.Context, opts ...Option) (*S3Client, error) {
	cc := m.resolve(opts)

	var s3opts []func(*s3.Options)
	if cc.Endpoint != "" {
		endpoint := cc.Endpoint
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cc.PathStyle {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if cc.GCP {
		s3opts = append(s3opts, signForGCP)
	}

	client := s3.NewFromConfig(m.configFor(cc), s3opts...)
	return &S3Client{Client: client, Tracer: m.tracer}, nil
}

// ProfileOptions translates a storage profile into client options.
func ProfileOptions(p storageprofile.StorageProfile) []Option {
	var opts []Option
	if p.Role != "" {
		opts = append(opts, WithRole(p.Role))
	}
	if p.Region != "" {
		opts = append(opts, WithRegion(p.Region))
	}
	if p.Endpoint != "" {
		opts = append(opts, WithEndpoint(p.Endpoint))
	}
	if p.UsePathStyle {
		opts = append(opts, WithPathStyle())
	}
	if p.InsecureTLS {
		opts = append(opts, WithInsecureTLS())
	}
	if p.Provider() == storageprofile.ProviderGCP {
		opts = append(opts, WithGCPProvider())
	}
	return opts
}

func (m *Manager) GetS3ForProfile(ctx context.Context, p storageprofile.StorageProfile) (*S3Client, error) {
	return m.GetS3(ctx, ProfileOptions(p)...)
}
