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
	"crypto/tls"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
)

type clientConfig struct {
	RoleARN      string
	Region       string
	Endpoint     string
	PathStyle    bool
	GCP          bool
	applyConfigs []func(*aws.Config)
}

// Option adjusts a single client built by the Manager. The same options are
// accepted by GetS3 and GetDynamoDB; options that make no sense for a
// service are ignored by it.
type Option func(*clientConfig)

// WithRole sets the IAM Role ARN to assume (empty = no assume).
func WithRole(roleARN string) Option {
	return func(c *clientConfig) {
		c.RoleARN = roleARN
	}
}

// WithRegion overrides the AWS region for this client.
func WithRegion(region string) Option {
	return func(c *clientConfig) {
		if region != "" {
			c.Region = region
		}
	}
}

// WithEndpoint points the client at a compatible service (MinIO, Ceph,
// DynamoDB Local, LocalStack).
func WithEndpoint(url string) Option {
	return func(c *clientConfig) {
		c.Endpoint = url
	}
}

// WithPathStyle uses path-style S3 addressing instead of virtual-host.
func WithPathStyle() Option {
	return func(c *clientConfig) {
		c.PathStyle = true
	}
}

// WithInsecureTLS turns off cert verification (for self-signed endpoints).
func WithInsecureTLS() Option {
	return func(c *clientConfig) {
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			tr := http.DefaultTransport.(*http.Transport).Clone()
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			cfg.HTTPClient = &http.Client{Transport: tr}
		})
	}
}

// WithGCPProvider adjusts S3 requests for the Google Cloud Storage XML API.
func WithGCPProvider() Option {
	return func(c *clientConfig) {
		c.GCP = true
		c.applyConfigs = append(c.applyConfigs, func(cfg *aws.Config) {
			cfg.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			// GCS may transparently decompress .gz objects on download, so the
			// bytes received do not match the checksum of the stored object.
			cfg.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
}

func (m *Manager) resolve(opts []Option) clientConfig {
	cc := clientConfig{Region: m.baseCfg.Region}
	for _, o := range opts {
		o(&cc)
	}
	return cc
}
