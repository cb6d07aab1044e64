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
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// GetDynamoDB builds a DynamoDB client. Path-style and GCP options do not
// apply and are ignored.
func (m *Manager) GetDynamoDB(_ context.Context, opts ...Option) (*dynamodb.Client, error) {
	cc := m.resolve(opts)

	var ddbopts []func(*dynamodb.Options)
	if cc.Endpoint != "" {
		endpoint := cc.Endpoint
		ddbopts = append(ddbopts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return dynamodb.NewFromConfig(m.configFor(cc), ddbopts...), nil
}
