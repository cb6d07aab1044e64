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

package azureclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

type BlobClient struct {
	Client *azblob.Client
	Tracer trace.Tracer
}

type blobConfig struct {
	StorageAccount string
	Endpoint       string
}

type BlobOption func(*blobConfig)

func WithBlobStorageAccount(storageAccount string) BlobOption {
	return func(c *blobConfig) {
		c.StorageAccount = storageAccount
	}
}

func WithBlobEndpoint(endpoint string) BlobOption {
	return func(c *blobConfig) {
		c.Endpoint = endpoint
	}
}

// serviceURL returns the blob service endpoint, deriving the public cloud URL
// from the storage account when no explicit endpoint is set.
func (c blobConfig) serviceURL() (string, error) {
	if c.Endpoint != "" {
		return c.Endpoint, nil
	}
	if c.StorageAccount == "" {
		return "", errors.New("storage account or endpoint is required")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.StorageAccount), nil
}

func (m *Manager) GetBlob(_ context.Context, opts ...BlobOption) (*BlobClient, error) {
	bc := blobConfig{}
	for _, o := range opts {
		o(&bc)
	}

	url, err := bc.serviceURL()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	client, ok := m.clients[url]
	m.mu.RUnlock()
	if ok {
		return client, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok = m.clients[url]; ok {
		return client, nil
	}

	azc, err := azblob.NewClient(url, m.cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	client = &BlobClient{Client: azc, Tracer: m.tracer}
	m.clients[url] = client
	return client, nil
}

func (m *Manager) GetBlobForProfile(ctx context.Context, p storageprofile.StorageProfile) (*BlobClient, error) {
	return m.GetBlob(ctx,
		WithBlobStorageAccount(p.StorageAccount),
		WithBlobEndpoint(p.Endpoint),
	)
}
