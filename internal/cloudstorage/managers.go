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
	"fmt"

	"github.com/cardinalhq/bucketfeed/internal/awsclient"
	"github.com/cardinalhq/bucketfeed/internal/azureclient"
	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

// CloudManagers holds all cloud provider managers for unified access. It
// implements ClientProvider so callers can create storage clients without
// depending on the concrete struct.
type CloudManagers struct {
	AWS   *awsclient.Manager
	Azure *azureclient.Manager
}

var _ ClientProvider = (*CloudManagers)(nil)

// NewCloudManagers creates managers for all supported cloud providers.
func NewCloudManagers(ctx context.Context) (*CloudManagers, error) {
	awsManager, err := awsclient.NewManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS manager: %w", err)
	}

	azureManager, err := azureclient.NewManager(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure manager: %w", err)
	}

	return &CloudManagers{
		AWS:   awsManager,
		Azure: azureManager,
	}, nil
}

// NewClient creates a storage Client for the given profile.
func (m *CloudManagers) NewClient(ctx context.Context, profile storageprofile.StorageProfile) (Client, error) {
	switch profile.Provider() {
	case storageprofile.ProviderAWS, storageprofile.ProviderGCP:
		awsS3Client, err := m.AWS.GetS3ForProfile(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return newS3Client(awsS3Client), nil
	case storageprofile.ProviderAzure:
		blobClient, err := m.Azure.GetBlobForProfile(ctx, profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
		}
		return newAzureClient(blobClient), nil
	case storageprofile.ProviderFile:
		return NewFileClient(profile.Root), nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", profile.CloudProvider)
	}
}
