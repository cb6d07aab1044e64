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
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "test"}, nil
}

func TestServiceURL(t *testing.T) {
	url, err := blobConfig{StorageAccount: "acct"}.serviceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://acct.blob.core.windows.net/", url)

	url, err = blobConfig{StorageAccount: "acct", Endpoint: "https://127.0.0.1:10000/devstoreaccount1"}.serviceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:10000/devstoreaccount1", url)

	_, err = blobConfig{}.serviceURL()
	assert.Error(t, err)
}

func TestGetBlobForProfileCaches(t *testing.T) {
	mgr, err := NewManager(t.Context(), WithCredential(staticCredential{}))
	require.NoError(t, err)

	p := storageprofile.StorageProfile{CloudProvider: "azure", Bucket: "logs", StorageAccount: "acct"}
	a, err := mgr.GetBlobForProfile(t.Context(), p)
	require.NoError(t, err)
	b, err := mgr.GetBlobForProfile(t.Context(), p)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "https://acct.blob.core.windows.net/", a.Client.URL())
}
