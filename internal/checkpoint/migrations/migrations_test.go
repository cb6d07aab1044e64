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

package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion(t *testing.T) {
	got, err := latestVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1760572800), got)
}

func TestEveryUpHasDown(t *testing.T) {
	entries, err := migrationFiles.ReadDir(".")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	for name := range names {
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok {
			assert.True(t, names[base+".down.sql"], "missing down migration for %s", name)
		}
	}
}

func TestDefaultCheckOptions(t *testing.T) {
	opts := DefaultCheckOptions()
	assert.Equal(t, CheckModeWait, opts.Mode)
	assert.False(t, opts.AllowDirty)

	for _, o := range []CheckOption{
		WithCheckMode(CheckModeWarn),
		WithTimeout(0),
		WithRetryInterval(1),
		WithAllowDirty(true),
	} {
		o(&opts)
	}
	assert.Equal(t, CheckModeWarn, opts.Mode)
	assert.Zero(t, opts.Timeout)
	assert.EqualValues(t, 1, opts.RetryInterval)
	assert.True(t, opts.AllowDirty)
}

func TestCheckVersionSkipDoesNotTouchDatabase(t *testing.T) {
	require.NoError(t, CheckVersion(t.Context(), nil, WithCheckMode(CheckModeSkip)))
}
