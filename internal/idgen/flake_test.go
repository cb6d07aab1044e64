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

package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlakeGenerator_NextID(t *testing.T) {
	gen, err := newFlakeGenerator()
	require.NoError(t, err)

	id := gen.NextID()
	id2 := gen.NextID()
	assert.Positive(t, id)
	assert.Greater(t, id2, id, "NextID() did not return increasing id")
}

func TestFlakeGenerator_NextBase32ID(t *testing.T) {
	gen, err := newFlakeGenerator()
	require.NoError(t, err)

	id1 := gen.NextBase32ID()
	id2 := gen.NextBase32ID()

	assert.NotEqual(t, id1, id2)
	assert.NotContains(t, id1, "=")
	assert.Equal(t, strings.ToLower(id1), id1)
	assert.Len(t, id1, 13)
}

func TestPackageLevelIDs(t *testing.T) {
	assert.Positive(t, NextID())
	assert.NotEmpty(t, NextBase32ID())
}
