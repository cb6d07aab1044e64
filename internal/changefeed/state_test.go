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

package changefeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHappyPathTransitions(t *testing.T) {
	s := StateInit
	for _, next := range []State{StateListing, StateDetecting, StateProcessing, StateAdvancing, StateReconciling, StateDone} {
		transition(&s, next)
	}
	assert.Equal(t, StateDone, s)
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateInit, StateListing, true},
		{StateInit, StateDone, true},
		{StateInit, StateProcessing, false},
		{StateListing, StateFailed, true},
		{StateListing, StateProcessing, false},
		{StateProcessing, StateReconciling, true},
		{StateProcessing, StateDone, false},
		{StateAdvancing, StateProcessing, false},
		{StateReconciling, StateDone, true},
		{StateDone, StateFailed, false},
		{StateFailed, StateDone, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, isAllowedTransition(tt.from, tt.to))
		})
	}
}

func TestIllegalTransitionPanics(t *testing.T) {
	s := StateDone
	assert.Panics(t, func() { transition(&s, StateListing) })
	assert.Equal(t, StateDone, s)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECONCILING", StateReconciling.String())
	assert.Equal(t, "State(42)", State(42).String())
}
