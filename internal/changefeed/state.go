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

import "fmt"

// State is a stage of one change-feed run.
type State int

const (
	StateInit State = iota
	StateListing
	StateDetecting
	StateProcessing
	StateAdvancing
	StateReconciling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateListing:
		return "LISTING"
	case StateDetecting:
		return "DETECTING"
	case StateProcessing:
		return "PROCESSING"
	case StateAdvancing:
		return "ADVANCING"
	case StateReconciling:
		return "RECONCILING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal()
	}
	switch from {
	case StateInit:
		// DONE directly from INIT means the run lock was held elsewhere.
		return to == StateListing || to == StateDone
	case StateListing:
		return to == StateDetecting
	case StateDetecting:
		return to == StateProcessing
	case StateProcessing:
		return to == StateAdvancing || to == StateReconciling
	case StateAdvancing:
		return to == StateReconciling
	case StateReconciling:
		return to == StateDone
	default:
		return false
	}
}

// transition moves *cur to next. An illegal move is a bug in the runner, so
// it panics rather than producing a report nobody can trust.
func transition(cur *State, next State) {
	if !isAllowedTransition(*cur, next) {
		panic(fmt.Sprintf("changefeed: illegal transition %s -> %s", *cur, next))
	}
	*cur = next
}
