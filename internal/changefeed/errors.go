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
	"fmt"
)

// CheckpointReadError means the stored watermark could not be read. The run
// continues from the zero watermark.
type CheckpointReadError struct {
	Err error
}

func (e *CheckpointReadError) Error() string {
	return fmt.Sprintf("read checkpoint: %v", e.Err)
}

func (e *CheckpointReadError) Unwrap() error { return e.Err }

// CheckpointWriteError means the advanced watermark could not be persisted.
type CheckpointWriteError struct {
	Err error
}

func (e *CheckpointWriteError) Error() string {
	return fmt.Sprintf("write checkpoint: %v", e.Err)
}

func (e *CheckpointWriteError) Unwrap() error { return e.Err }

// TrackError means an object was delivered but could not be marked
// processed. It counts as a failure of that object.
type TrackError struct {
	Key string
	Err error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %s: %v", e.Key, e.Err)
}

func (e *TrackError) Unwrap() error { return e.Err }

// MirrorError means the raw object could not be archived. It fails the run.
type MirrorError struct {
	Bucket string
	Key    string
	Err    error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("mirror %s to %s: %v", e.Key, e.Bucket, e.Err)
}

func (e *MirrorError) Unwrap() error { return e.Err }

// ObjectFailure records why one new object was not processed. Err is one of
// the payload errors, a forwarder.DeliveryError or a TrackError.
type ObjectFailure struct {
	Key string
	Err error
}

func (f ObjectFailure) Error() string {
	return fmt.Sprintf("object %s: %v", f.Key, f.Err)
}

func (f ObjectFailure) Unwrap() error { return f.Err }
