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

package payload

import "fmt"

// FetchError means the object body could not be retrieved.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError means the body is not a supported compressed stream or the
// stream is corrupt.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ParseError reports a line that is not a single JSON value. Line is 1-based
// and counts blank lines.
type ParseError struct {
	Key  string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("JSON parse error in %s at line %d: %v", e.Key, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
