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

package forwarder

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
)

// Source yields records until io.EOF.
type Source interface {
	Next() (json.RawMessage, error)
}

// Batch is a run of consecutive records from one object.
type Batch struct {
	Position int
	Records  []json.RawMessage
}

// Batches groups records from src into batches of at most size. A source
// error other than io.EOF is yielded after any records already read have
// been yielded as a final short batch, and ends the sequence.
func Batches(src Source, size int) iter.Seq2[Batch, error] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return func(yield func(Batch, error) bool) {
		pos := 0
		cur := Batch{Records: make([]json.RawMessage, 0, size)}
		flush := func() bool {
			if len(cur.Records) == 0 {
				return true
			}
			b := cur
			pos += len(b.Records)
			cur = Batch{Position: pos, Records: make([]json.RawMessage, 0, size)}
			return yield(b, nil)
		}

		for {
			rec, err := src.Next()
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			if err != nil {
				if flush() {
					yield(Batch{Position: pos}, err)
				}
				return
			}
			cur.Records = append(cur.Records, rec)
			if len(cur.Records) == size && !flush() {
				return
			}
		}
	}
}
