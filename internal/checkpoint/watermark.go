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

package checkpoint

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ZeroWatermark is the watermark used when none has been stored yet.
var ZeroWatermark = time.Unix(0, 0).UTC()

// FormatWatermark encodes a watermark as decimal Unix seconds, e.g.
// "1729717543" or "1729717543.507". This matches rows written by the
// earlier scripts that shared these tables.
func FormatWatermark(wm time.Time) string {
	return decimal.New(wm.UnixNano(), -9).String()
}

// ParseWatermark decodes a value written by FormatWatermark.
func ParseWatermark(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty watermark value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid watermark value %q: %w", s, err)
	}
	if d.IsNegative() {
		return time.Time{}, fmt.Errorf("negative watermark value %q", s)
	}
	return time.Unix(0, d.Shift(9).IntPart()).UTC(), nil
}
