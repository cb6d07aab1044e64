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

// Package idgen hands out roughly time-ordered numeric ids for runs and
// process instances.
package idgen

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sony/sonyflake"
)

var defaultGenerator *FlakeGenerator

func init() {
	var err error
	defaultGenerator, err = newFlakeGenerator()
	if err != nil {
		panic(err)
	}
}

// FlakeGenerator wraps a sonyflake instance.
type FlakeGenerator struct {
	sf *sonyflake.Sonyflake
}

func newFlakeGenerator() (*FlakeGenerator, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		StartTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		// The machine id defaults to the private IP's low bits, which is
		// not available in every container; fall back to a random one.
		MachineID: func() (uint16, error) {
			return uint16(rand.UintN(1 << 16)), nil
		},
	})
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create Sonyflake instance")
	}
	return &FlakeGenerator{sf: sf}, nil
}

// NextID returns a positive int64 that increases roughly in time order.
func (g *FlakeGenerator) NextID() int64 {
	v, err := g.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

var base32Lower = base32.StdEncoding.WithPadding(base32.NoPadding)

// NextBase32ID returns NextID as a short lowercase string.
func (g *FlakeGenerator) NextBase32ID() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(g.NextID()))
	return strings.ToLower(base32Lower.EncodeToString(b[:]))
}

// NextID draws from the process-wide generator.
func NextID() int64 {
	return defaultGenerator.NextID()
}

// NextBase32ID draws from the process-wide generator.
func NextBase32ID() string {
	return defaultGenerator.NextBase32ID()
}
