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

// Package delta classifies a bucket listing against a watermark.
package delta

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cardinalhq/bucketfeed/internal/checkpoint"
	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
)

// ListingError means the bucket listing could not be completed. Nothing
// derived from a partial listing may be trusted.
type ListingError struct {
	Bucket string
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("listing %s: %v", e.Bucket, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// Result is the outcome of one detection pass.
type Result struct {
	// New holds objects strictly newer than the watermark, oldest first,
	// ties broken by key.
	New []cloudstorage.ObjectDescriptor
	// All holds every key seen in the listing regardless of age.
	All mapset.Set[string]
	// MaxLastModified is the newest timestamp in the whole listing, or the
	// zero time for an empty bucket.
	MaxLastModified time.Time
	// Listed counts the objects in the listing.
	Listed int
	// Reserved holds keys that collide with checkpoint sentinels. They
	// cannot be tracked, so they are left out of every other field.
	Reserved []string
}

// Detect drains the listing and splits it against watermark.
func Detect(bucket string, listing iter.Seq2[cloudstorage.ObjectDescriptor, error], watermark time.Time) (Result, error) {
	objs, err := Collect(bucket, listing)
	if err != nil {
		return Result{}, err
	}
	return Classify(objs, watermark), nil
}

// Collect drains the listing. Any page failure aborts with a ListingError.
func Collect(bucket string, listing iter.Seq2[cloudstorage.ObjectDescriptor, error]) ([]cloudstorage.ObjectDescriptor, error) {
	objs, err := cloudstorage.CollectObjects(listing)
	if err != nil {
		return nil, &ListingError{Bucket: bucket, Err: err}
	}
	return objs, nil
}

// Classify splits a complete listing against watermark. An object is new iff
// its LastModified is after the watermark; an object stamped exactly at the
// watermark is not new. Keys reserved by the checkpoint store are set aside.
func Classify(objs []cloudstorage.ObjectDescriptor, watermark time.Time) Result {
	res := Result{All: mapset.NewThreadUnsafeSet[string]()}

	for _, obj := range objs {
		res.Listed++
		if checkpoint.IsReserved(obj.Key) {
			res.Reserved = append(res.Reserved, obj.Key)
			continue
		}
		res.All.Add(obj.Key)
		if obj.LastModified.After(res.MaxLastModified) {
			res.MaxLastModified = obj.LastModified
		}
		if obj.LastModified.After(watermark) {
			res.New = append(res.New, obj)
		}
	}

	slices.SortFunc(res.New, func(a, b cloudstorage.ObjectDescriptor) int {
		if c := a.LastModified.Compare(b.LastModified); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return res
}

// NextWatermark returns the watermark to persist after a fully successful
// pass: the newest timestamp in the listing, never lower than current.
func NextWatermark(current time.Time, res Result) time.Time {
	if res.MaxLastModified.After(current) {
		return res.MaxLastModified
	}
	return current
}
