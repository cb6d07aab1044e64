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

// Package payload turns stored objects into NDJSON records.
package payload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/cardinalhq/bucketfeed/internal/cloudstorage"
)

// MaxLineSizeBytes bounds a single NDJSON line.
const MaxLineSizeBytes = 1024 * 1024

// Record is one JSON value from an object body, kept verbatim.
type Record = json.RawMessage

// Compression identifies how an object body is encoded.
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Sniff identifies the compression of data from its leading bytes.
func Sniff(data []byte) Compression {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return CompressionGzip
	case bytes.HasPrefix(data, zstdMagic):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// Decoder fetches objects from one bucket and opens them as record readers.
type Decoder struct {
	client     cloudstorage.Client
	bucket     string
	allowPlain bool
}

type DecoderOption func(*Decoder)

// WithPlainText accepts bodies that are not compressed at all. GCS serves
// gzip objects with Content-Encoding: gzip already decompressed.
func WithPlainText() DecoderOption {
	return func(d *Decoder) {
		d.allowPlain = true
	}
}

func NewDecoder(client cloudstorage.Client, bucket string, opts ...DecoderOption) *Decoder {
	d := &Decoder{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open fetches key and prepares a reader over its records. Decompression
// and parsing happen lazily as the reader is drained.
func (d *Decoder) Open(ctx context.Context, key string) (*Reader, error) {
	raw, err := d.client.GetObject(ctx, d.bucket, key)
	if err != nil {
		return nil, &FetchError{Key: key, Err: err}
	}
	return d.NewReader(key, raw)
}

// NewReader wraps bytes already fetched for key.
func (d *Decoder) NewReader(key string, raw []byte) (*Reader, error) {
	var (
		body   io.Reader
		closer func()
	)
	switch Sniff(raw) {
	case CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &DecodeError{Key: key, Err: err}
		}
		body, closer = gz, func() { _ = gz.Close() }
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, &DecodeError{Key: key, Err: err}
		}
		body, closer = zr, zr.Close
	default:
		if !d.allowPlain {
			return nil, &DecodeError{Key: key, Err: errors.New("not a gzip or zstd stream")}
		}
		body, closer = bytes.NewReader(raw), func() {}
	}

	src := &sourceReader{r: body}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSizeBytes)

	r := &Reader{
		key:     key,
		raw:     raw,
		src:     src,
		scanner: scanner,
		closer:  closer,
	}
	scanner.Split(r.splitLines)
	return r, nil
}

// sourceReader remembers the first decompression failure. The scanner hands
// back the bytes read before a failure as a final unterminated line, and that
// line must be reported as corruption even when it happens to be valid JSON.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
	return n, err
}

// Reader yields the records of one object in order. It is single-pass.
type Reader struct {
	key     string
	raw     []byte
	src     *sourceReader
	scanner *bufio.Scanner
	closer  func()
	line    int
	records int
	done    bool
	// partial is set when the last token had no terminating newline.
	partial bool
}

func (r *Reader) splitLines(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	r.partial = token != nil && bytes.IndexByte(data[:advance], '\n') < 0
	return advance, token, err
}

// Key returns the object key being read.
func (r *Reader) Key() string { return r.key }

// Raw returns the fetched, still compressed object body.
func (r *Reader) Raw() []byte { return r.raw }

// Records returns how many records Next has returned so far.
func (r *Reader) Records() int { return r.records }

// Next returns the next record, or io.EOF once the body is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return nil, io.EOF
	}

	for r.scanner.Scan() {
		r.line++
		if r.partial && r.src.err != nil {
			r.finish()
			return nil, &DecodeError{Key: r.key, Err: r.src.err}
		}
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			r.finish()
			if r.src.err != nil {
				return nil, &DecodeError{Key: r.key, Err: r.src.err}
			}
			var v any
			err := json.Unmarshal(line, &v)
			if err == nil {
				err = errors.New("invalid JSON value")
			}
			return nil, &ParseError{Key: r.key, Line: r.line, Err: err}
		}
		r.records++
		return bytes.Clone(line), nil
	}

	err := r.scanner.Err()
	r.finish()
	switch {
	case err == nil:
		return nil, io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return nil, &ParseError{Key: r.key, Line: r.line + 1, Err: fmt.Errorf("line exceeds %d bytes: %w", MaxLineSizeBytes, err)}
	default:
		return nil, &DecodeError{Key: r.key, Err: err}
	}
}

func (r *Reader) finish() {
	if r.done {
		return
	}
	r.done = true
	r.closer()
}

// Close releases the decompressor. It is safe to call more than once.
func (r *Reader) Close() error {
	r.finish()
	return nil
}

// ReadAll drains r into a slice.
func ReadAll(r *Reader) ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
