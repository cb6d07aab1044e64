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

// Package forwarder posts decoded records to an HTTP logging endpoint.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultBatchSize = 1

	maxErrorBodyBytes = 512
)

// Event is one entry of the endpoint envelope. Text holds the record
// serialized as a JSON string.
type Event struct {
	Text string `json:"text"`
}

// Envelope is the request body the endpoint expects.
type Envelope struct {
	Events []Event `json:"events"`
}

// DeliveryError reports a failed POST. Position is the index, within the
// object being forwarded, of the first record in the rejected batch.
// StatusCode is zero when no response was received.
type DeliveryError struct {
	Position   int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery of record %d failed with status %d: %v", e.Position, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery of record %d failed: %v", e.Position, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed: transport
// failures, throttling and server errors.
func (e *DeliveryError) Retryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// Forwarder delivers batches of records. It never retries on its own.
type Forwarder struct {
	endpoint  string
	client    *http.Client
	batchSize int
	headers   map[string]string
}

type Option func(*Forwarder)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		f.client = c
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithBatchSize groups up to n records in one envelope.
func WithBatchSize(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(f *Forwarder) {
		for k, v := range h {
			f.headers[k] = v
		}
	}
}

func New(endpoint string, opts ...Option) (*Forwarder, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint url must be http or https, got %q", endpoint)
	}

	f := &Forwarder{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		batchSize: DefaultBatchSize,
		headers:   map[string]string{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Forwarder) BatchSize() int { return f.batchSize }

// Endpoint returns the configured endpoint URL.
func (f *Forwarder) Endpoint() string { return f.endpoint }

// NewEnvelope wraps records. Each text field carries the record's source
// bytes unchanged apart from surrounding whitespace.
func NewEnvelope(records []json.RawMessage) (Envelope, error) {
	env := Envelope{Events: make([]Event, 0, len(records))}
	for i, rec := range records {
		text := bytes.TrimSpace(rec)
		if !json.Valid(text) {
			return Envelope{}, fmt.Errorf("record %d: invalid JSON", i)
		}
		env.Events = append(env.Events, Event{Text: string(text)})
	}
	return env, nil
}

// Deliver POSTs one envelope holding records. position is the index of
// records[0] within its object.
func (f *Forwarder) Deliver(ctx context.Context, records []json.RawMessage, position int) error {
	if len(records) == 0 {
		return nil
	}

	env, err := NewEnvelope(records)
	if err != nil {
		return &DeliveryError{Position: position, Err: err}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return &DeliveryError{Position: position, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Position: position, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		recordDeliveryError(ctx, "transport")
		return &DeliveryError{Position: position, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		recordDeliveryError(ctx, "http_status")
		return &DeliveryError{
			Position:   position,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	recordDelivered(ctx, len(records), len(body))
	return nil
}
