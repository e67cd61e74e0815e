// Package endpoint invokes remote inference endpoints with tile payloads and
// classifies failures so retry policy is driven by error kind rather than by
// exception unwinding. Throttling, retries, and terminal errors are counted
// both on the Prometheus scope and on client-local counters.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/metrics"
)

// ErrorKind classifies an invocation failure for retry decisions.
type ErrorKind int

const (
	// KindTransient failures (connect errors, 5xx) are retried with backoff.
	KindTransient ErrorKind = iota
	// KindThrottle failures (429) are retried with backoff and counted as
	// throttles for the autoscaler.
	KindThrottle
	// KindPermanent failures (other 4xx, unparseable responses) drop the
	// tile without retrying.
	KindPermanent
	// KindOversize payloads exceed the endpoint limit and never retry.
	KindOversize
)

// InvokeError carries the failure classification for one invocation.
type InvokeError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *InvokeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("endpoint invocation failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("endpoint invocation failed: %v", e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Retryable reports whether the failure kind is worth another attempt.
func (e *InvokeError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindThrottle
}

// Descriptor identifies a model endpoint from an image request.
type Descriptor struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Options tunes timeouts, retry, and payload limits.
type Options struct {
	DialTimeout     time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffJitter   float64
	BackoffCap      time.Duration
	MaxPayloadBytes int
}

// DefaultOptions returns the endpoint client defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout:     10 * time.Second,
		RequestTimeout:  60 * time.Second,
		MaxAttempts:     5,
		BackoffBase:     200 * time.Millisecond,
		BackoffFactor:   2,
		BackoffJitter:   0.25,
		BackoffCap:      10 * time.Second,
		MaxPayloadBytes: 6 * 1024 * 1024,
	}
}

// Counters tracks invocation outcomes for one client instance.
type Counters struct {
	Invocations atomic.Int64
	Retries     atomic.Int64
	Throttles   atomic.Int64
	Errors      atomic.Int64
}

// Client posts tile payloads to one model endpoint.
type Client struct {
	desc     Descriptor
	opts     Options
	http     *http.Client
	scope    metrics.Scope
	log      *slog.Logger
	counters Counters
}

// NewClient builds a client for the endpoint. The metrics scope should carry
// the ModelInvocation operation with the model name and input format.
func NewClient(desc Descriptor, opts Options, scope metrics.Scope, log *slog.Logger) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
	}
	return &Client{
		desc:  desc,
		opts:  opts,
		scope: scope,
		log:   log,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
	}
}

// Counters exposes the client-local invocation counters.
func (c *Client) Counters() *Counters { return &c.counters }

// Invoke posts one encoded tile to the endpoint and parses the returned
// GeoJSON FeatureCollection. Features are normalized before being returned.
func (c *Client) Invoke(ctx context.Context, payload []byte, contentType string) (*geo.FeatureCollection, error) {
	if len(payload) >= c.opts.MaxPayloadBytes {
		c.counters.Errors.Add(1)
		c.scope.IncErrors()
		return nil, &InvokeError{
			Kind: KindOversize,
			Err:  fmt.Errorf("payload of %d bytes exceeds the %d byte limit", len(payload), c.opts.MaxPayloadBytes),
		}
	}

	var lastErr *InvokeError
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.counters.Invocations.Add(1)
		c.scope.IncInvocations()

		collection, invokeErr := c.post(ctx, payload, contentType)
		if invokeErr == nil {
			return collection, nil
		}
		lastErr = invokeErr

		if invokeErr.Kind == KindThrottle {
			c.counters.Throttles.Add(1)
			c.scope.IncThrottles()
		}
		if !invokeErr.Retryable() || attempt == c.opts.MaxAttempts {
			break
		}

		c.counters.Retries.Add(1)
		c.scope.IncRetries()
		delay := c.backoff(attempt)
		c.log.Debug("retrying model invocation",
			"model", c.desc.Name, "attempt", attempt, "delay", delay, "status", invokeErr.Status)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.counters.Errors.Add(1)
			c.scope.IncErrors()
			return nil, &InvokeError{Kind: KindTransient, Err: ctx.Err()}
		}
	}

	c.counters.Errors.Add(1)
	c.scope.IncErrors()
	return nil, lastErr
}

// post performs a single HTTP exchange and classifies the outcome.
func (c *Client) post(ctx context.Context, payload []byte, contentType string) (*geo.FeatureCollection, *InvokeError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &InvokeError{Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &InvokeError{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InvokeError{Kind: KindTransient, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &InvokeError{Kind: KindThrottle, Status: resp.StatusCode, Err: fmt.Errorf("endpoint throttled the request")}
	case resp.StatusCode >= 500:
		return nil, &InvokeError{Kind: KindTransient, Status: resp.StatusCode, Err: fmt.Errorf("endpoint returned %s", resp.Status)}
	case resp.StatusCode >= 400:
		return nil, &InvokeError{Kind: KindPermanent, Status: resp.StatusCode, Err: fmt.Errorf("endpoint returned %s", resp.Status)}
	}

	var collection geo.FeatureCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, &InvokeError{Kind: KindPermanent, Status: resp.StatusCode,
			Err: fmt.Errorf("decoding feature collection: %w", err)}
	}
	for _, f := range collection.Features {
		f.Normalize()
	}
	return &collection, nil
}

// backoff computes the delay before the given retry with exponential growth,
// a cap, and symmetric jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.opts.BackoffBase)
	for i := 1; i < attempt; i++ {
		delay *= c.opts.BackoffFactor
	}
	if capped := float64(c.opts.BackoffCap); delay > capped {
		delay = capped
	}
	jitter := 1 + (rand.Float64()*2-1)*c.opts.BackoffJitter
	return time.Duration(delay * jitter)
}
