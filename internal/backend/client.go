// Package backend is the HTTP client for the storefront backend services: orders, payments,
// carts and the product catalog.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultReadRetries = 3
	idempotencyHeader  = "Idempotency-Key"
	maxErrorBody       = 4 << 10
)

// ErrMissingBaseURL is returned when the client is constructed without a backend address.
var ErrMissingBaseURL = errors.New("backend: base url is required")

// Error is a non-2xx backend response. Message is the backend-supplied human readable message,
// when one was returned.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	detail := e.Message
	if detail == "" {
		detail = http.StatusText(e.Status)
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.Status, detail)
}

// BackendMessage returns the message the backend attached to the failure.
func (e *Error) BackendMessage() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NotFound reports whether the backend answered 404.
func (e *Error) NotFound() bool { return e != nil && e.Status == http.StatusNotFound }

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var backendErr *Error
	return errors.As(err, &backendErr) && backendErr.NotFound()
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithServiceToken sets a bearer token sent on every request.
func WithServiceToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithReadRetries sets how many times idempotent reads are attempted.
func WithReadRetries(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.readAttempts = attempts
		}
	}
}

// WithBackoff overrides the retry backoff for idempotent reads.
func WithBackoff(backoff gax.Backoff) Option {
	return func(c *Client) {
		c.backoff = backoff
	}
}

// WithIdempotencyKeys overrides the generator for Idempotency-Key headers.
func WithIdempotencyKeys(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// Client issues calls against the backend API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	http         *http.Client
	token        string
	readAttempts int
	backoff      gax.Backoff
	newKey       func() string
}

// NewClient constructs a backend client. Outbound requests are traced with otelhttp.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend: parse base url: %w", err)
	}
	c := &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		readAttempts: defaultReadRetries,
		backoff: gax.Backoff{
			Initial:    100 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		newKey: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Orders returns the order service client.
func (c *Client) Orders() *Orders { return &Orders{client: c} }

// Payments returns the payment service client.
func (c *Client) Payments() *Payments { return &Payments{client: c} }

// Carts returns the cart service client.
func (c *Client) Carts() *Carts { return &Carts{client: c} }

// Catalog returns the product catalog client.
func (c *Client) Catalog() *Catalog { return &Catalog{client: c} }

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "health", nil, "healthz")
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, op string, out any, segments ...string) error {
	attempts := 0
	call := func(ctx context.Context, _ gax.CallSettings) error {
		attempts++
		return c.do(ctx, op, http.MethodGet, "", nil, out, segments...)
	}
	retryer := func() gax.Retryer {
		return gax.OnErrorFunc(c.backoff, func(err error) bool {
			return attempts < c.readAttempts && retryable(err)
		})
	}
	return gax.Invoke(ctx, call, gax.WithRetry(retryer))
}

// send performs a mutating request once, tagged with an Idempotency-Key.
func (c *Client) send(ctx context.Context, op, method string, body, out any, segments ...string) error {
	return c.do(ctx, op, method, c.newKey(), body, out, segments...)
}

func (c *Client) do(ctx context.Context, op, method, idempotencyKey string, body, out any, segments ...string) error {
	endpoint, err := url.JoinPath(c.baseURL, escapeSegments(segments)...)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: %s: decode response: %w", op, err)
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	backendErr := &Error{Op: op, Status: resp.StatusCode}
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		backendErr.Code = strings.TrimSpace(payload.Error)
		backendErr.Message = strings.TrimSpace(payload.Message)
	}
	return backendErr
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var backendErr *Error
	if errors.As(err, &backendErr) {
		switch backendErr.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	return true
}

func escapeSegments(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		out = append(out, url.PathEscape(strings.TrimSpace(segment)))
	}
	return out
}
