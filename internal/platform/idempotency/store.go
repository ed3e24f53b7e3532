package idempotency

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller owns the key and should run the request.
	StateNew State = iota
	// StateCompleted means a stored response exists and should be replayed.
	StateCompleted
	// StatePending means another request holding the key is still running.
	StatePending
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// Response is a captured HTTP response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Entry is a reserved or completed key.
type Entry struct {
	Key         string
	Fingerprint string
	Completed   bool
	Response    Response
	ExpiresAt   time.Time
}

// Store persists reservations and completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Entry, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Sweep(ctx context.Context, now time.Time, limit int) (int, error)
}

// replayableHeaders drops hop-by-hop and transport headers from a stored response.
func replayableHeaders(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for name, values := range header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Date", "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade", "Trailer":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return out
}
