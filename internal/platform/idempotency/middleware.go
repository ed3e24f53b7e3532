package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
)

// Logger receives persistence failures.
type Logger func(ctx context.Context, event string, fields map[string]any)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	clock      func() time.Time
	logger     Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long completed responses are replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLogger injects the failure logger.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware requires an idempotency key on the wrapped routes and replays the first response
// for repeated requests. Keys are scoped to the authenticated buyer. Server errors are not
// stored, so a retry with the same key runs again.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		clock:      time.Now,
		logger:     func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" || len(key) > maxKeyLength {
				writeError(ctx, w, http.StatusBadRequest, "idempotency_key_required", "a valid "+cfg.headerName+" header is required")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			buyer := requester(ctx)
			scoped := buyer + "|" + key
			fingerprint := fingerprintOf(r, body, buyer)

			state, entry, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				writeError(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			case err != nil:
				cfg.logger(ctx, "idempotency.reserve_failed", map[string]any{"error": err})
				writeError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
				return
			}

			switch state {
			case StateCompleted:
				replay(w, entry.Response)
				return
			case StatePending:
				writeError(ctx, w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still being processed")
				return
			}

			rec := &bufferedWriter{header: make(http.Header)}
			next.ServeHTTP(rec, r)

			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped); err != nil {
					cfg.logger(ctx, "idempotency.release_failed", map[string]any{"error": err})
				}
			} else if err := store.Complete(ctx, scoped, fingerprint, rec.response(), cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logger(ctx, "idempotency.complete_failed", map[string]any{"error": err})
				_ = store.Release(ctx, scoped)
				writeError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}
			rec.flushTo(w)
		})
	}
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, body []byte, buyer string) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, buyer} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Headers {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeaderName, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// bufferedWriter holds the handler response until it has been stored.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) statusCode() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedWriter) response() Response {
	return Response{Status: b.statusCode(), Headers: b.header.Clone(), Body: b.body.Bytes()}
}

func (b *bufferedWriter) flushTo(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.statusCode())
	_, _ = w.Write(b.body.Bytes())
}
