package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is an API failure rendered as the JSON error envelope:
//
//	{"error": code, "message": ..., "status": 422, "request_id": ..., "trace_id": ..., "details": {...}}
//
// It also satisfies the error interface so handlers can pass it through helpers unchanged.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// WithDetails returns a copy of e carrying details; keys already present are overwritten.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

type envelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Status    int            `json:"status"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteError renders err, stamping the chi request id and the trace id from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	WriteJSON(w, err.Status, envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    err.Status,
		RequestID: clip(middleware.GetReqID(ctx), maxIDLen),
		TraceID:   clip(requestctx.TraceID(ctx), maxIDLen),
		Details:   err.Details,
	})
}

// WriteJSON encodes body as the JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// clip flattens control characters to spaces and truncates to limit bytes on a rune boundary.
func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value))
	if len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
