// Package requestctx carries per-request values (logger, trace, log annotations) between
// middleware and handlers.
package requestctx

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type (
	loggerKey      struct{}
	traceKey       struct{}
	annotationsKey struct{}
)

// TraceInfo is the trace metadata extracted from the inbound request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the request logger, or a no-op logger outside a request.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, zap.NewNop())
}

// LoggerOr returns the request logger, or fallback outside a request.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
			return logger
		}
	}
	return fallback
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations are values set by inner handlers (buyer id, checkout session) that the request
// logger appends to its completion line.
type Annotations struct {
	mu     sync.Mutex
	values map[string]string
}

func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{values: map[string]string{}}
	return context.WithValue(ctx, annotationsKey{}, a), a
}

// Annotate records key=value for the completion log line. It is a no-op outside a request.
func Annotate(ctx context.Context, key, value string) {
	if ctx == nil || key == "" {
		return
	}
	if a, ok := ctx.Value(annotationsKey{}).(*Annotations); ok {
		a.mu.Lock()
		a.values[key] = value
		a.mu.Unlock()
	}
}

// Fields returns the annotations sorted by key.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]zap.Field, len(keys))
	for i, k := range keys {
		fields[i] = zap.String(k, a.values[k])
	}
	return fields
}
