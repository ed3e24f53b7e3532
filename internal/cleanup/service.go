// Package cleanup clears a buyer's persisted cart after a successful checkout without holding
// up the checkout outcome.
package cleanup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/repositories"
)

const defaultTimeout = 15 * time.Second

// CartClearer empties the buyer's cart on the backend.
type CartClearer interface {
	ClearCart(ctx context.Context, buyerID string) error
}

// Deps wires the cleanup collaborators.
type Deps struct {
	Carts   CartClearer
	Mirror  repositories.CartMirrorRepository
	Timeout time.Duration
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// Service runs cart cleanups in the background.
type Service struct {
	carts   CartClearer
	mirror  repositories.CartMirrorRepository
	timeout time.Duration
	logger  func(context.Context, string, map[string]any)
	tracer  trace.Tracer

	wg sync.WaitGroup
}

// New constructs the cleanup service. The mirror is optional.
func New(deps Deps) (*Service, error) {
	if deps.Carts == nil {
		return nil, errors.New("cleanup: cart clearer is required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Service{
		carts:   deps.Carts,
		mirror:  deps.Mirror,
		timeout: timeout,
		logger:  logger,
		tracer:  otel.Tracer("github.com/hanko-field/storefront/internal/cleanup"),
	}, nil
}

// Clear starts clearing the buyer's remote cart and local mirror and returns immediately. The
// work runs on a context detached from ctx. onWarning, when set, receives the first failure.
func (s *Service) Clear(ctx context.Context, buyerID string, onWarning func(error)) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.run(detached, buyerID); err != nil && onWarning != nil {
			onWarning(err)
		}
	}()
}

func (s *Service) run(ctx context.Context, buyerID string) error {
	ctx, span := s.tracer.Start(ctx, "cleanup.clearCart", trace.WithAttributes(
		attribute.String("buyer.id", buyerID),
	))
	defer span.End()

	var errs []error
	if err := s.carts.ClearCart(ctx, buyerID); err != nil {
		errs = append(errs, err)
		s.logger(ctx, "cleanup.cart_clear_failed", map[string]any{
			"buyerId": buyerID,
			"error":   err.Error(),
		})
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, buyerID); err != nil && !repositories.IsNotFound(err) {
			errs = append(errs, err)
			s.logger(ctx, "cleanup.mirror_delete_failed", map[string]any{
				"buyerId": buyerID,
				"error":   err.Error(),
			})
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger(ctx, "cleanup.cart_cleared", map[string]any{"buyerId": buyerID})
	return nil
}

// Wait blocks until in-flight cleanups finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
