// Package cartsync resolves the canonical line items for a checkout attempt from the buyer's
// persisted cart or a transient buy-now selection.
package cartsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// Source identifies where the resolved lines came from.
type Source string

const (
	// SourceRemote means the lines were fetched from the cart service.
	SourceRemote Source = "remote"
	// SourceBuyNow means a buy-now override supplied the lines.
	SourceBuyNow Source = "buy_now"
)

var (
	// ErrInvalidBuyNow indicates the buy-now request is incomplete.
	ErrInvalidBuyNow = errors.New("cartsync: invalid buy-now request")
	// ErrProductUnavailable indicates the buy-now product could not be looked up.
	ErrProductUnavailable = errors.New("cartsync: product unavailable")
)

// CartSource fetches persisted cart lines for a buyer.
type CartSource interface {
	GetCart(ctx context.Context, buyerID string) ([]domain.RemoteCartLine, error)
}

// ProductCatalog looks up current product data.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// Resolution is the outcome of resolving the lines for a checkout attempt.
type Resolution struct {
	Cart     domain.Cart
	Source   Source
	Unpriced int
	// FetchErr is set when the remote cart could not be fetched and an empty cart was emitted.
	FetchErr error
}

// Deps wires the synchronizer collaborators.
type Deps struct {
	Carts   CartSource
	Catalog ProductCatalog
	Mirror  repositories.CartMirrorRepository
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// Synchronizer reconciles the persisted cart with an optional buy-now override.
type Synchronizer struct {
	carts   CartSource
	catalog ProductCatalog
	mirror  repositories.CartMirrorRepository
	logger  func(ctx context.Context, event string, fields map[string]any)
	tracer  trace.Tracer
}

// New constructs a Synchronizer. The mirror is optional.
func New(deps Deps) (*Synchronizer, error) {
	if deps.Carts == nil {
		return nil, errors.New("cartsync: cart source is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("cartsync: product catalog is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Synchronizer{
		carts:   deps.Carts,
		catalog: deps.Catalog,
		mirror:  deps.Mirror,
		logger:  logger,
		tracer:  otel.Tracer("github.com/hanko-field/storefront/internal/cartsync"),
	}, nil
}

// Resolve returns the line items for the attempt. When override is non-nil the remote cart is
// neither read nor written. A remote fetch failure yields an empty cart.
func (s *Synchronizer) Resolve(ctx context.Context, buyerID string, override *domain.BuyNowOverride) Resolution {
	if override != nil {
		cart := override.Cart()
		return Resolution{Cart: cart, Source: SourceBuyNow, Unpriced: countUnpriced(cart)}
	}

	ctx, span := s.tracer.Start(ctx, "cartsync.Resolve", trace.WithAttributes(attribute.String("cart.source", string(SourceRemote))))
	defer span.End()

	remote, err := s.carts.GetCart(ctx, buyerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cart fetch failed")
		s.logger(ctx, "cartsync.fetch_failed", map[string]any{
			"buyerId": buyerID,
			"error":   err.Error(),
		})
		return Resolution{Cart: domain.EmptyCart(), Source: SourceRemote, FetchErr: err}
	}

	lines := make([]domain.CartLine, 0, len(remote))
	unpriced := 0
	for _, item := range remote {
		if strings.TrimSpace(item.ProductID) == "" || item.Quantity <= 0 {
			continue
		}
		line := s.priceLine(ctx, item)
		if line.Unpriced {
			unpriced++
		}
		lines = append(lines, line)
	}
	cart := domain.NewCart(lines...)
	span.SetAttributes(attribute.Int("cart.lines", len(cart.Lines)), attribute.Int("cart.unpriced", unpriced))

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, buyerID, cart); err != nil {
			s.logger(ctx, "cartsync.mirror_save_failed", map[string]any{
				"buyerId": buyerID,
				"error":   err.Error(),
			})
		}
	}

	return Resolution{Cart: cart, Source: SourceRemote, Unpriced: unpriced}
}

// BuyNow prices a single product selection into a BuyNowOverride.
func (s *Synchronizer) BuyNow(ctx context.Context, productID, variantSKU string, quantity int) (domain.BuyNowOverride, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || quantity <= 0 {
		return domain.BuyNowOverride{}, ErrInvalidBuyNow
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		return domain.BuyNowOverride{}, fmt.Errorf("%w: %v", ErrProductUnavailable, err)
	}
	line := domain.CartLine{
		ProductID: productID,
		Name:      product.Name,
		Quantity:  quantity,
		UnitPrice: product.BasePrice,
	}
	if sku := strings.TrimSpace(variantSKU); sku != "" {
		variant, ok := product.FindVariant(sku, "", "")
		if !ok {
			return domain.BuyNowOverride{}, fmt.Errorf("%w: unknown variant %s", ErrInvalidBuyNow, sku)
		}
		line.Variant = variantRef(variant)
		line.UnitPrice = variant.Price
	}
	return domain.BuyNowOverride{Line: line}, nil
}

func (s *Synchronizer) priceLine(ctx context.Context, item domain.RemoteCartLine) domain.CartLine {
	line := domain.CartLine{
		ProductID: item.ProductID,
		Quantity:  item.Quantity,
	}
	if item.VariantSKU != "" || item.ColorKey != "" || item.SizeKey != "" {
		line.Variant = &domain.VariantRef{
			SKU:      item.VariantSKU,
			ColorKey: item.ColorKey,
			SizeKey:  item.SizeKey,
		}
	}

	product, err := s.catalog.GetProduct(ctx, item.ProductID)
	if err != nil {
		s.logger(ctx, "cartsync.product_lookup_failed", map[string]any{
			"productId": item.ProductID,
			"error":     err.Error(),
		})
		line.UnitPrice = decimal.Zero
		line.Unpriced = true
		return line
	}

	line.Name = product.Name
	line.UnitPrice = product.BasePrice
	if line.Variant != nil {
		if variant, ok := product.FindVariant(item.VariantSKU, item.ColorKey, item.SizeKey); ok {
			line.Variant = variantRef(variant)
			line.UnitPrice = variant.Price
		}
	}
	return line
}

func variantRef(variant domain.ProductVariant) *domain.VariantRef {
	return &domain.VariantRef{
		SKU:       variant.SKU,
		ColorKey:  variant.ColorKey,
		SizeKey:   variant.SizeKey,
		UnitPrice: variant.Price,
	}
}

func countUnpriced(cart domain.Cart) int {
	count := 0
	for _, line := range cart.Lines {
		if line.Unpriced {
			count++
		}
	}
	return count
}
