package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const cartMirrorCollection = "cartMirrors"

// CartMirrorRepository stores the last resolved cart per buyer.
type CartMirrorRepository struct {
	base  *pfirestore.Collection[cartMirrorDocument]
	clock func() time.Time
}

var _ repositories.CartMirrorRepository = (*CartMirrorRepository)(nil)

// NewCartMirrorRepository constructs a Firestore-backed cart mirror.
func NewCartMirrorRepository(provider *pfirestore.Provider) (*CartMirrorRepository, error) {
	if provider == nil {
		return nil, errors.New("cart mirror repository requires firestore provider")
	}
	return &CartMirrorRepository{
		base:  pfirestore.NewCollection[cartMirrorDocument](provider, cartMirrorCollection),
		clock: time.Now,
	}, nil
}

// Save overwrites the mirror document with the supplied cart.
func (r *CartMirrorRepository) Save(ctx context.Context, buyerID string, cart domain.Cart) error {
	if r == nil || r.base == nil {
		return errors.New("cart mirror repository not initialised")
	}
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return errors.New("cart mirror repository: buyer id is required")
	}

	doc := cartMirrorDocument{
		Lines:      make([]cartMirrorLineDocument, 0, len(cart.Lines)),
		Total:      cart.Total().String(),
		ItemsCount: cart.ItemCount(),
		UpdatedAt:  r.clock().UTC(),
	}
	for _, line := range cart.Lines {
		doc.Lines = append(doc.Lines, encodeMirrorLine(line))
	}
	return r.base.Set(ctx, id, doc)
}

// Get returns the mirrored cart for the buyer.
func (r *CartMirrorRepository) Get(ctx context.Context, buyerID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart mirror repository not initialised")
	}
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return domain.Cart{}, errors.New("cart mirror repository: buyer id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}
	lines := make([]domain.CartLine, 0, len(doc.Data.Lines))
	for _, line := range doc.Data.Lines {
		lines = append(lines, decodeMirrorLine(line))
	}
	return domain.NewCart(lines...), nil
}

// Delete removes the mirror document for the buyer.
func (r *CartMirrorRepository) Delete(ctx context.Context, buyerID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart mirror repository not initialised")
	}
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return errors.New("cart mirror repository: buyer id is required")
	}
	err := r.base.Delete(ctx, id)
	if repositories.IsNotFound(err) {
		return nil
	}
	return err
}

type cartMirrorDocument struct {
	Lines      []cartMirrorLineDocument `firestore:"lines"`
	Total      string                   `firestore:"total"`
	ItemsCount int                      `firestore:"itemsCount"`
	UpdatedAt  time.Time                `firestore:"updatedAt"`
}

type cartMirrorLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name,omitempty"`
	SKU       string `firestore:"sku,omitempty"`
	ColorKey  string `firestore:"colorKey,omitempty"`
	SizeKey   string `firestore:"sizeKey,omitempty"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice string `firestore:"unitPrice"`
	Unpriced  bool   `firestore:"unpriced,omitempty"`
}

func encodeMirrorLine(line domain.CartLine) cartMirrorLineDocument {
	doc := cartMirrorLineDocument{
		ProductID: line.ProductID,
		Name:      line.Name,
		Quantity:  line.Quantity,
		UnitPrice: line.UnitPrice.String(),
		Unpriced:  line.Unpriced,
	}
	if line.Variant != nil {
		doc.SKU = line.Variant.SKU
		doc.ColorKey = line.Variant.ColorKey
		doc.SizeKey = line.Variant.SizeKey
	}
	return doc
}

func decodeMirrorLine(doc cartMirrorLineDocument) domain.CartLine {
	price := parseDecimal(doc.UnitPrice)
	line := domain.CartLine{
		ProductID: doc.ProductID,
		Name:      doc.Name,
		Quantity:  doc.Quantity,
		UnitPrice: price,
		Unpriced:  doc.Unpriced,
	}
	if doc.SKU != "" || doc.ColorKey != "" || doc.SizeKey != "" {
		line.Variant = &domain.VariantRef{
			SKU:       doc.SKU,
			ColorKey:  doc.ColorKey,
			SizeKey:   doc.SizeKey,
			UnitPrice: price,
		}
	}
	return line
}

func parseDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}
