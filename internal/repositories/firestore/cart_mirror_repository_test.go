package firestore

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

func TestMirrorLineRoundTripKeepsVariantAndPrice(t *testing.T) {
	line := domain.CartLine{
		ProductID: "p1",
		Name:      "Kurta",
		Variant:   &domain.VariantRef{SKU: "p1-red-m", ColorKey: "red", SizeKey: "m", UnitPrice: decimal.RequireFromString("799.50")},
		Quantity:  2,
		UnitPrice: decimal.RequireFromString("799.50"),
	}
	decoded := decodeMirrorLine(encodeMirrorLine(line))
	if decoded.Variant == nil || decoded.Variant.SKU != "p1-red-m" {
		t.Fatalf("expected variant to survive, got %+v", decoded.Variant)
	}
	if !decoded.UnitPrice.Equal(line.UnitPrice) {
		t.Fatalf("expected price %s, got %s", line.UnitPrice, decoded.UnitPrice)
	}
	if decoded.Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", decoded.Quantity)
	}
}

func TestDecodeMirrorLineWithoutVariant(t *testing.T) {
	decoded := decodeMirrorLine(cartMirrorLineDocument{ProductID: "p2", Quantity: 1, UnitPrice: "garbage", Unpriced: true})
	if decoded.Variant != nil {
		t.Fatalf("expected no variant, got %+v", decoded.Variant)
	}
	if !decoded.UnitPrice.IsZero() {
		t.Fatalf("expected zero price for unparsable value, got %s", decoded.UnitPrice)
	}
	if !decoded.Unpriced {
		t.Fatalf("expected unpriced flag")
	}
}
