package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", raw, err)
	}
	return value
}

func assertTotalMatchesLines(t *testing.T, cart Cart) {
	t.Helper()
	expected := decimal.Zero
	for _, line := range cart.Lines {
		expected = expected.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if !cart.Total().Equal(expected) {
		t.Fatalf("expected total %s, got %s", expected, cart.Total())
	}
}

func TestCartTotal_SingleLine(t *testing.T) {
	cart := NewCart(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: mustDecimal(t, "500.00")})
	if !cart.Total().Equal(mustDecimal(t, "1000.00")) {
		t.Fatalf("expected total 1000.00, got %s", cart.Total())
	}
}

func TestCartTotal_RecomputedAfterEveryMutation(t *testing.T) {
	cart := EmptyCart()
	assertTotalMatchesLines(t, cart)

	steps := []func(Cart) Cart{
		func(c Cart) Cart {
			return c.WithLine(CartLine{ProductID: "p1", Quantity: 1, UnitPrice: mustDecimal(t, "199.99")})
		},
		func(c Cart) Cart {
			return c.WithLine(CartLine{
				ProductID: "p2",
				Variant:   &VariantRef{SKU: "p2-red-m", UnitPrice: mustDecimal(t, "49.50")},
				Quantity:  3,
				UnitPrice: mustDecimal(t, "49.50"),
			})
		},
		func(c Cart) Cart {
			return c.WithLine(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: mustDecimal(t, "199.99")})
		},
		func(c Cart) Cart { return c.SetQuantity("p2", "p2-red-m", 1) },
		func(c Cart) Cart { return c.SetQuantity("p1", "", 0) },
		func(c Cart) Cart { return c.WithoutProduct("p2") },
	}

	for i, step := range steps {
		next := step(cart)
		assertTotalMatchesLines(t, next)
		assertTotalMatchesLines(t, cart)
		if i == 2 {
			if len(next.Lines) != 2 || next.Lines[0].Quantity != 3 {
				t.Fatalf("expected merged p1 line with quantity 3, got %+v", next.Lines)
			}
		}
		cart = next
	}
	if !cart.IsEmpty() {
		t.Fatalf("expected empty cart, got %+v", cart.Lines)
	}
}

func TestCart_MutationsDoNotAliasVariants(t *testing.T) {
	original := NewCart(CartLine{
		ProductID: "p1",
		Variant:   &VariantRef{SKU: "sku-1", UnitPrice: decimal.NewFromInt(10)},
		Quantity:  1,
		UnitPrice: decimal.NewFromInt(10),
	})
	clone := original.Clone()
	clone.Lines[0].Variant.SKU = "changed"
	if original.Lines[0].Variant.SKU != "sku-1" {
		t.Fatalf("expected original variant untouched, got %s", original.Lines[0].Variant.SKU)
	}
}

func TestNewCart_DropsNonPositiveQuantities(t *testing.T) {
	cart := NewCart(
		CartLine{ProductID: "p1", Quantity: 0, UnitPrice: decimal.NewFromInt(5)},
		CartLine{ProductID: "p2", Quantity: -1, UnitPrice: decimal.NewFromInt(5)},
		CartLine{ProductID: "p3", Quantity: 1, UnitPrice: decimal.NewFromInt(5)},
	)
	if len(cart.Lines) != 1 || cart.Lines[0].ProductID != "p3" {
		t.Fatalf("unexpected lines %+v", cart.Lines)
	}
	if cart.ItemCount() != 1 {
		t.Fatalf("expected item count 1, got %d", cart.ItemCount())
	}
}

func TestCartMarshalJSON_EmitsComputedTotal(t *testing.T) {
	cart := NewCart(CartLine{ProductID: "p1", Quantity: 2, UnitPrice: mustDecimal(t, "12.25")})
	payload, err := json.Marshal(cart)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Lines []map[string]any `json:"lines"`
		Total string           `json:"total"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Total != "24.5" {
		t.Fatalf("expected total 24.5, got %s", decoded.Total)
	}
	if len(decoded.Lines) != 1 {
		t.Fatalf("expected one line, got %d", len(decoded.Lines))
	}

	empty, err := json.Marshal(Cart{})
	if err != nil {
		t.Fatalf("marshal empty: %v", err)
	}
	if string(empty) != `{"lines":[],"total":"0"}` {
		t.Fatalf("unexpected empty payload %s", empty)
	}
}

func TestValidityMap(t *testing.T) {
	if (ValidityMap{}).AllValid() {
		t.Fatalf("expected empty map to be invalid")
	}
	m := ValidityMap{FieldStreet: true, FieldZipCode: false, FieldCity: true}
	if m.AllValid() {
		t.Fatalf("expected invalid map")
	}
	invalid := m.Invalid()
	if len(invalid) != 1 || invalid[0] != FieldZipCode {
		t.Fatalf("unexpected invalid fields %v", invalid)
	}
}

func TestAddressWithField(t *testing.T) {
	addr, ok := Address{}.WithField(FieldCity, "Pune")
	if !ok || addr.City != "Pune" {
		t.Fatalf("expected city set, got %+v", addr)
	}
	if _, ok := addr.WithField("planet", "earth"); ok {
		t.Fatalf("expected unknown field to be rejected")
	}
	if value, ok := addr.Field(FieldCity); !ok || value != "Pune" {
		t.Fatalf("unexpected field lookup %q %v", value, ok)
	}
}

func TestParsePaymentMethod(t *testing.T) {
	cases := map[string]PaymentMethod{
		"cod":     PaymentMethodCOD,
		" COD ":   PaymentMethodCOD,
		"online":  PaymentMethodOnline,
		"pay_now": PaymentMethodOnline,
	}
	for raw, expected := range cases {
		got, ok := ParsePaymentMethod(raw)
		if !ok || got != expected {
			t.Fatalf("ParsePaymentMethod(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ParsePaymentMethod("barter"); ok {
		t.Fatalf("expected unknown method to be rejected")
	}
}
