package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VariantRef identifies the selected colour/size variant of a product and its price.
type VariantRef struct {
	ColorKey  string          `json:"colorKey,omitempty"`
	SizeKey   string          `json:"sizeKey,omitempty"`
	SKU       string          `json:"sku"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// CartLine is a single product entry participating in checkout.
type CartLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name,omitempty"`
	Variant   *VariantRef     `json:"variant,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	// Unpriced marks lines whose product lookup failed and were kept at a zero price.
	Unpriced bool `json:"unpriced,omitempty"`
}

// LineTotal returns UnitPrice multiplied by Quantity.
func (l CartLine) LineTotal() decimal.Decimal {
	if l.Quantity <= 0 {
		return decimal.Zero
	}
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// SKU returns the variant SKU when a variant is selected.
func (l CartLine) SKU() string {
	if l.Variant == nil {
		return ""
	}
	return strings.TrimSpace(l.Variant.SKU)
}

// Cart is an immutable set of lines whose total is always derived from the lines.
type Cart struct {
	Lines []CartLine
}

// NewCart builds a cart from lines, dropping lines with non-positive quantities.
func NewCart(lines ...CartLine) Cart {
	out := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		out = append(out, cloneLine(line))
	}
	return Cart{Lines: out}
}

// EmptyCart returns a cart without lines.
func EmptyCart() Cart {
	return Cart{Lines: []CartLine{}}
}

// Total sums UnitPrice*Quantity over every line.
func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.LineTotal())
	}
	return total
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// ItemCount returns the sum of line quantities.
func (c Cart) ItemCount() int {
	count := 0
	for _, line := range c.Lines {
		count += line.Quantity
	}
	return count
}

// WithLine returns a copy of the cart with the line appended, or merged into an existing line
// for the same product and SKU.
func (c Cart) WithLine(line CartLine) Cart {
	if line.Quantity <= 0 {
		return c.Clone()
	}
	next := c.Clone()
	for i, existing := range next.Lines {
		if existing.ProductID == line.ProductID && existing.SKU() == line.SKU() {
			next.Lines[i].Quantity += line.Quantity
			next.Lines[i].UnitPrice = line.UnitPrice
			return next
		}
	}
	next.Lines = append(next.Lines, cloneLine(line))
	return next
}

// SetQuantity returns a copy of the cart with the quantity of the matching line replaced.
// A non-positive quantity removes the line.
func (c Cart) SetQuantity(productID, sku string, quantity int) Cart {
	next := Cart{Lines: make([]CartLine, 0, len(c.Lines))}
	for _, line := range c.Lines {
		if line.ProductID == productID && line.SKU() == strings.TrimSpace(sku) {
			if quantity <= 0 {
				continue
			}
			line.Quantity = quantity
		}
		next.Lines = append(next.Lines, cloneLine(line))
	}
	return next
}

// WithoutProduct returns a copy of the cart without any line for the product.
func (c Cart) WithoutProduct(productID string) Cart {
	next := Cart{Lines: make([]CartLine, 0, len(c.Lines))}
	for _, line := range c.Lines {
		if line.ProductID == productID {
			continue
		}
		next.Lines = append(next.Lines, cloneLine(line))
	}
	return next
}

// Clone deep copies the cart.
func (c Cart) Clone() Cart {
	out := Cart{Lines: make([]CartLine, len(c.Lines))}
	for i, line := range c.Lines {
		out.Lines[i] = cloneLine(line)
	}
	return out
}

// MarshalJSON emits the lines together with the derived total.
func (c Cart) MarshalJSON() ([]byte, error) {
	lines := c.Lines
	if lines == nil {
		lines = []CartLine{}
	}
	return json.Marshal(struct {
		Lines []CartLine      `json:"lines"`
		Total decimal.Decimal `json:"total"`
	}{Lines: lines, Total: c.Total()})
}

func cloneLine(line CartLine) CartLine {
	if line.Variant != nil {
		variant := *line.Variant
		line.Variant = &variant
	}
	return line
}

// BuyNowOverride is a transient single-line cart used for one checkout attempt only.
type BuyNowOverride struct {
	Line CartLine
}

// Cart converts the override into a single-line cart.
func (o BuyNowOverride) Cart() Cart {
	return NewCart(o.Line)
}

// Address is the postal address entered during checkout.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// Address field names used as ValidityMap keys.
const (
	FieldStreet  = "street"
	FieldCity    = "city"
	FieldState   = "state"
	FieldZipCode = "zipCode"
	FieldCountry = "country"
)

// AddressFields lists the address field names in display order.
var AddressFields = []string{FieldStreet, FieldCity, FieldState, FieldZipCode, FieldCountry}

// Field returns the value of the named field.
func (a Address) Field(name string) (string, bool) {
	switch name {
	case FieldStreet:
		return a.Street, true
	case FieldCity:
		return a.City, true
	case FieldState:
		return a.State, true
	case FieldZipCode:
		return a.ZipCode, true
	case FieldCountry:
		return a.Country, true
	default:
		return "", false
	}
}

// WithField returns a copy of the address with the named field replaced.
func (a Address) WithField(name, value string) (Address, bool) {
	switch name {
	case FieldStreet:
		a.Street = value
	case FieldCity:
		a.City = value
	case FieldState:
		a.State = value
	case FieldZipCode:
		a.ZipCode = value
	case FieldCountry:
		a.Country = value
	default:
		return a, false
	}
	return a, true
}

// ValidityMap records per-field validity derived from current address values.
type ValidityMap map[string]bool

// AllValid reports whether every field in the map is valid. An empty map is not valid.
func (m ValidityMap) AllValid() bool {
	if len(m) == 0 {
		return false
	}
	for _, ok := range m {
		if !ok {
			return false
		}
	}
	return true
}

// Invalid returns the names of invalid fields in display order.
func (m ValidityMap) Invalid() []string {
	var out []string
	for _, field := range AddressFields {
		if ok, present := m[field]; present && !ok {
			out = append(out, field)
		}
	}
	return out
}

// Contact captures the buyer contact details sent with the order.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// PaymentMethod enumerates the supported checkout flows.
type PaymentMethod string

const (
	// PaymentMethodCOD pays on delivery; the order is created immediately.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodOnline pays now through the gateway before the order is created.
	PaymentMethodOnline PaymentMethod = "online"
)

// ParsePaymentMethod normalises user input into a PaymentMethod.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "cod", "cash_on_delivery", "pay_on_delivery":
		return PaymentMethodCOD, true
	case "online", "card", "pay_now", "prepaid":
		return PaymentMethodOnline, true
	default:
		return "", false
	}
}

// PendingOrderRequest is the immutable snapshot captured when the payment method is chosen.
type PendingOrderRequest struct {
	BuyerID       string
	Contact       Contact
	Lines         []CartLine
	Address       Address
	PaymentMethod PaymentMethod
	Currency      string
	CapturedAt    time.Time
}

// Total returns the sum of the snapshot lines.
func (r PendingOrderRequest) Total() decimal.Decimal {
	return Cart{Lines: r.Lines}.Total()
}

// PricingSnapshot locks the amounts handed to the payment session so gateway and order agree.
type PricingSnapshot struct {
	Amount         decimal.Decimal `json:"amount"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Discount       decimal.Decimal `json:"discount"`
	Currency       string          `json:"currency"`
	Lines          []CartLine      `json:"lines"`
}

// PaymentSessionStatus enumerates the backend reported session states.
type PaymentSessionStatus string

const (
	PaymentSessionCreated  PaymentSessionStatus = "created"
	PaymentSessionPaid     PaymentSessionStatus = "paid"
	PaymentSessionVerified PaymentSessionStatus = "verified"
	PaymentSessionFailed   PaymentSessionStatus = "failed"
)

// PaymentSession is created by the payment service and handed to the gateway.
type PaymentSession struct {
	SessionID        string               `json:"sessionId"`
	GatewayOrderRef  string               `json:"gatewayOrderRef"`
	GatewayPublicKey string               `json:"gatewayPublicKey,omitempty"`
	Provider         string               `json:"provider,omitempty"`
	Amount           decimal.Decimal      `json:"amount"`
	Currency         string               `json:"currency"`
	Status           PaymentSessionStatus `json:"status"`
}

// OrderStatus enumerates backend order states visible to checkout.
type OrderStatus string

const (
	OrderStatusPlaced         OrderStatus = "placed"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusPendingPayment OrderStatus = "pending_payment"
)

// Order is the backend confirmation of a placed order.
type Order struct {
	OrderID    string      `json:"orderId"`
	Status     OrderStatus `json:"status"`
	PaymentRef string      `json:"paymentRef,omitempty"`
}

// ReconciliationMarker records a payment session that may have been charged without an order:
// a verified payment whose order creation failed, or a gateway handoff abandoned before it
// reported back (GatewayPaymentID is empty).
type ReconciliationMarker struct {
	ID               string          `json:"id"`
	PaymentSessionID string          `json:"paymentSessionId"`
	GatewayPaymentID string          `json:"gatewayPaymentId"`
	BuyerID          string          `json:"buyerId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reason           string          `json:"reason,omitempty"`
	AttemptedAt      time.Time       `json:"attemptedAt"`
}

// RemoteCartLine is a persisted cart line as returned by the cart service, before pricing.
type RemoteCartLine struct {
	ProductID  string `json:"productId"`
	VariantSKU string `json:"variantSku,omitempty"`
	ColorKey   string `json:"colorKey,omitempty"`
	SizeKey    string `json:"sizeKey,omitempty"`
	Quantity   int    `json:"quantity"`
}

// ProductVariant is a priced colour/size combination of a catalog product.
type ProductVariant struct {
	SKU      string          `json:"sku"`
	ColorKey string          `json:"colorKey,omitempty"`
	SizeKey  string          `json:"sizeKey,omitempty"`
	Price    decimal.Decimal `json:"price"`
}

// Product is the catalog view used to price cart lines.
type Product struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	BasePrice decimal.Decimal  `json:"basePrice"`
	Variants  []ProductVariant `json:"variants,omitempty"`
}

// FindVariant returns the variant matching the SKU, or the colour/size pair when no SKU is given.
func (p Product) FindVariant(sku, colorKey, sizeKey string) (ProductVariant, bool) {
	sku = strings.TrimSpace(sku)
	for _, variant := range p.Variants {
		if sku != "" {
			if strings.EqualFold(variant.SKU, sku) {
				return variant, true
			}
			continue
		}
		if colorKey == "" && sizeKey == "" {
			break
		}
		if strings.EqualFold(variant.ColorKey, colorKey) && strings.EqualFold(variant.SizeKey, sizeKey) {
			return variant, true
		}
	}
	return ProductVariant{}, false
}

// OrderRequest is the payload sent to the backend order service.
type OrderRequest struct {
	BuyerID        string          `json:"buyerId"`
	Contact        Contact         `json:"contact"`
	Lines          []CartLine      `json:"lines"`
	Address        Address         `json:"address"`
	PaymentMethod  PaymentMethod   `json:"paymentMethod"`
	PaymentRef     string          `json:"paymentRef,omitempty"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	OriginalAmount decimal.Decimal `json:"originalAmount"`
	Currency       string          `json:"currency"`
}
