package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// Orders creates backend orders.
type Orders struct{ client *Client }

// CreateOrder places an order. Failures carry the backend message when present.
func (o *Orders) CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	var order domain.Order
	if err := o.client.send(ctx, "createOrder", http.MethodPost, req, &order, "orders"); err != nil {
		return domain.Order{}, err
	}
	order.OrderID = strings.TrimSpace(order.OrderID)
	return order, nil
}

// Payments manages payment sessions on the backend payment service.
type Payments struct{ client *Client }

type createSessionRequest struct {
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	Pricing     domain.PricingSnapshot `json:"pricing"`
	AmountMajor decimal.Decimal        `json:"amountMajor"`
}

type sessionPayload struct {
	SessionID       string `json:"sessionId"`
	GatewayOrderRef string `json:"gatewayOrderRef"`
	PublicKey       string `json:"publicKey"`
	Provider        string `json:"provider"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

// CreatePaymentSession opens a payment session for the amount. Amounts travel in minor units.
func (p *Payments) CreatePaymentSession(ctx context.Context, amount decimal.Decimal, currency string, snapshot domain.PricingSnapshot) (domain.PaymentSession, error) {
	code, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	minor, err := domain.ToMinorUnits(amount, code)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if minor <= 0 {
		return domain.PaymentSession{}, errors.New("backend: payment amount must be positive")
	}

	var payload sessionPayload
	body := createSessionRequest{Amount: minor, Currency: code, Pricing: snapshot, AmountMajor: amount}
	if err := p.client.send(ctx, "createPaymentSession", http.MethodPost, body, &payload, "payments", "sessions"); err != nil {
		return domain.PaymentSession{}, err
	}
	return payload.toSession(code)
}

func (p sessionPayload) toSession(fallbackCurrency string) (domain.PaymentSession, error) {
	currency := strings.TrimSpace(p.Currency)
	if currency == "" {
		currency = fallbackCurrency
	}
	amount, err := domain.FromMinorUnits(p.Amount, currency)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	sessionID := strings.TrimSpace(p.SessionID)
	if sessionID == "" {
		return domain.PaymentSession{}, errors.New("backend: payment session missing id")
	}
	status := domain.PaymentSessionStatus(strings.TrimSpace(p.Status))
	if status == "" {
		status = domain.PaymentSessionCreated
	}
	return domain.PaymentSession{
		SessionID:        sessionID,
		GatewayOrderRef:  strings.TrimSpace(p.GatewayOrderRef),
		GatewayPublicKey: strings.TrimSpace(p.PublicKey),
		Provider:         strings.TrimSpace(p.Provider),
		Amount:           amount,
		Currency:         strings.ToUpper(currency),
		Status:           status,
	}, nil
}

type verifyRequest struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// VerifyPayment asks the payment service to check the gateway signature.
func (p *Payments) VerifyPayment(ctx context.Context, sessionID, paymentID, signature string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, errors.New("backend: session id is required")
	}
	var resp verifyResponse
	body := verifyRequest{PaymentID: strings.TrimSpace(paymentID), Signature: strings.TrimSpace(signature)}
	if err := p.client.send(ctx, "verifyPayment", http.MethodPost, body, &resp, "payments", "sessions", sessionID+":verify"); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// AttachOrder links the order to the payment session.
func (p *Payments) AttachOrder(ctx context.Context, sessionID, orderID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("backend: session id is required")
	}
	body := map[string]string{"orderId": strings.TrimSpace(orderID)}
	return p.client.send(ctx, "attachOrder", http.MethodPost, body, nil, "payments", "sessions", sessionID+":attach")
}

// Carts reads and clears the buyer's persisted cart.
type Carts struct{ client *Client }

type cartPayload struct {
	Lines []domain.RemoteCartLine `json:"lines"`
}

// GetCart returns the buyer's persisted lines. Lines without a product id are dropped.
func (c *Carts) GetCart(ctx context.Context, buyerID string) ([]domain.RemoteCartLine, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, errors.New("backend: buyer id is required")
	}
	var payload cartPayload
	if err := c.client.get(ctx, "getCart", &payload, "carts", buyerID); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := make([]domain.RemoteCartLine, 0, len(payload.Lines))
	for _, line := range payload.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ClearCart empties the buyer's persisted cart. A missing cart counts as cleared.
func (c *Carts) ClearCart(ctx context.Context, buyerID string) error {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return errors.New("backend: buyer id is required")
	}
	err := c.client.send(ctx, "clearCart", http.MethodDelete, nil, nil, "carts", buyerID)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Catalog looks up products.
type Catalog struct{ client *Client }

// GetProduct returns the product with its priced variants.
func (c *Catalog) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("backend: product id is required")
	}
	var product domain.Product
	if err := c.client.get(ctx, "getProduct", &product, "products", productID); err != nil {
		return domain.Product{}, err
	}
	if product.ID == "" {
		product.ID = productID
	}
	if product.BasePrice.IsNegative() {
		return domain.Product{}, fmt.Errorf("backend: product %s has a negative price", productID)
	}
	return product, nil
}
