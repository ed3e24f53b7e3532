package payments

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// Provider keys accepted in configuration.
const (
	ProviderBackend = "backend"
	ProviderStripe  = "stripe"
)

var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// Status is a provider-neutral view of a gateway payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Provider is a payment gateway adapter. VerifyPayment and AttachOrder receive the session id the
// same provider returned from CreatePaymentSession.
type Provider interface {
	CreatePaymentSession(ctx context.Context, amount decimal.Decimal, currency string, snapshot domain.PricingSnapshot) (domain.PaymentSession, error)
	VerifyPayment(ctx context.Context, sessionID, paymentID, signature string) (bool, error)
	AttachOrder(ctx context.Context, sessionID, orderID string) error
}
