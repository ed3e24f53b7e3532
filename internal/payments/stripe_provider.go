package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/hanko-field/storefront/internal/domain"
)

const stripeOrderMetadataKey = "order_id"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Update(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey         string
	PublishableKey string
	AccountID      string
	SigningSecret  string
	Backends       *stripe.Backends
	Logger         StripeLogger
	Intents        stripePaymentIntentAPI
}

// StripeProvider opens payment sessions as Stripe PaymentIntents. The session reference handed
// to the gateway is the intent client secret.
type StripeProvider struct {
	intents        stripePaymentIntentAPI
	publishableKey string
	account        string
	signer         *Signer
	logger         StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	signer, err := NewSigner(cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("stripe: %w", err)
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:        intents,
		publishableKey: strings.TrimSpace(cfg.PublishableKey),
		account:        strings.TrimSpace(cfg.AccountID),
		signer:         signer,
		logger:         logger,
	}, nil
}

// CreatePaymentSession creates a PaymentIntent for the amount.
func (p *StripeProvider) CreatePaymentSession(ctx context.Context, amount decimal.Decimal, currency string, snapshot domain.PricingSnapshot) (domain.PaymentSession, error) {
	if p == nil {
		return domain.PaymentSession{}, errors.New("stripe: provider is nil")
	}
	code, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	minor, err := domain.ToMinorUnits(amount, code)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	if minor <= 0 {
		return domain.PaymentSession{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(code)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddMetadata("subtotal", snapshot.Subtotal.String())
	params.AddMetadata("discount", snapshot.Discount.String())
	params.AddMetadata("line_count", fmt.Sprintf("%d", len(snapshot.Lines)))

	intent, err := p.intents.New(params)
	if err != nil {
		return domain.PaymentSession{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	sessionAmount, err := domain.FromMinorUnits(intent.Amount, code)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	return domain.PaymentSession{
		SessionID:        intent.ID,
		GatewayOrderRef:  intent.ClientSecret,
		GatewayPublicKey: p.publishableKey,
		Provider:         ProviderStripe,
		Amount:           sessionAmount,
		Currency:         code,
		Status:           domain.PaymentSessionCreated,
	}, nil
}

// VerifyPayment checks the completion signature, then confirms with Stripe that the intent
// succeeded for its full amount and that paymentID belongs to it.
func (p *StripeProvider) VerifyPayment(ctx context.Context, sessionID, paymentID, signature string) (bool, error) {
	if p == nil {
		return false, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	paymentID = strings.TrimSpace(paymentID)
	if !p.signer.Verify(sessionID, paymentID, signature) {
		p.logger(ctx, "payments.stripe.signature.rejected", map[string]any{
			"paymentIntent": sessionID,
		})
		return false, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(sessionID, params)
	if err != nil {
		return false, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}

	status := stripeStatus(intent)
	verified := status == StatusSucceeded && intent.AmountReceived >= intent.Amount && intentOwnsPayment(intent, paymentID)
	p.logger(ctx, "payments.stripe.intent.verified", map[string]any{
		"paymentIntent": intent.ID,
		"status":        string(status),
		"verified":      verified,
	})
	return verified, nil
}

// AttachOrder stores the order id on the intent metadata.
func (p *StripeProvider) AttachOrder(ctx context.Context, sessionID, orderID string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	params.AddMetadata(stripeOrderMetadataKey, strings.TrimSpace(orderID))
	if _, err := p.intents.Update(strings.TrimSpace(sessionID), params); err != nil {
		return fmt.Errorf("stripe: attach order: %w", err)
	}
	return nil
}

func stripeStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusFailed
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func intentOwnsPayment(intent *stripe.PaymentIntent, paymentID string) bool {
	if paymentID == "" {
		return false
	}
	if intent.ID == paymentID {
		return true
	}
	return intent.LatestCharge != nil && intent.LatestCharge.ID == paymentID
}
