package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

// Manager implements Provider by routing each new session to one registered provider and sending
// follow-up calls for that session back to it.
//
// Routing order: the preferred provider, the currency route, the default provider (backend when
// registered), then the only provider if exactly one is registered.
type Manager struct {
	providers map[string]Provider
	preferred string
	fallback  string
	routes    map[string]string

	mu     sync.Mutex
	owners map[string]string // session id -> provider key
}

var _ Provider = (*Manager)(nil)

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider sets the provider used when neither the preferred provider nor a currency
// route matches.
func WithDefaultProvider(key string) ManagerOption {
	return func(m *Manager) { m.fallback = normalizeKey(key) }
}

// WithPreferredProvider routes every new session to key when it is registered.
func WithPreferredProvider(key string) ManagerOption {
	return func(m *Manager) { m.preferred = normalizeKey(key) }
}

// WithCurrencyRoutes maps ISO currency codes (any case) to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, key := range routes {
			m.routes[strings.ToUpper(strings.TrimSpace(currency))] = normalizeKey(key)
		}
	}
}

// NewManager registers providers under their normalised keys. Backend becomes the default
// provider when it is registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		routes:    map[string]string{},
		owners:    map[string]string{},
	}
	for key, p := range providers {
		k := normalizeKey(key)
		if k == "" || p == nil {
			return nil, fmt.Errorf("payments: invalid provider registration %q", key)
		}
		m.providers[k] = p
	}
	if _, ok := m.providers[ProviderBackend]; ok {
		m.fallback = ProviderBackend
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) route(currency string) (string, Provider, error) {
	candidates := []string{m.preferred, m.routes[strings.ToUpper(strings.TrimSpace(currency))], m.fallback}
	for _, key := range candidates {
		if p, ok := m.providers[key]; key != "" && ok {
			return key, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// owner returns the provider that created sessionID, or the currency-less route for sessions
// created before a restart.
func (m *Manager) owner(sessionID string) (Provider, error) {
	m.mu.Lock()
	key, ok := m.owners[sessionID]
	m.mu.Unlock()
	if p, found := m.providers[key]; ok && found {
		return p, nil
	}
	_, p, err := m.route("")
	return p, err
}

// CreatePaymentSession stamps the returned session with the provider key that served it.
func (m *Manager) CreatePaymentSession(ctx context.Context, amount decimal.Decimal, currency string, snapshot domain.PricingSnapshot) (domain.PaymentSession, error) {
	key, provider, err := m.route(currency)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	session, err := provider.CreatePaymentSession(ctx, amount, currency, snapshot)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	session.Provider = key
	m.mu.Lock()
	m.owners[session.SessionID] = key
	m.mu.Unlock()
	return session, nil
}

func (m *Manager) VerifyPayment(ctx context.Context, sessionID, paymentID, signature string) (bool, error) {
	provider, err := m.owner(sessionID)
	if err != nil {
		return false, err
	}
	return provider.VerifyPayment(ctx, sessionID, paymentID, signature)
}

// AttachOrder links the order and forgets the session routing, whether or not the provider
// accepts it.
func (m *Manager) AttachOrder(ctx context.Context, sessionID, orderID string) error {
	provider, err := m.owner(sessionID)
	defer m.Release(sessionID)
	if err != nil {
		return err
	}
	return provider.AttachOrder(ctx, sessionID, orderID)
}

// Release forgets which provider owns sessionID. Checkout calls it once no further call for the
// session will be made.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	delete(m.owners, sessionID)
	m.mu.Unlock()
}

// Tracked returns the number of sessions whose owning provider is remembered.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.owners)
}

func normalizeKey(key string) string { return strings.ToLower(strings.TrimSpace(key)) }
