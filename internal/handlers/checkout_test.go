package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/cartsync"
	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
)

type stubOrders struct {
	mu       sync.Mutex
	requests []domain.OrderRequest
	err      error
}

func (s *stubOrders) CreateOrder(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return domain.Order{}, s.err
	}
	return domain.Order{OrderID: "ord-1", Status: domain.OrderStatusPlaced}, nil
}

type stubPayments struct {
	mu       sync.Mutex
	sessions int
	verified bool
	attached []string
}

func (s *stubPayments) CreatePaymentSession(_ context.Context, amount decimal.Decimal, currency string, _ domain.PricingSnapshot) (domain.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return domain.PaymentSession{
		SessionID:        "ps-1",
		GatewayOrderRef:  "gw-order-1",
		GatewayPublicKey: "pk_test",
		Amount:           amount,
		Currency:         currency,
		Status:           domain.PaymentSessionCreated,
	}, nil
}

func (s *stubPayments) VerifyPayment(context.Context, string, string, string) (bool, error) {
	return s.verified, nil
}

func (s *stubPayments) AttachOrder(_ context.Context, _ string, orderID string) error {
	s.mu.Lock()
	s.attached = append(s.attached, orderID)
	s.mu.Unlock()
	return nil
}

type stubRecorder struct{}

func (stubRecorder) Record(context.Context, domain.ReconciliationMarker) error { return nil }

type stubCarts struct {
	resolution cartsync.Resolution
	buyNow     domain.BuyNowOverride
	buyNowErr  error
	overrides  []*domain.BuyNowOverride
}

func (s *stubCarts) Resolve(_ context.Context, _ string, override *domain.BuyNowOverride) cartsync.Resolution {
	s.overrides = append(s.overrides, override)
	if override != nil {
		return cartsync.Resolution{Cart: override.Cart(), Source: cartsync.SourceBuyNow}
	}
	return s.resolution
}

func (s *stubCarts) BuyNow(context.Context, string, string, int) (domain.BuyNowOverride, error) {
	return s.buyNow, s.buyNowErr
}

type checkoutFixture struct {
	orders   *stubOrders
	payments *stubPayments
	carts    *stubCarts
	registry *checkout.Registry
	handler  http.Handler
}

func newCheckoutFixture(t *testing.T, opts ...CheckoutOption) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		orders:   &stubOrders{},
		payments: &stubPayments{verified: true},
		carts: &stubCarts{resolution: cartsync.Resolution{
			Cart:   domain.NewCart(domain.CartLine{ProductID: "p1", Name: "Kurta", Quantity: 2, UnitPrice: decimal.RequireFromString("500.00")}),
			Source: cartsync.SourceRemote,
		}},
	}
	registry, err := checkout.NewRegistry(func(buyer checkout.Buyer, attempt checkout.Attempt, gateway checkout.Gateway) (*checkout.Orchestrator, error) {
		return checkout.New(buyer, attempt, checkout.Deps{
			Orders:         f.orders,
			Payments:       f.payments,
			Gateway:        gateway,
			Reconciliation: stubRecorder{},
		})
	}, checkout.WithQuietPeriod(time.Millisecond))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Shutdown(context.Background()) })
	f.registry = registry

	handlers := NewCheckoutHandlers(nil, registry, f.carts, opts...)
	router := NewRouter(
		WithMiddlewares(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if uid := r.Header.Get("X-Test-Buyer"); uid != "" {
					r = r.WithContext(auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com"}))
				}
				next.ServeHTTP(w, r)
			})
		}),
		WithCheckoutRoutes(handlers.Routes),
	)
	f.handler = router
	return f
}

func (f *checkoutFixture) do(t *testing.T, method, path, buyer string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if buyer != "" {
		req.Header.Set("X-Test-Buyer", buyer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("expected JSON response, got %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func validAddressBody() map[string]any {
	return map[string]any{"address": map[string]string{
		"street": "12 Oak Rd", "city": "Pune", "state": "MH", "zipCode": "411001", "country": "IN",
	}}
}

func (f *checkoutFixture) openConfirmed(t *testing.T, buyer string) string {
	t.Helper()
	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", buyer, validAddressBody())
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rr.Code, rr.Body.String())
	}
	id, _ := payload["id"].(string)
	rr, payload = f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/address:confirm", buyer, nil)
	if rr.Code != http.StatusOK || payload["state"] != string(checkout.StateAddressConfirmed) {
		t.Fatalf("confirm address: %d %s", rr.Code, rr.Body.String())
	}
	return id
}

func TestCheckoutHandlers_RequiresBuyer(t *testing.T) {
	f := newCheckoutFixture(t)
	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "", nil)
	if rr.Code != http.StatusUnauthorized || payload["error"] != "unauthenticated" {
		t.Fatalf("expected unauthenticated, got %d %v", rr.Code, payload)
	}
}

func TestCheckoutHandlers_CreateSessionFromRemoteCart(t *testing.T) {
	f := newCheckoutFixture(t)
	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", nil)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body.String())
	}
	if payload["state"] != string(checkout.StateIdle) || payload["buyNow"] != false {
		t.Fatalf("unexpected session payload %v", payload)
	}
	cart, _ := payload["cart"].(map[string]any)
	if cart["total"] != "1000" {
		t.Fatalf("expected total 1000, got %v", cart["total"])
	}
	if len(f.carts.overrides) != 1 || f.carts.overrides[0] != nil {
		t.Fatalf("expected remote resolution, got %v", f.carts.overrides)
	}
}

func TestCheckoutHandlers_CreateSessionBuyNow(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.buyNow = domain.BuyNowOverride{Line: domain.CartLine{ProductID: "p9", Quantity: 1, UnitPrice: decimal.RequireFromString("250")}}

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", map[string]any{
		"buyNow": map[string]any{"productId": "p9", "quantity": 1},
	})
	if rr.Code != http.StatusCreated || payload["buyNow"] != true {
		t.Fatalf("expected buy-now session, got %d %v", rr.Code, payload)
	}

	f.carts.buyNowErr = cartsync.ErrProductUnavailable
	rr, payload = f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", map[string]any{
		"buyNow": map[string]any{"productId": "gone", "quantity": 1},
	})
	if rr.Code != http.StatusNotFound || payload["error"] != "product_unavailable" {
		t.Fatalf("expected product_unavailable, got %d %v", rr.Code, payload)
	}
}

func TestCheckoutHandlers_CartFetchFailureWarns(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.resolution = cartsync.Resolution{Cart: domain.EmptyCart(), Source: cartsync.SourceRemote, FetchErr: errors.New("timeout")}

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", validAddressBody())
	if rr.Code != http.StatusCreated || payload["cartWarning"] != "cart_unavailable" {
		t.Fatalf("expected cart warning, got %d %v", rr.Code, payload)
	}

	id, _ := payload["id"].(string)
	rr, payload = f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/address:confirm", "buyer-1", nil)
	if rr.Code != http.StatusUnprocessableEntity || payload["error"] != "validation_failed" {
		t.Fatalf("expected empty cart to fail validation, got %d %v", rr.Code, payload)
	}
}

func TestCheckoutHandlers_SessionsAreScopedToBuyer(t *testing.T) {
	f := newCheckoutFixture(t)
	_, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", nil)
	id, _ := payload["id"].(string)

	rr, payload := f.do(t, http.MethodGet, "/api/v1/checkout/sessions/"+id, "buyer-2", nil)
	if rr.Code != http.StatusNotFound || payload["error"] != "session_not_found" {
		t.Fatalf("expected session_not_found, got %d %v", rr.Code, payload)
	}

	if rr, _ := f.do(t, http.MethodDelete, "/api/v1/checkout/sessions/"+id, "buyer-1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on discard, got %d", rr.Code)
	}
	if f.registry.Len() != 0 {
		t.Fatalf("expected registry empty after discard")
	}
}

func TestCheckoutHandlers_EditAddressRejectsUnknownField(t *testing.T) {
	f := newCheckoutFixture(t)
	_, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions", "buyer-1", nil)
	id, _ := payload["id"].(string)

	rr, payload := f.do(t, http.MethodPatch, "/api/v1/checkout/sessions/"+id+"/address", "buyer-1", map[string]string{"planet": "Mars"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %v", rr.Code, payload)
	}

	rr, payload = f.do(t, http.MethodPatch, "/api/v1/checkout/sessions/"+id+"/address", "buyer-1", map[string]string{"street": "12 Oak Rd"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, payload)
	}
	addr, _ := payload["address"].(map[string]any)
	if addr["street"] != "" {
		// The orchestrator address is only set on confirmation.
		t.Fatalf("expected confirmed address untouched before confirm, got %v", addr)
	}
}

func TestCheckoutHandlers_CashOnDeliverySubmit(t *testing.T) {
	f := newCheckoutFixture(t)
	id := f.openConfirmed(t, "buyer-1")

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "cod"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if payload["state"] != string(checkout.StateCodDone) || payload["orderId"] != "ord-1" || payload["success"] != true {
		t.Fatalf("unexpected COD outcome %v", payload)
	}
	if len(f.orders.requests) != 1 {
		t.Fatalf("expected one order, got %d", len(f.orders.requests))
	}
}

func TestCheckoutHandlers_CashOnDeliveryFailureIsInView(t *testing.T) {
	f := newCheckoutFixture(t)
	f.orders.err = errors.New("backend down")
	id := f.openConfirmed(t, "buyer-1")

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "cod"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with failure in view, got %d %s", rr.Code, rr.Body.String())
	}
	failure, _ := payload["failure"].(map[string]any)
	if failure == nil || failure["kind"] != string(checkout.KindOrderPlacement) || failure["retryable"] != true {
		t.Fatalf("expected retryable order placement failure, got %v", payload)
	}
	if payload["state"] != string(checkout.StateAddressConfirmed) {
		t.Fatalf("expected settle back to address confirmed, got %v", payload["state"])
	}
}

func TestCheckoutHandlers_PayNowRoundTrip(t *testing.T) {
	f := newCheckoutFixture(t)
	id := f.openConfirmed(t, "buyer-1")

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "online"})
	if rr.Code != http.StatusOK || payload["state"] != string(checkout.StateGatewayAwaiting) {
		t.Fatalf("expected gateway awaiting, got %d %v", rr.Code, payload)
	}
	gateway, _ := payload["gateway"].(map[string]any)
	if gateway["sessionRef"] != "gw-order-1" || gateway["publicKey"] != "pk_test" || gateway["amount"] != "1000" {
		t.Fatalf("unexpected gateway handoff %v", gateway)
	}

	rr, payload = f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/gateway:complete", "buyer-1", map[string]string{"paymentId": "pay-1", "signature": "sig"})
	if rr.Code != http.StatusOK || payload["state"] != string(checkout.StateDone) {
		t.Fatalf("expected done, got %d %v", rr.Code, payload)
	}
	if payload["orderId"] != "ord-1" || payload["paymentId"] != "pay-1" {
		t.Fatalf("unexpected done payload %v", payload)
	}
	if f.payments.sessions != 1 {
		t.Fatalf("expected one payment session, got %d", f.payments.sessions)
	}
}

func TestCheckoutHandlers_GatewayDismissReturnsToConfirmed(t *testing.T) {
	f := newCheckoutFixture(t)
	id := f.openConfirmed(t, "buyer-1")
	f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "online"})

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/gateway:dismiss", "buyer-1", nil)
	if rr.Code != http.StatusOK || payload["state"] != string(checkout.StateAddressConfirmed) || payload["cancelled"] != true {
		t.Fatalf("expected dismissal to settle at address confirmed, got %d %v", rr.Code, payload)
	}
	if _, hasFailure := payload["failure"]; hasFailure {
		t.Fatalf("dismissal must not surface a failure: %v", payload)
	}
}

func TestCheckoutHandlers_GatewayCallbackWithoutHandoff(t *testing.T) {
	f := newCheckoutFixture(t)
	id := f.openConfirmed(t, "buyer-1")

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/gateway:error", "buyer-1", map[string]string{"reason": "card declined"})
	if rr.Code != http.StatusConflict || payload["error"] != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %v", rr.Code, payload)
	}
}

func TestCheckoutHandlers_SubmitValidatesMethod(t *testing.T) {
	f := newCheckoutFixture(t)
	id := f.openConfirmed(t, "buyer-1")

	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "barter"})
	if rr.Code != http.StatusBadRequest || payload["error"] != "invalid_payment_method" {
		t.Fatalf("expected invalid_payment_method, got %d %v", rr.Code, payload)
	}
}

func TestCheckoutHandlers_SubmitIsRateLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newCheckoutFixture(t, WithSubmitRateLimiter(NewBuyerRateLimiter(1, 1, func() time.Time { return now })))
	id := f.openConfirmed(t, "buyer-1")

	f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "barter"})
	rr, payload := f.do(t, http.MethodPost, "/api/v1/checkout/sessions/"+id+"/submit", "buyer-1", map[string]string{"paymentMethod": "cod"})
	if rr.Code != http.StatusTooManyRequests || payload["error"] != "rate_limited" {
		t.Fatalf("expected rate_limited, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestCheckoutHandlers_SubmitReplaysWithIdempotencyKey(t *testing.T) {
	f := newCheckoutFixture(t, WithIdempotency(idempotency.Middleware(idempotency.NewMemoryStore())))
	id := f.openConfirmed(t, "buyer-1")
	path := "/api/v1/checkout/sessions/" + id + "/submit"
	body := map[string]string{"paymentMethod": "cod"}

	if rr, _ := f.do(t, http.MethodPost, path, "buyer-1", body); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected missing key rejection, got %d", rr.Code)
	}

	first, _ := f.do(t, http.MethodPost, path, "buyer-1", body, "Idempotency-Key", "submit-1")
	second, payload := f.do(t, http.MethodPost, path, "buyer-1", body, "Idempotency-Key", "submit-1")

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200 twice, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" || payload["orderId"] != "ord-1" {
		t.Fatalf("expected replayed COD result, got %v", payload)
	}
	if len(f.orders.requests) != 1 {
		t.Fatalf("expected a single order, got %d", len(f.orders.requests))
	}
}
