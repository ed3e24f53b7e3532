package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{
		WithBackoff(gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1}),
		WithIdempotencyKeys(func() string { return "idem-1" }),
	}, opts...)
	client, err := NewClient(srv.URL+"/", opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  "); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestCreateOrder_SendsRequestAndDecodesOrder(t *testing.T) {
	var got domain.OrderRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "idem-1" {
			t.Errorf("expected idempotency key, got %q", r.Header.Get("Idempotency-Key"))
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(w, http.StatusCreated, map[string]string{"orderId": " ord_1 ", "status": "placed"})
	}), WithServiceToken("svc-token"))

	req := domain.OrderRequest{
		BuyerID:        "buyer-1",
		Lines:          []domain.CartLine{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.RequireFromString("500")}},
		PaymentMethod:  domain.PaymentMethodCOD,
		TotalAmount:    decimal.RequireFromString("1000"),
		OriginalAmount: decimal.RequireFromString("1000"),
		Currency:       "INR",
	}
	order, err := client.Orders().CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderID != "ord_1" || order.Status != domain.OrderStatusPlaced {
		t.Fatalf("unexpected order %+v", order)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("1000")) || got.PaymentMethod != domain.PaymentMethodCOD {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestCreateOrder_ErrorCarriesBackendMessageWithoutRetry(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable", "message": "orders are paused"})
	}))

	_, err := client.Orders().CreateOrder(context.Background(), domain.OrderRequest{})
	var backendErr *Error
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected *backend.Error, got %T %v", err, err)
	}
	if backendErr.BackendMessage() != "orders are paused" || backendErr.Code != "unavailable" || backendErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected backend error %+v", backendErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected mutating call not retried, got %d calls", calls)
	}
}

func TestCreatePaymentSession_UsesMinorUnits(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body createSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Amount != 100000 || body.Currency != "INR" {
			t.Errorf("expected 100000 INR minor units, got %d %s", body.Amount, body.Currency)
		}
		writeJSON(w, http.StatusOK, sessionPayload{
			SessionID:       "ps_1",
			GatewayOrderRef: "order_ref_1",
			PublicKey:       "pk_live",
			Provider:        "backend",
			Amount:          100000,
			Currency:        "INR",
		})
	}))

	snapshot := domain.PricingSnapshot{Amount: decimal.RequireFromString("1000"), Currency: "INR"}
	session, err := client.Payments().CreatePaymentSession(context.Background(), decimal.RequireFromString("1000.00"), "inr", snapshot)
	if err != nil {
		t.Fatalf("CreatePaymentSession: %v", err)
	}
	if session.SessionID != "ps_1" || session.GatewayOrderRef != "order_ref_1" || session.GatewayPublicKey != "pk_live" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !session.Amount.Equal(decimal.RequireFromString("1000")) || session.Currency != "INR" {
		t.Fatalf("unexpected amount %s %s", session.Amount, session.Currency)
	}
	if session.Status != domain.PaymentSessionCreated {
		t.Fatalf("expected default status created, got %s", session.Status)
	}
}

func TestCreatePaymentSession_RejectsNonPositiveAmount(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("unexpected backend call")
	}))
	if _, err := client.Payments().CreatePaymentSession(context.Background(), decimal.Zero, "INR", domain.PricingSnapshot{}); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestVerifyAndAttach(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/payments/sessions/ps_1:verify":
			var body verifyRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, verifyResponse{Verified: body.Signature == "good"})
		case "/payments/sessions/ps_1:attach":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ok, err := client.Payments().VerifyPayment(context.Background(), "ps_1", "pay_1", "good")
	if err != nil || !ok {
		t.Fatalf("expected verified, got %v %v", ok, err)
	}
	ok, err = client.Payments().VerifyPayment(context.Background(), "ps_1", "pay_1", "bad")
	if err != nil || ok {
		t.Fatalf("expected not verified, got %v %v", ok, err)
	}
	if err := client.Payments().AttachOrder(context.Background(), "ps_1", "ord_1"); err != nil {
		t.Fatalf("AttachOrder: %v", err)
	}
}

func TestGetCart_RetriesTransientFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/carts/buyer-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad_gateway"})
			return
		}
		writeJSON(w, http.StatusOK, cartPayload{Lines: []domain.RemoteCartLine{
			{ProductID: "p1", VariantSKU: "p1-red-m", Quantity: 2},
			{ProductID: " ", Quantity: 1},
		}})
	}))

	lines, err := client.Carts().GetCart(context.Background(), "buyer-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(lines) != 1 || lines[0].VariantSKU != "p1-red-m" || lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestGetCart_GivesUpAfterConfiguredAttempts(t *testing.T) {
	var calls int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), WithReadRetries(2))

	if _, err := client.Carts().GetCart(context.Background(), "buyer-1"); err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestGetCart_NotFoundIsEmpty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	lines, err := client.Carts().GetCart(context.Background(), "buyer-1")
	if err != nil || len(lines) != 0 {
		t.Fatalf("expected empty cart, got %v %v", lines, err)
	}
}

func TestClearCart(t *testing.T) {
	var method string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		if r.URL.Path != "/carts/buyer%2F1" && r.URL.RawPath != "/carts/buyer%2F1" {
			t.Errorf("expected escaped buyer id, got %s", r.URL.RawPath)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := client.Carts().ClearCart(context.Background(), "buyer/1"); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
	if method != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", method)
	}
}

func TestGetProduct(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/products/missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found", "message": "no such product"})
			return
		}
		_, _ = w.Write([]byte(`{"name":"Tee","basePrice":"499.00","variants":[{"sku":"tee-red-m","colorKey":"red","sizeKey":"m","price":"549.00"}]}`))
	}))

	product, err := client.Catalog().GetProduct(context.Background(), "tee")
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if product.ID != "tee" || !product.BasePrice.Equal(decimal.RequireFromString("499")) {
		t.Fatalf("unexpected product %+v", product)
	}
	variant, ok := product.FindVariant("", "red", "m")
	if !ok || !variant.Price.Equal(decimal.RequireFromString("549")) {
		t.Fatalf("expected red/m variant, got %+v %v", variant, ok)
	}

	_, err = client.Catalog().GetProduct(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
