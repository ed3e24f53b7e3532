package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/address"
	"github.com/hanko-field/storefront/internal/cartsync"
	"github.com/hanko-field/storefront/internal/checkout"
	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/platform/requestctx"
)

const maxCheckoutRequestBody = 8 * 1024

// CartResolver resolves the lines for a new checkout attempt.
type CartResolver interface {
	Resolve(ctx context.Context, buyerID string, override *domain.BuyNowOverride) cartsync.Resolution
	BuyNow(ctx context.Context, productID, variantSKU string, quantity int) (domain.BuyNowOverride, error)
}

// CheckoutHandlers exposes the checkout session endpoints for authenticated buyers.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	registry    *checkout.Registry
	carts       CartResolver
	limiter     RateLimiter
	idempotency func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitRateLimiter guards submit and gateway completion per buyer.
func WithSubmitRateLimiter(limiter RateLimiter) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = limiter
	}
}

// WithIdempotency wraps the mutating payment endpoints with replay protection.
func WithIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.idempotency = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, registry *checkout.Registry, carts CartResolver, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		registry: registry,
		carts:    carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireBuyer())
	}

	guarded := []func(http.Handler) http.Handler{h.rateLimit}
	if h.idempotency != nil {
		guarded = append(guarded, h.idempotency)
	}

	group.Post("/checkout/sessions", h.createSession)
	group.Route("/checkout/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Delete("/", h.discardSession)
		s.Patch("/address", h.editAddress)
		s.Post("/address:confirm", h.confirmAddress)
		s.With(guarded...).Post("/submit", h.submit)
		s.With(guarded...).Post("/gateway:complete", h.completeGateway)
		s.Post("/gateway:dismiss", h.dismissGateway)
		s.Post("/gateway:error", h.failGateway)
	})
}

type buyNowRequest struct {
	ProductID  string `json:"productId"`
	VariantSKU string `json:"variantSku"`
	Quantity   int    `json:"quantity"`
}

type createSessionRequest struct {
	BuyNow  *buyNowRequest  `json:"buyNow"`
	Address *domain.Address `json:"address"`
}

type submitRequest struct {
	PaymentMethod string `json:"paymentMethod"`
}

type gatewayCompleteRequest struct {
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

type gatewayErrorRequest struct {
	Reason string `json:"reason"`
}

type gatewayPayload struct {
	Sequence   int             `json:"sequence"`
	SessionID  string          `json:"sessionId"`
	SessionRef string          `json:"sessionRef"`
	PublicKey  string          `json:"publicKey,omitempty"`
	Provider   string          `json:"provider,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
}

type failurePayload struct {
	Kind      string   `json:"kind"`
	Message   string   `json:"message"`
	Fields    []string `json:"fields,omitempty"`
	Retryable bool     `json:"retryable"`
}

type sessionPayload struct {
	ID               string             `json:"id"`
	State            string             `json:"state"`
	BuyNow           bool               `json:"buyNow"`
	Cart             domain.Cart        `json:"cart"`
	Address          domain.Address     `json:"address"`
	Validity         domain.ValidityMap `json:"validity"`
	ReadyToConfirm   bool               `json:"readyToConfirm"`
	PaymentMethod    string             `json:"paymentMethod,omitempty"`
	Gateway          *gatewayPayload    `json:"gateway,omitempty"`
	OrderID          string             `json:"orderId,omitempty"`
	PaymentID        string             `json:"paymentId,omitempty"`
	ReconciliationID string             `json:"reconciliationId,omitempty"`
	Success          bool               `json:"success"`
	Failure          *failurePayload    `json:"failure,omitempty"`
	Cancelled        bool               `json:"cancelled,omitempty"`
	Warning          string             `json:"warning,omitempty"`
	CartWarning      string             `json:"cartWarning,omitempty"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.buyer(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	var override *domain.BuyNowOverride
	if req.BuyNow != nil {
		buyNow, err := h.carts.BuyNow(ctx, req.BuyNow.ProductID, req.BuyNow.VariantSKU, req.BuyNow.Quantity)
		if err != nil {
			status, code := http.StatusBadRequest, "invalid_buy_now"
			if errors.Is(err, cartsync.ErrProductUnavailable) {
				status, code = http.StatusNotFound, "product_unavailable"
			}
			httpx.WriteError(ctx, w, httpx.NewError(code, err.Error(), status))
			return
		}
		override = &buyNow
	}

	resolution := h.carts.Resolve(ctx, identity.UID, override)

	initial := domain.Address{}
	if req.Address != nil {
		initial = address.SanitizeAddress(*req.Address)
	}
	buyer := checkout.Buyer{ID: identity.UID, Contact: identity.Contact()}
	session, err := h.registry.Open(buyer, checkout.Attempt{Cart: resolution.Cart, BuyNow: override != nil}, initial)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "unable to start checkout", http.StatusInternalServerError))
		return
	}
	requestctx.Annotate(ctx, "checkout_session", session.ID())

	payload := toSessionPayload(session.View())
	switch {
	case resolution.FetchErr != nil:
		payload.CartWarning = "cart_unavailable"
	case resolution.Unpriced > 0:
		payload.CartWarning = "cart_unpriced_lines"
	}
	httpx.WriteJSON(w, http.StatusCreated, payload)
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionPayload(session.View()))
}

func (h *CheckoutHandlers) discardSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.buyer(w, r)
	if !ok {
		return
	}
	if err := h.registry.Discard(ctx, identity.UID, chi.URLParam(r, "sessionID")); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) editAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var edits map[string]string
	if !decodeBody(w, r, &edits) {
		return
	}
	if len(edits) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no address fields supplied", http.StatusBadRequest))
		return
	}
	if err := session.EditAddress(edits); err != nil {
		switch {
		case errors.Is(err, address.ErrUnknownField):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			writeCheckoutError(ctx, w, checkout.ErrSessionClosed)
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionPayload(session.View()))
}

func (h *CheckoutHandlers) confirmAddress(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := session.ConfirmAddress(r.Context())
	respondWithView(r.Context(), w, view, err)
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	method, valid := domain.ParsePaymentMethod(req.PaymentMethod)
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment_method", "paymentMethod must be cod or online", http.StatusBadRequest))
		return
	}
	view, err := session.Submit(ctx, method)
	respondWithView(ctx, w, view, err)
}

func (h *CheckoutHandlers) completeGateway(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req gatewayCompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	paymentID := strings.TrimSpace(req.PaymentID)
	signature := strings.TrimSpace(req.Signature)
	if paymentID == "" || signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentId and signature are required", http.StatusBadRequest))
		return
	}
	view, err := session.CompleteGateway(ctx, paymentID, signature)
	respondWithView(ctx, w, view, err)
}

func (h *CheckoutHandlers) dismissGateway(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	view, err := session.DismissGateway(r.Context())
	respondWithView(r.Context(), w, view, err)
}

func (h *CheckoutHandlers) failGateway(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	var req gatewayErrorRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	view, err := session.FailGateway(r.Context(), req.Reason)
	respondWithView(r.Context(), w, view, err)
}

func (h *CheckoutHandlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			key := "anonymous"
			if identity, ok := auth.IdentityFromContext(r.Context()); ok {
				key = identity.UID
			}
			if !h.limiter.Allow(key) {
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many checkout attempts, please wait", http.StatusTooManyRequests))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *CheckoutHandlers) buyer(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.registry == nil || h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *CheckoutHandlers) session(w http.ResponseWriter, r *http.Request) (*checkout.Session, bool) {
	identity, ok := h.buyer(w, r)
	if !ok {
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.registry.Get(identity.UID, sessionID)
	if err != nil {
		writeCheckoutError(r.Context(), w, err)
		return nil, false
	}
	requestctx.Annotate(r.Context(), "checkout_session", session.ID())
	return session, true
}

// respondWithView writes the session view. Checkout failures other than validation are part of
// the view and still answer 200; validation and state conflicts are reported as errors.
func respondWithView(ctx context.Context, w http.ResponseWriter, view checkout.View, err error) {
	if err == nil {
		httpx.WriteJSON(w, http.StatusOK, toSessionPayload(view))
		return
	}
	var checkoutErr *checkout.Error
	if errors.As(err, &checkoutErr) && checkoutErr.Kind != checkout.KindValidation {
		httpx.WriteJSON(w, http.StatusOK, toSessionPayload(view))
		return
	}
	writeCheckoutError(ctx, w, err)
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var checkoutErr *checkout.Error
	switch {
	case errors.As(err, &checkoutErr) && checkoutErr.Kind == checkout.KindValidation:
		details := map[string]any{}
		if len(checkoutErr.Fields) > 0 {
			details["fields"] = checkoutErr.Fields
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", checkoutErr.Message, http.StatusUnprocessableEntity).WithDetails(details))
	case errors.Is(err, checkout.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found", http.StatusNotFound))
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("submission_in_flight", "a payment is already being processed", http.StatusConflict))
	case errors.Is(err, checkout.ErrSessionClosed):
		httpx.WriteError(ctx, w, httpx.NewError("session_closed", "checkout session is closed", http.StatusConflict))
	case errors.Is(err, checkout.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "operation not allowed in the current checkout state", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "unable to process checkout request", http.StatusInternalServerError))
	}
}

func toSessionPayload(view checkout.View) sessionPayload {
	payload := sessionPayload{
		ID:             view.AttemptID,
		State:          string(view.State),
		BuyNow:         view.BuyNow,
		Cart:           view.Cart,
		Address:        view.Address,
		Validity:       view.Published,
		ReadyToConfirm: view.Ready,
		PaymentMethod:  string(view.Method),
		OrderID:        view.OrderID,
		PaymentID:      view.PaymentID,
		Success:        view.Success(),
		Cancelled:      view.Cancelled,
		Warning:        view.Warning,
	}
	if payload.Validity == nil {
		payload.Validity = view.Validity
	}
	if gw := view.Gateway; gw != nil {
		payload.Gateway = &gatewayPayload{
			Sequence:   gw.Sequence,
			SessionID:  gw.SessionID,
			SessionRef: gw.SessionRef,
			PublicKey:  gw.PublicKey,
			Provider:   gw.Provider,
			Amount:     gw.Amount,
			Currency:   gw.Currency,
		}
	}
	if view.Marker != nil {
		payload.ReconciliationID = view.Marker.ID
	}
	if f := view.Failure; f != nil && f.UserVisible() {
		payload.Failure = &failurePayload{
			Kind:      string(f.Kind),
			Message:   f.Message,
			Fields:    f.Fields,
			Retryable: f.Kind.Retryable(),
		}
	}
	return payload
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		writeBodyError(r.Context(), w, err)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func decodeOptionalBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if errors.Is(err, errEmptyBody) {
		return true
	}
	if err != nil {
		writeBodyError(r.Context(), w, err)
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}
