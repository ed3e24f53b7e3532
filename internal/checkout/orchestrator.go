// Package checkout coordinates a single checkout attempt: address confirmation, the
// pay-on-delivery and pay-now flows, gateway outcomes, verification, order creation and
// reconciliation when a verified payment lacks an order.
package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/storefront/internal/address"
	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultStepTimeout   = 20 * time.Second
	defaultAttachTimeout = 10 * time.Second
	markerIDPrefix       = "rec_"
)

const reasonHandoffAbandoned = "checkout closed while the gateway payment was outstanding"

var errNotVerified = errors.New("payment not verified")

// OrderService creates backend orders.
type OrderService interface {
	CreateOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
}

// PaymentService manages payment sessions with the payment backend.
type PaymentService interface {
	CreatePaymentSession(ctx context.Context, amount decimal.Decimal, currency string, snapshot domain.PricingSnapshot) (domain.PaymentSession, error)
	VerifyPayment(ctx context.Context, sessionID, paymentID, signature string) (bool, error)
	AttachOrder(ctx context.Context, sessionID, orderID string) error
}

// Gateway hands a payment session to the external gateway widget. Present must not block on
// the buyer; outcomes arrive through the Handoff callbacks.
type Gateway interface {
	Present(ctx context.Context, handoff Handoff) error
}

// CartCleaner clears the persisted cart without blocking the caller.
type CartCleaner interface {
	Clear(ctx context.Context, buyerID string, onWarning func(error))
}

// ReconciliationRecorder records markers for payment sessions that may have been charged without
// an order: verified payments whose order creation failed and handoffs abandoned before the
// gateway reported back.
type ReconciliationRecorder interface {
	Record(ctx context.Context, marker domain.ReconciliationMarker) error
}

// sessionReleaser is implemented by payment services that keep per-session routing.
type sessionReleaser interface {
	Release(sessionID string)
}

// Observer receives every state transition.
type Observer interface {
	OnTransition(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) { f(ctx, t) }

// Buyer is the authenticated buyer context supplied at construction.
type Buyer struct {
	ID      string
	Contact domain.Contact
}

// Attempt seeds an orchestrator with the resolved lines for one checkout attempt.
type Attempt struct {
	ID     string
	Cart   domain.Cart
	BuyNow bool
}

// Handoff is passed to the gateway collaborator. The callbacks are bound to one gateway
// attempt and report ErrInvalidTransition once that attempt has resolved.
type Handoff struct {
	AttemptID  string
	Sequence   int
	SessionID  string
	SessionRef string
	PublicKey  string
	Provider   string
	Amount     decimal.Decimal
	Currency   string
	OnComplete func(ctx context.Context, paymentID, signature string) (Snapshot, error)
	OnDismiss  func(ctx context.Context) (Snapshot, error)
	OnError    func(ctx context.Context, cause error) (Snapshot, error)
}

// Deps wires the orchestrator collaborators.
type Deps struct {
	Orders         OrderService
	Payments       PaymentService
	Gateway        Gateway
	Cleanup        CartCleaner
	Reconciliation ReconciliationRecorder
	Observers      []Observer
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
	Currency       string
	StepTimeout    time.Duration
}

// Orchestrator drives one checkout attempt. It is safe for concurrent use; network calls are
// made without holding the state lock and at most one is outstanding at a time.
type Orchestrator struct {
	id       string
	buyer    Buyer
	buyNow   bool
	currency string

	orders    OrderService
	payments  PaymentService
	gateway   Gateway
	cleanup   CartCleaner
	recorder  ReconciliationRecorder
	observers []Observer
	now       func() time.Time
	newID     func() string
	logger    func(ctx context.Context, event string, fields map[string]any)
	tracer    trace.Tracer
	timeout   time.Duration

	mu          sync.Mutex
	state       State
	cart        domain.Cart
	addr        domain.Address
	request     *domain.PendingOrderRequest
	session     *domain.PaymentSession
	sequence    int
	lastFailure *Error
	cancelled   bool
	warning     string
	closed      bool
	history     []Transition
	pending     []Transition

	notifyMu sync.Mutex
	bg       sync.WaitGroup
}

// New constructs an orchestrator in the Idle state.
func New(buyer Buyer, attempt Attempt, deps Deps) (*Orchestrator, error) {
	if strings.TrimSpace(buyer.ID) == "" {
		return nil, errors.New("checkout: buyer id is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout: order service is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout: payment service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout: gateway is required")
	}
	if deps.Reconciliation == nil {
		return nil, errors.New("checkout: reconciliation recorder is required")
	}

	currency := domain.DefaultCurrency
	if strings.TrimSpace(deps.Currency) != "" {
		normalized, err := domain.NormalizeCurrency(deps.Currency)
		if err != nil {
			return nil, err
		}
		currency = normalized
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.StepTimeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	id := strings.TrimSpace(attempt.ID)
	if id == "" {
		id = idGen()
	}

	return &Orchestrator{
		id:        id,
		buyer:     buyer,
		buyNow:    attempt.BuyNow,
		currency:  currency,
		orders:    deps.Orders,
		payments:  deps.Payments,
		gateway:   deps.Gateway,
		cleanup:   deps.Cleanup,
		recorder:  deps.Reconciliation,
		observers: append([]Observer(nil), deps.Observers...),
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
		tracer:    otel.Tracer("github.com/hanko-field/storefront/internal/checkout"),
		timeout:   timeout,
		state:     Idle{},
		cart:      attempt.Cart.Clone(),
	}, nil
}

// ID returns the attempt identifier.
func (o *Orchestrator) ID() string { return o.id }

// BuyerID returns the owning buyer.
func (o *Orchestrator) BuyerID() string { return o.buyer.ID }

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ConfirmAddress validates the address against the current cart and moves to AddressConfirmed.
// An invalid address or cart leaves the attempt in Idle.
func (o *Orchestrator) ConfirmAddress(ctx context.Context, addr domain.Address) (Snapshot, error) {
	o.mu.Lock()
	if err := o.guardEditableLocked(); err != nil {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, err
	}

	o.addr = addr
	failure := o.validateLocked()
	if failure != nil {
		o.lastFailure = failure
		if _, confirmed := o.state.(AddressConfirmed); confirmed {
			o.transitionLocked(Idle{}, failure)
		}
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		return snap, failure
	}

	o.lastFailure = nil
	if _, confirmed := o.state.(AddressConfirmed); !confirmed {
		o.transitionLocked(AddressConfirmed{}, nil)
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)
	return snap, nil
}

// Submit captures the pending order request and runs the chosen payment flow. Calls made while
// a submission is in flight return ErrSubmissionInFlight without side effects.
func (o *Orchestrator) Submit(ctx context.Context, method domain.PaymentMethod) (Snapshot, error) {
	o.mu.Lock()
	if o.closed {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrSessionClosed
	}
	switch o.state.(type) {
	case AddressConfirmed:
	case Idle:
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, &Error{Kind: KindValidation, Message: "confirm the delivery address first", Err: ErrInvalidTransition}
	default:
		inFlight := InFlight(o.state)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		if inFlight {
			return snap, ErrSubmissionInFlight
		}
		return snap, ErrSessionClosed
	}
	if method != domain.PaymentMethodCOD && method != domain.PaymentMethodOnline {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, validationError("choose a payment method", "paymentMethod")
	}
	if failure := o.validateLocked(); failure != nil {
		o.lastFailure = failure
		o.transitionLocked(Idle{}, failure)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		return snap, failure
	}

	req := domain.PendingOrderRequest{
		BuyerID:       o.buyer.ID,
		Contact:       o.buyer.Contact,
		Lines:         o.cart.Clone().Lines,
		Address:       o.addr,
		PaymentMethod: method,
		Currency:      o.currency,
		CapturedAt:    o.now(),
	}
	o.request = &req
	o.lastFailure = nil
	o.cancelled = false

	if method == domain.PaymentMethodCOD {
		o.transitionLocked(CodConfirming{Request: req}, nil)
		o.mu.Unlock()
		o.flush(ctx)
		return o.placeCashOnDelivery(ctx, req)
	}

	snapshot := pricingSnapshot(req)
	if o.session != nil && sessionMatches(*o.session, snapshot) {
		session := *o.session
		o.sequence++
		seq := o.sequence
		o.transitionLocked(GatewayAwaiting{Request: req, Session: session, Snapshot: snapshot}, nil)
		o.mu.Unlock()
		o.flush(ctx)
		return o.present(ctx, seq, session)
	}
	if o.session != nil {
		o.releaseSession(o.session.SessionID)
		o.session = nil
	}
	o.transitionLocked(SessionCreating{Request: req, Snapshot: snapshot}, nil)
	o.mu.Unlock()
	o.flush(ctx)
	return o.createSession(ctx, req, snapshot)
}

// CompletePayment handles a gateway-reported charge. It verifies the payment and, when verified,
// creates the order. A failed order creation records a reconciliation marker instead of failing.
func (o *Orchestrator) CompletePayment(ctx context.Context, seq int, paymentID, signature string) (Snapshot, error) {
	o.mu.Lock()
	awaiting, ok := o.state.(GatewayAwaiting)
	if !ok || seq != o.sequence {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	paymentID = strings.TrimSpace(paymentID)
	signature = strings.TrimSpace(signature)
	o.transitionLocked(Verifying{Request: awaiting.Request, Session: awaiting.Session, PaymentID: paymentID}, nil)
	o.mu.Unlock()
	o.flush(ctx)

	verified, err := o.verify(ctx, awaiting.Session, paymentID, signature)
	if err != nil || !verified {
		if err == nil {
			err = errNotVerified
		}
		failure := newError(KindVerification, messageVerificationFailed, err)
		o.mu.Lock()
		o.lastFailure = failure
		o.transitionLocked(Failed{Err: failure}, failure)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		o.releaseSession(awaiting.Session.SessionID)
		return snap, failure
	}

	o.mu.Lock()
	o.transitionLocked(OrderCreating{Request: awaiting.Request, Session: awaiting.Session, PaymentID: paymentID}, nil)
	o.mu.Unlock()
	o.flush(ctx)

	order, err := o.createOrder(ctx, orderRequest(awaiting.Request, paymentID, awaiting.Snapshot.Amount))
	if err != nil {
		return o.reconcile(ctx, awaiting.Session, paymentID, err)
	}

	o.mu.Lock()
	o.transitionLocked(Done{OrderID: order.OrderID, PaymentID: paymentID, SessionID: awaiting.Session.SessionID}, nil)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)

	o.attachOrder(ctx, awaiting.Session.SessionID, order.OrderID)
	o.startCleanup(ctx)
	return snap, nil
}

// DismissGateway records that the buyer closed the gateway. It is not a failure: the attempt
// returns to AddressConfirmed and a later submission reuses the payment session.
func (o *Orchestrator) DismissGateway(ctx context.Context, seq int) (Snapshot, error) {
	o.mu.Lock()
	if _, ok := o.state.(GatewayAwaiting); !ok || seq != o.sequence {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	o.cancelled = true
	o.transitionLocked(Cancelled{}, newError(KindGatewayCancellation, messageCancelled, nil))
	o.transitionLocked(AddressConfirmed{}, nil)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)
	return snap, nil
}

// FailGateway records a gateway load or pre-charge error.
func (o *Orchestrator) FailGateway(ctx context.Context, seq int, cause error) (Snapshot, error) {
	o.mu.Lock()
	if _, ok := o.state.(GatewayAwaiting); !ok || seq != o.sequence {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, ErrInvalidTransition
	}
	failure := newError(KindGatewayCharge, messagePaymentFailed, cause)
	o.settleFailureLocked(failure)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)
	return snap, failure
}

// Close discards the attempt. An outstanding gateway handoff is cancelled and recorded as a
// reconciliation marker. Calls already in flight complete but no new operation is accepted.
func (o *Orchestrator) Close(ctx context.Context) Snapshot {
	o.mu.Lock()
	if o.closed {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}
	o.closed = true
	var abandoned *GatewayAwaiting
	if awaiting, ok := o.state.(GatewayAwaiting); ok {
		abandoned = &awaiting
		o.sequence++
		o.cancelled = true
		o.transitionLocked(Cancelled{}, newError(KindGatewayCancellation, messageCancelled, nil))
	}
	var release string
	if _, done := o.state.(Done); o.session != nil && !done && !InFlight(o.state) {
		release = o.session.SessionID
	}
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)

	if abandoned != nil {
		o.recordAbandoned(ctx, *abandoned)
	}
	if release != "" {
		o.releaseSession(release)
	}
	return snap
}

// Wait blocks until best-effort background calls started by the orchestrator finish.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// History returns every transition recorded so far.
func (o *Orchestrator) History() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transition(nil), o.history...)
}

func (o *Orchestrator) placeCashOnDelivery(ctx context.Context, req domain.PendingOrderRequest) (Snapshot, error) {
	order, err := o.createOrder(ctx, orderRequest(req, "", pricingSnapshot(req).Amount))
	o.mu.Lock()
	if err != nil {
		failure := newError(KindOrderPlacement, backendMessage(err, messageOrderFailed), err)
		o.settleFailureLocked(failure)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		return snap, failure
	}
	o.transitionLocked(CodDone{OrderID: order.OrderID}, nil)
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)

	o.startCleanup(ctx)
	return snap, nil
}

func (o *Orchestrator) createSession(ctx context.Context, req domain.PendingOrderRequest, snapshot domain.PricingSnapshot) (Snapshot, error) {
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()
	stepCtx, span := o.tracer.Start(stepCtx, "checkout.createPaymentSession", trace.WithAttributes(
		attribute.String("checkout.attempt_id", o.id),
		attribute.String("payment.amount", snapshot.Amount.String()),
		attribute.String("payment.currency", snapshot.Currency),
	))
	session, err := o.payments.CreatePaymentSession(stepCtx, snapshot.Amount, snapshot.Currency, snapshot)
	if err == nil && strings.TrimSpace(session.GatewayOrderRef) == "" {
		err = errors.New("payment session missing gateway reference")
	}
	endSpan(span, err)

	o.mu.Lock()
	if err != nil {
		failure := newError(KindGatewaySession, messageSessionFailed, err)
		o.settleFailureLocked(failure)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		return snap, failure
	}
	if session.Currency == "" {
		session.Currency = snapshot.Currency
	}
	if session.Amount.IsZero() {
		session.Amount = snapshot.Amount
	}
	o.session = &session
	if o.closed {
		o.cancelled = true
		o.transitionLocked(Cancelled{}, newError(KindGatewayCancellation, messageCancelled, ErrSessionClosed))
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.flush(ctx)
		o.releaseSession(session.SessionID)
		return snap, ErrSessionClosed
	}
	o.sequence++
	seq := o.sequence
	o.transitionLocked(GatewayAwaiting{Request: req, Session: session, Snapshot: snapshot}, nil)
	o.mu.Unlock()
	o.flush(ctx)

	return o.present(ctx, seq, session)
}

func (o *Orchestrator) present(ctx context.Context, seq int, session domain.PaymentSession) (Snapshot, error) {
	handoff := Handoff{
		AttemptID:  o.id,
		Sequence:   seq,
		SessionID:  session.SessionID,
		SessionRef: session.GatewayOrderRef,
		PublicKey:  session.GatewayPublicKey,
		Provider:   session.Provider,
		Amount:     session.Amount,
		Currency:   session.Currency,
		OnComplete: func(ctx context.Context, paymentID, signature string) (Snapshot, error) {
			return o.CompletePayment(ctx, seq, paymentID, signature)
		},
		OnDismiss: func(ctx context.Context) (Snapshot, error) {
			return o.DismissGateway(ctx, seq)
		},
		OnError: func(ctx context.Context, cause error) (Snapshot, error) {
			return o.FailGateway(ctx, seq, cause)
		},
	}
	if err := o.gateway.Present(ctx, handoff); err != nil {
		return o.FailGateway(ctx, seq, err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked(), nil
}

func (o *Orchestrator) verify(ctx context.Context, session domain.PaymentSession, paymentID, signature string) (bool, error) {
	if paymentID == "" || signature == "" {
		return false, errors.New("gateway completion missing payment id or signature")
	}
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()
	stepCtx, span := o.tracer.Start(stepCtx, "checkout.verifyPayment", trace.WithAttributes(
		attribute.String("checkout.attempt_id", o.id),
		attribute.String("payment.session_id", session.SessionID),
	))
	verified, err := o.payments.VerifyPayment(stepCtx, session.SessionID, paymentID, signature)
	span.SetAttributes(attribute.Bool("payment.verified", verified))
	endSpan(span, err)
	return verified, err
}

func (o *Orchestrator) createOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()
	stepCtx, span := o.tracer.Start(stepCtx, "checkout.createOrder", trace.WithAttributes(
		attribute.String("checkout.attempt_id", o.id),
		attribute.String("order.payment_method", string(req.PaymentMethod)),
		attribute.String("order.total", req.TotalAmount.String()),
	))
	order, err := o.orders.CreateOrder(stepCtx, req)
	if err == nil && strings.TrimSpace(order.OrderID) == "" {
		err = errors.New("order service returned no order id")
	}
	endSpan(span, err)
	return order, err
}

func (o *Orchestrator) reconcile(ctx context.Context, session domain.PaymentSession, paymentID string, cause error) (Snapshot, error) {
	marker := o.newMarker(session.SessionID, paymentID, session.Amount, session.Currency, cause.Error())
	o.record(ctx, marker)

	o.mu.Lock()
	o.transitionLocked(ReconciledPendingOrder{PaymentID: paymentID, Marker: marker},
		newError(KindOrderCreationAfterPayment, "order pending reconciliation", cause))
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.flush(ctx)

	o.releaseSession(session.SessionID)
	o.startCleanup(ctx)
	return snap, nil
}

// recordAbandoned records the outstanding session of a handoff cancelled by Close. The marker has
// no gateway payment id; reconcilers look the session up with the gateway.
func (o *Orchestrator) recordAbandoned(ctx context.Context, awaiting GatewayAwaiting) {
	marker := o.newMarker(awaiting.Session.SessionID, "", awaiting.Snapshot.Amount, awaiting.Snapshot.Currency, reasonHandoffAbandoned)
	o.logger(ctx, "checkout.handoff_abandoned", map[string]any{
		"attemptId":        o.id,
		"paymentSessionId": awaiting.Session.SessionID,
		"markerId":         marker.ID,
	})
	o.record(ctx, marker)
}

func (o *Orchestrator) newMarker(sessionID, paymentID string, amount decimal.Decimal, currency, reason string) domain.ReconciliationMarker {
	return domain.ReconciliationMarker{
		ID:               markerIDPrefix + o.newID(),
		PaymentSessionID: sessionID,
		GatewayPaymentID: paymentID,
		BuyerID:          o.buyer.ID,
		Amount:           amount,
		Currency:         currency,
		Reason:           reason,
		AttemptedAt:      o.now(),
	}
}

func (o *Orchestrator) record(ctx context.Context, marker domain.ReconciliationMarker) {
	stepCtx, cancel := o.stepContext(ctx)
	defer cancel()
	stepCtx, span := o.tracer.Start(stepCtx, "checkout.recordReconciliation", trace.WithAttributes(
		attribute.String("checkout.attempt_id", o.id),
		attribute.String("payment.session_id", marker.PaymentSessionID),
	))
	err := o.recorder.Record(stepCtx, marker)
	endSpan(span, err)
	if err != nil {
		o.logger(ctx, "checkout.reconciliation_record_failed", map[string]any{
			"attemptId":        o.id,
			"paymentSessionId": marker.PaymentSessionID,
			"gatewayPaymentId": marker.GatewayPaymentID,
			"markerId":         marker.ID,
			"error":            err.Error(),
		})
	}
}

func (o *Orchestrator) releaseSession(sessionID string) {
	if r, ok := o.payments.(sessionReleaser); ok && sessionID != "" {
		r.Release(sessionID)
	}
}

func (o *Orchestrator) attachOrder(ctx context.Context, sessionID, orderID string) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAttachTimeout)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		defer cancel()
		if err := o.payments.AttachOrder(detached, sessionID, orderID); err != nil {
			o.logger(detached, "checkout.attach_order_failed", map[string]any{
				"attemptId": o.id,
				"sessionId": sessionID,
				"orderId":   orderID,
				"error":     err.Error(),
			})
		}
	}()
}

func (o *Orchestrator) startCleanup(ctx context.Context) {
	if o.buyNow || o.cleanup == nil {
		return
	}
	o.cleanup.Clear(ctx, o.buyer.ID, func(err error) {
		warning := newError(KindCleanup, "your cart could not be cleared", err)
		o.mu.Lock()
		o.warning = warning.Message
		o.mu.Unlock()
		o.logger(ctx, "checkout.cleanup_warning", map[string]any{
			"attemptId": o.id,
			"buyerId":   o.buyer.ID,
			"error":     err.Error(),
		})
	})
}

func (o *Orchestrator) stepContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
}

func (o *Orchestrator) guardEditableLocked() error {
	if o.closed {
		return ErrSessionClosed
	}
	switch o.state.(type) {
	case Idle, AddressConfirmed:
		return nil
	}
	if InFlight(o.state) {
		return ErrSubmissionInFlight
	}
	return ErrSessionClosed
}

func (o *Orchestrator) validateLocked() *Error {
	validity := address.Validate(o.addr)
	if !validity.AllValid() {
		return validationError("please complete the delivery address", validity.Invalid()...)
	}
	if o.cart.IsEmpty() {
		return validationError("your cart is empty", "cart")
	}
	if !o.cart.Total().IsPositive() {
		return validationError("cart total must be greater than zero", "cart")
	}
	return nil
}

// settleFailureLocked records a retryable failure and returns to AddressConfirmed.
func (o *Orchestrator) settleFailureLocked(failure *Error) {
	o.lastFailure = failure
	o.transitionLocked(Failed{Err: failure}, failure)
	o.transitionLocked(AddressConfirmed{}, nil)
}

func (o *Orchestrator) transitionLocked(next State, failure *Error) {
	t := Transition{
		AttemptID: o.id,
		BuyerID:   o.buyer.ID,
		From:      o.state.Name(),
		To:        next.Name(),
		Err:       failure,
		At:        o.now(),
	}
	if o.request != nil {
		t.Method = o.request.PaymentMethod
	}
	o.state = next
	o.history = append(o.history, t)
	o.pending = append(o.pending, t)
}

func (o *Orchestrator) flush(ctx context.Context) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()
	for _, t := range pending {
		for _, observer := range o.observers {
			observer.OnTransition(ctx, t)
		}
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func pricingSnapshot(req domain.PendingOrderRequest) domain.PricingSnapshot {
	total := domain.RoundAmount(req.Total(), req.Currency)
	return domain.PricingSnapshot{
		Amount:         total,
		OriginalAmount: total,
		Subtotal:       total,
		Discount:       decimal.Zero,
		Currency:       req.Currency,
		Lines:          domain.Cart{Lines: req.Lines}.Clone().Lines,
	}
}

func sessionMatches(session domain.PaymentSession, snapshot domain.PricingSnapshot) bool {
	return session.Amount.Equal(snapshot.Amount) && strings.EqualFold(session.Currency, snapshot.Currency)
}

// orderRequest builds the order for req charged at total, the rounded amount locked in the
// pricing snapshot.
func orderRequest(req domain.PendingOrderRequest, paymentRef string, total decimal.Decimal) domain.OrderRequest {
	return domain.OrderRequest{
		BuyerID:        req.BuyerID,
		Contact:        req.Contact,
		Lines:          domain.Cart{Lines: req.Lines}.Clone().Lines,
		Address:        req.Address,
		PaymentMethod:  req.PaymentMethod,
		PaymentRef:     paymentRef,
		TotalAmount:    total,
		OriginalAmount: total,
		Currency:       req.Currency,
	}
}
