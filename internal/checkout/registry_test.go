package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, f *fixture, clock *testClock) *Registry {
	t.Helper()
	factory := func(buyer Buyer, attempt Attempt, gateway Gateway) (*Orchestrator, error) {
		deps := f.deps()
		deps.Gateway = gateway
		deps.IDGenerator = nil
		return New(buyer, attempt, deps)
	}
	registry, err := NewRegistry(factory,
		WithSessionTTL(10*time.Minute),
		WithRegistryClock(clock.Now),
		WithQuietPeriod(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func openSession(t *testing.T, registry *Registry, buyerID string) *Session {
	t.Helper()
	session, err := registry.Open(Buyer{ID: buyerID}, Attempt{Cart: sampleCart()}, validAddress())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return session
}

func TestRegistry_GetIsScopedToBuyer(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, newFixture(), clock)
	session := openSession(t, registry, "buyer-1")

	if got, err := registry.Get("buyer-1", session.ID()); err != nil || got != session {
		t.Fatalf("expected session, got %v %v", got, err)
	}
	if _, err := registry.Get("buyer-2", session.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found for other buyer, got %v", err)
	}
	if err := registry.Discard(context.Background(), "buyer-2", session.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected discard by other buyer rejected, got %v", err)
	}
	if err := registry.Discard(context.Background(), "buyer-1", session.ID()); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Len())
	}
	if !session.View().Closed {
		t.Fatal("expected discarded session closed")
	}
}

func TestSession_SubmitUsesEditedAddress(t *testing.T) {
	f := newFixture()
	clock := &testClock{now: time.Now()}
	registry := newTestRegistry(t, f, clock)
	session := openSession(t, registry, "buyer-1")

	if _, err := session.ConfirmAddress(context.Background()); err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	if err := session.EditAddress(map[string]string{domain.FieldZipCode: " 560001 "}); err != nil {
		t.Fatalf("EditAddress: %v", err)
	}
	view, err := session.Submit(context.Background(), domain.PaymentMethodCOD)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.State != StateCodDone {
		t.Fatalf("expected cod done, got %s", view.State)
	}
	calls := f.orders.calls()
	if len(calls) != 1 || calls[0].Address.ZipCode != "560001" {
		t.Fatalf("expected order with edited zip, got %+v", calls)
	}
}

func TestSession_SubmitRejectsEditInvalidatingAddress(t *testing.T) {
	f := newFixture()
	registry := newTestRegistry(t, f, &testClock{now: time.Now()})
	session := openSession(t, registry, "buyer-1")

	if _, err := session.ConfirmAddress(context.Background()); err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	if err := session.EditAddress(map[string]string{domain.FieldZipCode: "12"}); err != nil {
		t.Fatalf("EditAddress: %v", err)
	}
	if session.View().Ready {
		t.Fatal("expected form not ready with invalid zip")
	}
	view, err := session.Submit(context.Background(), domain.PaymentMethodCOD)
	assertKind(t, err, KindValidation)
	if view.State != StateIdle {
		t.Fatalf("expected idle, got %s", view.State)
	}
	if len(f.orders.calls()) != 0 {
		t.Fatal("expected no order")
	}
}

func TestSession_EditAddressRejectsUnknownField(t *testing.T) {
	registry := newTestRegistry(t, newFixture(), &testClock{now: time.Now()})
	session := openSession(t, registry, "buyer-1")
	if err := session.EditAddress(map[string]string{"planet": "Mars"}); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestSession_GatewayRouting(t *testing.T) {
	f := newFixture()
	registry := newTestRegistry(t, f, &testClock{now: time.Now()})
	session := openSession(t, registry, "buyer-1")

	if _, err := session.CompleteGateway(context.Background(), "pay_1", "sig"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected no handoff yet, got %v", err)
	}
	if _, err := session.ConfirmAddress(context.Background()); err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	view, err := session.Submit(context.Background(), domain.PaymentMethodOnline)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if view.Gateway == nil || view.Gateway.SessionRef == "" {
		t.Fatalf("expected gateway view, got %+v", view.Gateway)
	}

	view, err = session.DismissGateway(context.Background())
	if err != nil || view.State != StateAddressConfirmed || !view.Cancelled {
		t.Fatalf("unexpected dismiss result %s %v", view.State, err)
	}
	if _, err := session.DismissGateway(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second dismiss rejected, got %v", err)
	}

	if _, err := session.Submit(context.Background(), domain.PaymentMethodOnline); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	view, err = session.CompleteGateway(context.Background(), "pay_1", "sig_1")
	if err != nil {
		t.Fatalf("CompleteGateway: %v", err)
	}
	if view.State != StateDone || view.OrderID == "" {
		t.Fatalf("expected done, got %+v", view.Snapshot)
	}
	if err := registry.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSession_FailGatewayDefaultsReason(t *testing.T) {
	f := newFixture()
	registry := newTestRegistry(t, f, &testClock{now: time.Now()})
	session := openSession(t, registry, "buyer-1")
	if _, err := session.ConfirmAddress(context.Background()); err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	if _, err := session.Submit(context.Background(), domain.PaymentMethodOnline); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view, err := session.FailGateway(context.Background(), "  ")
	checkoutErr := assertKind(t, err, KindGatewayCharge)
	if checkoutErr.Err == nil || checkoutErr.Err.Error() != "gateway error" {
		t.Fatalf("expected default reason, got %v", checkoutErr.Err)
	}
	if view.State != StateAddressConfirmed {
		t.Fatalf("expected address confirmed, got %s", view.State)
	}
}

func TestRegistry_SweepRemovesIdleSessions(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, newFixture(), clock)
	stale := openSession(t, registry, "buyer-1")
	clock.Advance(6 * time.Minute)
	fresh := openSession(t, registry, "buyer-2")
	clock.Advance(5 * time.Minute)

	if removed := registry.Sweep(context.Background()); removed != 1 {
		t.Fatalf("expected one expired session, got %d", removed)
	}
	if _, err := registry.Get("buyer-1", stale.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected stale session gone, got %v", err)
	}
	if _, err := registry.Get("buyer-2", fresh.ID()); err != nil {
		t.Fatalf("expected fresh session kept, got %v", err)
	}
	if !stale.View().Closed {
		t.Fatal("expected swept session closed")
	}
}

func TestRegistry_SweepKeepsOutstandingHandoffUntilHandoffTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f := newFixture()
	factory := func(buyer Buyer, attempt Attempt, gateway Gateway) (*Orchestrator, error) {
		deps := f.deps()
		deps.Gateway = gateway
		return New(buyer, attempt, deps)
	}
	registry, err := NewRegistry(factory,
		WithSessionTTL(10*time.Minute),
		WithHandoffTTL(time.Hour),
		WithRegistryClock(clock.Now),
		WithQuietPeriod(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	session := openSession(t, registry, "buyer-1")
	if _, err := session.ConfirmAddress(context.Background()); err != nil {
		t.Fatalf("ConfirmAddress: %v", err)
	}
	view, err := session.Submit(context.Background(), domain.PaymentMethodOnline)
	if err != nil || view.State != StateGatewayAwaiting {
		t.Fatalf("expected gateway awaiting, got %s %v", view.State, err)
	}

	clock.Advance(30 * time.Minute)
	if removed := registry.Sweep(context.Background()); removed != 0 {
		t.Fatalf("expected outstanding handoff kept past the session TTL, got %d removed", removed)
	}
	if _, err := registry.Get("buyer-1", session.ID()); err != nil {
		t.Fatalf("expected session still reachable for the gateway callback, got %v", err)
	}

	clock.Advance(61 * time.Minute)
	if removed := registry.Sweep(context.Background()); removed != 1 {
		t.Fatalf("expected handoff swept after the handoff TTL, got %d", removed)
	}
	if len(f.recorder.markers) != 1 || f.recorder.markers[0].PaymentSessionID != "ps_1" {
		t.Fatalf("expected a marker for the abandoned session, got %+v", f.recorder.markers)
	}
}

func TestRegistry_GetRefreshesIdleTimer(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	registry := newTestRegistry(t, newFixture(), clock)
	session := openSession(t, registry, "buyer-1")
	clock.Advance(9 * time.Minute)
	if _, err := registry.Get("buyer-1", session.ID()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clock.Advance(9 * time.Minute)
	if removed := registry.Sweep(context.Background()); removed != 0 {
		t.Fatalf("expected touched session kept, got %d removed", removed)
	}
}

func TestNewRegistry_RequiresFactory(t *testing.T) {
	if _, err := NewRegistry(nil); err == nil {
		t.Fatal("expected error without factory")
	}
}

func TestHandoffSlot(t *testing.T) {
	var slot HandoffSlot
	if _, ok := slot.Current(); ok {
		t.Fatal("expected empty slot")
	}
	if err := slot.Present(context.Background(), Handoff{Sequence: 2, SessionID: "ps_1"}); err != nil {
		t.Fatalf("Present: %v", err)
	}
	h, ok := slot.Current()
	if !ok || h.Sequence != 2 || h.SessionID != "ps_1" {
		t.Fatalf("unexpected handoff %+v", h)
	}
}
