package checkout

import (
	"time"

	"github.com/hanko-field/storefront/internal/domain"
)

// StateName labels a checkout state.
type StateName string

const (
	StateIdle                   StateName = "idle"
	StateAddressConfirmed       StateName = "address_confirmed"
	StateCodConfirming          StateName = "cod_confirming"
	StateCodDone                StateName = "cod_done"
	StateSessionCreating        StateName = "session_creating"
	StateGatewayAwaiting        StateName = "gateway_awaiting"
	StateVerifying              StateName = "verifying"
	StateOrderCreating          StateName = "order_creating"
	StateDone                   StateName = "done"
	StateFailed                 StateName = "failed"
	StateCancelled              StateName = "cancelled"
	StateReconciledPendingOrder StateName = "reconciled_pending_order"
)

// State is the single authoritative checkout state. Only the types in this file implement it.
type State interface {
	Name() StateName
	state()
}

// Idle waits for a confirmed address.
type Idle struct{}

// AddressConfirmed waits for the buyer to choose a payment method.
type AddressConfirmed struct{}

// CodConfirming is creating a pay-on-delivery order.
type CodConfirming struct {
	Request domain.PendingOrderRequest
}

// CodDone holds the pay-on-delivery order.
type CodDone struct {
	OrderID string
}

// SessionCreating is requesting a payment session.
type SessionCreating struct {
	Request  domain.PendingOrderRequest
	Snapshot domain.PricingSnapshot
}

// GatewayAwaiting has handed the session to the gateway and waits for its outcome.
type GatewayAwaiting struct {
	Request  domain.PendingOrderRequest
	Session  domain.PaymentSession
	Snapshot domain.PricingSnapshot
}

// Verifying is confirming the gateway payment with the payment service.
type Verifying struct {
	Request   domain.PendingOrderRequest
	Session   domain.PaymentSession
	PaymentID string
}

// OrderCreating is placing the order for a verified payment.
type OrderCreating struct {
	Request   domain.PendingOrderRequest
	Session   domain.PaymentSession
	PaymentID string
}

// Done holds the order placed for a verified payment.
type Done struct {
	OrderID   string
	PaymentID string
	SessionID string
}

// Failed holds the failure. It is terminal only for verification failures; other failures
// settle back to AddressConfirmed straight away.
type Failed struct {
	Err *Error
}

// Cancelled records a gateway dismissal before settling back to AddressConfirmed.
type Cancelled struct{}

// ReconciledPendingOrder is a success without an order id: the payment is verified and a
// reconciliation marker was recorded for the backend.
type ReconciledPendingOrder struct {
	PaymentID string
	Marker    domain.ReconciliationMarker
}

func (Idle) Name() StateName                   { return StateIdle }
func (AddressConfirmed) Name() StateName       { return StateAddressConfirmed }
func (CodConfirming) Name() StateName          { return StateCodConfirming }
func (CodDone) Name() StateName                { return StateCodDone }
func (SessionCreating) Name() StateName        { return StateSessionCreating }
func (GatewayAwaiting) Name() StateName        { return StateGatewayAwaiting }
func (Verifying) Name() StateName              { return StateVerifying }
func (OrderCreating) Name() StateName          { return StateOrderCreating }
func (Done) Name() StateName                   { return StateDone }
func (Failed) Name() StateName                 { return StateFailed }
func (Cancelled) Name() StateName              { return StateCancelled }
func (ReconciledPendingOrder) Name() StateName { return StateReconciledPendingOrder }

func (Idle) state()                   {}
func (AddressConfirmed) state()       {}
func (CodConfirming) state()          {}
func (CodDone) state()                {}
func (SessionCreating) state()        {}
func (GatewayAwaiting) state()        {}
func (Verifying) state()              {}
func (OrderCreating) state()          {}
func (Done) state()                   {}
func (Failed) state()                 {}
func (Cancelled) state()              {}
func (ReconciledPendingOrder) state() {}

// IsTerminal reports whether no further transition can leave the state.
func IsTerminal(s State) bool {
	switch s.(type) {
	case CodDone, Done, ReconciledPendingOrder, Failed:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether the state is one of the success terminals.
func IsSuccess(s State) bool {
	switch s.(type) {
	case CodDone, Done, ReconciledPendingOrder:
		return true
	default:
		return false
	}
}

// InFlight reports whether a network call or gateway interaction is outstanding.
func InFlight(s State) bool {
	switch s.(type) {
	case CodConfirming, SessionCreating, GatewayAwaiting, Verifying, OrderCreating:
		return true
	default:
		return false
	}
}

// Transition describes a single state change delivered to observers.
type Transition struct {
	AttemptID string
	BuyerID   string
	From      StateName
	To        StateName
	Method    domain.PaymentMethod
	Err       *Error
	At        time.Time
}
