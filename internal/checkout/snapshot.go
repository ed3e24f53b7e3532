package checkout

import (
	"github.com/shopspring/decimal"

	"github.com/hanko-field/storefront/internal/address"
	"github.com/hanko-field/storefront/internal/domain"
)

// GatewayView exposes the public part of an outstanding gateway handoff.
type GatewayView struct {
	Sequence   int
	SessionID  string
	SessionRef string
	PublicKey  string
	Provider   string
	Amount     decimal.Decimal
	Currency   string
}

// Snapshot is a consistent copy of the attempt taken under the state lock.
type Snapshot struct {
	AttemptID string
	BuyerID   string
	State     StateName
	BuyNow    bool
	Cart      domain.Cart
	Address   domain.Address
	Validity  domain.ValidityMap
	Method    domain.PaymentMethod
	Gateway   *GatewayView
	OrderID   string
	PaymentID string
	Marker    *domain.ReconciliationMarker
	Failure   *Error
	Cancelled bool
	Warning   string
	Closed    bool
}

// Success reports whether the attempt reached a success terminal.
func (s Snapshot) Success() bool {
	switch s.State {
	case StateCodDone, StateDone, StateReconciledPendingOrder:
		return true
	default:
		return false
	}
}

// Snapshot returns the current attempt view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	snap := Snapshot{
		AttemptID: o.id,
		BuyerID:   o.buyer.ID,
		State:     o.state.Name(),
		BuyNow:    o.buyNow,
		Cart:      o.cart.Clone(),
		Address:   o.addr,
		Validity:  address.Validate(o.addr),
		Failure:   o.lastFailure,
		Cancelled: o.cancelled,
		Warning:   o.warning,
		Closed:    o.closed,
	}
	if o.request != nil {
		snap.Method = o.request.PaymentMethod
	}

	switch st := o.state.(type) {
	case GatewayAwaiting:
		snap.Gateway = &GatewayView{
			Sequence:   o.sequence,
			SessionID:  st.Session.SessionID,
			SessionRef: st.Session.GatewayOrderRef,
			PublicKey:  st.Session.GatewayPublicKey,
			Provider:   st.Session.Provider,
			Amount:     st.Session.Amount,
			Currency:   st.Session.Currency,
		}
	case Verifying:
		snap.PaymentID = st.PaymentID
	case OrderCreating:
		snap.PaymentID = st.PaymentID
	case CodDone:
		snap.OrderID = st.OrderID
	case Done:
		snap.OrderID = st.OrderID
		snap.PaymentID = st.PaymentID
	case ReconciledPendingOrder:
		snap.PaymentID = st.PaymentID
		marker := st.Marker
		snap.Marker = &marker
	}
	return snap
}
