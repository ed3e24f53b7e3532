package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrSubmissionInFlight is returned when a submission arrives while another is being processed.
	ErrSubmissionInFlight = errors.New("checkout: submission already in flight")
	// ErrSessionClosed is returned for operations on an attempt that reached a terminal state or was discarded.
	ErrSessionClosed = errors.New("checkout: session closed")
	// ErrInvalidTransition is returned when an operation is not allowed from the current state.
	ErrInvalidTransition = errors.New("checkout: invalid transition")
)

// Kind classifies checkout failures.
type Kind string

const (
	KindValidation                Kind = "validation"
	KindGatewaySession            Kind = "gateway_session"
	KindGatewayCancellation       Kind = "gateway_cancellation"
	KindGatewayCharge             Kind = "gateway_charge"
	KindVerification              Kind = "verification"
	KindOrderPlacement            Kind = "order_placement"
	KindOrderCreationAfterPayment Kind = "order_creation_after_payment"
	KindCleanup                   Kind = "cleanup"
)

// UserVisible reports whether failures of this kind are shown to the buyer as failures.
func (k Kind) UserVisible() bool {
	switch k {
	case KindValidation, KindGatewaySession, KindGatewayCharge, KindVerification, KindOrderPlacement:
		return true
	default:
		return false
	}
}

// Retryable reports whether the buyer may retry from AddressConfirmed after this failure.
func (k Kind) Retryable() bool {
	switch k {
	case KindGatewaySession, KindGatewayCharge, KindGatewayCancellation, KindOrderPlacement:
		return true
	default:
		return false
	}
}

const (
	messagePaymentFailed      = "payment failed, please try again"
	messageVerificationFailed = "verification failed, please contact support before retrying"
	messageOrderFailed        = "we could not place your order, please try again"
	messageSessionFailed      = "payment could not be started, please try again"
	messageCancelled          = "payment cancelled"
)

// Error is a classified checkout failure.
type Error struct {
	Kind    Kind
	Message string
	Fields  []string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("checkout %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("checkout %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, &Error{Kind: KindVerification}) works.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil || other == nil {
		return false
	}
	return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
}

// UserVisible reports whether the failure should be surfaced to the buyer.
func (e *Error) UserVisible() bool {
	return e != nil && e.Kind.UserVisible()
}

// KindOf returns the kind of a checkout error, or "" when err is not one.
func KindOf(err error) Kind {
	var checkoutErr *Error
	if errors.As(err, &checkoutErr) {
		return checkoutErr.Kind
	}
	return ""
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func validationError(message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// BackendMessage is implemented by backend errors carrying a buyer-facing message.
type BackendMessage interface {
	BackendMessage() string
}

func backendMessage(err error, fallback string) string {
	var carrier BackendMessage
	if errors.As(err, &carrier) {
		if msg := carrier.BackendMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}
