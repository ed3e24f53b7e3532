package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/storefront/internal/domain"
	pfirestore "github.com/hanko-field/storefront/internal/platform/firestore"
	"github.com/hanko-field/storefront/internal/repositories"
)

const reconciliationCollection = "reconciliationMarkers"

// ReconciliationRepository persists markers for verified payments lacking an order.
type ReconciliationRepository struct {
	base *pfirestore.Collection[reconciliationDocument]
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

// NewReconciliationRepository constructs a Firestore-backed reconciliation repository.
func NewReconciliationRepository(provider *pfirestore.Provider) (*ReconciliationRepository, error) {
	if provider == nil {
		return nil, errors.New("reconciliation repository requires firestore provider")
	}
	return &ReconciliationRepository{
		base: pfirestore.NewCollection[reconciliationDocument](provider, reconciliationCollection),
	}, nil
}

// Insert creates the marker document keyed by marker id.
func (r *ReconciliationRepository) Insert(ctx context.Context, marker domain.ReconciliationMarker) error {
	if r == nil || r.base == nil {
		return errors.New("reconciliation repository not initialised")
	}
	id := strings.TrimSpace(marker.ID)
	if id == "" {
		return errors.New("reconciliation repository: marker id is required")
	}
	if strings.TrimSpace(marker.PaymentSessionID) == "" {
		return errors.New("reconciliation repository: payment session id is required")
	}
	doc := reconciliationDocument{
		PaymentSessionID: marker.PaymentSessionID,
		GatewayPaymentID: marker.GatewayPaymentID,
		BuyerID:          marker.BuyerID,
		Amount:           marker.Amount.String(),
		Currency:         marker.Currency,
		Reason:           marker.Reason,
		Status:           "pending",
		AttemptedAt:      marker.AttemptedAt.UTC(),
	}
	return r.base.Create(ctx, id, doc)
}

// FindBySession returns the marker recorded for the payment session.
func (r *ReconciliationRepository) FindBySession(ctx context.Context, paymentSessionID string) (domain.ReconciliationMarker, error) {
	if r == nil || r.base == nil {
		return domain.ReconciliationMarker{}, errors.New("reconciliation repository not initialised")
	}
	sessionID := strings.TrimSpace(paymentSessionID)
	if sessionID == "" {
		return domain.ReconciliationMarker{}, errors.New("reconciliation repository: payment session id is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentSessionId", "==", sessionID).OrderBy("attemptedAt", firestore.Desc).Limit(1)
	})
	if err != nil {
		return domain.ReconciliationMarker{}, err
	}
	if len(docs) == 0 {
		return domain.ReconciliationMarker{}, repositories.NewNotFoundError("reconciliationMarkers.find", errors.New("marker not found"))
	}
	doc := docs[0]
	return domain.ReconciliationMarker{
		ID:               doc.ID,
		PaymentSessionID: doc.Data.PaymentSessionID,
		GatewayPaymentID: doc.Data.GatewayPaymentID,
		BuyerID:          doc.Data.BuyerID,
		Amount:           parseDecimal(doc.Data.Amount),
		Currency:         doc.Data.Currency,
		Reason:           doc.Data.Reason,
		AttemptedAt:      doc.Data.AttemptedAt,
	}, nil
}

type reconciliationDocument struct {
	PaymentSessionID string    `firestore:"paymentSessionId"`
	GatewayPaymentID string    `firestore:"gatewayPaymentId"`
	BuyerID          string    `firestore:"buyerId"`
	Amount           string    `firestore:"amount"`
	Currency         string    `firestore:"currency"`
	Reason           string    `firestore:"reason,omitempty"`
	Status           string    `firestore:"status"`
	AttemptedAt      time.Time `firestore:"attemptedAt"`
}
