package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// ReconciliationRepository stores reconciliation markers in memory.
type ReconciliationRepository struct {
	mu      sync.RWMutex
	markers map[string]domain.ReconciliationMarker
	order   []string
}

var _ repositories.ReconciliationRepository = (*ReconciliationRepository)(nil)

// NewReconciliationRepository constructs an empty repository.
func NewReconciliationRepository() *ReconciliationRepository {
	return &ReconciliationRepository{markers: make(map[string]domain.ReconciliationMarker)}
}

func (r *ReconciliationRepository) Insert(_ context.Context, marker domain.ReconciliationMarker) error {
	id := strings.TrimSpace(marker.ID)
	if id == "" {
		return errors.New("reconciliation: marker id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markers[id]; exists {
		return repositories.NewConflictError("reconciliationMarkers.insert", errors.New("marker already exists"))
	}
	r.markers[id] = marker
	r.order = append(r.order, id)
	return nil
}

func (r *ReconciliationRepository) FindBySession(_ context.Context, paymentSessionID string) (domain.ReconciliationMarker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		marker := r.markers[r.order[i]]
		if marker.PaymentSessionID == paymentSessionID {
			return marker, nil
		}
	}
	return domain.ReconciliationMarker{}, repositories.NewNotFoundError("reconciliationMarkers.find", errors.New("marker not found"))
}

// List returns every marker in insertion order.
func (r *ReconciliationRepository) List() []domain.ReconciliationMarker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ReconciliationMarker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.markers[id])
	}
	return out
}
