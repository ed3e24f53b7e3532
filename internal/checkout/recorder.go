package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// MarkerPublisher fans reconciliation markers out to backend reconcilers.
type MarkerPublisher interface {
	PublishReconciliation(ctx context.Context, marker domain.ReconciliationMarker) error
}

// MarkerRecorder persists markers and publishes them. Publishing is attempted even when the
// write fails so at least one channel reaches the backend.
type MarkerRecorder struct {
	repo      repositories.ReconciliationRepository
	publisher MarkerPublisher
}

// NewMarkerRecorder constructs a recorder. The publisher is optional.
func NewMarkerRecorder(repo repositories.ReconciliationRepository, publisher MarkerPublisher) (*MarkerRecorder, error) {
	if repo == nil {
		return nil, errors.New("checkout: reconciliation repository is required")
	}
	return &MarkerRecorder{repo: repo, publisher: publisher}, nil
}

// Record stores and publishes the marker.
func (r *MarkerRecorder) Record(ctx context.Context, marker domain.ReconciliationMarker) error {
	var errs []error
	if err := r.repo.Insert(ctx, marker); err != nil && !repositories.IsConflict(err) {
		errs = append(errs, fmt.Errorf("store marker: %w", err))
	}
	if r.publisher != nil {
		if err := r.publisher.PublishReconciliation(ctx, marker); err != nil {
			errs = append(errs, fmt.Errorf("publish marker: %w", err))
		}
	}
	return errors.Join(errs...)
}
