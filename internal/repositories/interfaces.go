package repositories

import (
	"context"

	"github.com/hanko-field/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartMirrorRepository keeps the locally mirrored copy of the buyer's resolved cart.
type CartMirrorRepository interface {
	Save(ctx context.Context, buyerID string, cart domain.Cart) error
	Get(ctx context.Context, buyerID string) (domain.Cart, error)
	Delete(ctx context.Context, buyerID string) error
}

// ReconciliationRepository persists markers for verified payments whose order creation failed.
type ReconciliationRepository interface {
	Insert(ctx context.Context, marker domain.ReconciliationMarker) error
	FindBySession(ctx context.Context, paymentSessionID string) (domain.ReconciliationMarker, error)
}

// HealthRepository aggregates dependency probes for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}

// IsNotFound reports whether err is a RepositoryError classified as not found.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return asRepositoryError(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError classified as a conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return asRepositoryError(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err is a RepositoryError classified as unavailable.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return asRepositoryError(err, &repoErr) && repoErr.IsUnavailable()
}
