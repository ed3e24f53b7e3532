// Package memory provides in-process repositories used for local runs and tests.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

// CartMirrorRepository keeps mirrored carts in memory.
type CartMirrorRepository struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

var _ repositories.CartMirrorRepository = (*CartMirrorRepository)(nil)

// NewCartMirrorRepository constructs an empty in-memory mirror.
func NewCartMirrorRepository() *CartMirrorRepository {
	return &CartMirrorRepository{carts: make(map[string]domain.Cart)}
}

func (r *CartMirrorRepository) Save(_ context.Context, buyerID string, cart domain.Cart) error {
	id := strings.TrimSpace(buyerID)
	if id == "" {
		return errors.New("cart mirror: buyer id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[id] = cart.Clone()
	return nil
}

func (r *CartMirrorRepository) Get(_ context.Context, buyerID string) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cart, ok := r.carts[strings.TrimSpace(buyerID)]
	if !ok {
		return domain.Cart{}, repositories.NewNotFoundError("cartMirror.get", errors.New("cart mirror not found"))
	}
	return cart.Clone(), nil
}

func (r *CartMirrorRepository) Delete(_ context.Context, buyerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, strings.TrimSpace(buyerID))
	return nil
}
