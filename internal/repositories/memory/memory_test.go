package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

func TestCartMirrorRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCartMirrorRepository()

	_, err := repo.Get(ctx, "buyer-1")
	require.True(t, repositories.IsNotFound(err))

	cart := domain.NewCart(domain.CartLine{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(500)})
	require.NoError(t, repo.Save(ctx, "buyer-1", cart))
	require.NoError(t, repo.Save(ctx, "buyer-1", cart))

	got, err := repo.Get(ctx, "buyer-1")
	require.NoError(t, err)
	require.True(t, got.Total().Equal(decimal.NewFromInt(1000)))

	require.NoError(t, repo.Delete(ctx, "buyer-1"))
	_, err = repo.Get(ctx, "buyer-1")
	require.True(t, repositories.IsNotFound(err))
	require.Error(t, repo.Save(ctx, " ", cart))
}

func TestReconciliationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewReconciliationRepository()
	marker := domain.ReconciliationMarker{
		ID:               "rec_1",
		PaymentSessionID: "ps_1",
		GatewayPaymentID: "pay_1",
		Amount:           decimal.NewFromInt(1000),
		Currency:         "INR",
		AttemptedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, repo.Insert(ctx, marker))
	require.True(t, repositories.IsConflict(repo.Insert(ctx, marker)))

	found, err := repo.FindBySession(ctx, "ps_1")
	require.NoError(t, err)
	require.Equal(t, "pay_1", found.GatewayPaymentID)

	_, err = repo.FindBySession(ctx, "ps_missing")
	require.True(t, repositories.IsNotFound(err))
	require.Len(t, repo.List(), 1)
}
