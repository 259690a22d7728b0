package seed_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/smallbiznis/keyforge/internal/clock"
	inventoryrepo "github.com/smallbiznis/keyforge/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/keyforge/internal/inventory/service"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	productrepo "github.com/smallbiznis/keyforge/internal/product/repository"
	productservice "github.com/smallbiznis/keyforge/internal/product/service"
	promorepo "github.com/smallbiznis/keyforge/internal/promo/repository"
	promoservice "github.com/smallbiznis/keyforge/internal/promo/service"
	"github.com/smallbiznis/keyforge/internal/seed"
	"github.com/smallbiznis/keyforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSeeder(t *testing.T) (*seed.Seeder, productdomain.Service) {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	vault, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	products := productservice.New(productservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  productrepo.Provide(),
	})
	inventory := inventoryservice.New(inventoryservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Cipher:      vault,
		Repo:        inventoryrepo.Provide(),
		ProductRepo: productrepo.Provide(),
	})
	promos := promoservice.New(promoservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  promorepo.Provide(),
	})

	return seed.New(seed.Params{
		Log:       zap.NewNop(),
		Clock:     clk,
		Products:  products,
		Inventory: inventory,
		Promos:    promos,
	}), products
}

func TestRunSeedsEmptyCatalog(t *testing.T) {
	seeder, products := newSeeder(t)
	ctx := context.Background()

	res, err := seeder.Run(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 8, res.Products)
	assert.Equal(t, 1055, res.Keys)
	assert.Equal(t, 3, res.Promos)

	list, err := products.List(ctx, productdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, list, 8)
	stock := map[string]int{}
	for _, p := range list {
		stock[p.Title] = p.Stock
		assert.Equal(t, productdomain.DefaultRegion, p.Region)
	}
	assert.Equal(t, 50, stock["Cyberpunk 2077"])
	assert.Equal(t, 300, stock["Xbox Game Pass Ultimate 1 Month"])
}

func TestRunSkipsPopulatedCatalog(t *testing.T) {
	seeder, _ := newSeeder(t)
	ctx := context.Background()

	_, err := seeder.Run(ctx)
	require.NoError(t, err)

	res, err := seeder.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, res.Products)
}

func TestGenerateKey(t *testing.T) {
	pattern := regexp.MustCompile(`^GAME-[A-Z0-9]{20}$`)
	seen := map[string]bool{}
	for range 50 {
		key, err := seed.GenerateKey("GAME-")
		require.NoError(t, err)
		assert.Regexp(t, pattern, key)
		assert.False(t, seen[key])
		seen[key] = true
	}
}
