package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/inventory/repository"
	"github.com/smallbiznis/keyforge/internal/inventory/service"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	productrepo "github.com/smallbiznis/keyforge/internal/product/repository"
	"github.com/smallbiznis/keyforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	svc     domain.Service
	vault   *keyvault.Vault
	node    *snowflake.Node
	product *productdomain.Product
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	vault, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	products := productrepo.Provide()
	now := time.Now().UTC()
	p := &productdomain.Product{
		ID:         node.Generate(),
		Slug:       "test-game",
		Title:      "Test Game",
		PriceCents: 5000,
		Region:     productdomain.DefaultRegion,
		Type:       productdomain.ProductTypeGame,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, products.Create(context.Background(), db, p))

	svc := service.New(service.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clock.SystemClock{},
		Cipher:      vault,
		Repo:        repository.Provide(),
		ProductRepo: products,
	})
	return &fixture{db: db, svc: svc, vault: vault, node: node, product: p}
}

func (f *fixture) partition() domain.Partition {
	return domain.Partition{ProductID: f.product.ID, Region: f.product.Region}
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	got, err := productrepo.Provide().FindByID(context.Background(), f.db, f.product.ID)
	require.NoError(t, err)
	return got.Stock
}

func (f *fixture) addKeys(t *testing.T, n int) {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("KEY-%04d", i)
	}
	_, err := f.svc.AddKeys(context.Background(), domain.AddKeysRequest{ProductID: f.product.ID.String(), Keys: keys})
	require.NoError(t, err)
}

func TestAddKeysEncryptsAndRaisesStock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.svc.AddKeys(ctx, domain.AddKeysRequest{
		ProductID: f.product.ID.String(),
		Keys:      []string{" AAAA-BBBB ", "CCCC-DDDD", "AAAA-BBBB", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Stock)
	assert.Equal(t, productdomain.DefaultRegion, res.Region)
	assert.Equal(t, 2, f.stock(t))

	var stored []string
	require.NoError(t, f.db.Raw(`SELECT encrypted_key FROM digital_keys ORDER BY id`).Scan(&stored).Error)
	require.Len(t, stored, 2)
	for _, s := range stored {
		assert.NotContains(t, s, "AAAA-BBBB")
		assert.NotContains(t, s, "CCCC-DDDD")
	}
	plain, err := f.vault.Decrypt(stored[0])
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB", plain)

	avail, err := f.svc.Available(ctx, f.partition())
	require.NoError(t, err)
	assert.Equal(t, 2, avail)
}

func TestAddKeysValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.AddKeys(ctx, domain.AddKeysRequest{ProductID: "abc", Keys: []string{"x"}})
	require.ErrorIs(t, err, domain.ErrInvalidProduct)

	_, err = f.svc.AddKeys(ctx, domain.AddKeysRequest{ProductID: f.product.ID.String(), Keys: []string{" "}})
	require.ErrorIs(t, err, domain.ErrNoKeys)

	_, err = f.svc.AddKeys(ctx, domain.AddKeysRequest{ProductID: "123", Keys: []string{"x"}})
	require.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = f.svc.AddKeys(ctx, domain.AddKeysRequest{ProductID: f.product.ID.String(), Region: "EU", Keys: []string{"x"}})
	require.ErrorIs(t, err, domain.ErrRegionMismatch)
	assert.Equal(t, 0, f.stock(t))
}

func TestClaimReusesHoldsOfSameCharge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, 5)

	first, err := f.svc.Claim(ctx, "ch_1", f.partition(), 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	again, err := f.svc.Claim(ctx, "ch_1", f.partition(), 3)
	require.NoError(t, err)
	require.Len(t, again, 3)
	assert.ElementsMatch(t, first, again[:2])

	avail, err := f.svc.Available(ctx, f.partition())
	require.NoError(t, err)
	assert.Equal(t, 2, avail)
}

func TestClaimShortageReturnsWhatIsLeft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, 3)

	got, err := f.svc.Claim(ctx, "ch_short", f.partition(), 4)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	released, err := f.svc.Release(ctx, nil, "ch_short")
	require.NoError(t, err)
	assert.Equal(t, int64(3), released)

	avail, err := f.svc.Available(ctx, f.partition())
	require.NoError(t, err)
	assert.Equal(t, 3, avail)
}

func TestConcurrentClaimsNeverShareKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, 10)

	const buyers = 8
	results := make([][]snowflake.ID, buyers)
	var wg sync.WaitGroup
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := f.svc.Claim(ctx, fmt.Sprintf("ch_%d", i), f.partition(), 2)
			if err != nil {
				t.Errorf("claim: %v", err)
			}
			results[i] = ids
		}()
	}
	wg.Wait()

	seen := make(map[snowflake.ID]bool)
	total := 0
	for _, ids := range results {
		for _, id := range ids {
			require.False(t, seen[id], "key %s claimed twice", id)
			seen[id] = true
		}
		total += len(ids)
	}
	assert.Equal(t, 10, total)
}

func TestBindIsOneShot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, 2)

	ids, err := f.svc.Claim(ctx, "ch_bind", f.partition(), 2)
	require.NoError(t, err)

	now := time.Now().UTC()
	orderID := f.node.Generate()
	itemID := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO orders (id, charge_id, buyer_id, status, payment_status, subtotal_cents, total_cents, currency, created_at, updated_at)
		 VALUES (?, 'ch_bind', 'buyer', 'completed', 'succeeded', 0, 0, 'usd', ?, ?)`,
		orderID, now, now,
	).Error)
	require.NoError(t, f.db.Exec(
		`INSERT INTO order_items (id, order_id, product_id, quantity, unit_price_cents, region, created_at)
		 VALUES (?, ?, ?, 2, 5000, 'Global', ?)`,
		itemID, orderID, f.product.ID, now,
	).Error)

	require.NoError(t, f.svc.Bind(ctx, nil, "ch_bind", orderID, itemID, ids))

	err = f.svc.Bind(ctx, nil, "ch_bind", orderID, itemID, ids[:1])
	require.ErrorIs(t, err, domain.ErrBindConflict)

	err = f.svc.Bind(ctx, nil, "ch_other", orderID, itemID, ids[1:])
	require.ErrorIs(t, err, domain.ErrBindConflict)

	released, err := f.svc.Release(ctx, nil, "ch_bind")
	require.NoError(t, err)
	assert.Zero(t, released)

	keys, err := f.svc.ListByOrder(ctx, nil, orderID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, k.Claimed)
		require.NotNil(t, k.OrderItemID)
		assert.Equal(t, itemID, *k.OrderItemID)
	}
}
