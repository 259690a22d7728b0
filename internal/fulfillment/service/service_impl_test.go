package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/clock"
	"github.com/smallbiznis/keyforge/internal/events"
	"github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/internal/fulfillment/repository"
	"github.com/smallbiznis/keyforge/internal/fulfillment/service"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	inventoryrepo "github.com/smallbiznis/keyforge/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/keyforge/internal/inventory/service"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	productrepo "github.com/smallbiznis/keyforge/internal/product/repository"
	productservice "github.com/smallbiznis/keyforge/internal/product/service"
	promodomain "github.com/smallbiznis/keyforge/internal/promo/domain"
	promorepo "github.com/smallbiznis/keyforge/internal/promo/repository"
	promoservice "github.com/smallbiznis/keyforge/internal/promo/service"
	"github.com/smallbiznis/keyforge/internal/testutil"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	orders []snowflake.ID
	err    error
	hold   chan struct{}
}

func (n *recordingNotifier) Dispatch(ctx context.Context, orderID snowflake.ID) error {
	if n.hold != nil {
		select {
		case <-n.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, orderID)
	return n.err
}

type fixture struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	vault     *keyvault.Vault
	svc       domain.Service
	repo      domain.Repository
	inventory inventorydomain.Service
	promos    promodomain.Service
	publisher *recordingPublisher
	notifier  *recordingNotifier
	game      *productdomain.Product
	card      *productdomain.Product
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	vault, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	products := productrepo.Provide()
	productSvc := productservice.New(productservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Repo: products})
	inventory := inventoryservice.New(inventoryservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Cipher:      vault,
		Repo:        inventoryrepo.Provide(),
		ProductRepo: products,
	})
	promos := promoservice.New(promoservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  promorepo.Provide(),
	})

	f := &fixture{
		db:        db,
		node:      node,
		clock:     clk,
		vault:     vault,
		repo:      repository.Provide(),
		inventory: inventory,
		promos:    promos,
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	f.svc = service.New(service.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        f.repo,
		Inventory:   inventory,
		Products:    productSvc,
		ProductRepo: products,
		Promos:      promos,
		Cipher:      vault,
		Publisher:   f.publisher,
		Notifier:    f.notifier,
	})

	ctx := context.Background()
	f.game, err = productSvc.Create(ctx, productdomain.CreateRequest{Title: "Star Voyager", PriceCents: 10000, Type: productdomain.ProductTypeGame})
	require.NoError(t, err)
	f.card, err = productSvc.Create(ctx, productdomain.CreateRequest{Title: "Gift Card 50", PriceCents: 5000, Type: productdomain.ProductTypeGiftCard})
	require.NoError(t, err)
	return f
}

func (f *fixture) addKeys(t *testing.T, p *productdomain.Product, n int) {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-KEY-%02d", p.Slug, i)
	}
	_, err := f.inventory.AddKeys(context.Background(), inventorydomain.AddKeysRequest{ProductID: p.ID.String(), Keys: keys})
	require.NoError(t, err)
}

// drain waits for the deliveries started after commits.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.(*service.Service).Drain(ctx))
}

func (f *fixture) stock(t *testing.T, id snowflake.ID) int {
	t.Helper()
	p, err := productrepo.Provide().FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	return p.Stock
}

// save20Snapshot is the 2 x 100.00 + 1 x 50.00 cart with SAVE20 applied.
func (f *fixture) save20Snapshot() checkoutdomain.Snapshot {
	return checkoutdomain.Snapshot{
		BuyerID:    "buyer-1",
		BuyerEmail: "buyer@example.com",
		Items: []checkoutdomain.SnapshotItem{
			{ProductID: f.game.ID, Title: f.game.Title, Quantity: 2, UnitPriceCents: 10000, Region: productdomain.DefaultRegion},
			{ProductID: f.card.ID, Title: f.card.Title, Quantity: 1, UnitPriceCents: 5000, Region: productdomain.DefaultRegion},
		},
		PromoCode:     "SAVE20",
		SubtotalCents: 25000,
		DiscountCents: 5000,
		TaxCents:      2500,
		TotalCents:    22500,
		Currency:      "usd",
	}
}

func (f *fixture) createSave20(t *testing.T) {
	t.Helper()
	_, err := f.promos.Create(context.Background(), promodomain.CreateRequest{
		Code:          "SAVE20",
		DiscountType:  promodomain.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
}

func request(chargeID string, snap checkoutdomain.Snapshot) domain.FulfillRequest {
	return domain.FulfillRequest{Provider: "stripe", ChargeID: chargeID, EventID: "evt_" + chargeID, Snapshot: snap}
}

func TestFulfillCreatesOrderFromSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 3)
	f.addKeys(t, f.card, 2)
	f.createSave20(t)

	// Catalog price changes after checkout must not affect the order.
	require.NoError(t, f.db.Exec(`UPDATE products SET price_cents = 99900 WHERE id = ?`, f.game.ID).Error)

	res, err := f.svc.Fulfill(ctx, request("pi_1", f.save20Snapshot()))
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderCreated, res.State)
	assert.Equal(t, domain.OrderStatusCompleted, res.Status)
	assert.Equal(t, 3, res.KeysClaimed)

	order, err := f.svc.GetOrder(ctx, domain.Viewer{SubjectID: "buyer-1"}, res.OrderID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(25000), order.SubtotalCents)
	assert.Equal(t, int64(5000), order.DiscountCents)
	assert.Equal(t, int64(2500), order.TaxCents)
	assert.Equal(t, int64(22500), order.TotalCents)
	assert.Equal(t, domain.PaymentStatusSucceeded, order.PaymentStatus)
	require.Len(t, order.Items, 2)
	assert.Equal(t, int64(10000), order.Items[0].UnitPriceCents)

	assert.Equal(t, 1, f.stock(t, f.game.ID))
	assert.Equal(t, 1, f.stock(t, f.card.ID))

	keys, err := f.inventory.ListByOrder(ctx, nil, res.OrderID)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	var used int
	require.NoError(t, f.db.Raw(`SELECT used_count FROM promo_codes WHERE code = 'SAVE20'`).Scan(&used).Error)
	assert.Equal(t, 1, used)

	ev, err := f.repo.FindEvent(ctx, f.db, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, ev.OrderID)
	assert.Equal(t, res.OrderID, *ev.OrderID)
	assert.Nil(t, ev.LeaseOwner)

	assert.Equal(t, []string{events.TypeOrderFulfilled}, f.publisher.types())
	f.drain(t)
	assert.Equal(t, []snowflake.ID{res.OrderID}, f.notifier.orders)
}

func TestFulfillDuplicateDelivery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 3)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)

	first, err := f.svc.Fulfill(ctx, request("pi_dup", f.save20Snapshot()))
	require.NoError(t, err)

	_, err = f.svc.Fulfill(ctx, request("pi_dup", f.save20Snapshot()))
	var dup *domain.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.OrderID, dup.OrderID)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)

	assert.Equal(t, 1, f.stock(t, f.game.ID))
	var orders int64
	require.NoError(t, f.db.Model(&domain.Order{}).Count(&orders).Error)
	assert.Equal(t, int64(1), orders)
}

func TestConcurrentDeliveriesCreateOneOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 4)
	f.addKeys(t, f.card, 2)
	f.createSave20(t)

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Fulfill(ctx, request("pi_race", f.save20Snapshot()))
			mu.Lock()
			defer mu.Unlock()
			var dup *domain.DuplicateEventError
			switch {
			case err == nil:
				created++
			case errors.As(err, &dup), errors.Is(err, domain.ErrFulfillmentInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, rejected)

	var orders, bound int64
	require.NoError(t, f.db.Model(&domain.Order{}).Count(&orders).Error)
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM digital_keys WHERE order_item_id IS NOT NULL`).Scan(&bound).Error)
	assert.Equal(t, int64(1), orders)
	assert.Equal(t, int64(3), bound)
	assert.Equal(t, 2, f.stock(t, f.game.ID))
	assert.Equal(t, 1, f.stock(t, f.card.ID))
}

func TestShortageRejectsWholeOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 3)

	snap := checkoutdomain.Snapshot{
		BuyerID:       "buyer-2",
		Items:         []checkoutdomain.SnapshotItem{{ProductID: f.game.ID, Quantity: 4, UnitPriceCents: 10000}},
		SubtotalCents: 40000,
		TaxCents:      4000,
		TotalCents:    44000,
		Currency:      "usd",
	}

	res, err := f.svc.Fulfill(ctx, request("pi_short", snap))
	require.NoError(t, err)
	assert.Equal(t, domain.StateShortage, res.State)
	assert.Equal(t, domain.OrderStatusNeedsAttention, res.Status)
	require.NotNil(t, res.Shortage)
	require.Len(t, res.Shortage.Lines, 1)
	assert.Equal(t, 4, res.Shortage.Lines[0].Requested)
	assert.Equal(t, 3, res.Shortage.Lines[0].Available)

	assert.Equal(t, 3, f.stock(t, f.game.ID))
	avail, err := f.inventory.Available(ctx, inventorydomain.Partition{ProductID: f.game.ID, Region: productdomain.DefaultRegion})
	require.NoError(t, err)
	assert.Equal(t, 3, avail)

	order, err := f.svc.GetOrder(ctx, domain.Viewer{IsAdmin: true}, res.OrderID.String())
	require.NoError(t, err)
	assert.Empty(t, order.Items)
	assert.Equal(t, domain.PaymentStatusSucceeded, order.PaymentStatus)

	ev, err := f.repo.FindEvent(ctx, f.db, "pi_short")
	require.NoError(t, err)
	assert.Equal(t, domain.StateShortage, ev.State)
	assert.Contains(t, ev.LastError, "requested 4 available 3")

	_, err = f.svc.Fulfill(ctx, request("pi_short", snap))
	var dup *domain.DuplicateEventError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, res.OrderID, dup.OrderID)

	assert.Equal(t, []string{events.TypeFulfillmentShortage}, f.publisher.types())
	f.drain(t)
	assert.Empty(t, f.notifier.orders)
}

func TestHeldOrderCanOnlyBeCancelled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 1)

	snap := checkoutdomain.Snapshot{
		BuyerID:       "buyer-3",
		Items:         []checkoutdomain.SnapshotItem{{ProductID: f.game.ID, Quantity: 2, UnitPriceCents: 10000}},
		SubtotalCents: 20000,
		TotalCents:    20000,
		Currency:      "usd",
	}
	res, err := f.svc.Fulfill(ctx, request("pi_held", snap))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNeedsAttention, res.Status)

	for _, next := range []domain.OrderStatus{domain.OrderStatusCompleted, domain.OrderStatusPending, domain.OrderStatusProcessing} {
		_, err = f.svc.UpdateStatus(ctx, res.OrderID.String(), next)
		require.ErrorIs(t, err, domain.ErrInvalidTransition, next)
	}

	_, err = f.svc.Lookup(ctx, domain.Viewer{SubjectID: "buyer-3"}, "pi_held")
	require.NoError(t, err)
	_, err = f.svc.RevealKeys(ctx, domain.Viewer{SubjectID: "buyer-3"}, res.OrderID.String())
	require.ErrorIs(t, err, domain.ErrNotRevealable)

	updated, err := f.svc.UpdateStatus(ctx, res.OrderID.String(), domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	f.drain(t)
}

func TestOrderStatusCanMoveTo(t *testing.T) {
	assert.True(t, domain.OrderStatusCompleted.CanMoveTo(domain.OrderStatusCancelled))
	assert.True(t, domain.OrderStatusCancelled.CanMoveTo(domain.OrderStatusCompleted))
	assert.True(t, domain.OrderStatusNeedsAttention.CanMoveTo(domain.OrderStatusCancelled))
	assert.False(t, domain.OrderStatusNeedsAttention.CanMoveTo(domain.OrderStatusCompleted))
	assert.False(t, domain.OrderStatusCompleted.CanMoveTo(domain.OrderStatusNeedsAttention))
}

func TestFulfillRejectsInconsistentSnapshot(t *testing.T) {
	f := setup(t)
	snap := f.save20Snapshot()
	snap.TotalCents = 1

	_, err := f.svc.Fulfill(context.Background(), request("pi_bad", snap))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.svc.Fulfill(context.Background(), request(" ", f.save20Snapshot()))
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestPromoLimitReachedStillCommits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 1)
	limit := 1
	_, err := f.promos.Create(ctx, promodomain.CreateRequest{
		Code:          "SAVE20",
		DiscountType:  promodomain.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(20),
		UsageLimit:    &limit,
	})
	require.NoError(t, err)
	require.NoError(t, f.promos.CommitRedemption(ctx, nil, "SAVE20"))

	res, err := f.svc.Fulfill(ctx, request("pi_promo", f.save20Snapshot()))
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderCreated, res.State)

	order, err := f.svc.GetOrder(ctx, domain.Viewer{IsAdmin: true}, res.OrderID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(5000), order.DiscountCents)
}

func TestResumeReusesClaimsAfterLeaseExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 4)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)

	// A crashed worker left a lease and two provisional claims behind.
	snap := f.save20Snapshot()
	now := f.clock.Now()
	_, err := f.repo.InsertEvent(ctx, f.db, &domain.ProcessedEvent{
		ChargeID:    "pi_crash",
		Provider:    "stripe",
		State:       domain.StateReceived,
		Snapshot:    mustJSON(t, snap),
		FirstSeenAt: now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	ok, err := f.repo.AcquireLease(ctx, f.db, "pi_crash", "crashed-worker", now, now.Add(service.LeaseTTL))
	require.NoError(t, err)
	require.True(t, ok)
	held, err := f.inventory.Claim(ctx, "pi_crash", inventorydomain.Partition{ProductID: f.game.ID, Region: productdomain.DefaultRegion}, 2)
	require.NoError(t, err)
	require.Len(t, held, 2)

	_, err = f.svc.Fulfill(ctx, request("pi_crash", snap))
	require.ErrorIs(t, err, domain.ErrFulfillmentInProgress)

	stalled, err := f.svc.ListStalled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	f.clock.Advance(service.LeaseTTL + time.Second)
	stalled, err = f.svc.ListStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"pi_crash"}, stalled)

	res, err := f.svc.Resume(ctx, "pi_crash")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderCreated, res.State)

	keys, err := f.inventory.ListByOrder(ctx, nil, res.OrderID)
	require.NoError(t, err)
	var boundIDs []snowflake.ID
	for _, k := range keys {
		if k.ProductID == f.game.ID {
			boundIDs = append(boundIDs, k.ID)
		}
	}
	assert.ElementsMatch(t, held, boundIDs)
	assert.Equal(t, 2, f.stock(t, f.game.ID))

	_, err = f.svc.Resume(ctx, "pi_crash")
	var dup *domain.DuplicateEventError
	require.ErrorAs(t, err, &dup)

	_, err = f.svc.Resume(ctx, "pi_unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotifierFailureKeepsOrder(t *testing.T) {
	f := setup(t)
	f.notifier.err = errors.New("smtp down")
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)

	res, err := f.svc.Fulfill(context.Background(), request("pi_notify", f.save20Snapshot()))
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderCreated, res.State)
	f.drain(t)
	assert.Len(t, f.notifier.orders, 1)
}

func TestFulfillReturnsBeforeDelivery(t *testing.T) {
	f := setup(t)
	f.notifier.hold = make(chan struct{})
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)

	done := make(chan *domain.Result, 1)
	go func() {
		res, err := f.svc.Fulfill(context.Background(), request("pi_slow_mail", f.save20Snapshot()))
		assert.NoError(t, err)
		done <- res
	}()

	var res *domain.Result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fulfill blocked on key delivery")
	}
	require.NotNil(t, res)
	assert.Equal(t, domain.StateOrderCreated, res.State)

	close(f.notifier.hold)
	f.drain(t)
	assert.Equal(t, []snowflake.ID{res.OrderID}, f.notifier.orders)
}

func TestStaleWorkerLeavesNoOrphanedHolds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 3)
	f.createSave20(t)
	card := inventorydomain.Partition{ProductID: f.card.ID, Region: productdomain.DefaultRegion}

	// The first worker stalls after over-claiming the card partition.
	snap := f.save20Snapshot()
	now := f.clock.Now()
	_, err := f.repo.InsertEvent(ctx, f.db, &domain.ProcessedEvent{
		ChargeID:    "pi_stale",
		Provider:    "stripe",
		State:       domain.StateReceived,
		Snapshot:    mustJSON(t, snap),
		FirstSeenAt: now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	ok, err := f.repo.AcquireLease(ctx, f.db, "pi_stale", "stale-worker", now, now.Add(service.LeaseTTL))
	require.NoError(t, err)
	require.True(t, ok)
	held, err := f.inventory.Claim(ctx, "pi_stale", card, 2)
	require.NoError(t, err)
	require.Len(t, held, 2)

	f.clock.Advance(service.LeaseTTL + time.Second)
	res, err := f.svc.Resume(ctx, "pi_stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOrderCreated, res.State)

	// The stale worker wakes up and claims again for the settled charge.
	late, err := f.inventory.Claim(ctx, "pi_stale", card, 1)
	require.ErrorIs(t, err, inventorydomain.ErrChargeSettled)
	assert.Empty(t, late)

	var orphaned int
	require.NoError(t, f.db.Raw(
		`SELECT COUNT(1) FROM digital_keys WHERE claimed = ? AND order_item_id IS NULL`, true,
	).Scan(&orphaned).Error)
	assert.Zero(t, orphaned)

	available, err := f.inventory.Available(ctx, card)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Equal(t, available, f.stock(t, f.card.ID))
	f.drain(t)
}

func TestRevealKeys(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)

	res, err := f.svc.Fulfill(ctx, request("pi_reveal", f.save20Snapshot()))
	require.NoError(t, err)

	reveal, err := f.svc.RevealKeys(ctx, domain.Viewer{SubjectID: "buyer-1"}, res.OrderID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.RevealWarning, reveal.Warning)
	require.Len(t, reveal.Keys, 3)
	names := map[string]int{}
	for _, k := range reveal.Keys {
		assert.Empty(t, k.Error)
		assert.NotEmpty(t, k.Key)
		assert.Equal(t, productdomain.DefaultRegion, k.Region)
		names[k.ProductName]++
	}
	assert.Equal(t, map[string]int{"Star Voyager": 2, "Gift Card 50": 1}, names)

	_, err = f.svc.RevealKeys(ctx, domain.Viewer{IsAdmin: true}, res.OrderID.String())
	require.NoError(t, err)

	_, err = f.svc.RevealKeys(ctx, domain.Viewer{SubjectID: "someone-else"}, res.OrderID.String())
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.RevealKeys(ctx, domain.Viewer{IsAdmin: true}, "nope")
	require.ErrorIs(t, err, domain.ErrInvalidID)

	_, err = f.svc.RevealKeys(ctx, domain.Viewer{IsAdmin: true}, f.node.Generate().String())
	require.ErrorIs(t, err, domain.ErrNotFound)

	// A corrupted ciphertext is reported per key, never substituted.
	require.NoError(t, f.db.Exec(`UPDATE digital_keys SET encrypted_key = 'garbage' WHERE product_id = ?`, f.card.ID).Error)
	reveal, err = f.svc.RevealKeys(ctx, domain.Viewer{SubjectID: "buyer-1"}, res.OrderID.String())
	require.NoError(t, err)
	var failed int
	for _, k := range reveal.Keys {
		if k.Error != "" {
			failed++
			assert.Equal(t, "decryption_failed", k.Error)
			assert.Empty(t, k.Key)
		}
	}
	assert.Equal(t, 1, failed)

	_, err = f.svc.UpdateStatus(ctx, res.OrderID.String(), domain.OrderStatusCancelled)
	require.NoError(t, err)
	_, err = f.svc.RevealKeys(ctx, domain.Viewer{SubjectID: "buyer-1"}, res.OrderID.String())
	require.ErrorIs(t, err, domain.ErrNotRevealable)
}

func TestLookup(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 2)
	f.addKeys(t, f.card, 1)
	f.createSave20(t)
	owner := domain.Viewer{SubjectID: "buyer-1"}

	got, err := f.svc.Lookup(ctx, owner, "pi_lookup")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Nil(t, got.OrderID)

	res, err := f.svc.Fulfill(ctx, request("pi_lookup", f.save20Snapshot()))
	require.NoError(t, err)

	got, err = f.svc.Lookup(ctx, owner, "pi_lookup")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	require.NotNil(t, got.OrderID)
	assert.Equal(t, res.OrderID, *got.OrderID)

	_, err = f.svc.Lookup(ctx, domain.Viewer{SubjectID: "intruder"}, "pi_lookup")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAndUpdateOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addKeys(t, f.game, 6)
	f.addKeys(t, f.card, 3)
	f.createSave20(t)

	var ids []snowflake.ID
	for i := range 3 {
		res, err := f.svc.Fulfill(ctx, request(fmt.Sprintf("pi_list_%d", i), f.save20Snapshot()))
		require.NoError(t, err)
		ids = append(ids, res.OrderID)
	}

	page, err := f.svc.ListOrders(ctx, domain.ListOrdersRequest{})
	require.NoError(t, err)
	require.Len(t, page.Orders, 3)
	assert.Equal(t, ids[2], page.Orders[0].ID)
	assert.False(t, page.PageInfo.HasMore)

	first, err := f.svc.ListOrders(ctx, domain.ListOrdersRequest{Page: pageOf(2, "")})
	require.NoError(t, err)
	require.Len(t, first.Orders, 2)
	require.True(t, first.PageInfo.HasMore)
	second, err := f.svc.ListOrders(ctx, domain.ListOrdersRequest{Page: pageOf(2, first.PageInfo.NextPageToken)})
	require.NoError(t, err)
	require.Len(t, second.Orders, 1)
	assert.Equal(t, ids[0], second.Orders[0].ID)

	updated, err := f.svc.UpdateStatus(ctx, ids[1].String(), domain.OrderStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)

	cancelled, err := f.svc.ListOrders(ctx, domain.ListOrdersRequest{Status: "cancelled"})
	require.NoError(t, err)
	require.Len(t, cancelled.Orders, 1)
	assert.Equal(t, ids[1], cancelled.Orders[0].ID)

	_, err = f.svc.UpdateStatus(ctx, ids[0].String(), domain.OrderStatusNeedsAttention)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = f.svc.UpdateStatus(ctx, f.node.Generate().String(), domain.OrderStatusCompleted)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.ListOrders(ctx, domain.ListOrdersRequest{Status: "bogus"})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func pageOf(size int, token string) pagination.Page {
	return pagination.Page{PageSize: size, PageToken: token}
}

func mustJSON(t *testing.T, v any) datatypes.JSON {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return datatypes.JSON(b)
}
