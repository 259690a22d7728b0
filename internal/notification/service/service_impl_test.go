package service_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	fulfillmentrepo "github.com/smallbiznis/keyforge/internal/fulfillment/repository"
	fulfillmentservice "github.com/smallbiznis/keyforge/internal/fulfillment/service"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	inventoryrepo "github.com/smallbiznis/keyforge/internal/inventory/repository"
	inventoryservice "github.com/smallbiznis/keyforge/internal/inventory/service"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	"github.com/smallbiznis/keyforge/internal/notification/domain"
	"github.com/smallbiznis/keyforge/internal/notification/repository"
	"github.com/smallbiznis/keyforge/internal/notification/service"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	productrepo "github.com/smallbiznis/keyforge/internal/product/repository"
	productservice "github.com/smallbiznis/keyforge/internal/product/service"
	promorepo "github.com/smallbiznis/keyforge/internal/promo/repository"
	promoservice "github.com/smallbiznis/keyforge/internal/promo/service"
	"github.com/smallbiznis/keyforge/internal/providers/email"
	"github.com/smallbiznis/keyforge/internal/providers/pdf"
	"github.com/smallbiznis/keyforge/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type outbox struct {
	mu     sync.Mutex
	sent   []email.Message
	err    error
	onSend func(ctx context.Context, msg email.Message) error
}

func (o *outbox) Send(ctx context.Context, msg email.Message) error {
	if o.onSend != nil {
		if err := o.onSend(ctx, msg); err != nil {
			return err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

type fixture struct {
	db          *gorm.DB
	clock       *clock.FakeClock
	fulfillment fulfillmentdomain.Service
	orders      fulfillmentdomain.Repository
	svc         domain.Service
	outbox      *outbox
	product     *productdomain.Product
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	vault, err := keyvault.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	log := zap.NewNop()

	products := productrepo.Provide()
	productSvc := productservice.New(productservice.Params{DB: db, Log: log, GenID: node, Repo: products})
	inventory := inventoryservice.New(inventoryservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Cipher: vault,
		Repo: inventoryrepo.Provide(), ProductRepo: products,
	})
	promos := promoservice.New(promoservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: promorepo.Provide()})
	orders := fulfillmentrepo.Provide()

	f := &fixture{db: db, clock: clk, orders: orders, outbox: &outbox{}}
	f.fulfillment = fulfillmentservice.New(fulfillmentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: orders,
		Inventory: inventory, Products: productSvc, ProductRepo: products,
		Promos: promos, Cipher: vault,
	})
	f.svc = service.New(service.Params{
		DB:          db,
		Log:         log,
		Clock:       clk,
		Repo:        repository.Provide(),
		Orders:      orders,
		Inventory:   inventory,
		ProductRepo: products,
		Cipher:      vault,
		Email:       f.outbox,
		PDF:         pdf.New(),
	})

	ctx := context.Background()
	f.product, err = productSvc.Create(ctx, productdomain.CreateRequest{Title: "Star Voyager", PriceCents: 10000, Type: productdomain.ProductTypeGame})
	require.NoError(t, err)
	_, err = inventory.AddKeys(ctx, inventorydomain.AddKeysRequest{
		ProductID: f.product.ID.String(),
		Keys:      []string{"AAAA-1111", "BBBB-2222", "CCCC-3333"},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) order(t *testing.T, chargeID string, qty int) *fulfillmentdomain.Result {
	t.Helper()
	subtotal := int64(10000 * qty)
	res, err := f.fulfillment.Fulfill(context.Background(), fulfillmentdomain.FulfillRequest{
		Provider: "stripe",
		ChargeID: chargeID,
		Snapshot: checkoutdomain.Snapshot{
			BuyerID:       "buyer-1",
			BuyerEmail:    "buyer@example.com",
			Items:         []checkoutdomain.SnapshotItem{{ProductID: f.product.ID, Quantity: qty, UnitPriceCents: 10000}},
			SubtotalCents: subtotal,
			TaxCents:      subtotal / 10,
			TotalCents:    subtotal + subtotal/10,
			Currency:      "usd",
		},
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) load(t *testing.T, id snowflake.ID) *fulfillmentdomain.Order {
	t.Helper()
	o, err := f.orders.FindOrderByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) eventState(t *testing.T, chargeID string) fulfillmentdomain.State {
	t.Helper()
	ev, err := f.orders.FindEvent(context.Background(), f.db, chargeID)
	require.NoError(t, err)
	return ev.State
}

func TestDispatchDeliversKeys(t *testing.T) {
	f := setup(t)
	res := f.order(t, "pi_ok", 2)

	require.NoError(t, f.svc.Dispatch(context.Background(), res.OrderID))

	require.Len(t, f.outbox.sent, 1)
	msg := f.outbox.sent[0]
	assert.Equal(t, []string{"buyer@example.com"}, msg.To)
	assert.Contains(t, msg.Subject, res.OrderID.String())
	assert.Contains(t, msg.HTML, "Star Voyager")
	assert.Contains(t, msg.HTML, "220.00 USD")
	assert.Contains(t, msg.HTML, "AAAA-1111")
	assert.Contains(t, msg.HTML, "BBBB-2222")
	assert.NotContains(t, msg.HTML, "CCCC-3333")

	order := f.load(t, res.OrderID)
	assert.True(t, order.KeysDelivered)
	assert.NotNil(t, order.KeysDeliveredAt)
	assert.Equal(t, fulfillmentdomain.StateNotified, f.eventState(t, "pi_ok"))

	// A second dispatch does not resend.
	require.NoError(t, f.svc.Dispatch(context.Background(), res.OrderID))
	assert.Len(t, f.outbox.sent, 1)
}

func TestDispatchFailureIsRecorded(t *testing.T) {
	f := setup(t)
	res := f.order(t, "pi_fail", 1)
	f.outbox.err = errors.New("smtp unavailable")

	err := f.svc.Dispatch(context.Background(), res.OrderID)
	var nerr *domain.NotificationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, 1, nerr.Attempts)
	assert.Equal(t, res.OrderID, nerr.OrderID)

	order := f.load(t, res.OrderID)
	assert.False(t, order.KeysDelivered)
	assert.Equal(t, 1, order.NotifyAttempts)
	assert.Contains(t, order.LastNotifyError, "smtp unavailable")
	assert.Equal(t, fulfillmentdomain.OrderStatusCompleted, order.Status)
	assert.Equal(t, fulfillmentdomain.StateNotifyFailed, f.eventState(t, "pi_fail"))
}

func TestRetryFailedDelivers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res := f.order(t, "pi_retry", 1)
	f.outbox.err = errors.New("smtp unavailable")
	require.Error(t, f.svc.Dispatch(ctx, res.OrderID))

	// Too fresh to retry.
	out, err := f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Attempted)

	f.clock.Advance(2 * time.Minute)
	out, err = f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryResult{Attempted: 1, Failed: 1}, *out)
	assert.Equal(t, 2, f.load(t, res.OrderID).NotifyAttempts)

	f.outbox.err = nil
	f.clock.Advance(2 * time.Minute)
	out, err = f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryResult{Attempted: 1, Delivered: 1}, *out)
	assert.True(t, f.load(t, res.OrderID).KeysDelivered)
	assert.Equal(t, fulfillmentdomain.StateNotified, f.eventState(t, "pi_retry"))

	f.clock.Advance(2 * time.Minute)
	out, err = f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Attempted)
}

func TestRetryFailedStopsAtMaxAttempts(t *testing.T) {
	f := setup(t)
	res := f.order(t, "pi_max", 1)
	require.NoError(t, f.db.Exec(`UPDATE orders SET notify_attempts = ? WHERE id = ?`, domain.MaxAttempts, res.OrderID).Error)

	f.clock.Advance(2 * time.Minute)
	out, err := f.svc.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Attempted)
}

func TestRetryFailedSendsOutsideTransaction(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	var ids []snowflake.ID
	f.outbox.err = errors.New("smtp unavailable")
	for i := range 3 {
		res := f.order(t, fmt.Sprintf("pi_batch_%d", i), 1)
		require.Error(t, f.svc.Dispatch(ctx, res.OrderID))
		ids = append(ids, res.OrderID)
	}
	f.outbox.err = nil

	// The pool has a single connection, so a query issued while the mail
	// goes out only succeeds when no transaction is holding it.
	stuck := ids[1].String()
	var queryErrs []error
	f.outbox.onSend = func(ctx context.Context, msg email.Message) error {
		qctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var pending int64
		if err := f.db.WithContext(qctx).Raw(`SELECT COUNT(1) FROM orders WHERE keys_delivered = ?`, false).Scan(&pending).Error; err != nil {
			queryErrs = append(queryErrs, err)
		}
		if strings.Contains(msg.Subject, stuck) {
			return errors.New("mailbox full")
		}
		return nil
	}

	f.clock.Advance(2 * time.Minute)
	out, err := f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryResult{Attempted: 3, Delivered: 2, Failed: 1}, *out)
	assert.Empty(t, queryErrs)

	assert.True(t, f.load(t, ids[0]).KeysDelivered)
	assert.True(t, f.load(t, ids[2]).KeysDelivered)
	failed := f.load(t, ids[1])
	assert.False(t, failed.KeysDelivered)
	assert.Equal(t, 2, failed.NotifyAttempts)
	assert.Contains(t, failed.LastNotifyError, "mailbox full")

	// A claimed order is not picked up again until the delay passes.
	out, err = f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Attempted)
}

func TestDispatchRejectsUndeliverableOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.svc.Dispatch(ctx, 12345)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Four keys requested against three in stock is held for attention.
	held := f.order(t, "pi_short", 4)
	require.Equal(t, fulfillmentdomain.StateShortage, held.State)
	err = f.svc.Dispatch(ctx, held.OrderID)
	require.ErrorIs(t, err, domain.ErrNotDeliverable)
	assert.Empty(t, f.outbox.sent)
}

func TestReceipt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	res := f.order(t, "pi_receipt", 1)

	doc, err := f.svc.Receipt(ctx, fulfillmentdomain.Viewer{SubjectID: "buyer-1"}, res.OrderID.String())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(doc, []byte("%PDF")))

	_, err = f.svc.Receipt(ctx, fulfillmentdomain.Viewer{SubjectID: "other"}, res.OrderID.String())
	require.ErrorIs(t, err, fulfillmentdomain.ErrForbidden)

	_, err = f.svc.Receipt(ctx, fulfillmentdomain.Viewer{IsAdmin: true}, fmt.Sprint("x", res.OrderID))
	require.ErrorIs(t, err, fulfillmentdomain.ErrInvalidID)
}
