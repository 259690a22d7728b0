package service

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/keyforge/internal/clock"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	inventorydomain "github.com/smallbiznis/keyforge/internal/inventory/domain"
	"github.com/smallbiznis/keyforge/internal/keyvault"
	"github.com/smallbiznis/keyforge/internal/notification/domain"
	"github.com/smallbiznis/keyforge/internal/observability/metrics"
	productdomain "github.com/smallbiznis/keyforge/internal/product/domain"
	"github.com/smallbiznis/keyforge/internal/providers/email"
	"github.com/smallbiznis/keyforge/internal/providers/pdf"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	storeName   = "Keyforge"
	sendTimeout = 30 * time.Second
	// retryDelay keeps the retry job away from deliveries still in flight.
	retryDelay = time.Minute
)

//go:embed templates/*.html
var templateFS embed.FS

var keysTemplate = template.Must(template.ParseFS(templateFS, "templates/keys.html"))

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        domain.Repository
	Orders      fulfillmentdomain.Repository
	Inventory   inventorydomain.Service
	ProductRepo productdomain.Repository
	Cipher      keyvault.Cipher
	Email       email.Provider
	PDF         pdf.Provider
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	orders      fulfillmentdomain.Repository
	inventory   inventorydomain.Service
	productRepo productdomain.Repository
	cipher      keyvault.Cipher
	email       email.Provider
	pdf         pdf.Provider
	metrics     *metrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("notification.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		orders:      p.Orders,
		inventory:   p.Inventory,
		productRepo: p.ProductRepo,
		cipher:      p.Cipher,
		email:       p.Email,
		pdf:         p.PDF,
		metrics:     p.Metrics,
	}
}

type keyLine struct {
	ProductName string
	Region      string
	Key         string
}

type keysEmail struct {
	pdf.ReceiptData
	Keys []keyLine
}

func (s *Service) Dispatch(ctx context.Context, orderID snowflake.ID) error {
	return s.dispatch(ctx, s.db, orderID)
}

func (s *Service) dispatch(ctx context.Context, db *gorm.DB, orderID snowflake.ID) error {
	order, err := s.orders.FindOrderByID(ctx, db, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return domain.ErrNotFound
	}
	if order.Status != fulfillmentdomain.OrderStatusCompleted || order.PaymentStatus != fulfillmentdomain.PaymentStatusSucceeded {
		return domain.ErrNotDeliverable
	}
	if order.KeysDelivered {
		return nil
	}

	if err := s.deliver(ctx, db, order); err != nil {
		return s.fail(ctx, db, order, err)
	}

	now := s.clock.Now()
	if err := s.repo.MarkDelivered(ctx, db, order.ID, now); err != nil {
		return err
	}
	if err := s.repo.SetEventState(ctx, db, order.ChargeID, order.ID, string(fulfillmentdomain.StateNotified), now); err != nil {
		return err
	}

	s.metrics.RecordNotification(ctx, "delivered")
	s.log.Info("keys delivered",
		zap.String("order_id", order.ID.String()),
		zap.Int("previous_attempts", order.NotifyAttempts),
	)
	return nil
}

func (s *Service) deliver(ctx context.Context, db *gorm.DB, order *fulfillmentdomain.Order) error {
	if strings.TrimSpace(order.BuyerEmail) == "" {
		return domain.ErrNoRecipient
	}

	view, err := s.compose(ctx, db, order)
	if err != nil {
		return err
	}

	var body bytes.Buffer
	if err := keysTemplate.Execute(&body, view); err != nil {
		return fmt.Errorf("render keys email: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return s.email.Send(sendCtx, email.Message{
		To:      []string{order.BuyerEmail},
		Subject: fmt.Sprintf("Your keys for order %s", order.ID),
		HTML:    body.String(),
	})
}

func (s *Service) compose(ctx context.Context, db *gorm.DB, order *fulfillmentdomain.Order) (*keysEmail, error) {
	receipt, names, err := s.receiptData(ctx, db, order)
	if err != nil {
		return nil, err
	}

	keys, err := s.inventory.ListByOrder(ctx, db, order.ID)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("order %s has no bound keys", order.ID)
	}

	view := &keysEmail{ReceiptData: *receipt, Keys: make([]keyLine, 0, len(keys))}
	for _, k := range keys {
		plain, err := s.cipher.Decrypt(k.EncryptedKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt key %s: %w", k.ID, err)
		}
		view.Keys = append(view.Keys, keyLine{
			ProductName: names[k.ProductID],
			Region:      k.Region,
			Key:         plain,
		})
	}
	return view, nil
}

func (s *Service) receiptData(ctx context.Context, db *gorm.DB, order *fulfillmentdomain.Order) (*pdf.ReceiptData, map[snowflake.ID]string, error) {
	items, err := s.orders.ListOrderItems(ctx, db, order.ID)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]snowflake.ID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.productRepo.FindByIDs(ctx, db, ids)
	if err != nil {
		return nil, nil, err
	}
	names := make(map[snowflake.ID]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Title
	}

	data := &pdf.ReceiptData{
		StoreName:  storeName,
		OrderID:    order.ID.String(),
		ChargeID:   order.ChargeID,
		BuyerEmail: order.BuyerEmail,
		DatePaid:   order.CreatedAt.UTC().Format("2006-01-02"),
		PromoCode:  order.PromoCode,
		Subtotal:   formatCents(order.SubtotalCents, order.Currency),
		Discount:   formatCents(order.DiscountCents, order.Currency),
		Tax:        formatCents(order.TaxCents, order.Currency),
		Total:      formatCents(order.TotalCents, order.Currency),
	}
	for _, item := range items {
		data.Items = append(data.Items, pdf.ReceiptItem{
			Description: names[item.ProductID],
			Region:      item.Region,
			Qty:         item.Quantity,
			UnitPrice:   formatCents(item.UnitPriceCents, order.Currency),
			Amount:      formatCents(item.UnitPriceCents*int64(item.Quantity), order.Currency),
		})
	}
	return data, names, nil
}

func (s *Service) fail(ctx context.Context, db *gorm.DB, order *fulfillmentdomain.Order, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	attempts, err := s.repo.MarkFailed(ctx, db, order.ID, cause.Error(), now)
	if err != nil {
		s.log.Error("failed to record notification failure", zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	if err := s.repo.SetEventState(ctx, db, order.ChargeID, order.ID, string(fulfillmentdomain.StateNotifyFailed), now); err != nil {
		s.log.Error("failed to mark event notify failed", zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	s.metrics.RecordNotification(ctx, "failed")
	s.log.Warn("key delivery failed",
		zap.String("order_id", order.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return &domain.NotificationError{OrderID: order.ID, Attempts: attempts, Err: cause}
}

func (s *Service) RetryFailed(ctx context.Context, limit int) (*domain.RetryResult, error) {
	if limit <= 0 {
		limit = 20
	}

	before := s.clock.Now().Add(-retryDelay)
	ids, err := s.repo.ListFailed(ctx, s.db, before, domain.MaxAttempts, limit)
	if err != nil {
		return nil, err
	}

	result := &domain.RetryResult{}
	for _, id := range ids {
		ok, err := s.repo.ClaimRetry(ctx, s.db, id, before, domain.MaxAttempts, s.clock.Now())
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}

		result.Attempted++
		err = s.dispatch(ctx, s.db, id)
		var nerr *domain.NotificationError
		switch {
		case err == nil:
			result.Delivered++
		case errors.As(err, &nerr):
			result.Failed++
		default:
			result.Failed++
			s.log.Error("notification retry aborted", zap.String("order_id", id.String()), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) Receipt(ctx context.Context, viewer fulfillmentdomain.Viewer, orderID string) ([]byte, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(orderID))
	if err != nil || id <= 0 {
		return nil, fulfillmentdomain.ErrInvalidID
	}
	order, err := s.orders.FindOrderByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fulfillmentdomain.ErrNotFound
	}
	if !viewer.CanSee(order) {
		return nil, fulfillmentdomain.ErrForbidden
	}
	if order.PaymentStatus != fulfillmentdomain.PaymentStatusSucceeded {
		return nil, domain.ErrNotDeliverable
	}

	data, _, err := s.receiptData(ctx, s.db, order)
	if err != nil {
		return nil, err
	}
	return s.pdf.GenerateReceipt(ctx, *data)
}

func formatCents(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}
