package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const (
	eventColumns = `charge_id, provider, event_id, state, order_id, snapshot, lease_owner, lease_expires_at,
	attempts, last_error, first_seen_at, updated_at`
	orderColumns = `id, charge_id, buyer_id, buyer_email, status, payment_status, subtotal_cents, discount_cents,
	tax_cents, total_cents, currency, promo_code, keys_delivered, keys_delivered_at, notify_attempts,
	last_notify_error, created_at, updated_at`
)

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, ev *domain.ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (charge_id, provider, event_id, state, snapshot, attempts, last_error, first_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (charge_id) DO NOTHING`,
		ev.ChargeID,
		ev.Provider,
		ev.EventID,
		ev.State,
		ev.Snapshot,
		0,
		"",
		ev.FirstSeenAt,
		ev.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, chargeID string) (*domain.ProcessedEvent, error) {
	var ev domain.ProcessedEvent
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+` FROM processed_events WHERE charge_id = ?`,
		chargeID,
	).Scan(&ev).Error
	if err != nil {
		return nil, err
	}
	if ev.ChargeID == "" {
		return nil, nil
	}
	return &ev, nil
}

func (r *repo) AcquireLease(ctx context.Context, db *gorm.DB, chargeID, owner string, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET lease_owner = ?, lease_expires_at = ?, state = ?, attempts = attempts + 1, updated_at = ?
		 WHERE charge_id = ? AND order_id IS NULL
		   AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)`,
		owner,
		until,
		domain.StateAllocating,
		now,
		chargeID,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) SetState(ctx context.Context, db *gorm.DB, chargeID, owner string, state domain.State, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE processed_events SET state = ?, updated_at = ?
		 WHERE charge_id = ? AND lease_owner = ?`,
		state,
		now,
		chargeID,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseLease(ctx context.Context, db *gorm.DB, chargeID, owner, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
		 WHERE charge_id = ? AND lease_owner = ?`,
		lastError,
		now,
		chargeID,
		owner,
	).Error
}

func (r *repo) CompleteEvent(ctx context.Context, db *gorm.DB, chargeID, owner string, orderID snowflake.ID, state domain.State, lastError string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE processed_events
		 SET order_id = ?, state = ?, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		 WHERE charge_id = ? AND lease_owner = ? AND order_id IS NULL`,
		orderID,
		state,
		lastError,
		now,
		chargeID,
		owner,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStalled(ctx context.Context, db *gorm.DB, now, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT charge_id FROM processed_events
		 WHERE order_id IS NULL
		   AND ((lease_owner IS NULL AND updated_at < ?) OR lease_expires_at < ?)
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		before,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID,
		o.ChargeID,
		o.BuyerID,
		o.BuyerEmail,
		o.Status,
		o.PaymentStatus,
		o.SubtotalCents,
		o.DiscountCents,
		o.TaxCents,
		o.TotalCents,
		o.Currency,
		o.PromoCode,
		o.KeysDelivered,
		o.KeysDeliveredAt,
		o.NotifyAttempts,
		o.LastNotifyError,
		o.CreatedAt,
		o.UpdatedAt,
	).Error
}

func (r *repo) CreateOrderItem(ctx context.Context, db *gorm.DB, item *domain.OrderItem) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO order_items (id, order_id, product_id, quantity, unit_price_cents, region, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.OrderID,
		item.ProductID,
		item.Quantity,
		item.UnitPriceCents,
		item.Region,
		item.CreatedAt,
	).Error
}

func (r *repo) FindOrderByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Order, error) {
	return r.findOrder(ctx, db, `id = ?`, id)
}

func (r *repo) FindOrderByChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*domain.Order, error) {
	return r.findOrder(ctx, db, `charge_id = ?`, chargeID)
}

func (r *repo) findOrder(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE `+where,
		arg,
	).Scan(&o).Error
	if err != nil {
		return nil, err
	}
	if o.ID == 0 {
		return nil, nil
	}
	return &o, nil
}

func (r *repo) ListOrderItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]domain.OrderItem, error) {
	var items []domain.OrderItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, order_id, product_id, quantity, unit_price_cents, region, created_at
		 FROM order_items WHERE order_id = ? ORDER BY id ASC`,
		orderID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListOrders(ctx context.Context, db *gorm.DB, filter domain.OrderFilter) ([]domain.Order, error) {
	stmt := db.WithContext(ctx).Model(&domain.Order{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.BuyerID != "" {
		stmt = stmt.Where("buyer_id = ?", filter.BuyerID)
	}
	if filter.Before > 0 {
		stmt = stmt.Where("id < ?", filter.Before)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	var items []domain.Order
	if err := stmt.Order("id DESC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpdateOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.OrderStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
