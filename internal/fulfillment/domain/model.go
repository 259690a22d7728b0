package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// State tracks one charge through fulfillment. ORDER_CREATED and SHORTAGE
// end fulfillment; NOTIFIED and NOTIFY_FAILED only annotate delivery.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateAllocating   State = "ALLOCATING"
	StateAllocated    State = "ALLOCATED"
	StateShortage     State = "SHORTAGE"
	StateOrderCreated State = "ORDER_CREATED"
	StateNotified     State = "NOTIFIED"
	StateNotifyFailed State = "NOTIFY_FAILED"
)

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusNeedsAttention OrderStatus = "needs_attention"
)

// Settable reports whether an operator may move an order to s.
func (s OrderStatus) Settable() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// CanMoveTo reports whether an operator may move an order from s to next.
// A held order has no keys bound, so it can only be cancelled.
func (s OrderStatus) CanMoveTo(next OrderStatus) bool {
	if !next.Settable() {
		return false
	}
	if s == OrderStatusNeedsAttention {
		return next == OrderStatusCancelled
	}
	return true
}

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type Order struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	ChargeID        string        `json:"charge_id" gorm:"column:charge_id"`
	BuyerID         string        `json:"buyer_id" gorm:"column:buyer_id"`
	BuyerEmail      string        `json:"buyer_email" gorm:"column:buyer_email"`
	Status          OrderStatus   `json:"status" gorm:"column:status"`
	PaymentStatus   PaymentStatus `json:"payment_status" gorm:"column:payment_status"`
	SubtotalCents   int64         `json:"subtotal" gorm:"column:subtotal_cents"`
	DiscountCents   int64         `json:"discount" gorm:"column:discount_cents"`
	TaxCents        int64         `json:"tax" gorm:"column:tax_cents"`
	TotalCents      int64         `json:"total" gorm:"column:total_cents"`
	Currency        string        `json:"currency" gorm:"column:currency"`
	PromoCode       string        `json:"promo_code,omitempty" gorm:"column:promo_code"`
	KeysDelivered   bool          `json:"keys_delivered" gorm:"column:keys_delivered"`
	KeysDeliveredAt *time.Time    `json:"keys_delivered_at,omitempty" gorm:"column:keys_delivered_at"`
	NotifyAttempts  int           `json:"notify_attempts" gorm:"column:notify_attempts"`
	LastNotifyError string        `json:"last_notify_error,omitempty" gorm:"column:last_notify_error"`
	CreatedAt       time.Time     `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time     `json:"updated_at" gorm:"column:updated_at"`

	Items []OrderItem `json:"items,omitempty" gorm:"-"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	OrderID        snowflake.ID `json:"order_id" gorm:"column:order_id"`
	ProductID      snowflake.ID `json:"product_id" gorm:"column:product_id"`
	Quantity       int          `json:"quantity" gorm:"column:quantity"`
	UnitPriceCents int64        `json:"unit_price" gorm:"column:unit_price_cents"`
	Region         string       `json:"region" gorm:"column:region"`
	CreatedAt      time.Time    `json:"created_at" gorm:"column:created_at"`
}

func (OrderItem) TableName() string { return "order_items" }

// ProcessedEvent is the per-charge idempotency record. It is created once
// and never deleted.
type ProcessedEvent struct {
	ChargeID       string         `gorm:"column:charge_id;primaryKey"`
	Provider       string         `gorm:"column:provider"`
	EventID        string         `gorm:"column:event_id"`
	State          State          `gorm:"column:state"`
	OrderID        *snowflake.ID  `gorm:"column:order_id"`
	Snapshot       datatypes.JSON `gorm:"column:snapshot"`
	LeaseOwner     *string        `gorm:"column:lease_owner"`
	LeaseExpiresAt *time.Time     `gorm:"column:lease_expires_at"`
	Attempts       int            `gorm:"column:attempts"`
	LastError      string         `gorm:"column:last_error"`
	FirstSeenAt    time.Time      `gorm:"column:first_seen_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }
