package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent records a charge the first time it is seen and reports
	// whether this call created the row.
	InsertEvent(ctx context.Context, db *gorm.DB, ev *ProcessedEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, chargeID string) (*ProcessedEvent, error)
	// AcquireLease takes the charge for owner while no order exists and no
	// other live lease is held.
	AcquireLease(ctx context.Context, db *gorm.DB, chargeID, owner string, now, until time.Time) (bool, error)
	SetState(ctx context.Context, db *gorm.DB, chargeID, owner string, state State, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, db *gorm.DB, chargeID, owner, lastError string, now time.Time) error
	// CompleteEvent links the order and ends the lease; it only succeeds for
	// the current lease owner.
	CompleteEvent(ctx context.Context, db *gorm.DB, chargeID, owner string, orderID snowflake.ID, state State, lastError string, now time.Time) (bool, error)
	// ListStalled returns charges without an order whose lease expired or
	// that were never picked up since before.
	ListStalled(ctx context.Context, db *gorm.DB, now, before time.Time, limit int) ([]string, error)

	CreateOrder(ctx context.Context, db *gorm.DB, order *Order) error
	CreateOrderItem(ctx context.Context, db *gorm.DB, item *OrderItem) error
	FindOrderByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindOrderByChargeID(ctx context.Context, db *gorm.DB, chargeID string) (*Order, error)
	ListOrderItems(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]OrderItem, error)
	ListOrders(ctx context.Context, db *gorm.DB, filter OrderFilter) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status OrderStatus, now time.Time) (bool, error)
}

type OrderFilter struct {
	Status  OrderStatus
	BuyerID string
	Before  snowflake.ID
	Limit   int
}
