package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertBatch(ctx context.Context, db *gorm.DB, keys []DigitalKey) error
	// FindClaimable lists ids of unclaimed keys without locking them.
	FindClaimable(ctx context.Context, db *gorm.DB, p Partition, limit int) ([]snowflake.ID, error)
	// Claim marks one key as held by chargeID if it is still unclaimed and
	// chargeID has not been turned into an order yet.
	Claim(ctx context.Context, db *gorm.DB, keyID snowflake.ID, chargeID string, now time.Time) (bool, error)
	// ChargeSettled reports whether chargeID already owns an order.
	ChargeSettled(ctx context.Context, db *gorm.DB, chargeID string) (bool, error)
	FindUnboundByCharge(ctx context.Context, db *gorm.DB, chargeID string, p Partition) ([]snowflake.ID, error)
	ReleaseUnbound(ctx context.Context, db *gorm.DB, chargeID string) (int64, error)
	Bind(ctx context.Context, db *gorm.DB, keyID snowflake.ID, chargeID string, orderID, orderItemID snowflake.ID) (bool, error)
	ListByOrder(ctx context.Context, db *gorm.DB, orderID snowflake.ID) ([]DigitalKey, error)
	CountAvailable(ctx context.Context, db *gorm.DB, p Partition) (int, error)
}
