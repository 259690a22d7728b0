package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	MarkDelivered(ctx context.Context, db *gorm.DB, orderID snowflake.ID, now time.Time) error
	// MarkFailed bumps notify_attempts and returns the new count.
	MarkFailed(ctx context.Context, db *gorm.DB, orderID snowflake.ID, lastError string, now time.Time) (int, error)
	SetEventState(ctx context.Context, db *gorm.DB, chargeID string, orderID snowflake.ID, state string, now time.Time) error
	// ListFailed selects undelivered completed orders below maxAttempts that
	// have not been touched since before.
	ListFailed(ctx context.Context, db *gorm.DB, before time.Time, maxAttempts, limit int) ([]snowflake.ID, error)
	// ClaimRetry stamps updated_at on an order that is still eligible so no
	// other worker picks it up until the retry delay passes again.
	ClaimRetry(ctx context.Context, db *gorm.DB, orderID snowflake.ID, before time.Time, maxAttempts int, now time.Time) (bool, error)
}
