package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, promo *PromoCode) error
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*PromoCode, error)
	List(ctx context.Context, db *gorm.DB) ([]PromoCode, error)
	SetActive(ctx context.Context, db *gorm.DB, code string, active bool, now time.Time) (bool, error)
	// IncrementUsage bumps used_count only while it is below usage_limit.
	IncrementUsage(ctx context.Context, db *gorm.DB, code string, now time.Time) (bool, error)
}
