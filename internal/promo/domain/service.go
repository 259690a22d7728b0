package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service interface {
	Validate(ctx context.Context, code string, subtotalCents int64) (*Quote, error)
	// CommitRedemption counts one use of code. When tx is non-nil the update
	// joins the caller's transaction.
	CommitRedemption(ctx context.Context, tx *gorm.DB, code string) error

	Create(ctx context.Context, req CreateRequest) (*PromoCode, error)
	List(ctx context.Context) ([]PromoCode, error)
	Deactivate(ctx context.Context, code string) error
}

type Quote struct {
	Code          string `json:"code"`
	DiscountCents int64  `json:"discount_cents"`
}

type CreateRequest struct {
	Code             string          `json:"code"`
	Description      string          `json:"description"`
	DiscountType     DiscountType    `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	MinPurchaseCents int64           `json:"min_purchase_cents"`
	MaxDiscountCents *int64          `json:"max_discount_cents"`
	ValidFrom        *time.Time      `json:"valid_from"`
	ValidUntil       *time.Time      `json:"valid_until"`
	UsageLimit       *int            `json:"usage_limit"`
}
