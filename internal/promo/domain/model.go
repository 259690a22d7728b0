package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

// PromoCode is a redeemable discount. DiscountValue is a percent for
// percentage codes and minor currency units for fixed codes.
type PromoCode struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	Code             string          `json:"code" gorm:"column:code"`
	Description      string          `json:"description" gorm:"column:description"`
	DiscountType     DiscountType    `json:"discount_type" gorm:"column:discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value" gorm:"column:discount_value"`
	MinPurchaseCents int64           `json:"min_purchase_cents" gorm:"column:min_purchase_cents"`
	MaxDiscountCents *int64          `json:"max_discount_cents,omitempty" gorm:"column:max_discount_cents"`
	ValidFrom        time.Time       `json:"valid_from" gorm:"column:valid_from"`
	ValidUntil       *time.Time      `json:"valid_until,omitempty" gorm:"column:valid_until"`
	UsageLimit       *int            `json:"usage_limit,omitempty" gorm:"column:usage_limit"`
	UsedCount        int             `json:"used_count" gorm:"column:used_count"`
	IsActive         bool            `json:"is_active" gorm:"column:is_active"`
	CreatedAt        time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (PromoCode) TableName() string { return "promo_codes" }

// NormalizeCode is the canonical stored form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Check returns nil when the code may be applied to subtotal at now.
func (p PromoCode) Check(now time.Time, subtotalCents int64) error {
	if !p.IsActive {
		return Reject(p.Code, ReasonInactive)
	}
	if now.Before(p.ValidFrom) || (p.ValidUntil != nil && now.After(*p.ValidUntil)) {
		return Reject(p.Code, ReasonExpired)
	}
	if subtotalCents < p.MinPurchaseCents {
		return Reject(p.Code, ReasonBelowMinPurchase)
	}
	if p.UsageLimit != nil && p.UsedCount >= *p.UsageLimit {
		return Reject(p.Code, ReasonUsageLimitReached)
	}
	return nil
}

// DiscountFor computes the discount on subtotal, never exceeding it.
func (p PromoCode) DiscountFor(subtotalCents int64) int64 {
	if subtotalCents <= 0 {
		return 0
	}

	var discount int64
	switch p.DiscountType {
	case DiscountPercentage:
		discount = decimal.NewFromInt(subtotalCents).Mul(p.DiscountValue).Div(hundred).Round(0).IntPart()
		if p.MaxDiscountCents != nil && discount > *p.MaxDiscountCents {
			discount = *p.MaxDiscountCents
		}
	case DiscountFixed:
		discount = p.DiscountValue.Round(0).IntPart()
	}

	return min(max(discount, 0), subtotalCents)
}
