package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ProductType string

const (
	ProductTypeGame     ProductType = "GAME"
	ProductTypeGiftCard ProductType = "GIFT_CARD"
)

const DefaultRegion = "Global"

var hundred = decimal.NewFromInt(100)

type Product struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	Slug            string          `json:"slug" gorm:"column:slug"`
	Title           string          `json:"title" gorm:"column:title"`
	PriceCents      int64           `json:"price_cents" gorm:"column:price_cents"`
	DiscountPercent decimal.Decimal `json:"discount_percent" gorm:"column:discount_percent"`
	Stock           int             `json:"stock" gorm:"column:stock"`
	Region          string          `json:"region" gorm:"column:region"`
	Type            ProductType     `json:"product_type" gorm:"column:product_type"`
	Platform        string          `json:"platform" gorm:"column:platform"`
	IsActive        bool            `json:"is_active" gorm:"column:is_active"`
	CreatedAt       time.Time       `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"column:updated_at"`
}

func (Product) TableName() string { return "products" }

// UnitPriceCents applies the catalog discount, rounding half away from zero.
func (p Product) UnitPriceCents() int64 {
	factor := hundred.Sub(p.DiscountPercent)
	return decimal.NewFromInt(p.PriceCents).Mul(factor).Div(hundred).Round(0).IntPart()
}
