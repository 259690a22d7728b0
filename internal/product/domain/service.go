package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Product, error)
	Get(ctx context.Context, id string) (*Product, error)
	List(ctx context.Context, req ListRequest) ([]Product, error)
	// Lookup loads products by id; missing ids are absent from the map.
	Lookup(ctx context.Context, ids []snowflake.ID) (map[snowflake.ID]Product, error)
}

type ListRequest struct {
	ActiveOnly bool
	Region     string
}

type CreateRequest struct {
	Title           string          `json:"title"`
	PriceCents      int64           `json:"price_cents"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	Region          string          `json:"region"`
	Type            ProductType     `json:"product_type"`
	Platform        string          `json:"platform"`
	Active          *bool           `json:"is_active"`
}

var (
	ErrInvalidID       = errors.New("invalid_id")
	ErrInvalidTitle    = errors.New("invalid_title")
	ErrInvalidPrice    = errors.New("invalid_price")
	ErrInvalidDiscount = errors.New("invalid_discount")
	ErrInvalidType     = errors.New("invalid_product_type")
	ErrNotFound        = errors.New("not_found")
)
