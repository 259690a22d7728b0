package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
}

type CreateIntentRequest struct {
	BuyerID    string            `json:"-"`
	BuyerEmail string            `json:"-"`
	Items      []CartItemRequest `json:"items"`
	PromoCode  string            `json:"promoCode"`
}

type CartItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type Intent struct {
	ClientSecret  string `json:"clientSecret"`
	ChargeID      string `json:"chargeId"`
	AmountCents   int64  `json:"amount"`
	Currency      string `json:"currency"`
	SubtotalCents int64  `json:"subtotal"`
	DiscountCents int64  `json:"discount"`
	TaxCents      int64  `json:"tax"`
}

const MaxCartLines = 50

var (
	ErrInvalidBuyer       = errors.New("invalid_buyer")
	ErrEmptyCart          = errors.New("empty_cart")
	ErrTooManyItems       = errors.New("too_many_items")
	ErrInvalidProductID   = errors.New("invalid_product_id")
	ErrInvalidQuantity    = errors.New("invalid_quantity")
	ErrProductUnavailable = errors.New("product_unavailable")
	ErrInsufficientStock  = errors.New("insufficient_stock")
)

// InsufficientStockError names the first line that cannot be covered.
type InsufficientStockError struct {
	ProductID snowflake.ID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

type ProductUnavailableError struct {
	ProductID snowflake.ID
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s is unavailable", e.ProductID)
}

func (e *ProductUnavailableError) Unwrap() error { return ErrProductUnavailable }
