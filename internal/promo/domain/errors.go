package domain

import (
	"errors"
	"fmt"
)

type Reason string

const (
	ReasonNotFound          Reason = "not_found"
	ReasonInactive          Reason = "inactive"
	ReasonExpired           Reason = "expired"
	ReasonBelowMinPurchase  Reason = "below_min_purchase"
	ReasonUsageLimitReached Reason = "usage_limit_reached"
)

var (
	ErrNotFound          = errors.New("promo_not_found")
	ErrInactive          = errors.New("promo_inactive")
	ErrExpired           = errors.New("promo_expired")
	ErrBelowMinPurchase  = errors.New("promo_below_min_purchase")
	ErrUsageLimitReached = errors.New("promo_usage_limit_reached")

	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidDiscountType = errors.New("invalid_discount_type")
	ErrInvalidValue        = errors.New("invalid_discount_value")
	ErrInvalidWindow       = errors.New("invalid_validity_window")
	ErrInvalidUsageLimit   = errors.New("invalid_usage_limit")
	ErrCodeExists          = errors.New("promo_code_exists")
)

var reasonErrors = map[Reason]error{
	ReasonNotFound:          ErrNotFound,
	ReasonInactive:          ErrInactive,
	ReasonExpired:           ErrExpired,
	ReasonBelowMinPurchase:  ErrBelowMinPurchase,
	ReasonUsageLimitReached: ErrUsageLimitReached,
}

// RejectionError explains why a code cannot be applied.
type RejectionError struct {
	Code   string
	Reason Reason
}

func Reject(code string, reason Reason) *RejectionError {
	return &RejectionError{Code: code, Reason: reason}
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("promo code %q rejected: %s", e.Code, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return reasonErrors[e.Reason]
}
