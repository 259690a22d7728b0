package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidRequest        = errors.New("invalid_fulfillment_request")
	ErrInvalidID             = errors.New("invalid_id")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvalidTransition     = errors.New("invalid_status_transition")
	ErrNotFound              = errors.New("not_found")
	ErrForbidden             = errors.New("forbidden")
	ErrNotRevealable         = errors.New("order_not_revealable")
	ErrFulfillmentInProgress = errors.New("fulfillment_in_progress")
	ErrLeaseLost             = errors.New("fulfillment_lease_lost")
	ErrStockInvariant        = errors.New("stock_invariant_violated")
	ErrDuplicateEvent        = errors.New("duplicate_event")
	ErrAllocationShortage    = errors.New("allocation_shortage")
)

// DuplicateEventError is returned for a charge that already has an order.
type DuplicateEventError struct {
	ChargeID string
	OrderID  snowflake.ID
	State    State
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("charge %s already fulfilled as order %s (%s)", e.ChargeID, e.OrderID, e.State)
}

func (e *DuplicateEventError) Unwrap() error { return ErrDuplicateEvent }

type ShortageLine struct {
	ProductID snowflake.ID `json:"product_id"`
	Region    string       `json:"region"`
	Requested int          `json:"requested"`
	Available int          `json:"available"`
}

// AllocationShortageError lists every partition that could not be covered.
type AllocationShortageError struct {
	ChargeID string
	Lines    []ShortageLine
}

func (e *AllocationShortageError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("product %s/%s requested %d available %d", l.ProductID, l.Region, l.Requested, l.Available))
	}
	return fmt.Sprintf("allocation shortage for charge %s: %s", e.ChargeID, strings.Join(parts, "; "))
}

func (e *AllocationShortageError) Unwrap() error { return ErrAllocationShortage }
