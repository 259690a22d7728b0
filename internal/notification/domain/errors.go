package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound       = errors.New("order_not_found")
	ErrNotDeliverable = errors.New("order_not_deliverable")
	ErrNoRecipient    = errors.New("order_has_no_recipient")
)

// NotificationError records a failed key delivery. The order is left intact
// and picked up again by RetryFailed.
type NotificationError struct {
	OrderID  snowflake.ID
	Attempts int
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify order %s (attempt %d): %v", e.OrderID, e.Attempts, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }
