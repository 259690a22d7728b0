package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
)

// MaxAttempts caps automatic delivery retries per order.
const MaxAttempts = 5

type Service interface {
	Dispatch(ctx context.Context, orderID snowflake.ID) error
	RetryFailed(ctx context.Context, limit int) (*RetryResult, error)
	// Receipt renders the PDF receipt of an order the viewer may see.
	Receipt(ctx context.Context, viewer fulfillmentdomain.Viewer, orderID string) ([]byte, error)
}

type RetryResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}
