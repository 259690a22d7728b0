// Package events publishes domain events about fulfilled and held orders.
package events

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeOrderFulfilled      = "order.fulfilled"
	TypeFulfillmentShortage = "fulfillment.shortage"
)

// Event is the envelope written to the bus. Key selects the partition.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Key        string    `json:"-"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func New(eventType, key string, data any, now time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:       eventType,
		OccurredAt: now.UTC(),
		Key:        key,
		Data:       data,
	}
}

type OrderFulfilled struct {
	OrderID    string `json:"order_id"`
	ChargeID   string `json:"charge_id"`
	BuyerID    string `json:"buyer_id"`
	TotalCents int64  `json:"total"`
	Currency   string `json:"currency"`
	KeyCount   int    `json:"key_count"`
}

type ShortageLine struct {
	ProductID string `json:"product_id"`
	Region    string `json:"region"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type FulfillmentShortage struct {
	OrderID  string         `json:"order_id"`
	ChargeID string         `json:"charge_id"`
	BuyerID  string         `json:"buyer_id"`
	Lines    []ShortageLine `json:"lines"`
}
