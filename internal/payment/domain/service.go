package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// Service ingests provider webhooks and hands confirmed charges to fulfillment.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*WebhookResult, error)
}

const (
	OutcomeIgnored   = "ignored"
	OutcomeFulfilled = "fulfilled"
	OutcomeDuplicate = "duplicate"
	OutcomeShortage  = "shortage"
)

type WebhookResult struct {
	Outcome  string        `json:"outcome"`
	ChargeID string        `json:"charge_id,omitempty"`
	OrderID  *snowflake.ID `json:"order_id,omitempty"`
}
