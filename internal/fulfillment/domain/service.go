package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
)

type Service interface {
	// Fulfill turns a confirmed charge into exactly one order. Replays of a
	// fulfilled charge return *DuplicateEventError.
	Fulfill(ctx context.Context, req FulfillRequest) (*Result, error)
	// Resume re-drives a charge from its stored snapshot.
	Resume(ctx context.Context, chargeID string) (*Result, error)
	ListStalled(ctx context.Context, limit int) ([]string, error)
	Lookup(ctx context.Context, viewer Viewer, chargeID string) (*LookupResult, error)

	RevealKeys(ctx context.Context, viewer Viewer, orderID string) (*KeyReveal, error)
	GetOrder(ctx context.Context, viewer Viewer, orderID string) (*Order, error)
	ListOrders(ctx context.Context, req ListOrdersRequest) (*ListOrdersResponse, error)
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error)
}

// Notifier delivers keys once an order exists.
type Notifier interface {
	Dispatch(ctx context.Context, orderID snowflake.ID) error
}

type FulfillRequest struct {
	Provider string
	ChargeID string
	EventID  string
	Snapshot checkoutdomain.Snapshot
}

type Result struct {
	ChargeID    string                   `json:"charge_id"`
	OrderID     snowflake.ID             `json:"order_id"`
	State       State                    `json:"state"`
	Status      OrderStatus              `json:"status"`
	KeysClaimed int                      `json:"keys_claimed"`
	Shortage    *AllocationShortageError `json:"-"`
}

// Viewer is the authenticated caller of buyer facing reads.
type Viewer struct {
	SubjectID string
	IsAdmin   bool
}

func (v Viewer) CanSee(o *Order) bool {
	return v.IsAdmin || (v.SubjectID != "" && v.SubjectID == o.BuyerID)
}

type LookupResult struct {
	ChargeID string        `json:"chargeId"`
	Status   string        `json:"status"`
	OrderID  *snowflake.ID `json:"orderId,omitempty"`
}

const RevealWarning = "These keys are shown only once. Please save them securely."

type KeyReveal struct {
	OrderID snowflake.ID  `json:"orderId"`
	Keys    []RevealedKey `json:"keys"`
	Warning string        `json:"warning"`
}

type RevealedKey struct {
	ProductID   snowflake.ID `json:"productId"`
	ProductName string       `json:"productName"`
	Key         string       `json:"key,omitempty"`
	Region      string       `json:"region"`
	Error       string       `json:"error,omitempty"`
}

type ListOrdersRequest struct {
	Status  string `form:"status"`
	BuyerID string `form:"buyer_id"`
	pagination.Page
}

type ListOrdersResponse struct {
	Orders   []Order             `json:"orders"`
	PageInfo pagination.PageInfo `json:"page_info"`
}
