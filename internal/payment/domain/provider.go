package domain

import (
	"context"
	"net/http"
)

//go:generate mockgen -source=provider.go -destination=../mocks/mock_provider.go -package=mocks

// Provider is the contract every payment gateway adapter fulfils.
type Provider interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// Verify authenticates an inbound webhook before it is parsed.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}
