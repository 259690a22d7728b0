package domain

import "time"

const (
	EventTypePaymentSucceeded = "payment_succeeded"
)

// ChargeRequest asks a provider to open a charge the buyer will confirm
// client side.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	Description    string
	ReceiptEmail   string
	Metadata       map[string]string
	IdempotencyKey string
}

type Charge struct {
	ID           string `json:"charge_id"`
	ClientSecret string `json:"client_secret"`
	AmountCents  int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider          string
	ProviderEventID   string
	ChargeID          string
	ProviderChargeRef string
	ObjectType        string
	Type              string
	Status            string
	AmountCents       int64
	Currency          string
	Metadata          map[string]string
	OccurredAt        time.Time
	RawPayload        []byte
}
