package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	checkoutdomain "github.com/smallbiznis/keyforge/internal/checkout/domain"
	fulfillmentdomain "github.com/smallbiznis/keyforge/internal/fulfillment/domain"
	"github.com/smallbiznis/keyforge/internal/observability/metrics"
	"github.com/smallbiznis/keyforge/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const statusSucceeded = "succeeded"

type Params struct {
	fx.In

	Log         *zap.Logger
	Adapters    *adapters.Registry
	Fulfillment fulfillmentdomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	adapters    *adapters.Registry
	fulfillment fulfillmentdomain.Service
	metrics     *metrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:         p.Log.Named("payment.webhook"),
		adapters:    p.Adapters,
		fulfillment: p.Fulfillment,
		metrics:     p.Metrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*paymentdomain.WebhookResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		s.metrics.RecordWebhookEvent(ctx, provider, "", "invalid_payload")
		return nil, paymentdomain.ErrInvalidPayload
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, "", "invalid_signature")
		s.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.metrics.RecordWebhookEvent(ctx, provider, "", paymentdomain.OutcomeIgnored)
			return &paymentdomain.WebhookResult{Outcome: paymentdomain.OutcomeIgnored}, nil
		}
		s.metrics.RecordWebhookEvent(ctx, provider, "", "invalid_event")
		return nil, err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	if event.Status != statusSucceeded {
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, paymentdomain.OutcomeIgnored)
		return &paymentdomain.WebhookResult{Outcome: paymentdomain.OutcomeIgnored, ChargeID: event.ChargeID}, nil
	}

	snap, err := checkoutdomain.SnapshotFromMetadata(event.Metadata)
	if err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "invalid_event")
		s.log.Error("payment event without a usable cart snapshot",
			zap.String("provider", provider),
			zap.String("charge_id", event.ChargeID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", paymentdomain.ErrInvalidEvent, err)
	}
	if err := matchesCharge(event, snap); err != nil {
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "invalid_event")
		s.log.Error("payment event does not match snapshot",
			zap.String("provider", provider),
			zap.String("charge_id", event.ChargeID),
			zap.Error(err),
		)
		return nil, err
	}

	result, err := s.fulfillment.Fulfill(ctx, fulfillmentdomain.FulfillRequest{
		Provider: provider,
		ChargeID: event.ChargeID,
		EventID:  event.ProviderEventID,
		Snapshot: *snap,
	})
	var dup *fulfillmentdomain.DuplicateEventError
	switch {
	case errors.As(err, &dup):
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, paymentdomain.OutcomeDuplicate)
		orderID := dup.OrderID
		return &paymentdomain.WebhookResult{Outcome: paymentdomain.OutcomeDuplicate, ChargeID: event.ChargeID, OrderID: &orderID}, nil
	case err != nil:
		s.metrics.RecordWebhookEvent(ctx, provider, event.Type, "error")
		return nil, err
	}

	outcome := paymentdomain.OutcomeFulfilled
	if result.State == fulfillmentdomain.StateShortage {
		outcome = paymentdomain.OutcomeShortage
	}
	s.metrics.RecordWebhookEvent(ctx, provider, event.Type, outcome)

	orderID := result.OrderID
	return &paymentdomain.WebhookResult{Outcome: outcome, ChargeID: event.ChargeID, OrderID: &orderID}, nil
}

// matchesCharge checks the captured amount against the snapshot total,
// allowing one minor unit of rounding.
func matchesCharge(event *paymentdomain.PaymentEvent, snap *checkoutdomain.Snapshot) error {
	if strings.TrimSpace(event.ChargeID) == "" {
		return fmt.Errorf("%w: missing charge id", paymentdomain.ErrInvalidEvent)
	}
	if event.Currency != "" && snap.Currency != "" && !strings.EqualFold(event.Currency, snap.Currency) {
		return fmt.Errorf("%w: currency %s does not match snapshot %s", paymentdomain.ErrInvalidEvent, event.Currency, snap.Currency)
	}
	if diff := event.AmountCents - snap.TotalCents; diff > 1 || diff < -1 {
		return fmt.Errorf("%w: amount %d does not match snapshot total %d", paymentdomain.ErrInvalidEvent, event.AmountCents, snap.TotalCents)
	}
	return nil
}
