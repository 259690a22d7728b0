package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/keyforge/internal/clock"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "whsec_test"
	}
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewRequiresWebhookSecret(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	clk := clock.NewFakeClock(now)
	adapter := newAdapter(t, Config{WebhookSecret: "whsec_test", Clock: clk})
	payload := []byte(`{"id":"evt_123","type":"charge.succeeded","data":{"object":{}}}`)

	header := http.Header{}
	header.Set("Stripe-Signature", SignPayload("whsec_test", payload, now))
	require.NoError(t, adapter.Verify(context.Background(), payload, header))

	header.Set("Stripe-Signature", SignPayload("wrong", payload, now))
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, header), paymentdomain.ErrInvalidSignature)

	header.Set("Stripe-Signature", SignPayload("whsec_test", []byte(`{"tampered":true}`), now))
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, header), paymentdomain.ErrInvalidSignature)

	header.Del("Stripe-Signature")
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, header), paymentdomain.ErrInvalidSignature)

	header.Set("Stripe-Signature", "t=abc,v1=deadbeef")
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, header), paymentdomain.ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_760_000_000, 0).UTC()
	clk := clock.NewFakeClock(now)
	adapter := newAdapter(t, Config{Clock: clk})
	payload := []byte(`{"id":"evt_1"}`)

	header := http.Header{}
	header.Set("Stripe-Signature", SignPayload("whsec_test", payload, now.Add(-6*time.Minute)))
	require.ErrorIs(t, adapter.Verify(context.Background(), payload, header), paymentdomain.ErrInvalidSignature)

	header.Set("Stripe-Signature", SignPayload("whsec_test", payload, now.Add(-4*time.Minute)))
	require.NoError(t, adapter.Verify(context.Background(), payload, header))
}

func TestParsePaymentEvent(t *testing.T) {
	adapter := newAdapter(t, Config{})
	created := time.Now().UTC().Unix()

	tests := []struct {
		name       string
		event      any
		chargeID   string
		objectType string
		amount     int64
	}{{
		name: "payment_intent.succeeded",
		event: map[string]any{
			"id":      "evt_pi",
			"type":    "payment_intent.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":              "pi_1",
					"amount":          2500,
					"amount_received": 2500,
					"currency":        "USD",
					"status":          "succeeded",
					"created":         created,
					"metadata": map[string]any{
						"buyer_id": "buyer-1",
						"snapshot": `{"items":[]}`,
					},
				},
			},
		},
		chargeID:   "pi_1",
		objectType: "payment_intent",
		amount:     2500,
	}, {
		name: "charge.succeeded",
		event: map[string]any{
			"id":      "evt_ch",
			"type":    "charge.succeeded",
			"created": created,
			"data": map[string]any{
				"object": map[string]any{
					"id":             "ch_1",
					"payment_intent": "pi_1",
					"amount":         2500,
					"currency":       "usd",
					"status":         "succeeded",
					"created":        created,
					"metadata": map[string]any{
						"buyer_id": "buyer-1",
						"snapshot": `{"items":[]}`,
					},
				},
			},
		},
		chargeID:   "pi_1",
		objectType: "charge",
		amount:     2500,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(tt.event)
			require.NoError(t, err)

			event, err := adapter.Parse(context.Background(), payload)
			require.NoError(t, err)
			assert.Equal(t, paymentdomain.EventTypePaymentSucceeded, event.Type)
			assert.Equal(t, tt.chargeID, event.ChargeID)
			assert.Equal(t, tt.objectType, event.ObjectType)
			assert.Equal(t, tt.amount, event.AmountCents)
			assert.Equal(t, "usd", event.Currency)
			assert.Equal(t, "succeeded", event.Status)
			assert.Equal(t, "buyer-1", event.Metadata["buyer_id"])
			assert.Equal(t, `{"items":[]}`, event.Metadata["snapshot"])
			assert.Equal(t, created, event.OccurredAt.Unix())
		})
	}
}

func TestParseIgnoresOtherEvents(t *testing.T) {
	adapter := newAdapter(t, Config{})

	_, err := adapter.Parse(context.Background(), []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`))
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = adapter.Parse(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"type":"payment_intent.succeeded"}`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}

func TestCreateCharge(t *testing.T) {
	var gotForm map[string][]string
	var gotAuth, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","client_secret":"pi_123_secret_abc","amount":22500,"currency":"usd","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	adapter := newAdapter(t, Config{SecretKey: "sk_test", APIBase: srv.URL, HTTPClient: srv.Client()})
	charge, err := adapter.CreateCharge(context.Background(), paymentdomain.ChargeRequest{
		AmountCents:    22500,
		Currency:       "USD",
		Metadata:       map[string]string{"buyer_id": "b1"},
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123", charge.ID)
	assert.Equal(t, "pi_123_secret_abc", charge.ClientSecret)
	assert.Equal(t, int64(22500), charge.AmountCents)
	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "idem-1", gotIdem)
	assert.Equal(t, []string{"22500"}, gotForm["amount"])
	assert.Equal(t, []string{"usd"}, gotForm["currency"])
	assert.Equal(t, []string{"b1"}, gotForm["metadata[buyer_id]"])
}

func TestCreateChargeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"card_error","message":"card declined"}}`))
	}))
	defer srv.Close()

	adapter := newAdapter(t, Config{SecretKey: "sk_test", APIBase: srv.URL, HTTPClient: srv.Client()})
	_, err := adapter.CreateCharge(context.Background(), paymentdomain.ChargeRequest{AmountCents: 100, Currency: "usd"})

	var providerErr *paymentdomain.PaymentProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, http.StatusPaymentRequired, providerErr.StatusCode)
	assert.Contains(t, providerErr.Error(), "card declined")
}

func TestCreateChargeHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	adapter := newAdapter(t, Config{SecretKey: "sk_test", APIBase: srv.URL, HTTPClient: srv.Client()})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := adapter.CreateCharge(ctx, paymentdomain.ChargeRequest{AmountCents: 100, Currency: "usd"})
	var providerErr *paymentdomain.PaymentProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
