package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/keyforge/internal/clock"
	paymentdomain "github.com/smallbiznis/keyforge/internal/payment/domain"
)

const (
	ProviderName = "stripe"

	DefaultAPIBase   = "https://api.stripe.com"
	DefaultTolerance = 5 * time.Minute

	maxResponseBytes = 1 << 20
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	APIBase       string
	Tolerance     time.Duration
	HTTPClient    *http.Client
	Clock         clock.Clock
}

type Adapter struct {
	secretKey     string
	webhookSecret string
	apiBase       string
	tolerance     time.Duration
	client        *http.Client
	clock         clock.Clock
}

func New(cfg Config) (*Adapter, error) {
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	a := &Adapter{
		secretKey:     strings.TrimSpace(cfg.SecretKey),
		webhookSecret: webhookSecret,
		apiBase:       strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"),
		tolerance:     cfg.Tolerance,
		client:        cfg.HTTPClient,
		clock:         cfg.Clock,
	}
	if a.apiBase == "" {
		a.apiBase = DefaultAPIBase
	}
	if a.tolerance <= 0 {
		a.tolerance = DefaultTolerance
	}
	if a.client == nil {
		a.client = &http.Client{}
	}
	if a.clock == nil {
		a.clock = clock.SystemClock{}
	}
	return a, nil
}

func (a *Adapter) Name() string {
	return ProviderName
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Object         string         `json:"object"`
	ClientSecret   string         `json:"client_secret"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeCharge struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"`
	PaymentIntent string         `json:"payment_intent"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	Status        string         `json:"status"`
	Paid          bool           `json:"paid"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// CreateCharge opens a payment intent. The caller bounds the call with ctx.
func (a *Adapter) CreateCharge(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.Charge, error) {
	if a.secretKey == "" {
		return nil, a.providerError(0, paymentdomain.ErrInvalidConfig)
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if req.ReceiptEmail != "" {
		form.Set("receipt_email", req.ReceiptEmail)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set("metadata["+k+"]", req.Metadata[k])
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, a.providerError(0, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.providerError(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, a.providerError(resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr stripeError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, a.providerError(resp.StatusCode, errors.New(apiErr.Error.Message))
		}
		return nil, a.providerError(resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	}

	var intent stripePaymentIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, a.providerError(resp.StatusCode, err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, a.providerError(resp.StatusCode, errors.New("incomplete payment intent response"))
	}

	return &paymentdomain.Charge{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		AmountCents:  intent.Amount,
		Currency:     strings.ToLower(intent.Currency),
		Status:       intent.Status,
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(signedAt, 0))
	if age > a.tolerance || age < -a.tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	expected := sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload)
	case "charge.succeeded":
		return a.parseCharge(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	return &paymentdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		ChargeID:          intent.ID,
		ProviderChargeRef: intent.ID,
		ObjectType:        "payment_intent",
		Type:              paymentdomain.EventTypePaymentSucceeded,
		Status:            intent.Status,
		AmountCents:       amount,
		Currency:          strings.ToLower(strings.TrimSpace(intent.Currency)),
		Metadata:          flattenMetadata(intent.Metadata),
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseCharge(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	// Charges created from a payment intent are fulfilled under the intent id,
	// so both event kinds land on the same idempotency key.
	chargeID := strings.TrimSpace(charge.PaymentIntent)
	if chargeID == "" {
		chargeID = strings.TrimSpace(charge.ID)
	}
	if chargeID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:          ProviderName,
		ProviderEventID:   event.ID,
		ChargeID:          chargeID,
		ProviderChargeRef: charge.ID,
		ObjectType:        "charge",
		Type:              paymentdomain.EventTypePaymentSucceeded,
		Status:            charge.Status,
		AmountCents:       charge.Amount,
		Currency:          strings.ToLower(strings.TrimSpace(charge.Currency)),
		Metadata:          flattenMetadata(charge.Metadata),
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) providerError(status int, err error) error {
	return &paymentdomain.PaymentProviderError{
		Provider:   ProviderName,
		Op:         "create_charge",
		StatusCode: status,
		Err:        err,
	}
}

// SignPayload builds a Stripe-Signature header value for payload.
func SignPayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, sign(secret, ts, payload))
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func flattenMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for k := range metadata {
		if v := readMetadataValue(metadata, k); v != "" {
			out[k] = v
		}
	}
	return out
}

func readMetadataValue(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return cast
	case float64:
		return strconv.FormatFloat(cast, 'f', -1, 64)
	case json.Number:
		return cast.String()
	case bool:
		return strconv.FormatBool(cast)
	}
	return ""
}
